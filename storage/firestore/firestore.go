// Package firestore provides a Firestore implementation of the entitlement.Store interface.
// Every conditional write runs in a Firestore transaction. A second collection
// indexes records by processor customer reference.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/plansync/pkg/entitlement"
)

// Store implements entitlement.Store using Google Cloud Firestore
type Store struct {
	client                 *firestore.Client
	entitlementsCollection string
	customersCollection    string
}

// Config holds Firestore storage configuration
type Config struct {
	// EntitlementsCollection is the Firestore collection for user records
	// Default: "entitlements"
	EntitlementsCollection string

	// CustomersCollection maps customer references to user ids
	// Default: "entitlement_customers"
	CustomersCollection string
}

// New creates a new Firestore store
func New(client *firestore.Client, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}
	if config.EntitlementsCollection == "" {
		config.EntitlementsCollection = "entitlements"
	}
	if config.CustomersCollection == "" {
		config.CustomersCollection = "entitlement_customers"
	}

	return &Store{
		client:                 client,
		entitlementsCollection: config.EntitlementsCollection,
		customersCollection:    config.CustomersCollection,
	}, nil
}

func (s *Store) recordDoc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.entitlementsCollection).Doc(userID)
}

func (s *Store) customerDoc(customerRef string) *firestore.DocumentRef {
	return s.client.Collection(s.customersCollection).Doc(customerRef)
}

// Get implements entitlement.Store
func (s *Store) Get(ctx context.Context, userID string) (*entitlement.Record, error) {
	snap, err := s.recordDoc(userID).Get(ctx)
	return snapshotRecord(snap, err)
}

// GetByCustomer implements entitlement.Store
func (s *Store) GetByCustomer(ctx context.Context, customerRef string) (*entitlement.Record, error) {
	snap, err := s.customerDoc(customerRef).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, entitlement.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to resolve customer: %w", err)
	}
	return s.Get(ctx, getString(snap.Data(), "userId"))
}

// CreateIfAbsent implements entitlement.Store
func (s *Store) CreateIfAbsent(ctx context.Context, rec *entitlement.Record) (*entitlement.Record, bool, error) {
	if rec == nil || rec.UserID == "" {
		return nil, false, entitlement.ErrInvalidUser
	}

	doc := s.recordDoc(rec.UserID)
	var (
		stored  *entitlement.Record
		created bool
	)
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		created = false
		snap, err := tx.Get(doc)
		if err == nil && snap.Exists() {
			stored, err = fromData(rec.UserID, snap.Data())
			return err
		}
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		next := rec.Clone()
		next.UpdatedAt = time.Now().UTC()
		if err := tx.Create(doc, toData(next)); err != nil {
			return err
		}
		if next.CustomerRef != "" {
			if err := tx.Set(s.customerDoc(next.CustomerRef), map[string]interface{}{"userId": next.UserID}); err != nil {
				return err
			}
		}
		stored, created = next, true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to create entitlement: %w", err)
	}
	return stored, created, nil
}

// LinkCustomer implements entitlement.Store
func (s *Store) LinkCustomer(ctx context.Context, userID, customerRef string) (string, error) {
	doc := s.recordDoc(userID)
	index := s.customerDoc(customerRef)
	var linked string

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		rec, err := snapshotRecord(snap, err)
		if err != nil {
			return err
		}
		if rec.CustomerRef != "" {
			linked = rec.CustomerRef
			return nil
		}

		owner, err := tx.Get(index)
		if err == nil && owner.Exists() && getString(owner.Data(), "userId") != userID {
			return entitlement.ErrCustomerConflict
		}
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		if err := tx.Set(index, map[string]interface{}{"userId": userID}); err != nil {
			return err
		}
		linked = customerRef
		return tx.Update(doc, []firestore.Update{
			{Path: "customerRef", Value: customerRef},
			{Path: "updatedAt", Value: time.Now().UTC()},
		})
	})
	switch {
	case err == nil:
		return linked, nil
	case errors.Is(err, entitlement.ErrRecordNotFound):
		return "", err
	case errors.Is(err, entitlement.ErrCustomerConflict):
		return "", fmt.Errorf("customer %s: %w", customerRef, err)
	default:
		return "", fmt.Errorf("failed to link customer: %w", err)
	}
}

// ApplySubscription implements entitlement.Store
func (s *Store) ApplySubscription(ctx context.Context, upd *entitlement.SubscriptionUpdate) (*entitlement.Record, error) {
	index := s.customerDoc(upd.CustomerRef)
	var applied *entitlement.Record

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		owner, err := tx.Get(index)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return entitlement.ErrRecordNotFound
			}
			return err
		}
		doc := s.recordDoc(getString(owner.Data(), "userId"))

		snap, err := tx.Get(doc)
		rec, err := snapshotRecord(snap, err)
		if err != nil {
			return err
		}
		if err := upd.Apply(rec, time.Now()); err != nil {
			return err
		}
		applied = rec
		return tx.Set(doc, toData(rec))
	})
	if err != nil {
		if errors.Is(err, entitlement.ErrRecordNotFound) || errors.Is(err, entitlement.ErrStaleEvent) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to apply subscription: %w", err)
	}
	return applied, nil
}

// ConsumeCredits implements entitlement.Store
func (s *Store) ConsumeCredits(ctx context.Context, userID string, amount, budget int) (int, error) {
	if amount < 0 {
		return 0, entitlement.ErrInvalidAmount
	}

	doc := s.recordDoc(userID)
	var used int
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		rec, err := snapshotRecord(snap, err)
		if err != nil {
			return err
		}
		used = rec.CreditsUsed
		if used+amount > budget {
			return entitlement.ErrCreditsExhausted
		}
		used += amount
		return tx.Update(doc, []firestore.Update{
			{Path: "leadsUsed", Value: used},
			{Path: "updatedAt", Value: time.Now().UTC()},
		})
	})
	if err != nil {
		if errors.Is(err, entitlement.ErrCreditsExhausted) {
			return used, err
		}
		if errors.Is(err, entitlement.ErrRecordNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("failed to consume credits: %w", err)
	}
	return used, nil
}

// ResetCredits implements entitlement.Store
func (s *Store) ResetCredits(ctx context.Context, userID string, cycleStart time.Time) (bool, error) {
	doc := s.recordDoc(userID)
	var reset bool
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		reset = false
		snap, err := tx.Get(doc)
		rec, err := snapshotRecord(snap, err)
		if err != nil {
			return err
		}
		if !rec.LastReset.Before(cycleStart) {
			return nil
		}
		reset = true
		return tx.Update(doc, []firestore.Update{
			{Path: "leadsUsed", Value: 0},
			{Path: "lastReset", Value: cycleStart.UTC()},
			{Path: "updatedAt", Value: time.Now().UTC()},
		})
	})
	if err != nil {
		if errors.Is(err, entitlement.ErrRecordNotFound) {
			return false, err
		}
		return false, fmt.Errorf("failed to reset credits: %w", err)
	}
	return reset, nil
}

// SetDisplayName implements entitlement.Store
func (s *Store) SetDisplayName(ctx context.Context, userID, name string) error {
	_, err := s.recordDoc(userID).Update(ctx, []firestore.Update{
		{Path: "displayName", Value: name},
		{Path: "updatedAt", Value: time.Now().UTC()},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return entitlement.ErrRecordNotFound
		}
		return fmt.Errorf("failed to set display name: %w", err)
	}
	return nil
}

func snapshotRecord(snap *firestore.DocumentSnapshot, err error) (*entitlement.Record, error) {
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, entitlement.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}
	if !snap.Exists() {
		return nil, entitlement.ErrRecordNotFound
	}
	return fromData(snap.Ref.ID, snap.Data())
}

func toData(rec *entitlement.Record) map[string]interface{} {
	return map[string]interface{}{
		"email":           rec.Email,
		"displayName":     rec.DisplayName,
		"planId":          rec.Plan.String(),
		"status":          string(rec.Status),
		"billingCycle":    string(rec.BillingCycle),
		"customerRef":     rec.CustomerRef,
		"subscriptionRef": rec.SubscriptionRef,
		"leadsUsed":       rec.CreditsUsed,
		"lastReset":       rec.LastReset.UTC(),
		"cycleAnchor":     optionalTime(rec.CycleAnchor),
		"periodEnd":       optionalTime(rec.PeriodEnd),
		"eventAt":         optionalTime(rec.EventAt),
		"updatedAt":       rec.UpdatedAt.UTC(),
	}
}

func fromData(userID string, data map[string]interface{}) (*entitlement.Record, error) {
	plan, err := entitlement.ParsePlan(getString(data, "planId"))
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", userID, err)
	}
	return &entitlement.Record{
		UserID:          userID,
		Email:           getString(data, "email"),
		DisplayName:     getString(data, "displayName"),
		Plan:            plan,
		Status:          entitlement.ParseStatus(getString(data, "status")),
		BillingCycle:    entitlement.ParseBillingCycle(getString(data, "billingCycle")),
		CustomerRef:     getString(data, "customerRef"),
		SubscriptionRef: getString(data, "subscriptionRef"),
		CreditsUsed:     getInt(data, "leadsUsed"),
		LastReset:       getTime(data, "lastReset"),
		CycleAnchor:     getTime(data, "cycleAnchor"),
		PeriodEnd:       getTime(data, "periodEnd"),
		EventAt:         getTime(data, "eventAt"),
		UpdatedAt:       getTime(data, "updatedAt"),
	}, nil
}

// optionalTime stores zero times as null.
func optionalTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}
