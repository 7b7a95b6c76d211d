// Package memory provides an in-memory implementation of the entitlement.Store interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/plansync/pkg/entitlement"
)

// Store implements entitlement.Store using in-memory maps
type Store struct {
	mu        sync.RWMutex
	records   map[string]*entitlement.Record
	customers map[string]string // customer ref -> user id
}

// New creates a new in-memory store
func New() *Store {
	return &Store{
		records:   make(map[string]*entitlement.Record),
		customers: make(map[string]string),
	}
}

// Get implements entitlement.Store
func (s *Store) Get(_ context.Context, userID string) (*entitlement.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[userID]
	if !ok {
		return nil, entitlement.ErrRecordNotFound
	}
	return rec.Clone(), nil
}

// GetByCustomer implements entitlement.Store
func (s *Store) GetByCustomer(_ context.Context, customerRef string) (*entitlement.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userID, ok := s.customers[customerRef]
	if !ok {
		return nil, entitlement.ErrRecordNotFound
	}
	return s.records[userID].Clone(), nil
}

// CreateIfAbsent implements entitlement.Store
func (s *Store) CreateIfAbsent(_ context.Context, rec *entitlement.Record) (*entitlement.Record, bool, error) {
	if rec == nil || rec.UserID == "" {
		return nil, false, entitlement.ErrInvalidUser
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[rec.UserID]; ok {
		return existing.Clone(), false, nil
	}
	stored := rec.Clone()
	s.records[rec.UserID] = stored
	if stored.CustomerRef != "" {
		s.customers[stored.CustomerRef] = stored.UserID
	}
	return stored.Clone(), true, nil
}

// LinkCustomer implements entitlement.Store
func (s *Store) LinkCustomer(_ context.Context, userID, customerRef string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[userID]
	if !ok {
		return "", entitlement.ErrRecordNotFound
	}
	if rec.CustomerRef != "" {
		return rec.CustomerRef, nil
	}
	if owner, taken := s.customers[customerRef]; taken && owner != userID {
		return "", fmt.Errorf("customer %s: %w", customerRef, entitlement.ErrCustomerConflict)
	}
	rec.CustomerRef = customerRef
	rec.UpdatedAt = time.Now().UTC()
	s.customers[customerRef] = userID
	return customerRef, nil
}

// ApplySubscription implements entitlement.Store
func (s *Store) ApplySubscription(_ context.Context, upd *entitlement.SubscriptionUpdate) (*entitlement.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userID, ok := s.customers[upd.CustomerRef]
	if !ok {
		return nil, entitlement.ErrRecordNotFound
	}
	next := s.records[userID].Clone()
	if err := upd.Apply(next, time.Now()); err != nil {
		return nil, err
	}
	s.records[userID] = next
	return next.Clone(), nil
}

// ConsumeCredits implements entitlement.Store
func (s *Store) ConsumeCredits(_ context.Context, userID string, amount, budget int) (int, error) {
	if amount < 0 {
		return 0, entitlement.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[userID]
	if !ok {
		return 0, entitlement.ErrRecordNotFound
	}
	if rec.CreditsUsed+amount > budget {
		return rec.CreditsUsed, entitlement.ErrCreditsExhausted
	}
	rec.CreditsUsed += amount
	rec.UpdatedAt = time.Now().UTC()
	return rec.CreditsUsed, nil
}

// ResetCredits implements entitlement.Store
func (s *Store) ResetCredits(_ context.Context, userID string, cycleStart time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[userID]
	if !ok {
		return false, entitlement.ErrRecordNotFound
	}
	if !rec.LastReset.Before(cycleStart) {
		return false, nil
	}
	rec.CreditsUsed = 0
	rec.LastReset = cycleStart.UTC()
	rec.UpdatedAt = time.Now().UTC()
	return true, nil
}

// SetDisplayName implements entitlement.Store
func (s *Store) SetDisplayName(_ context.Context, userID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[userID]
	if !ok {
		return entitlement.ErrRecordNotFound
	}
	rec.DisplayName = name
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// Put stores rec as-is, replacing any existing record. Intended for seeding tests.
func (s *Store) Put(rec *entitlement.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.records[rec.UserID]; ok && old.CustomerRef != "" {
		delete(s.customers, old.CustomerRef)
	}
	s.records[rec.UserID] = rec.Clone()
	if rec.CustomerRef != "" {
		s.customers[rec.CustomerRef] = rec.UserID
	}
}

// Save implements tiered.Hot by overwriting the cached record.
func (s *Store) Save(_ context.Context, rec *entitlement.Record) error {
	if rec == nil || rec.UserID == "" {
		return entitlement.ErrInvalidUser
	}
	s.Put(rec)
	return nil
}

// Evict implements tiered.Hot
func (s *Store) Evict(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[userID]; ok {
		if rec.CustomerRef != "" {
			delete(s.customers, rec.CustomerRef)
		}
		delete(s.records, userID)
	}
	return nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Clear removes all data
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]*entitlement.Record)
	s.customers = make(map[string]string)
}
