package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/plansync/pkg/billing"
	"github.com/mihaimyh/plansync/pkg/billing/internal"
	"github.com/mihaimyh/plansync/pkg/entitlement"
)

const (
	eventSubscriptionCreated = "customer.subscription.created"
	eventSubscriptionUpdated = "customer.subscription.updated"
	eventSubscriptionDeleted = "customer.subscription.deleted"
	eventCheckoutCompleted   = "checkout.session.completed"
)

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool `json:"received"`
}

// errSkipped marks events that were acknowledged without a write.
var errSkipped = errors.New("event skipped")

// handleWebhook verifies and processes a Stripe event. Every failure answers
// 400 without touching the store; Stripe retries the delivery.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		internal.WriteJSON(w, http.StatusMethodNotAllowed, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if p.webhookSecret == "" {
		internal.WriteJSON(w, http.StatusServiceUnavailable, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	payload, err := internal.ReadBodyStrict(w, r, webhookBodyLimit)
	if err != nil {
		status, errType := http.StatusBadRequest, "invalid_payload"
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			status, errType = http.StatusRequestEntityTooLarge, "payload_too_large"
		}
		p.metrics.RecordWebhookError(providerName, errType)
		internal.WriteJSON(w, status, webhookErrorResponse{Error: err.Error()})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		p.metrics.RecordWebhookError(providerName, "signature_invalid")
		p.logger.Warn("webhook signature rejected", entitlement.Field{Key: "error", Value: err})
		internal.WriteJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: billing.ErrSignatureInvalid.Error()})
		return
	}

	eventType := string(event.Type)
	err = p.processEvent(r.Context(), &event)
	defer func() {
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(start))
	}()

	switch {
	case err == nil:
		p.metrics.RecordWebhookEvent(providerName, eventType, "success")
	case errors.Is(err, errSkipped):
		p.metrics.RecordWebhookEvent(providerName, eventType, "skipped")
	default:
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		p.logger.Error("webhook processing failed",
			entitlement.Field{Key: "event_id", Value: event.ID},
			entitlement.Field{Key: "type", Value: eventType},
			entitlement.Field{Key: "error", Value: err},
		)
		internal.WriteJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: err.Error()})
		return
	}
	internal.WriteJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
}

// processEvent dispatches a verified event. It returns errSkipped for events
// that were acknowledged without a write.
func (p *Provider) processEvent(ctx context.Context, event *stripe.Event) error {
	eventAt := time.Unix(event.Created, 0).UTC()
	eventType := string(event.Type)

	switch eventType {
	case eventSubscriptionCreated, eventSubscriptionUpdated, eventSubscriptionDeleted:
		var obj subscriptionObject
		if err := json.Unmarshal(event.Data.Raw, &obj); err != nil {
			return fmt.Errorf("%w: decode subscription: %v", billing.ErrInvalidWebhookPayload, err)
		}
		sub := obj.snapshot()
		if eventType == eventSubscriptionDeleted && sub.Status == "" {
			sub.Status = string(entitlement.StatusCanceled)
		}
		_, err := p.apply(ctx, sub, eventAt, eventType, event.ID)
		return err

	case eventCheckoutCompleted:
		var cs checkoutSessionObject
		if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
			return fmt.Errorf("%w: decode checkout session: %v", billing.ErrInvalidWebhookPayload, err)
		}
		return p.handleCheckoutCompleted(ctx, &cs, eventAt, event.ID)

	default:
		p.logger.Debug("webhook ignored",
			entitlement.Field{Key: "type", Value: eventType},
			entitlement.Field{Key: "event_id", Value: event.ID},
		)
		return errSkipped
	}
}

// handleCheckoutCompleted fetches the new subscription and applies it through
// the same transition as subscription events.
func (p *Provider) handleCheckoutCompleted(ctx context.Context, cs *checkoutSessionObject, eventAt time.Time, eventID string) error {
	if cs.Subscription == "" {
		return errSkipped
	}

	// Recover a customer link lost between checkout start and completion.
	userID := firstNonEmpty(cs.Metadata[userIDMetadataKey], cs.ClientReferenceID)
	if userID != "" && cs.Customer != "" {
		_, err := p.manager.LinkCustomer(ctx, userID, string(cs.Customer))
		switch {
		case err == nil, errors.Is(err, entitlement.ErrRecordNotFound):
		case errors.Is(err, entitlement.ErrCustomerConflict):
			p.logger.Warn("checkout customer belongs to another user, link skipped",
				entitlement.Field{Key: "user_id", Value: userID},
				entitlement.Field{Key: "customer", Value: string(cs.Customer)},
			)
		default:
			return err
		}
	}

	var sub *billing.Subscription
	err := p.call("/subscriptions/retrieve", func() (e error) {
		sub, e = p.processor.GetSubscription(ctx, string(cs.Subscription))
		return e
	})
	if err != nil {
		return err
	}
	if sub.CustomerRef == "" {
		sub.CustomerRef = string(cs.Customer)
	}
	_, err = p.apply(ctx, sub, eventAt, eventCheckoutCompleted, eventID)
	return err
}

// apply is the single subscription transition: it maps the subscription onto
// the record linked to its customer. Unlinked customers and stale events are
// skipped.
func (p *Provider) apply(ctx context.Context, sub *billing.Subscription, eventAt time.Time,
	eventType, eventID string) (*entitlement.Record, error) {
	upd := &entitlement.SubscriptionUpdate{
		CustomerRef:     sub.CustomerRef,
		SubscriptionRef: sub.ID,
		Plan:            p.PlanForPrice(sub.PriceID),
		Status:          entitlement.ParseStatus(sub.Status),
		BillingCycle:    entitlement.ParseBillingCycle(sub.Interval),
		PeriodEnd:       sub.CurrentPeriodEnd,
		EventAt:         eventAt,
	}

	previous, err := p.manager.GetByCustomer(ctx, upd.CustomerRef)
	if err == nil {
		previous = previous.Clone()
	} else if !errors.Is(err, entitlement.ErrRecordNotFound) {
		return nil, err
	}

	rec, err := p.manager.ApplySubscription(ctx, upd)
	switch {
	case errors.Is(err, entitlement.ErrRecordNotFound):
		p.logger.Warn("subscription for unlinked customer ignored",
			entitlement.Field{Key: "customer", Value: upd.CustomerRef},
			entitlement.Field{Key: "subscription", Value: upd.SubscriptionRef},
			entitlement.Field{Key: "event_id", Value: eventID},
		)
		return nil, fmt.Errorf("%w: %w", errSkipped, err)
	case errors.Is(err, entitlement.ErrStaleEvent):
		p.logger.Debug("stale subscription event ignored",
			entitlement.Field{Key: "customer", Value: upd.CustomerRef},
			entitlement.Field{Key: "event_id", Value: eventID},
		)
		return nil, fmt.Errorf("%w: %w", errSkipped, err)
	case err != nil:
		return nil, err
	}

	event := billing.WebhookEvent{
		UserID:         rec.UserID,
		NewPlan:        rec.Plan,
		NewStatus:      rec.Status,
		Provider:       providerName,
		EventType:      eventType,
		EventID:        eventID,
		EventTimestamp: eventAt,
		Record:         rec,
	}
	if previous != nil {
		event.PreviousPlan = previous.Plan
		event.PreviousStatus = previous.Status
	}
	if event.PlanChanged() {
		p.metrics.RecordPlanChange(providerName, event.PreviousPlan.String(), event.NewPlan.String())
	}
	if p.callback != nil {
		if err := p.callback(ctx, event); err != nil {
			p.logger.Error("webhook callback failed",
				entitlement.Field{Key: "user_id", Value: rec.UserID},
				entitlement.Field{Key: "event_id", Value: eventID},
				entitlement.Field{Key: "error", Value: err},
			)
		}
	}
	return rec, nil
}

// expandableID decodes a Stripe reference that is either an ID string or an
// expanded object with an "id" field.
type expandableID string

func (e *expandableID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*e = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = expandableID(strings.TrimSpace(s))
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = expandableID(strings.TrimSpace(obj.ID))
	return nil
}

// subscriptionObject is a minimal representation of a Stripe subscription.
type subscriptionObject struct {
	ID                string       `json:"id"`
	Customer          expandableID `json:"customer"`
	Status            string       `json:"status"`
	CancelAtPeriodEnd bool         `json:"cancel_at_period_end"`
	LatestInvoice     expandableID `json:"latest_invoice"`
	// CurrentPeriodEnd is set by API versions before 2025-03-31.
	CurrentPeriodEnd int64 `json:"current_period_end"`
	Items            struct {
		Data []struct {
			ID               string `json:"id"`
			CurrentPeriodEnd int64  `json:"current_period_end"`
			Price            *struct {
				ID        string `json:"id"`
				Recurring *struct {
					Interval string `json:"interval"`
				} `json:"recurring"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// snapshot flattens the first priced item.
func (s *subscriptionObject) snapshot() *billing.Subscription {
	out := &billing.Subscription{
		ID:                s.ID,
		CustomerRef:       string(s.Customer),
		Status:            s.Status,
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		LatestInvoice:     string(s.LatestInvoice),
	}
	periodEnd := s.CurrentPeriodEnd
	for _, item := range s.Items.Data {
		if item.Price == nil {
			continue
		}
		out.ItemID = item.ID
		out.PriceID = item.Price.ID
		if item.Price.Recurring != nil {
			out.Interval = item.Price.Recurring.Interval
		}
		if item.CurrentPeriodEnd > 0 {
			periodEnd = item.CurrentPeriodEnd
		}
		break
	}
	if periodEnd > 0 {
		out.CurrentPeriodEnd = time.Unix(periodEnd, 0).UTC()
	}
	return out
}

// checkoutSessionObject is a minimal representation of a Stripe checkout session.
type checkoutSessionObject struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          expandableID      `json:"customer"`
	Subscription      expandableID      `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}
