package revenuecat

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/plansync/pkg/billing"
	"github.com/mihaimyh/plansync/pkg/billing/internal"
	"github.com/mihaimyh/plansync/pkg/entitlement"
)

const (
	eventTest             = "TEST"
	eventInitialPurchase  = "INITIAL_PURCHASE"
	eventRenewal          = "RENEWAL"
	eventUncancellation   = "UNCANCELLATION"
	eventProductChange    = "PRODUCT_CHANGE"
	eventNonRenewing      = "NON_RENEWING_PURCHASE"
	eventExtended         = "SUBSCRIPTION_EXTENDED"
	eventCancellation     = "CANCELLATION"
	eventExpiration       = "EXPIRATION"
	eventBillingIssue     = "BILLING_ISSUE"
	eventPaused           = "SUBSCRIPTION_PAUSED"
	periodTypeTrial       = "TRIAL"
	anonymousUserIDPrefix = "$RCAnonymousID:"
	signatureHeader       = "X-RevenueCat-Signature"
)

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool `json:"received"`
}

// errSkipped marks events that were acknowledged without a write.
var errSkipped = errors.New("event skipped")

// webhookPayload is the subset of a RevenueCat webhook body the provider reads.
type webhookPayload struct {
	Event struct {
		ID               string   `json:"id"`
		Type             string   `json:"type"`
		AppUserID        string   `json:"app_user_id"`
		EntitlementID    string   `json:"entitlement_id"`
		EntitlementIDs   []string `json:"entitlement_ids"`
		ProductID        string   `json:"product_id"`
		PeriodType       string   `json:"period_type"`
		TransactionID    string   `json:"original_transaction_id"`
		ExpirationAtMs   int64    `json:"expiration_at_ms"`
		EventTimestampMs int64    `json:"event_timestamp_ms"`
		TimestampMs      int64    `json:"timestamp_ms"`
	} `json:"event"`
}

// handleWebhook authenticates and processes a RevenueCat event. Authentication
// failures answer 401, malformed bodies 400 and write failures 500 so that
// RevenueCat retries the delivery.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		internal.WriteJSON(w, http.StatusMethodNotAllowed, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if len(p.webhookSecret) == 0 {
		internal.WriteJSON(w, http.StatusServiceUnavailable, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	body, err := internal.ReadBodyStrict(w, r, webhookBodyLimit)
	if err != nil {
		status, errType := http.StatusBadRequest, "invalid_payload"
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			status, errType = http.StatusRequestEntityTooLarge, "payload_too_large"
		}
		p.metrics.RecordWebhookError(providerName, errType)
		internal.WriteJSON(w, status, webhookErrorResponse{Error: err.Error()})
		return
	}

	if !p.authenticate(r, body) {
		p.metrics.RecordWebhookError(providerName, "signature_invalid")
		p.logger.Warn("webhook authentication rejected",
			entitlement.Field{Key: "remote_addr", Value: r.RemoteAddr},
		)
		internal.WriteJSON(w, http.StatusUnauthorized, webhookErrorResponse{Error: billing.ErrSignatureInvalid.Error()})
		return
	}

	payload, err := parseWebhookPayload(body)
	if err != nil {
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		internal.WriteJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: err.Error()})
		return
	}

	eventType := strings.ToUpper(strings.TrimSpace(payload.Event.Type))
	defer func() {
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(start))
	}()
	err = p.processEvent(r.Context(), payload, eventType)

	switch {
	case err == nil:
		p.metrics.RecordWebhookEvent(providerName, eventType, "success")
	case errors.Is(err, errSkipped):
		p.metrics.RecordWebhookEvent(providerName, eventType, "skipped")
	case errors.Is(err, billing.ErrInvalidWebhookPayload):
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		internal.WriteJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: err.Error()})
		return
	default:
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		p.logger.Error("webhook processing failed",
			entitlement.Field{Key: "event_id", Value: payload.Event.ID},
			entitlement.Field{Key: "type", Value: eventType},
			entitlement.Field{Key: "error", Value: err},
		)
		internal.WriteJSON(w, http.StatusInternalServerError, webhookErrorResponse{Error: "processing failed"})
		return
	}
	internal.WriteJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
}

// authenticate accepts the shared secret as an Authorization header value,
// with or without the Bearer scheme, or when enabled a base64 HMAC-SHA256 of
// the body in the signature header.
func (p *Provider) authenticate(r *http.Request, body []byte) bool {
	if token := stripBearer(r.Header.Get("Authorization")); token != "" {
		if subtle.ConstantTimeCompare([]byte(token), p.webhookSecret) == 1 {
			return true
		}
	}
	if !p.acceptHMAC {
		return false
	}
	sig := strings.TrimSpace(r.Header.Get(signatureHeader))
	if sig == "" {
		return false
	}
	expected, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, p.webhookSecret)
	mac.Write(body)
	return hmac.Equal(expected, mac.Sum(nil))
}

// parseWebhookPayload decodes exactly one JSON object. Unknown fields are
// allowed; RevenueCat adds fields to events without versioning them.
func parseWebhookPayload(body []byte) (*webhookPayload, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	var payload webhookPayload
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: multiple JSON objects", billing.ErrInvalidWebhookPayload)
	}
	return &payload, nil
}

// processEvent maps an authenticated event onto a subscription update. It
// returns errSkipped for events that were acknowledged without a write.
func (p *Provider) processEvent(ctx context.Context, payload *webhookPayload, eventType string) error {
	ev := &payload.Event
	if eventType == eventTest {
		p.logger.Info("test webhook received", entitlement.Field{Key: "event_id", Value: ev.ID})
		return errSkipped
	}

	userID := strings.TrimSpace(ev.AppUserID)
	switch {
	case userID == "":
		return fmt.Errorf("%w: missing app_user_id", billing.ErrInvalidWebhookPayload)
	case strings.HasPrefix(userID, anonymousUserIDPrefix):
		p.logger.Debug("anonymous subscriber event ignored",
			entitlement.Field{Key: "event_id", Value: ev.ID},
			entitlement.Field{Key: "type", Value: eventType},
		)
		return errSkipped
	}

	upd, ok := p.updateForEvent(payload, eventType)
	if !ok {
		p.logger.Debug("webhook ignored",
			entitlement.Field{Key: "type", Value: eventType},
			entitlement.Field{Key: "event_id", Value: ev.ID},
		)
		return errSkipped
	}
	_, err := p.apply(ctx, userID, upd, eventType, ev.ID)
	return err
}

// updateForEvent derives the subscription state an event reports. Events that
// do not change subscription state return false.
func (p *Provider) updateForEvent(payload *webhookPayload, eventType string) (*entitlement.SubscriptionUpdate, bool) {
	ev := &payload.Event
	ids := ev.EntitlementIDs
	if ev.EntitlementID != "" {
		ids = append([]string{ev.EntitlementID}, ids...)
	}
	plan := p.highestPlan(ids)

	upd := &entitlement.SubscriptionUpdate{
		SubscriptionRef: strings.TrimSpace(ev.TransactionID),
		Plan:            plan,
		BillingCycle:    cycleForProduct(ev.ProductID),
		PeriodEnd:       fromMillis(ev.ExpirationAtMs),
		EventAt:         fromMillis(ev.EventTimestampMs),
	}
	if upd.EventAt.IsZero() {
		upd.EventAt = fromMillis(ev.TimestampMs)
	}
	if upd.EventAt.IsZero() {
		upd.EventAt = p.manager.Now()
	}

	switch eventType {
	case eventInitialPurchase, eventRenewal, eventUncancellation, eventProductChange,
		eventNonRenewing, eventExtended:
		upd.Status = entitlement.StatusActive
		if strings.EqualFold(ev.PeriodType, periodTypeTrial) {
			upd.Status = entitlement.StatusTrialing
		}
	case eventCancellation, eventExpiration, eventPaused:
		// Access runs until PeriodEnd; an expiration carries a past PeriodEnd.
		upd.Status = entitlement.StatusCanceled
	case eventBillingIssue:
		upd.Status = entitlement.StatusPastDue
	default:
		return nil, false
	}
	if upd.Plan == entitlement.PlanFree {
		upd.Status = entitlement.StatusNone
	}
	return upd, true
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
