package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/mihaimyh/plansync/pkg/billing"
	"github.com/mihaimyh/plansync/pkg/entitlement"
	"github.com/mihaimyh/plansync/pkg/session"
)

// Handler provides the billing and entitlement HTTP endpoints
type Handler struct {
	config Config
}

// Routes returns a mux serving all endpoints, including the webhook.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.Register(mux)
	mux.Handle("POST /webhooks/"+h.config.Billing.Name(), h.config.Billing.WebhookHandler())
	return mux
}

// Register adds the authenticated endpoints to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/billing/checkout", h.Checkout)
	mux.HandleFunc("POST /api/billing/portal", h.Portal)
	mux.HandleFunc("POST /api/billing/subscription", h.UpdateSubscription)
	mux.HandleFunc("GET /api/entitlement", h.GetEntitlement)
}

// Checkout starts a subscription purchase and returns the redirect URL.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	id, err := h.config.GetIdentity(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	var req billing.CheckoutRequest
	if err := h.decode(w, r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}

	url, err := h.config.Billing.Checkout(r.Context(), id, req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, CheckoutResponse{URL: url})
}

// Portal opens a billing portal session. Unless StrictPortalErrors is set,
// failures other than authentication are answered 200 with an error body.
func (h *Handler) Portal(w http.ResponseWriter, r *http.Request) {
	id, err := h.config.GetIdentity(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	var req billing.PortalRequest
	if err := h.decode(w, r, &req); err != nil {
		h.portalError(w, r, err)
		return
	}

	res, err := h.config.Billing.Portal(r.Context(), id, req)
	if err != nil {
		h.portalError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, PortalResponse{
		URL: res.URL,
		Debug: PortalDebug{
			FlowUsed:      res.FlowUsed,
			TargetPriceID: res.TargetPriceID,
		},
	})
}

func (h *Handler) portalError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.StrictPortalErrors || errors.Is(err, session.ErrAuthenticationRequired) {
		h.handleError(w, r, err)
		return
	}
	h.logFailure(r, err, http.StatusOK)
	h.writeJSON(w, http.StatusOK, errorBody(err))
}

// UpdateSubscription swaps the subscription's priced item. The entitlement
// changes when the resulting webhook arrives.
func (h *Handler) UpdateSubscription(w http.ResponseWriter, r *http.Request) {
	id, err := h.config.GetIdentity(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	var req billing.UpdateRequest
	if err := h.decode(w, r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}

	sub, err := h.config.Billing.UpdateSubscription(r.Context(), id, req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, SubscriptionResponse{Success: true, Subscription: sub})
}

// GetEntitlement returns the caller's derived entitlement, creating the
// default record on first access.
func (h *Handler) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := h.config.GetIdentity(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	if _, err := h.config.Manager.ResetIfDue(ctx, id.UserID); err != nil &&
		!errors.Is(err, entitlement.ErrRecordNotFound) {
		h.config.Logger.Warn("credit reset check failed",
			entitlement.Field{Key: "user_id", Value: id.UserID},
			entitlement.Field{Key: "error", Value: err},
		)
	}
	rec, _, err := h.config.Manager.Ensure(ctx, id.UserID, id.Email)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get entitlement: %w", err))
		return
	}
	h.writeJSON(w, http.StatusOK, EntitlementResponse{
		View:        entitlement.ViewOf(rec, h.config.Manager.Now()),
		DisplayName: rec.DisplayName,
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %w", billing.ErrInvalidRequest, err)
	}
	return nil
}

// StatusCode maps an error onto an HTTP status.
func StatusCode(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, session.ErrAuthenticationRequired):
		return http.StatusUnauthorized
	case errors.Is(err, billing.ErrAlreadySubscribed):
		return http.StatusConflict
	case errors.Is(err, billing.ErrNoBillingAccount),
		errors.Is(err, entitlement.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, billing.ErrUpstreamProcessor):
		return http.StatusBadGateway
	case errors.Is(err, entitlement.ErrCreditsExhausted):
		return http.StatusTooManyRequests
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, billing.ErrInvalidRequest),
		errors.Is(err, entitlement.ErrInvalidPlan),
		errors.Is(err, entitlement.ErrInvalidUser):
		return http.StatusBadRequest
	case errors.Is(err, billing.ErrNotSupported):
		return http.StatusNotImplemented
	case errors.Is(err, billing.ErrProviderNotConfigured),
		errors.Is(err, entitlement.ErrStorageUnavailable),
		errors.Is(err, entitlement.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	status := StatusCode(err)
	h.logFailure(r, err, status)
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="plansync"`)
	}
	h.writeJSON(w, status, errorBody(err))
}

func (h *Handler) logFailure(r *http.Request, err error, status int) {
	fields := []entitlement.Field{
		{Key: "path", Value: r.URL.Path},
		{Key: "status", Value: status},
		{Key: "error", Value: err},
	}
	if status >= http.StatusInternalServerError {
		h.config.Logger.Error("request failed", fields...)
		return
	}
	h.config.Logger.Debug("request rejected", fields...)
}

func errorBody(err error) ErrorResponse {
	resp := ErrorResponse{Error: err.Error(), Suggestion: billing.Suggestion(err)}
	if StatusCode(err) == http.StatusInternalServerError {
		resp.Error = "internal error"
	}
	return resp
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// The status line is already out; all that is left is to log.
		h.config.Logger.Error("response encoding failed",
			entitlement.Field{Key: "status", Value: status},
			entitlement.Field{Key: "error", Value: err},
		)
	}
}
