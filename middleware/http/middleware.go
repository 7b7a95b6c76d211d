// Package http provides net/http middleware for plan gating and credit enforcement
package http

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mihaimyh/plansync/middleware/internal/enforce"
	"github.com/mihaimyh/plansync/pkg/entitlement"
	"github.com/mihaimyh/plansync/pkg/session"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// AmountExtractor calculates the credits a request spends
type AmountExtractor func(r *http.Request) (int, error)

// Config holds middleware configuration
type Config struct {
	// Manager is the entitlement manager instance (required)
	Manager *entitlement.Manager

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// MinPlan is the lowest effective plan allowed through.
	// Default: PlanFree (no gate)
	MinPlan entitlement.Plan

	// GetAmount calculates the credits to spend. If nil, no credits are spent.
	GetAmount AmountExtractor

	// OnPlanRequired is called when the effective plan is below MinPlan
	// If nil, returns 403 Forbidden
	OnPlanRequired func(w http.ResponseWriter, r *http.Request, view entitlement.View)

	// OnCreditsExhausted is called when the credit budget is spent
	// If nil, returns 429 Too Many Requests
	OnCreditsExhausted func(w http.ResponseWriter, r *http.Request, view entitlement.View)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that enforces plan and credit limits
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Manager == nil {
		panic("plansync/http: Config.Manager is required")
	}
	if config.GetUserID == nil {
		panic("plansync/http: Config.GetUserID is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			amount := 0
			if config.GetAmount != nil {
				var err error
				amount, err = config.GetAmount(r)
				if err != nil || amount < 0 {
					if err == nil {
						err = fmt.Errorf("invalid amount %d: %w", amount, entitlement.ErrInvalidAmount)
					}
					handleError(config, w, r, err)
					return
				}
			}

			decision, err := enforce.Check(r.Context(), config.Manager, userID, config.MinPlan, amount)
			if err != nil {
				handleError(config, w, r, err)
				return
			}
			for k, v := range enforce.Headers(decision.View) {
				w.Header().Set(k, v)
			}

			switch decision.Outcome {
			case enforce.PlanRequired:
				if config.OnPlanRequired != nil {
					config.OnPlanRequired(w, r, decision.View)
				} else {
					msg := fmt.Sprintf("Plan required: %s (current: %s)", decision.Required, decision.View.EffectivePlan)
					http.Error(w, msg, http.StatusForbidden)
				}
				return
			case enforce.CreditsExhausted:
				if config.OnCreditsExhausted != nil {
					config.OnCreditsExhausted(w, r, decision.View)
				} else {
					msg := fmt.Sprintf("Credits exhausted: %d/%d used", decision.View.CreditsUsed, decision.View.CreditBudget)
					http.Error(w, msg, http.StatusTooManyRequests)
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func handleError(config Config, w http.ResponseWriter, r *http.Request, err error) {
	if config.OnError != nil {
		config.OnError(w, r, err)
		return
	}
	status := enforce.Status(err)
	http.Error(w, http.StatusText(status), status)
}

// RequirePlan is a shorthand for a gate-only middleware.
func RequirePlan(manager *entitlement.Manager, min entitlement.Plan, getUserID UserIDExtractor) func(http.Handler) http.Handler {
	return Middleware(Config{Manager: manager, GetUserID: getUserID, MinPlan: min})
}

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount int) AmountExtractor {
	return func(*http.Request) (int, error) {
		return amount, nil
	}
}

// ContextKey is a type for context keys
type ContextKey string

// UserIDKey is the context key for user ID
const UserIDKey ContextKey = "plansync:userID"

// FromSession returns a UserIDExtractor that reads the session placed in the
// request context by session.Manager.Middleware.
func FromSession() UserIDExtractor {
	return func(r *http.Request) string {
		id, err := session.IdentityFromContext(r.Context())
		if err != nil {
			return ""
		}
		return id.UserID
	}
}

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
