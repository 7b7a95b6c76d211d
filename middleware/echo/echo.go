// Package echo provides Echo middleware for plan gating and credit enforcement
package echo

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/plansync/middleware/internal/enforce"
	"github.com/mihaimyh/plansync/pkg/entitlement"
	"github.com/mihaimyh/plansync/pkg/session"
)

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// AmountExtractor calculates the credits a request spends
type AmountExtractor func(c echo.Context) (int, error)

// Config holds middleware configuration
type Config struct {
	// Manager is the entitlement manager instance (required)
	Manager *entitlement.Manager

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// MinPlan is the lowest effective plan allowed through.
	MinPlan entitlement.Plan

	// GetAmount calculates the credits to spend. If nil, no credits are spent.
	GetAmount AmountExtractor

	// OnPlanRequired is called when the effective plan is below MinPlan
	OnPlanRequired func(c echo.Context, view entitlement.View) error

	// OnCreditsExhausted is called when the credit budget is spent
	OnCreditsExhausted func(c echo.Context, view entitlement.View) error

	// OnUnauthorized is called when user is not authenticated
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that enforces plan and credit limits
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Manager == nil {
		panic("plansync/echo: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("plansync/echo: Config.GetUserID is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			amount := 0
			if cfg.GetAmount != nil {
				var err error
				amount, err = cfg.GetAmount(c)
				if err == nil && amount < 0 {
					err = fmt.Errorf("invalid amount %d: %w", amount, entitlement.ErrInvalidAmount)
				}
				if err != nil {
					return handleError(c, cfg, err)
				}
			}

			decision, err := enforce.Check(c.Request().Context(), cfg.Manager, userID, cfg.MinPlan, amount)
			if err != nil {
				return handleError(c, cfg, err)
			}
			for k, v := range enforce.Headers(decision.View) {
				c.Response().Header().Set(k, v)
			}

			switch decision.Outcome {
			case enforce.PlanRequired:
				if cfg.OnPlanRequired != nil {
					return cfg.OnPlanRequired(c, decision.View)
				}
				return c.JSON(http.StatusForbidden, map[string]interface{}{
					"error":         "Plan required",
					"required_plan": decision.Required.String(),
					"plan":          decision.View.EffectivePlan.String(),
				})
			case enforce.CreditsExhausted:
				if cfg.OnCreditsExhausted != nil {
					return cfg.OnCreditsExhausted(c, decision.View)
				}
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error": "Credits exhausted",
					"used":  decision.View.CreditsUsed,
					"limit": decision.View.CreditBudget,
				})
			}

			return next(c)
		}
	}
}

func handleError(c echo.Context, cfg Config, err error) error {
	if cfg.OnError != nil {
		return cfg.OnError(c, err)
	}
	status := enforce.Status(err)
	return c.JSON(status, map[string]string{"error": http.StatusText(status)})
}

// FromSession returns a UserIDExtractor that reads the session placed in the
// request context by session.Manager.Middleware.
func FromSession() UserIDExtractor {
	return func(c echo.Context) string {
		id, err := session.IdentityFromContext(c.Request().Context())
		if err != nil {
			return ""
		}
		return id.UserID
	}
}

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount int) AmountExtractor {
	return func(echo.Context) (int, error) {
		return amount, nil
	}
}
