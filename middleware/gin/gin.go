// Package gin provides Gin middleware for plan gating and credit enforcement
package gin

import (
	"fmt"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/plansync/middleware/internal/enforce"
	"github.com/mihaimyh/plansync/pkg/entitlement"
	"github.com/mihaimyh/plansync/pkg/session"
)

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// AmountExtractor calculates the credits a request spends
type AmountExtractor func(c *gongin.Context) (int, error)

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

	// CreditsExhaustedStatusCode is the HTTP status code to return when credits run out
	// Default: 429 (Too Many Requests)
	CreditsExhaustedStatusCode int

	// OnPlanRequired is called when the effective plan is below MinPlan
	// If nil, returns 403 JSON with the required and current plan
	OnPlanRequired func(c *gongin.Context, view entitlement.View)

	// OnCreditsExhausted is called when the credit budget is spent
	// If nil, uses default response: CreditsExhaustedStatusCode JSON with usage info
	OnCreditsExhausted func(c *gongin.Context, view entitlement.View)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that enforces plan and credit limits
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("plansync/gin: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("plansync/gin: Config.GetUserID is required")
	}
	if cfg.CreditsExhaustedStatusCode == 0 {
		cfg.CreditsExhaustedStatusCode = http.StatusTooManyRequests
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		amount := 0
		if cfg.GetAmount != nil {
			var err error
			amount, err = cfg.GetAmount(c)
			if err == nil && amount < 0 {
				err = fmt.Errorf("invalid amount %d: %w", amount, entitlement.ErrInvalidAmount)
			}
			if err != nil {
				handleError(c, cfg, err)
				return
			}
		}

		decision, err := enforce.Check(c.Request.Context(), cfg.Manager, userID, cfg.MinPlan, amount)
		if err != nil {
			handleError(c, cfg, err)
			return
		}
		for k, v := range enforce.Headers(decision.View) {
			c.Header(k, v)
		}

		switch decision.Outcome {
		case enforce.PlanRequired:
			if cfg.OnPlanRequired != nil {
				cfg.OnPlanRequired(c, decision.View)
			} else {
				c.JSON(http.StatusForbidden, gongin.H{
					"error":         "Plan required",
					"required_plan": decision.Required.String(),
					"plan":          decision.View.EffectivePlan.String(),
				})
			}
			c.Abort()
			return
		case enforce.CreditsExhausted:
			if cfg.OnCreditsExhausted != nil {
				cfg.OnCreditsExhausted(c, decision.View)
			} else {
				c.JSON(cfg.CreditsExhaustedStatusCode, gongin.H{
					"error": "Credits exhausted",
					"used":  decision.View.CreditsUsed,
					"limit": decision.View.CreditBudget,
				})
			}
			c.Abort()
			return
		}

		c.Next()
	}
}

func handleError(c *gongin.Context, cfg Config, err error) {
	if cfg.OnError != nil {
		cfg.OnError(c, err)
	} else {
		status := enforce.Status(err)
		c.JSON(status, gongin.H{"error": http.StatusText(status)})
	}
	c.Abort()
}

// Convenience extractors for User ID

// FromSession returns a UserIDExtractor that reads the session placed in the
// request context by session.Manager.Middleware.
func FromSession() UserIDExtractor {
	return func(c *gongin.Context) string {
		id, err := session.IdentityFromContext(c.Request.Context())
		if err != nil {
			return ""
		}
		return id.UserID
	}
}

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// set by an auth middleware via c.Set(key, userID).
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// Convenience extractors for Amount

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount int) AmountExtractor {
	return func(*gongin.Context) (int, error) {
		return amount, nil
	}
}

// DynamicCost returns an AmountExtractor that calculates cost based on a function
func DynamicCost(costFunc func(*gongin.Context) int) AmountExtractor {
	return func(c *gongin.Context) (int, error) {
		return costFunc(c), nil
	}
}
