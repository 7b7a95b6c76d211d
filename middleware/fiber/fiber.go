// Package fiber provides Fiber middleware for plan gating and credit enforcement
package fiber

import (
	"fmt"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/plansync/middleware/internal/enforce"
	"github.com/mihaimyh/plansync/pkg/entitlement"
)

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// AmountExtractor calculates the credits a request spends
type AmountExtractor func(c *fiber.Ctx) (int, error)

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
	OnPlanRequired func(c *fiber.Ctx, view entitlement.View) error

	// OnCreditsExhausted is called when the credit budget is spent
	OnCreditsExhausted func(c *fiber.Ctx, view entitlement.View) error

	// OnUnauthorized is called when user is not authenticated
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that enforces plan and credit limits
func Middleware(cfg Config) fiber.Handler {
	if cfg.Manager == nil {
		panic("plansync/fiber: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("plansync/fiber: Config.GetUserID is required")
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
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

		// Fiber uses fasthttp, so the request context lives in UserContext
		decision, err := enforce.Check(c.UserContext(), cfg.Manager, userID, cfg.MinPlan, amount)
		if err != nil {
			return handleError(c, cfg, err)
		}
		for k, v := range enforce.Headers(decision.View) {
			c.Set(k, v)
		}

		switch decision.Outcome {
		case enforce.PlanRequired:
			if cfg.OnPlanRequired != nil {
				return cfg.OnPlanRequired(c, decision.View)
			}
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error":         "Plan required",
				"required_plan": decision.Required.String(),
				"plan":          decision.View.EffectivePlan.String(),
			})
		case enforce.CreditsExhausted:
			if cfg.OnCreditsExhausted != nil {
				return cfg.OnCreditsExhausted(c, decision.View)
			}
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Credits exhausted",
				"used":  decision.View.CreditsUsed,
				"limit": decision.View.CreditBudget,
			})
		}

		return c.Next()
	}
}

func handleError(c *fiber.Ctx, cfg Config, err error) error {
	if cfg.OnError != nil {
		return cfg.OnError(c, err)
	}
	status := enforce.Status(err)
	return c.Status(status).JSON(fiber.Map{"error": http.StatusText(status)})
}

// FromContext returns a UserIDExtractor that gets user ID from Fiber context values (Locals)
// set by an auth middleware via c.Locals("UserID", userID).
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount int) AmountExtractor {
	return func(*fiber.Ctx) (int, error) {
		return amount, nil
	}
}

// DynamicCost returns an AmountExtractor that calculates cost based on a function
func DynamicCost(costFunc func(*fiber.Ctx) int) AmountExtractor {
	return func(c *fiber.Ctx) (int, error) {
		return costFunc(c), nil
	}
}
