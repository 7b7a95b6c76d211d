// Package enforce holds the plan and credit checks shared by the framework
// middleware packages.
package enforce

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/mihaimyh/plansync/pkg/entitlement"
)

// Outcome is the result of a Check.
type Outcome int

const (
	// Allowed means the request may proceed.
	Allowed Outcome = iota
	// PlanRequired means the effective plan is below the required one.
	PlanRequired
	// CreditsExhausted means the credit budget cannot cover the request.
	CreditsExhausted
)

// Decision is the outcome of a Check together with the view it was made on.
type Decision struct {
	Outcome  Outcome
	View     entitlement.View
	Required entitlement.Plan
}

// Check gates userID on min and then spends amount credits. A user without a
// stored record is judged as a free-plan user. amount <= 0 skips consumption.
func Check(ctx context.Context, m *entitlement.Manager, userID string,
	min entitlement.Plan, amount int) (Decision, error) {
	view, err := m.View(ctx, userID)
	if errors.Is(err, entitlement.ErrRecordNotFound) {
		now := m.Now()
		view = entitlement.ViewOf(entitlement.NewRecord(userID, "", now), now)
	} else if err != nil {
		return Decision{}, err
	}

	d := Decision{Outcome: Allowed, View: view, Required: min}
	if !view.Allows(min) {
		d.Outcome = PlanRequired
		return d, nil
	}
	if amount <= 0 {
		return d, nil
	}

	used, err := m.Consume(ctx, userID, amount)
	if errors.Is(err, entitlement.ErrCreditsExhausted) {
		d.Outcome = CreditsExhausted
		if fresh, viewErr := m.View(ctx, userID); viewErr == nil {
			d.View = fresh
		}
		return d, nil
	}
	if err != nil {
		return Decision{}, err
	}

	d.View.CreditsUsed = used
	d.View.CreditsRemaining = d.View.CreditBudget - used
	if d.View.CreditsRemaining < 0 {
		d.View.CreditsRemaining = 0
	}
	return d, nil
}

// Headers returns the response headers describing v.
func Headers(v entitlement.View) map[string]string {
	return map[string]string{
		"X-Plan":              v.EffectivePlan.String(),
		"X-Credits-Limit":     strconv.Itoa(v.CreditBudget),
		"X-Credits-Remaining": strconv.Itoa(v.CreditsRemaining),
	}
}

// Status maps a Check error to an HTTP status code.
func Status(err error) int {
	switch {
	case errors.Is(err, entitlement.ErrRecordNotFound):
		return http.StatusForbidden
	case errors.Is(err, entitlement.ErrInvalidAmount), errors.Is(err, entitlement.ErrInvalidUser):
		return http.StatusBadRequest
	case errors.Is(err, entitlement.ErrCircuitOpen), errors.Is(err, entitlement.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
