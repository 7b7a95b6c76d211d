package entitlement

import (
	"fmt"
	"strings"
)

// Plan is an ordered subscription tier. The ordering defines feature gates.
type Plan int

const (
	PlanFree Plan = iota
	PlanStart
	PlanPro
	PlanElite
)

var planNames = [...]string{"free", "start", "pro", "elite"}

// creditBudgets is the per-cycle credit allowance for each plan.
var creditBudgets = [...]int{50, 300, 1500, 5000}

func (p Plan) String() string {
	if !p.Valid() {
		return fmt.Sprintf("plan(%d)", int(p))
	}
	return planNames[p]
}

// Valid reports whether p is a known plan.
func (p Plan) Valid() bool {
	return p >= PlanFree && p <= PlanElite
}

// AtLeast reports whether p satisfies a minimum plan requirement.
func (p Plan) AtLeast(min Plan) bool {
	return p >= min
}

// CreditBudget returns the number of credits the plan grants per cycle.
func (p Plan) CreditBudget() int {
	if !p.Valid() {
		return creditBudgets[PlanFree]
	}
	return creditBudgets[p]
}

// ParsePlan converts a plan name into a Plan.
func ParsePlan(s string) (Plan, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range planNames {
		if n == name {
			return Plan(i), nil
		}
	}
	return PlanFree, fmt.Errorf("%w: %q", ErrInvalidPlan, s)
}

func (p Plan) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPlan, int(p))
	}
	return []byte(p.String()), nil
}

func (p *Plan) UnmarshalText(text []byte) error {
	parsed, err := ParsePlan(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Status mirrors the payment processor's subscription status.
type Status string

const (
	StatusActive            Status = "active"
	StatusTrialing          Status = "trialing"
	StatusPastDue           Status = "past_due"
	StatusCanceled          Status = "canceled"
	StatusIncomplete        Status = "incomplete"
	StatusIncompleteExpired Status = "incomplete_expired"
	StatusUnpaid            Status = "unpaid"
	StatusNone              Status = "none"
)

// ParseStatus maps a raw status string onto a Status. Unknown values become StatusNone.
func ParseStatus(s string) Status {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusActive, StatusTrialing, StatusPastDue, StatusCanceled,
		StatusIncomplete, StatusIncompleteExpired, StatusUnpaid:
		return st
	default:
		return StatusNone
	}
}

// Entitling reports whether the status grants the features of the stored plan.
// past_due keeps access while the processor retries the payment.
func (s Status) Entitling() bool {
	return s == StatusActive || s == StatusTrialing || s == StatusPastDue
}

// Subscribed reports whether the status blocks a second checkout.
func (s Status) Subscribed() bool {
	return s == StatusActive || s == StatusTrialing
}

// BillingCycle is the subscription renewal interval.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleAnnual  BillingCycle = "annual"
)

// ParseBillingCycle accepts both internal names and processor interval names.
func ParseBillingCycle(s string) BillingCycle {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "annual", "year", "yearly":
		return CycleAnnual
	default:
		return CycleMonthly
	}
}
