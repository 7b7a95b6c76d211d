package entitlement

import "time"

// Record is the durable per-user entitlement state.
type Record struct {
	UserID          string       `json:"user_id"`
	Email           string       `json:"email,omitempty"`
	DisplayName     string       `json:"display_name,omitempty"`
	Plan            Plan         `json:"plan_id"`
	Status          Status       `json:"status"`
	BillingCycle    BillingCycle `json:"billing_cycle"`
	CustomerRef     string       `json:"customer_ref,omitempty"`
	SubscriptionRef string       `json:"subscription_ref,omitempty"`
	CreditsUsed     int          `json:"leads_used"`
	LastReset       time.Time    `json:"last_reset"`
	// CycleAnchor fixes the day of month credit cycles roll over on. It is set
	// once at creation and never moves, so a cycle clipped to a short month
	// returns to the anchor day in the next one.
	CycleAnchor time.Time `json:"cycle_anchor,omitempty"`
	PeriodEnd   time.Time `json:"period_end,omitempty"`
	// EventAt is the processor timestamp of the last applied subscription event.
	EventAt   time.Time `json:"event_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRecord returns the default free-plan record for a user.
func NewRecord(userID, email string, now time.Time) *Record {
	now = now.UTC()
	return &Record{
		UserID:       userID,
		Email:        email,
		Plan:         PlanFree,
		Status:       StatusNone,
		BillingCycle: CycleMonthly,
		LastReset:    now,
		CycleAnchor:  now,
		UpdatedAt:    now,
	}
}

// CreditAnchor returns the credit cycle anchor. Records written before the
// anchor existed fall back to their last reset.
func (r *Record) CreditAnchor() time.Time {
	if r.CycleAnchor.IsZero() {
		return r.LastReset
	}
	return r.CycleAnchor
}

// Clone returns a copy of r. Stores hand out clones so callers cannot mutate shared state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// EffectivePlan returns the plan whose features the user may use at now.
// A canceled subscription keeps its plan until the paid period ends.
func (r *Record) EffectivePlan(now time.Time) Plan {
	switch {
	case r.Plan == PlanFree:
		return PlanFree
	case r.Status.Entitling():
		return r.Plan
	case r.Status == StatusCanceled && !r.PeriodEnd.IsZero() && now.Before(r.PeriodEnd):
		return r.Plan
	default:
		return PlanFree
	}
}

// HasPaidSubscription reports whether a new checkout must be refused.
func (r *Record) HasPaidSubscription() bool {
	return r.Plan > PlanFree && r.Status.Subscribed()
}

// View is the derived entitlement consumed by the rest of the application.
type View struct {
	UserID           string       `json:"user_id"`
	Plan             Plan         `json:"plan"`
	EffectivePlan    Plan         `json:"effective_plan"`
	Status           Status       `json:"status"`
	BillingCycle     BillingCycle `json:"billing_cycle"`
	CreditsUsed      int          `json:"credits_used"`
	CreditBudget     int          `json:"credit_budget"`
	CreditsRemaining int          `json:"credits_remaining"`
	LastReset        time.Time    `json:"last_reset"`
	PeriodEnd        time.Time    `json:"period_end,omitempty"`
}

// Allows reports whether the effective plan meets min.
func (v View) Allows(min Plan) bool {
	return v.EffectivePlan.AtLeast(min)
}

// ViewOf derives the entitlement view of r at now.
func ViewOf(r *Record, now time.Time) View {
	eff := r.EffectivePlan(now)
	budget := eff.CreditBudget()
	remaining := budget - r.CreditsUsed
	if remaining < 0 {
		remaining = 0
	}
	return View{
		UserID:           r.UserID,
		Plan:             r.Plan,
		EffectivePlan:    eff,
		Status:           r.Status,
		BillingCycle:     r.BillingCycle,
		CreditsUsed:      r.CreditsUsed,
		CreditBudget:     budget,
		CreditsRemaining: remaining,
		LastReset:        r.LastReset,
		PeriodEnd:        r.PeriodEnd,
	}
}

// SubscriptionUpdate is the whole set of processor-owned fields written by a webhook.
type SubscriptionUpdate struct {
	CustomerRef     string
	SubscriptionRef string
	Plan            Plan
	Status          Status
	BillingCycle    BillingCycle
	PeriodEnd       time.Time
	EventAt         time.Time
}

// Apply overwrites the processor-owned fields of r with u. It returns ErrStaleEvent,
// leaving r untouched, when u is strictly older than the last applied event.
// Stores call this inside their own atomic section.
func (u *SubscriptionUpdate) Apply(r *Record, now time.Time) error {
	if !u.EventAt.IsZero() && !r.EventAt.IsZero() && u.EventAt.Before(r.EventAt) {
		return ErrStaleEvent
	}
	r.Plan = u.Plan
	r.Status = u.Status
	r.BillingCycle = u.BillingCycle
	r.SubscriptionRef = u.SubscriptionRef
	r.PeriodEnd = u.PeriodEnd.UTC()
	if !u.EventAt.IsZero() {
		r.EventAt = u.EventAt.UTC()
	}
	r.UpdatedAt = now.UTC()
	return nil
}
