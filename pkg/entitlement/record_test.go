package entitlement

import (
	"errors"
	"testing"
	"time"
)

func TestRecord_EffectivePlan(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		plan      Plan
		status    Status
		periodEnd time.Time
		want      Plan
	}{
		{"active pro", PlanPro, StatusActive, time.Time{}, PlanPro},
		{"trialing elite", PlanElite, StatusTrialing, time.Time{}, PlanElite},
		{"past due keeps plan", PlanStart, StatusPastDue, time.Time{}, PlanStart},
		{"canceled within paid period", PlanPro, StatusCanceled, now.Add(24 * time.Hour), PlanPro},
		{"canceled after period end", PlanPro, StatusCanceled, now.Add(-time.Second), PlanFree},
		{"canceled without period", PlanPro, StatusCanceled, time.Time{}, PlanFree},
		{"unpaid", PlanElite, StatusUnpaid, time.Time{}, PlanFree},
		{"incomplete", PlanPro, StatusIncomplete, now.Add(time.Hour), PlanFree},
		{"free", PlanFree, StatusNone, time.Time{}, PlanFree},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Record{Plan: tt.plan, Status: tt.status, PeriodEnd: tt.periodEnd}
			if got := r.EffectivePlan(now); got != tt.want {
				t.Errorf("EffectivePlan = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRecord_HasPaidSubscription(t *testing.T) {
	tests := []struct {
		plan   Plan
		status Status
		want   bool
	}{
		{PlanPro, StatusActive, true},
		{PlanStart, StatusTrialing, true},
		{PlanFree, StatusActive, false},
		{PlanPro, StatusCanceled, false},
		{PlanPro, StatusPastDue, false},
	}
	for _, tt := range tests {
		r := &Record{Plan: tt.plan, Status: tt.status}
		if got := r.HasPaidSubscription(); got != tt.want {
			t.Errorf("%v/%v: got %v, want %v", tt.plan, tt.status, got, tt.want)
		}
	}
}

func TestViewOf(t *testing.T) {
	now := time.Now()
	r := &Record{UserID: "u1", Plan: PlanPro, Status: StatusActive, CreditsUsed: 120}
	v := ViewOf(r, now)
	if v.EffectivePlan != PlanPro || v.CreditBudget != 1500 || v.CreditsRemaining != 1380 {
		t.Errorf("unexpected view %+v", v)
	}
	if !v.Allows(PlanPro) || v.Allows(PlanElite) {
		t.Error("gate mismatch")
	}

	// Downgraded user over the free budget shows zero remaining, never negative.
	r.Status = StatusCanceled
	v = ViewOf(r, now)
	if v.EffectivePlan != PlanFree || v.CreditBudget != 50 || v.CreditsRemaining != 0 {
		t.Errorf("unexpected downgraded view %+v", v)
	}
	if v.Plan != PlanPro {
		t.Error("stored plan must be retained in the view")
	}
}

func TestSubscriptionUpdate_Apply(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRecord("u1", "u1@example.com", t0)
	r.CustomerRef = "cus_1"
	r.CreditsUsed = 7

	upd := &SubscriptionUpdate{
		CustomerRef:     "cus_1",
		SubscriptionRef: "sub_1",
		Plan:            PlanPro,
		Status:          StatusActive,
		BillingCycle:    CycleAnnual,
		PeriodEnd:       t0.AddDate(1, 0, 0),
		EventAt:         t0.Add(time.Minute),
	}
	if err := upd.Apply(r, t0.Add(time.Hour)); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if r.Plan != PlanPro || r.SubscriptionRef != "sub_1" || r.BillingCycle != CycleAnnual {
		t.Errorf("fields not applied: %+v", r)
	}
	if r.CreditsUsed != 7 || r.CustomerRef != "cus_1" {
		t.Error("webhook fields must not touch credits or customer")
	}

	older := *upd
	older.EventAt = t0
	older.Plan = PlanFree
	if err := older.Apply(r, t0.Add(2*time.Hour)); !errors.Is(err, ErrStaleEvent) {
		t.Fatalf("Expected ErrStaleEvent, got %v", err)
	}
	if r.Plan != PlanPro {
		t.Error("stale event modified the record")
	}

	// Same timestamp replays are applied.
	if err := upd.Apply(r, t0.Add(3*time.Hour)); err != nil {
		t.Errorf("replay failed: %v", err)
	}
}
