package entitlement_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mihaimyh/plansync/pkg/entitlement"
	"github.com/mihaimyh/plansync/storage/memory"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newTestManager(t *testing.T) (*entitlement.Manager, *memory.Store, *clock) {
	t.Helper()
	store := memory.New()
	clk := &clock{now: time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)}
	m, err := entitlement.NewManager(store, entitlement.Config{Now: clk.Now})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m, store, clk
}

func TestNewManager_NilStore(t *testing.T) {
	if _, err := entitlement.NewManager(nil, entitlement.Config{}); !errors.Is(err, entitlement.ErrStorageUnavailable) {
		t.Errorf("Expected ErrStorageUnavailable, got %v", err)
	}
}

func TestManager_EnsureIsIdempotent(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	rec, created, err := m.Ensure(ctx, "user1", "user1@example.com")
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	if !created || rec.Plan != entitlement.PlanFree || rec.Status != entitlement.StatusNone {
		t.Errorf("unexpected first Ensure: created=%v rec=%+v", created, rec)
	}

	_, created, err = m.Ensure(ctx, "user1", "user1@example.com")
	if err != nil {
		t.Fatalf("second Ensure failed: %v", err)
	}
	if created {
		t.Error("second Ensure must not create a record")
	}
	if store.Len() != 1 {
		t.Errorf("store has %d records, want 1", store.Len())
	}
}

func TestManager_EnsureConcurrent(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	creations := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := m.Ensure(ctx, "user1", "user1@example.com")
			if err != nil {
				t.Errorf("Ensure failed: %v", err)
				return
			}
			if created {
				mu.Lock()
				creations++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if creations != 1 || store.Len() != 1 {
		t.Errorf("creations=%d records=%d, want 1/1", creations, store.Len())
	}
}

func TestManager_Get_InvalidUser(t *testing.T) {
	m, _, _ := newTestManager(t)
	if _, err := m.Get(context.Background(), ""); !errors.Is(err, entitlement.ErrInvalidUser) {
		t.Errorf("Expected ErrInvalidUser, got %v", err)
	}
}

func TestManager_ApplySubscriptionAndView(t *testing.T) {
	m, _, clk := newTestManager(t)
	ctx := context.Background()

	if _, _, err := m.Ensure(ctx, "user1", "user1@example.com"); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	if _, err := m.LinkCustomer(ctx, "user1", "cus_1"); err != nil {
		t.Fatalf("LinkCustomer failed: %v", err)
	}
	if _, err := m.Consume(ctx, "user1", 20); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}

	_, err := m.ApplySubscription(ctx, &entitlement.SubscriptionUpdate{
		CustomerRef:     "cus_1",
		SubscriptionRef: "sub_1",
		Plan:            entitlement.PlanPro,
		Status:          entitlement.StatusActive,
		BillingCycle:    entitlement.CycleMonthly,
		PeriodEnd:       clk.Now().AddDate(0, 1, 0),
		EventAt:         clk.Now(),
	})
	if err != nil {
		t.Fatalf("ApplySubscription failed: %v", err)
	}

	v, err := m.View(ctx, "user1")
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}
	if v.EffectivePlan != entitlement.PlanPro || v.CreditBudget != 1500 || v.CreditsUsed != 20 {
		t.Errorf("unexpected view %+v", v)
	}

	if _, err := m.ApplySubscription(ctx, &entitlement.SubscriptionUpdate{CustomerRef: "cus_unknown"}); !errors.Is(err, entitlement.ErrRecordNotFound) {
		t.Errorf("Expected ErrRecordNotFound, got %v", err)
	}
}

func TestManager_LinkCustomerKeepsFirst(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	_, _, _ = m.Ensure(ctx, "user1", "user1@example.com")

	first, err := m.LinkCustomer(ctx, "user1", "cus_a")
	if err != nil || first != "cus_a" {
		t.Fatalf("LinkCustomer = %q, %v", first, err)
	}
	second, err := m.LinkCustomer(ctx, "user1", "cus_b")
	if err != nil || second != "cus_a" {
		t.Errorf("LinkCustomer = %q, %v; want cus_a", second, err)
	}
}

func TestManager_ConsumeBudget(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	_, _, _ = m.Ensure(ctx, "user1", "user1@example.com")

	used, err := m.Consume(ctx, "user1", 50)
	if err != nil || used != 50 {
		t.Fatalf("Consume = %d, %v", used, err)
	}
	if _, err := m.Consume(ctx, "user1", 1); !errors.Is(err, entitlement.ErrCreditsExhausted) {
		t.Errorf("Expected ErrCreditsExhausted, got %v", err)
	}
	if _, err := m.Consume(ctx, "user1", -1); !errors.Is(err, entitlement.ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount, got %v", err)
	}
	used, err = m.Consume(ctx, "user1", 0)
	if err != nil || used != 50 {
		t.Errorf("zero consume = %d, %v", used, err)
	}
}

func TestManager_ConsumeResetsAtCycleBoundary(t *testing.T) {
	m, _, clk := newTestManager(t)
	ctx := context.Background()
	_, _, _ = m.Ensure(ctx, "user1", "user1@example.com")

	if _, err := m.Consume(ctx, "user1", 50); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}

	clk.Set(time.Date(2025, 2, 16, 0, 0, 0, 0, time.UTC))
	used, err := m.Consume(ctx, "user1", 5)
	if err != nil {
		t.Fatalf("Consume after rollover failed: %v", err)
	}
	if used != 5 {
		t.Errorf("used = %d, want 5", used)
	}

	rec, _ := m.Get(ctx, "user1")
	want := time.Date(2025, 2, 15, 10, 0, 0, 0, time.UTC)
	if !rec.LastReset.Equal(want) {
		t.Errorf("LastReset = %v, want %v", rec.LastReset, want)
	}

	reset, err := m.ResetIfDue(ctx, "user1")
	if err != nil || reset {
		t.Errorf("ResetIfDue = %v, %v; want no-op", reset, err)
	}
}

func TestManager_MonthEndCycleKeepsAnchorDay(t *testing.T) {
	m, _, clk := newTestManager(t)
	ctx := context.Background()
	clk.Set(time.Date(2025, 1, 31, 9, 0, 0, 0, time.UTC))
	_, _, _ = m.Ensure(ctx, "user1", "user1@example.com")

	clk.Set(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	if reset, err := m.ResetIfDue(ctx, "user1"); err != nil || !reset {
		t.Fatalf("ResetIfDue in March = %v, %v; want reset", reset, err)
	}
	if _, err := m.Consume(ctx, "user1", 10); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}

	// The February cycle was clipped to the 28th; March runs to the 31st.
	clk.Set(time.Date(2025, 3, 29, 12, 0, 0, 0, time.UTC))
	if reset, _ := m.ResetIfDue(ctx, "user1"); reset {
		t.Error("cycle must not roll over on the 28th after a clipped February")
	}

	clk.Set(time.Date(2025, 3, 31, 9, 0, 0, 0, time.UTC))
	if reset, err := m.ResetIfDue(ctx, "user1"); err != nil || !reset {
		t.Fatalf("ResetIfDue on the 31st = %v, %v; want reset", reset, err)
	}
	rec, _ := m.Get(ctx, "user1")
	if !rec.CycleAnchor.Equal(time.Date(2025, 1, 31, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("CycleAnchor = %v, must not move", rec.CycleAnchor)
	}
}

func TestManager_SetDisplayName(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	_, _, _ = m.Ensure(ctx, "user1", "user1@example.com")

	if err := m.SetDisplayName(ctx, "user1", "Grace"); err != nil {
		t.Fatalf("SetDisplayName failed: %v", err)
	}
	rec, _ := m.Get(ctx, "user1")
	if rec.DisplayName != "Grace" {
		t.Errorf("DisplayName = %q", rec.DisplayName)
	}
}
