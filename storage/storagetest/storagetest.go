// Package storagetest provides a conformance suite shared by every
// entitlement.Store backend.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/plansync/pkg/entitlement"
)

// Run exercises store against the entitlement.Store contract. Records use
// random ids so the suite can run against shared databases.
func Run(t *testing.T, store entitlement.Store) {
	t.Helper()

	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, store) })
	t.Run("CreateIfAbsent", func(t *testing.T) { testCreateIfAbsent(t, store) })
	t.Run("LinkCustomer", func(t *testing.T) { testLinkCustomer(t, store) })
	t.Run("LinkCustomerConflict", func(t *testing.T) { testLinkCustomerConflict(t, store) })
	t.Run("LinkCustomerConcurrent", func(t *testing.T) { testLinkCustomerConcurrent(t, store) })
	t.Run("ApplySubscription", func(t *testing.T) { testApplySubscription(t, store) })
	t.Run("ApplySubscriptionUnlinked", func(t *testing.T) { testApplySubscriptionUnlinked(t, store) })
	t.Run("ApplySubscriptionReplay", func(t *testing.T) { testApplySubscriptionReplay(t, store) })
	t.Run("ConsumeCredits", func(t *testing.T) { testConsumeCredits(t, store) })
	t.Run("ConsumeCreditsConcurrent", func(t *testing.T) { testConsumeCreditsConcurrent(t, store) })
	t.Run("ResetCredits", func(t *testing.T) { testResetCredits(t, store) })
	t.Run("SetDisplayName", func(t *testing.T) { testSetDisplayName(t, store) })
}

var base = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

func newUser(t *testing.T, store entitlement.Store) *entitlement.Record {
	t.Helper()
	id := "user_" + uuid.NewString()
	rec, created, err := store.CreateIfAbsent(context.Background(),
		entitlement.NewRecord(id, id+"@example.com", base))
	require.NoError(t, err)
	require.True(t, created)
	return rec
}

func newLinkedUser(t *testing.T, store entitlement.Store) (*entitlement.Record, string) {
	t.Helper()
	rec := newUser(t, store)
	ref := "cus_" + uuid.NewString()
	linked, err := store.LinkCustomer(context.Background(), rec.UserID, ref)
	require.NoError(t, err)
	require.Equal(t, ref, linked)
	return rec, ref
}

func testGetMissing(t *testing.T, store entitlement.Store) {
	ctx := context.Background()
	_, err := store.Get(ctx, "missing_"+uuid.NewString())
	assert.ErrorIs(t, err, entitlement.ErrRecordNotFound)

	_, err = store.GetByCustomer(ctx, "cus_missing_"+uuid.NewString())
	assert.ErrorIs(t, err, entitlement.ErrRecordNotFound)
}

func testCreateIfAbsent(t *testing.T, store entitlement.Store) {
	ctx := context.Background()
	rec := newUser(t, store)

	again := entitlement.NewRecord(rec.UserID, "other@example.com", base.Add(time.Hour))
	again.Plan = entitlement.PlanElite
	stored, created, err := store.CreateIfAbsent(ctx, again)
	require.NoError(t, err)
	assert.False(t, created, "second initialization must be a no-op")
	assert.Equal(t, entitlement.PlanFree, stored.Plan)
	assert.Equal(t, rec.Email, stored.Email)

	got, err := store.Get(ctx, rec.UserID)
	require.NoError(t, err)
	assert.Equal(t, entitlement.PlanFree, got.Plan)
	assert.Equal(t, entitlement.StatusNone, got.Status)
	assert.Equal(t, 0, got.CreditsUsed)
	assert.True(t, got.LastReset.Equal(base), "last reset = %v", got.LastReset)
	assert.True(t, got.CycleAnchor.Equal(base), "cycle anchor = %v", got.CycleAnchor)
}

func testLinkCustomer(t *testing.T, store entitlement.Store) {
	ctx := context.Background()
	rec, ref := newLinkedUser(t, store)

	linked, err := store.LinkCustomer(ctx, rec.UserID, "cus_other_"+uuid.NewString())
	require.NoError(t, err)
	assert.Equal(t, ref, linked, "an existing link must win")

	got, err := store.GetByCustomer(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, rec.UserID, got.UserID)
	assert.Equal(t, ref, got.CustomerRef)

	_, err = store.LinkCustomer(ctx, "missing_"+uuid.NewString(), "cus_x")
	assert.ErrorIs(t, err, entitlement.ErrRecordNotFound)
}

func testLinkCustomerConflict(t *testing.T, store entitlement.Store) {
	ctx := context.Background()
	owner, ref := newLinkedUser(t, store)
	other := newUser(t, store)

	_, err := store.LinkCustomer(ctx, other.UserID, ref)
	assert.ErrorIs(t, err, entitlement.ErrCustomerConflict)

	got, err := store.GetByCustomer(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, owner.UserID, got.UserID, "the index must keep the first owner")

	got, err = store.Get(ctx, other.UserID)
	require.NoError(t, err)
	assert.Empty(t, got.CustomerRef)
}

func testLinkCustomerConcurrent(t *testing.T, store entitlement.Store) {
	ctx := context.Background()
	rec := newUser(t, store)

	const workers = 10
	results := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			linked, err := store.LinkCustomer(ctx, rec.UserID, "cus_"+uuid.NewString())
			if err != nil {
				t.Errorf("LinkCustomer: %v", err)
				return
			}
			results[i] = linked
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, results[0], r, "every caller must observe the same link")
	}
	got, err := store.Get(ctx, rec.UserID)
	require.NoError(t, err)
	assert.Equal(t, results[0], got.CustomerRef)
}

func subscriptionUpdate(ref string, plan entitlement.Plan, status entitlement.Status, at time.Time) *entitlement.SubscriptionUpdate {
	return &entitlement.SubscriptionUpdate{
		CustomerRef:     ref,
		SubscriptionRef: "sub_" + ref,
		Plan:            plan,
		Status:          status,
		BillingCycle:    entitlement.CycleAnnual,
		PeriodEnd:       at.AddDate(1, 0, 0),
		EventAt:         at,
	}
}

func testApplySubscription(t *testing.T, store entitlement.Store) {
	ctx := context.Background()
	rec, ref := newLinkedUser(t, store)

	got, err := store.ApplySubscription(ctx, subscriptionUpdate(ref, entitlement.PlanPro, entitlement.StatusActive, base))
	require.NoError(t, err)
	assert.Equal(t, rec.UserID, got.UserID)
	assert.Equal(t, entitlement.PlanPro, got.Plan)
	assert.Equal(t, entitlement.StatusActive, got.Status)
	assert.Equal(t, entitlement.CycleAnnual, got.BillingCycle)
	assert.Equal(t, "sub_"+ref, got.SubscriptionRef)
	assert.True(t, got.PeriodEnd.Equal(base.AddDate(1, 0, 0)))

	_, err = store.ApplySubscription(ctx, subscriptionUpdate(ref, entitlement.PlanStart, entitlement.StatusCanceled, base.Add(-time.Minute)))
	assert.ErrorIs(t, err, entitlement.ErrStaleEvent)

	stored, err := store.Get(ctx, rec.UserID)
	require.NoError(t, err)
	assert.Equal(t, entitlement.PlanPro, stored.Plan, "stale event must not regress the record")
	assert.Equal(t, ref, stored.CustomerRef)
}

func testApplySubscriptionUnlinked(t *testing.T, store entitlement.Store) {
	ctx := context.Background()
	ref := "cus_unlinked_" + uuid.NewString()
	_, err := store.ApplySubscription(ctx, subscriptionUpdate(ref, entitlement.PlanPro, entitlement.StatusActive, base))
	assert.ErrorIs(t, err, entitlement.ErrRecordNotFound)

	_, err = store.GetByCustomer(ctx, ref)
	assert.ErrorIs(t, err, entitlement.ErrRecordNotFound, "no record may be created for an unlinked customer")
}

func testApplySubscriptionReplay(t *testing.T, store entitlement.Store) {
	ctx := context.Background()
	rec, ref := newLinkedUser(t, store)

	events := []*entitlement.SubscriptionUpdate{
		subscriptionUpdate(ref, entitlement.PlanStart, entitlement.StatusIncomplete, base),
		subscriptionUpdate(ref, entitlement.PlanStart, entitlement.StatusActive, base.Add(time.Minute)),
		subscriptionUpdate(ref, entitlement.PlanElite, entitlement.StatusActive, base.Add(2*time.Minute)),
	}
	apply := func(evs []*entitlement.SubscriptionUpdate) {
		for _, ev := range evs {
			if _, err := store.ApplySubscription(ctx, ev); err != nil && !errors.Is(err, entitlement.ErrStaleEvent) {
				t.Fatalf("ApplySubscription: %v", err)
			}
		}
	}

	apply(events)
	once, err := store.Get(ctx, rec.UserID)
	require.NoError(t, err)

	for i := range events {
		apply(events[:i+1])
	}
	apply(events)

	again, err := store.Get(ctx, rec.UserID)
	require.NoError(t, err)
	assert.Equal(t, once.Plan, again.Plan)
	assert.Equal(t, once.Status, again.Status)
	assert.Equal(t, once.SubscriptionRef, again.SubscriptionRef)
	assert.Equal(t, once.BillingCycle, again.BillingCycle)
	assert.True(t, once.PeriodEnd.Equal(again.PeriodEnd))
	assert.Equal(t, entitlement.PlanElite, again.Plan)
}

func testConsumeCredits(t *testing.T, store entitlement.Store) {
	ctx := context.Background()
	rec := newUser(t, store)

	used, err := store.ConsumeCredits(ctx, rec.UserID, 30, 50)
	require.NoError(t, err)
	assert.Equal(t, 30, used)

	used, err = store.ConsumeCredits(ctx, rec.UserID, 20, 50)
	require.NoError(t, err)
	assert.Equal(t, 50, used)

	_, err = store.ConsumeCredits(ctx, rec.UserID, 1, 50)
	assert.ErrorIs(t, err, entitlement.ErrCreditsExhausted)

	got, err := store.Get(ctx, rec.UserID)
	require.NoError(t, err)
	assert.Equal(t, 50, got.CreditsUsed)

	_, err = store.ConsumeCredits(ctx, "missing_"+uuid.NewString(), 1, 50)
	assert.ErrorIs(t, err, entitlement.ErrRecordNotFound)
}

func testConsumeCreditsConcurrent(t *testing.T, store entitlement.Store) {
	ctx := context.Background()
	rec := newUser(t, store)

	const (
		budget  = 20
		callers = 40
	)
	var ok int64
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ConsumeCredits(ctx, rec.UserID, 1, budget)
			switch {
			case err == nil:
				atomic.AddInt64(&ok, 1)
			case errors.Is(err, entitlement.ErrCreditsExhausted):
			default:
				t.Errorf("ConsumeCredits: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(budget), ok)
	got, err := store.Get(ctx, rec.UserID)
	require.NoError(t, err)
	assert.Equal(t, budget, got.CreditsUsed)
}

func testResetCredits(t *testing.T, store entitlement.Store) {
	ctx := context.Background()
	rec := newUser(t, store)
	_, err := store.ConsumeCredits(ctx, rec.UserID, 10, 50)
	require.NoError(t, err)

	reset, err := store.ResetCredits(ctx, rec.UserID, base)
	require.NoError(t, err)
	assert.False(t, reset, "a reset inside the current cycle must be a no-op")

	next := base.AddDate(0, 1, 0)
	reset, err = store.ResetCredits(ctx, rec.UserID, next)
	require.NoError(t, err)
	assert.True(t, reset)

	reset, err = store.ResetCredits(ctx, rec.UserID, next)
	require.NoError(t, err)
	assert.False(t, reset, "reset must be idempotent per cycle")

	got, err := store.Get(ctx, rec.UserID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CreditsUsed)
	assert.True(t, got.LastReset.Equal(next), "last reset = %v", got.LastReset)
	assert.True(t, got.CycleAnchor.Equal(base), "a reset must not move the cycle anchor")
}

func testSetDisplayName(t *testing.T, store entitlement.Store) {
	ctx := context.Background()
	rec := newUser(t, store)

	require.NoError(t, store.SetDisplayName(ctx, rec.UserID, "Ada Lovelace"))
	got, err := store.Get(ctx, rec.UserID)
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", got.DisplayName)

	err = store.SetDisplayName(ctx, "missing_"+uuid.NewString(), "x")
	assert.ErrorIs(t, err, entitlement.ErrRecordNotFound)
}
