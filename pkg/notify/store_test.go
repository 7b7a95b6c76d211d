package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/plansync/pkg/entitlement"
	"github.com/mihaimyh/plansync/storage/memory"
)

func TestPublishingStore(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	defer hub.Close()

	store := NewPublishingStore(memory.New(), hub, nil)
	sub, err := hub.Subscribe(ctx, "u1")
	require.NoError(t, err)
	defer sub.Close()

	base := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	_, created, err := store.CreateIfAbsent(ctx, entitlement.NewRecord("u1", "u1@example.com", base))
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, entitlement.PlanFree, receive(t, sub).Plan)

	_, created, err = store.CreateIfAbsent(ctx, entitlement.NewRecord("u1", "u1@example.com", base))
	require.NoError(t, err)
	require.False(t, created)

	_, err = store.LinkCustomer(ctx, "u1", "cus_1")
	require.NoError(t, err)

	_, err = store.ApplySubscription(ctx, &entitlement.SubscriptionUpdate{
		CustomerRef: "cus_1", SubscriptionRef: "sub_1",
		Plan: entitlement.PlanPro, Status: entitlement.StatusActive,
		BillingCycle: entitlement.CycleMonthly, EventAt: base.Add(time.Hour),
	})
	require.NoError(t, err)
	got := receive(t, sub)
	assert.Equal(t, entitlement.PlanPro, got.Plan)
	assert.Equal(t, entitlement.StatusActive, got.Status)

	_, err = store.ConsumeCredits(ctx, "u1", 3, 1500)
	require.NoError(t, err)
	consumed := receive(t, sub)
	assert.Equal(t, 3, consumed.CreditsUsed)
	assert.False(t, consumed.At.Before(got.At), "versions must not go backwards")
	stored, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, consumed.At.Equal(stored.UpdatedAt))

	reset, err := store.ResetCredits(ctx, "u1", base.AddDate(0, 1, 0))
	require.NoError(t, err)
	require.True(t, reset)
	assert.Zero(t, receive(t, sub).CreditsUsed)

	// Failed writes publish nothing.
	_, err = store.ConsumeCredits(ctx, "u1", 5000, 1500)
	assert.ErrorIs(t, err, entitlement.ErrCreditsExhausted)
	select {
	case c := <-sub.C():
		t.Fatalf("unexpected change after failed write: %+v", c)
	default:
	}
}
