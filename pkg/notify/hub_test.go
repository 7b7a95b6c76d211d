package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/plansync/pkg/entitlement"
)

func receive(t *testing.T, sub Subscription) Change {
	t.Helper()
	select {
	case c, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return c
	case <-time.After(time.Second):
		t.Fatal("no change delivered")
		return Change{}
	}
}

func TestHub_DeliversPerUser(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	ctx := context.Background()

	alice, err := hub.Subscribe(ctx, "alice")
	require.NoError(t, err)
	defer alice.Close()
	bob, err := hub.Subscribe(ctx, "bob")
	require.NoError(t, err)
	defer bob.Close()

	require.NoError(t, hub.Publish(ctx, Change{UserID: "alice", Plan: entitlement.PlanPro}))

	got := receive(t, alice)
	assert.Equal(t, entitlement.PlanPro, got.Plan)
	select {
	case c := <-bob.C():
		t.Fatalf("bob received alice's change: %+v", c)
	default:
	}
}

func TestHub_SlowSubscriberKeepsNewest(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	ctx := context.Background()

	sub, err := hub.Subscribe(ctx, "u1")
	require.NoError(t, err)
	defer sub.Close()

	for i := 1; i <= defaultBuffer*3; i++ {
		require.NoError(t, hub.Publish(ctx, Change{UserID: "u1", CreditsUsed: i}))
	}

	var last Change
	for i := 0; i < defaultBuffer; i++ {
		last = receive(t, sub)
	}
	assert.Equal(t, defaultBuffer*3, last.CreditsUsed)
}

func TestHub_CloseAndContext(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := hub.Subscribe(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers("u1"))

	cancel()
	select {
	case _, ok := <-sub.C():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed by context")
	}
	assert.Zero(t, hub.Subscribers("u1"))
	assert.NoError(t, sub.Close(), "second close is a no-op")

	require.NoError(t, hub.Close())
	_, err = hub.Subscribe(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, hub.Publish(context.Background(), Change{UserID: "u1"}), ErrClosed)
}

func TestChangeWireNames(t *testing.T) {
	rec := entitlement.NewRecord("u1", "u1@example.com", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	rec.Plan = entitlement.PlanElite
	rec.CreditsUsed = 7

	data, err := json.Marshal(ChangeOf(rec))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"plan_id":"elite"`)
	assert.Contains(t, string(data), `"leads_used":7`)
	assert.Contains(t, string(data), `"billing_cycle":"monthly"`)
	assert.True(t, ChangeOf(rec).At.Equal(rec.UpdatedAt), "change version is the record version")
}
