package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/plansync/pkg/entitlement"
	"github.com/mihaimyh/plansync/storage/storagetest"
)

// setupTestRedis creates a Redis client for testing
// Requires Redis running on localhost:6379
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	// Clear test database
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	return client
}

func TestNew(t *testing.T) {
	if _, err := New(nil, DefaultConfig()); err == nil {
		t.Error("expected error for nil client")
	}

	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()
	store, err := New(client, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if store.config.KeyPrefix != defaultKeyPrefix {
		t.Errorf("KeyPrefix = %q", store.config.KeyPrefix)
	}
	if got := store.entitlementKey("u1"); got != "plansync:entitlement:u1" {
		t.Errorf("entitlementKey = %q", got)
	}
}

func TestStore_Conformance(t *testing.T) {
	store, err := New(setupTestRedis(t), DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	storagetest.Run(t, store)
}

func TestHashRoundTrip(t *testing.T) {
	at := time.Date(2025, 2, 3, 4, 5, 6, 7000, time.UTC)
	rec := &entitlement.Record{
		UserID:          "u1",
		Email:           "u1@example.com",
		Plan:            entitlement.PlanElite,
		Status:          entitlement.StatusPastDue,
		BillingCycle:    entitlement.CycleAnnual,
		CustomerRef:     "cus_1",
		SubscriptionRef: "sub_1",
		CreditsUsed:     42,
		LastReset:       at,
		PeriodEnd:       at.AddDate(1, 0, 0),
		UpdatedAt:       at,
	}

	pairs := toHash(rec)
	h := make(map[string]string, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		h[pairs[i].(string)] = fmt.Sprint(pairs[i+1])
	}

	got, err := fromHash(h)
	if err != nil {
		t.Fatalf("fromHash: %v", err)
	}
	if got.Plan != rec.Plan || got.Status != rec.Status || got.CreditsUsed != rec.CreditsUsed ||
		got.CustomerRef != rec.CustomerRef || got.BillingCycle != rec.BillingCycle {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, rec)
	}
	if !got.LastReset.Equal(at) || !got.PeriodEnd.Equal(rec.PeriodEnd) {
		t.Errorf("times: last_reset %v period_end %v", got.LastReset, got.PeriodEnd)
	}
	if !got.EventAt.IsZero() {
		t.Error("zero event time must stay zero")
	}
}

func TestStore_SaveAndEvict(t *testing.T) {
	store, err := New(setupTestRedis(t), DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	rec := entitlement.NewRecord("user1", "u1@example.com", time.Now())
	rec.CustomerRef = "cus_1"
	rec.Plan = entitlement.PlanPro
	rec.Status = entitlement.StatusActive
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.GetByCustomer(ctx, "cus_1")
	if err != nil {
		t.Fatalf("GetByCustomer: %v", err)
	}
	if got.Plan != entitlement.PlanPro {
		t.Errorf("Plan = %v, want pro", got.Plan)
	}

	if err := store.Evict(ctx, "user1"); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if _, err := store.Get(ctx, "user1"); err != entitlement.ErrRecordNotFound {
		t.Errorf("Get after Evict = %v, want ErrRecordNotFound", err)
	}
	if _, err := store.GetByCustomer(ctx, "cus_1"); err != entitlement.ErrRecordNotFound {
		t.Errorf("GetByCustomer after Evict = %v, want ErrRecordNotFound", err)
	}
}
