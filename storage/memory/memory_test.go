package memory

import (
	"context"
	"testing"
	"time"

	"github.com/mihaimyh/plansync/pkg/entitlement"
	"github.com/mihaimyh/plansync/storage/storagetest"
)

var _ entitlement.Store = (*Store)(nil)

func TestStore_Conformance(t *testing.T) {
	storagetest.Run(t, New())
}

func TestStore_ReturnsCopies(t *testing.T) {
	store := New()
	ctx := context.Background()

	rec, _, err := store.CreateIfAbsent(ctx, entitlement.NewRecord("user1", "u1@example.com", time.Now()))
	if err != nil {
		t.Fatalf("CreateIfAbsent failed: %v", err)
	}
	rec.Plan = entitlement.PlanElite

	got, err := store.Get(ctx, "user1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Plan != entitlement.PlanFree {
		t.Errorf("external mutation leaked into store: plan = %v", got.Plan)
	}
}

func TestStore_PutReindexesCustomer(t *testing.T) {
	store := New()
	ctx := context.Background()

	rec := entitlement.NewRecord("user1", "u1@example.com", time.Now())
	rec.CustomerRef = "cus_old"
	store.Put(rec)

	rec.CustomerRef = "cus_new"
	store.Put(rec)

	if _, err := store.GetByCustomer(ctx, "cus_old"); err != entitlement.ErrRecordNotFound {
		t.Errorf("Expected ErrRecordNotFound for replaced customer, got %v", err)
	}
	if _, err := store.GetByCustomer(ctx, "cus_new"); err != nil {
		t.Errorf("GetByCustomer failed: %v", err)
	}
	if store.Len() != 1 {
		t.Errorf("Len = %d, want 1", store.Len())
	}

	store.Clear()
	if store.Len() != 0 {
		t.Errorf("Len after Clear = %d, want 0", store.Len())
	}
}

func TestStore_SaveAndEvict(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.Save(ctx, nil); err != entitlement.ErrInvalidUser {
		t.Errorf("Save(nil) = %v, want ErrInvalidUser", err)
	}

	rec := entitlement.NewRecord("user1", "u1@example.com", time.Now())
	rec.CustomerRef = "cus_1"
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := store.GetByCustomer(ctx, "cus_1"); err != nil {
		t.Errorf("GetByCustomer after Save failed: %v", err)
	}

	if err := store.Evict(ctx, "user1"); err != nil {
		t.Fatalf("Evict failed: %v", err)
	}
	if _, err := store.Get(ctx, "user1"); err != entitlement.ErrRecordNotFound {
		t.Errorf("Get after Evict = %v, want ErrRecordNotFound", err)
	}
	if _, err := store.GetByCustomer(ctx, "cus_1"); err != entitlement.ErrRecordNotFound {
		t.Errorf("GetByCustomer after Evict = %v, want ErrRecordNotFound", err)
	}
	if err := store.Evict(ctx, "missing"); err != nil {
		t.Errorf("Evict of missing user = %v", err)
	}
}
