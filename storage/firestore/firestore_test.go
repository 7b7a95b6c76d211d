package firestore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/plansync/pkg/entitlement"
	"github.com/mihaimyh/plansync/storage/storagetest"
)

const (
	testProjectID = "test-project"
	emulatorHost  = "localhost:8080"
)

func setupFirestoreClient(t *testing.T) *firestore.Client {
	t.Helper()

	host := os.Getenv("FIRESTORE_EMULATOR_HOST")
	if host == "" {
		t.Setenv("FIRESTORE_EMULATOR_HOST", emulatorHost)
	}

	client, err := firestore.NewClient(context.Background(), testProjectID)
	if err != nil {
		t.Skipf("Firestore emulator not available: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.Collection("ping").Doc("ping").Get(ctx); err != nil && status.Code(err) != codes.NotFound {
		_ = client.Close()
		t.Skipf("Firestore emulator not available: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// testCollections returns unique collection names for each test run
func testCollections(testName string) Config {
	timestamp := time.Now().UnixNano()
	return Config{
		EntitlementsCollection: fmt.Sprintf("test_ent_%s_%d", testName, timestamp),
		CustomersCollection:    fmt.Sprintf("test_cus_%s_%d", testName, timestamp),
	}
}

func TestNew(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Error("expected error for nil client")
	}
}

func TestStore_Conformance(t *testing.T) {
	client := setupFirestoreClient(t)
	store, err := New(client, testCollections("conformance"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	storagetest.Run(t, store)
}

func TestDataRoundTrip(t *testing.T) {
	at := time.Date(2025, 1, 31, 12, 0, 0, 0, time.UTC)
	rec := entitlement.NewRecord("u1", "u1@example.com", at)
	rec.Plan = entitlement.PlanStart
	rec.Status = entitlement.StatusCanceled
	rec.PeriodEnd = at.AddDate(0, 1, 0)
	rec.CreditsUsed = 7

	data := toData(rec)
	if data["eventAt"] != nil {
		t.Errorf("zero event time stored as %v", data["eventAt"])
	}
	got, err := fromData("u1", data)
	if err != nil {
		t.Fatalf("fromData: %v", err)
	}
	if got.Plan != rec.Plan || got.Status != rec.Status || got.CreditsUsed != 7 ||
		!got.PeriodEnd.Equal(rec.PeriodEnd) || !got.EventAt.IsZero() {
		t.Errorf("round trip = %+v", got)
	}

	data["planId"] = "platinum"
	if _, err := fromData("u1", data); err == nil {
		t.Error("expected error for unknown plan")
	}
}
