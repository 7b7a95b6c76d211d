package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mihaimyh/plansync/pkg/entitlement"
	"github.com/mihaimyh/plansync/pkg/session"
	"github.com/mihaimyh/plansync/storage/memory"
)

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

// Test helper to create a test manager with one seeded user
func setupTestManager(t *testing.T, plan entitlement.Plan, used int) *entitlement.Manager {
	t.Helper()

	store := memory.New()
	rec := entitlement.NewRecord("user1", "u1@example.com", testNow.AddDate(0, 0, -1))
	rec.Plan = plan
	if plan > entitlement.PlanFree {
		rec.Status = entitlement.StatusActive
	}
	rec.CreditsUsed = used
	store.Put(rec)

	manager, err := entitlement.NewManager(store, entitlement.Config{Now: func() time.Time { return testNow }})
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	return manager
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("success"))
	})
}

func serve(handler http.Handler, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/leads", nil)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_Success(t *testing.T) {
	manager := setupTestManager(t, entitlement.PlanPro, 0)

	handler := Middleware(Config{
		Manager:   manager,
		GetUserID: FromHeader("X-User-ID"),
		MinPlan:   entitlement.PlanPro,
		GetAmount: FixedAmount(1),
	})(okHandler())

	rec := serve(handler, "user1")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if rec.Body.String() != "success" {
		t.Errorf("Expected 'success', got %s", rec.Body.String())
	}
	if got := rec.Header().Get("X-Credits-Remaining"); got != "1499" {
		t.Errorf("Expected X-Credits-Remaining 1499, got %s", got)
	}
	if got := rec.Header().Get("X-Plan"); got != "pro" {
		t.Errorf("Expected X-Plan pro, got %s", got)
	}
}

func TestMiddleware_PlanRequired(t *testing.T) {
	manager := setupTestManager(t, entitlement.PlanStart, 0)
	handler := RequirePlan(manager, entitlement.PlanPro, FromHeader("X-User-ID"))(okHandler())

	rec := serve(handler, "user1")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("Expected status 403, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Plan required: pro") {
		t.Errorf("Unexpected body %q", rec.Body.String())
	}
}

func TestMiddleware_CreditsExhausted(t *testing.T) {
	manager := setupTestManager(t, entitlement.PlanFree, 50)

	var called bool
	handler := Middleware(Config{
		Manager:   manager,
		GetUserID: FromHeader("X-User-ID"),
		GetAmount: FixedAmount(1),
		OnCreditsExhausted: func(w http.ResponseWriter, r *http.Request, view entitlement.View) {
			called = true
			if view.CreditsUsed != 50 {
				t.Errorf("Expected 50 credits used, got %d", view.CreditsUsed)
			}
			w.WriteHeader(http.StatusPaymentRequired)
		},
	})(okHandler())

	rec := serve(handler, "user1")
	if !called {
		t.Fatal("Expected OnCreditsExhausted to be called")
	}
	if rec.Code != http.StatusPaymentRequired {
		t.Errorf("Expected status 402, got %d", rec.Code)
	}
}

func TestMiddleware_DefaultCreditsExhausted(t *testing.T) {
	manager := setupTestManager(t, entitlement.PlanFree, 50)
	handler := Middleware(Config{
		Manager:   manager,
		GetUserID: FromHeader("X-User-ID"),
		GetAmount: FixedAmount(1),
	})(okHandler())

	rec := serve(handler, "user1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected status 429, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "50/50") {
		t.Errorf("Unexpected body %q", rec.Body.String())
	}
}

func TestMiddleware_Unauthorized(t *testing.T) {
	manager := setupTestManager(t, entitlement.PlanPro, 0)
	handler := Middleware(Config{Manager: manager, GetUserID: FromHeader("X-User-ID")})(okHandler())

	rec := serve(handler, "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rec.Code)
	}
}

func TestMiddleware_AmountError(t *testing.T) {
	manager := setupTestManager(t, entitlement.PlanPro, 0)
	handler := Middleware(Config{
		Manager:   manager,
		GetUserID: FromHeader("X-User-ID"),
		GetAmount: func(*http.Request) (int, error) { return 0, errors.New("bad size") },
	})(okHandler())

	rec := serve(handler, "user1")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", rec.Code)
	}

	handler = Middleware(Config{
		Manager:   manager,
		GetUserID: FromHeader("X-User-ID"),
		GetAmount: FixedAmount(-3),
	})(okHandler())
	rec = serve(handler, "user1")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", rec.Code)
	}
}

func TestMiddleware_UnknownUserConsuming(t *testing.T) {
	manager := setupTestManager(t, entitlement.PlanPro, 0)
	handler := Middleware(Config{
		Manager:   manager,
		GetUserID: FromHeader("X-User-ID"),
		GetAmount: FixedAmount(1),
	})(okHandler())

	rec := serve(handler, "nobody")
	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", rec.Code)
	}
}

func TestMiddleware_PanicsWithoutManager(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for missing Manager")
		}
	}()
	Middleware(Config{GetUserID: FromHeader("X-User-ID")})
}

func TestExtractors(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithUserID(req.Context(), "ctx-user"))
	if got := FromContext(UserIDKey)(req); got != "ctx-user" {
		t.Errorf("FromContext = %q", got)
	}

	if got := FromSession()(req); got != "" {
		t.Errorf("FromSession without session = %q", got)
	}

	sess := session.New(context.Background(), "sid",
		session.Identity{UserID: "sess-user", Email: "s@example.com"}, time.Now().Add(time.Hour))
	defer sess.Close()
	req = req.WithContext(session.WithSession(req.Context(), sess))
	if got := FromSession()(req); got != "sess-user" {
		t.Errorf("FromSession = %q", got)
	}
}
