package revenuecat

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/plansync/pkg/billing"
	"github.com/mihaimyh/plansync/pkg/entitlement"
	"github.com/mihaimyh/plansync/pkg/session"
	"github.com/mihaimyh/plansync/storage/memory"
)

const (
	testSecret = "rc_webhook_secret"
	testAPIKey = "rc_api_key"
	testUserID = "user_123"
)

type testEnv struct {
	provider *Provider
	store    *memory.Store
	manager  *entitlement.Manager
	now      time.Time
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	store := memory.New()
	manager, err := entitlement.NewManager(store, entitlement.Config{Now: func() time.Time { return now }})
	require.NoError(t, err)
	cfg := Config{
		Config: billing.Config{
			Manager:       manager,
			WebhookSecret: testSecret,
			APIKey:        testAPIKey,
		},
		EntitlementMapping: map[string]string{
			"starter": "start",
			"Pro":     "pro",
			"elite":   "elite",
		},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	provider, err := NewProvider(cfg)
	require.NoError(t, err)
	return &testEnv{provider: provider, store: store, manager: manager, now: now}
}

func eventJSON(eventType, userID string, entitlements []string, at, expires time.Time) string {
	ids := `[]`
	if len(entitlements) > 0 {
		ids = `["` + strings.Join(entitlements, `","`) + `"]`
	}
	return fmt.Sprintf(`{"api_version":"1.0","event":{"id":"evt_%d","type":%q,"app_user_id":%q,`+
		`"entitlement_ids":%s,"product_id":"pro_monthly","period_type":"NORMAL",`+
		`"original_transaction_id":"txn_1","event_timestamp_ms":%d,"expiration_at_ms":%d,"store":"APP_STORE"}}`,
		at.UnixMilli(), eventType, userID, ids, at.UnixMilli(), expires.UnixMilli())
}

func deliver(t *testing.T, env *testEnv, payload string, auth string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/revenuecat", strings.NewReader(payload))
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rr := httptest.NewRecorder()
	env.provider.WebhookHandler().ServeHTTP(rr, req)
	return rr
}

func TestNewProvider_Validation(t *testing.T) {
	manager, err := entitlement.NewManager(memory.New(), entitlement.Config{})
	require.NoError(t, err)

	_, err = NewProvider(Config{})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)

	_, err = NewProvider(Config{
		Config:             billing.Config{Manager: manager},
		EntitlementMapping: map[string]string{"gold": "platinum"},
	})
	assert.ErrorIs(t, err, entitlement.ErrInvalidPlan)

	p, err := NewProvider(Config{Config: billing.Config{Manager: manager}})
	require.NoError(t, err)
	assert.Equal(t, "revenuecat", p.Name())
}

func TestPlanForEntitlement(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		id   string
		want entitlement.Plan
	}{
		{"pro", entitlement.PlanPro},
		{"PRO", entitlement.PlanPro},
		{" elite ", entitlement.PlanElite},
		{"pro_access", entitlement.PlanPro},
		{"starter", entitlement.PlanStart},
		{"unknown", entitlement.PlanFree},
		{"", entitlement.PlanFree},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, env.provider.PlanForEntitlement(tt.id), "entitlement %q", tt.id)
	}
}

func TestHostedFlowsNotSupported(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := session.Identity{UserID: testUserID}

	_, err := env.provider.Checkout(ctx, id, billing.CheckoutRequest{})
	assert.ErrorIs(t, err, billing.ErrNotSupported)
	_, err = env.provider.Portal(ctx, id, billing.PortalRequest{})
	assert.ErrorIs(t, err, billing.ErrNotSupported)
	_, err = env.provider.UpdateSubscription(ctx, id, billing.UpdateRequest{})
	assert.ErrorIs(t, err, billing.ErrNotSupported)
}

func TestWebhook_Authentication(t *testing.T) {
	env := newTestEnv(t)
	payload := eventJSON(eventInitialPurchase, testUserID, []string{"pro"}, env.now, env.now.AddDate(0, 1, 0))

	tests := []struct {
		name string
		auth string
		want int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"bearer token", "Bearer " + testSecret, http.StatusOK},
		{"raw token", testSecret, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := deliver(t, env, payload, tt.auth)
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
		})
	}
}

func TestWebhook_MethodAndSecret(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/webhooks/revenuecat", http.NoBody)
	rr := httptest.NewRecorder()
	env.provider.WebhookHandler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	unset := newTestEnv(t, func(c *Config) { c.WebhookSecret = "" })
	rr = deliver(t, unset, `{"event":{"type":"TEST"}}`, "Bearer anything")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestWebhook_HMACSignature(t *testing.T) {
	payload := eventJSON(eventInitialPurchase, testUserID, []string{"pro"}, time.Now(), time.Now().AddDate(0, 1, 0))
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(payload))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	send := func(env *testEnv, sig string) int {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/revenuecat", strings.NewReader(payload))
		req.Header.Set(signatureHeader, sig)
		rr := httptest.NewRecorder()
		env.provider.WebhookHandler().ServeHTTP(rr, req)
		return rr.Code
	}

	disabled := newTestEnv(t)
	assert.Equal(t, http.StatusUnauthorized, send(disabled, sig), "signature ignored unless enabled")

	enabled := newTestEnv(t, func(c *Config) { c.EnableHMAC = true })
	assert.Equal(t, http.StatusOK, send(enabled, sig))
	assert.Equal(t, http.StatusUnauthorized, send(enabled, base64.StdEncoding.EncodeToString([]byte("forged"))))
	assert.Equal(t, http.StatusUnauthorized, send(enabled, "not base64!"))
}

func TestWebhook_TestEventAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	rr := deliver(t, env, `{"event":{"id":"evt_test","type":"TEST","app_user_id":"`+testUserID+`"}}`, "Bearer "+testSecret)
	assert.Equal(t, http.StatusOK, rr.Code)

	_, err := env.manager.Get(context.Background(), testUserID)
	assert.ErrorIs(t, err, entitlement.ErrRecordNotFound, "test events never write")
}

func TestWebhook_MalformedPayload(t *testing.T) {
	env := newTestEnv(t)
	auth := "Bearer " + testSecret

	assert.Equal(t, http.StatusBadRequest, deliver(t, env, `{"event":`, auth).Code)
	assert.Equal(t, http.StatusBadRequest, deliver(t, env, `{"event":{}} {"event":{}}`, auth).Code)
	assert.Equal(t, http.StatusBadRequest,
		deliver(t, env, eventJSON(eventRenewal, "", []string{"pro"}, env.now, env.now), auth).Code,
		"app_user_id is required")
}

func TestWebhook_SubscriptionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	auth := "Bearer " + testSecret
	periodEnd := env.now.AddDate(0, 1, 0)

	rr := deliver(t, env, eventJSON(eventInitialPurchase, testUserID, []string{"pro"}, env.now.Add(-time.Hour), periodEnd), auth)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rec, err := env.manager.Get(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, entitlement.PlanPro, rec.Plan)
	assert.Equal(t, entitlement.StatusActive, rec.Status)
	assert.Equal(t, customerPrefix+testUserID, rec.CustomerRef)
	assert.Equal(t, "txn_1", rec.SubscriptionRef)
	assert.True(t, periodEnd.Equal(rec.PeriodEnd))

	// Cancellation stops renewal; the paid period still grants the plan.
	rr = deliver(t, env, eventJSON(eventCancellation, testUserID, []string{"pro"}, env.now, periodEnd), auth)
	require.Equal(t, http.StatusOK, rr.Code)
	rec, err = env.manager.Get(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusCanceled, rec.Status)
	assert.Equal(t, entitlement.PlanPro, rec.EffectivePlan(env.now))

	rr = deliver(t, env, eventJSON(eventExpiration, testUserID, []string{"pro"}, env.now.Add(time.Minute), env.now.Add(-time.Minute)), auth)
	require.Equal(t, http.StatusOK, rr.Code)
	rec, err = env.manager.Get(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, entitlement.PlanFree, rec.EffectivePlan(env.now))
}

func TestWebhook_StatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		eventType  string
		periodType string
		ids        []string
		wantPlan   entitlement.Plan
		wantStatus entitlement.Status
	}{
		{"renewal", eventRenewal, "NORMAL", []string{"starter"}, entitlement.PlanStart, entitlement.StatusActive},
		{"trial purchase", eventInitialPurchase, "TRIAL", []string{"pro"}, entitlement.PlanPro, entitlement.StatusTrialing},
		{"billing issue", eventBillingIssue, "NORMAL", []string{"pro"}, entitlement.PlanPro, entitlement.StatusPastDue},
		{"paused", eventPaused, "NORMAL", []string{"pro"}, entitlement.PlanPro, entitlement.StatusCanceled},
		{"highest entitlement wins", eventProductChange, "NORMAL", []string{"starter", "elite", "pro"},
			entitlement.PlanElite, entitlement.StatusActive},
		{"unmapped entitlement", eventRenewal, "NORMAL", []string{"coins"}, entitlement.PlanFree, entitlement.StatusNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			payload := eventJSON(tt.eventType, testUserID, tt.ids, env.now, env.now.AddDate(0, 1, 0))
			payload = strings.Replace(payload, `"period_type":"NORMAL"`, `"period_type":"`+tt.periodType+`"`, 1)
			rr := deliver(t, env, payload, "Bearer "+testSecret)
			require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

			rec, err := env.manager.Get(context.Background(), testUserID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPlan, rec.Plan)
			assert.Equal(t, tt.wantStatus, rec.Status)
		})
	}
}

func TestWebhook_IgnoredEvents(t *testing.T) {
	env := newTestEnv(t)
	auth := "Bearer " + testSecret

	rr := deliver(t, env, eventJSON("TRANSFER", testUserID, []string{"pro"}, env.now, env.now.AddDate(0, 1, 0)), auth)
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = deliver(t, env, eventJSON(eventRenewal, "$RCAnonymousID:abc", []string{"pro"}, env.now, env.now.AddDate(0, 1, 0)), auth)
	assert.Equal(t, http.StatusOK, rr.Code)

	_, err := env.manager.Get(context.Background(), testUserID)
	assert.ErrorIs(t, err, entitlement.ErrRecordNotFound)
	_, err = env.manager.Get(context.Background(), "$RCAnonymousID:abc")
	assert.ErrorIs(t, err, entitlement.ErrRecordNotFound)
}

func TestWebhook_StaleEventDoesNotRegress(t *testing.T) {
	env := newTestEnv(t)
	auth := "Bearer " + testSecret
	periodEnd := env.now.AddDate(0, 1, 0)

	require.Equal(t, http.StatusOK, deliver(t, env, eventJSON(eventRenewal, testUserID, []string{"pro"}, env.now, periodEnd), auth).Code)
	rr := deliver(t, env, eventJSON(eventExpiration, testUserID, []string{"pro"}, env.now.Add(-2*time.Hour), env.now.Add(-time.Hour)), auth)
	assert.Equal(t, http.StatusOK, rr.Code, "stale deliveries are acknowledged")

	rec, err := env.manager.Get(context.Background(), testUserID)
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusActive, rec.Status)
	assert.Equal(t, entitlement.PlanPro, rec.EffectivePlan(env.now))
}

func TestWebhook_KeepsExistingCustomerLink(t *testing.T) {
	env := newTestEnv(t)
	rec := entitlement.NewRecord(testUserID, "", env.now.Add(-24*time.Hour))
	rec.CustomerRef = "cus_stripe"
	env.store.Put(rec)

	rr := deliver(t, env, eventJSON(eventInitialPurchase, testUserID, []string{"elite"}, env.now, env.now.AddDate(1, 0, 0)), "Bearer "+testSecret)
	require.Equal(t, http.StatusOK, rr.Code)

	got, err := env.manager.Get(context.Background(), testUserID)
	require.NoError(t, err)
	assert.Equal(t, "cus_stripe", got.CustomerRef)
	assert.Equal(t, entitlement.PlanElite, got.Plan)
}

func TestWebhook_Callback(t *testing.T) {
	var events []billing.WebhookEvent
	env := newTestEnv(t, func(c *Config) {
		c.WebhookCallback = func(_ context.Context, e billing.WebhookEvent) error {
			events = append(events, e)
			return fmt.Errorf("callback failures are logged only")
		}
	})

	payload := eventJSON(eventInitialPurchase, testUserID, []string{"pro"}, env.now, env.now.AddDate(0, 1, 0))
	rr := deliver(t, env, payload, "Bearer "+testSecret)
	require.Equal(t, http.StatusOK, rr.Code)

	require.Len(t, events, 1)
	assert.Equal(t, "revenuecat", events[0].Provider)
	assert.Equal(t, eventInitialPurchase, events[0].EventType)
	assert.Equal(t, entitlement.PlanFree, events[0].PreviousPlan)
	assert.Equal(t, entitlement.PlanPro, events[0].NewPlan)
	assert.True(t, events[0].PlanChanged())
}

func subscriberServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer "+testAPIKey, r.Header.Get("Authorization"))
		assert.Equal(t, "/subscribers/"+testUserID, r.URL.Path)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSyncUser(t *testing.T) {
	ctx := context.Background()

	t.Run("applies best active entitlement", func(t *testing.T) {
		srv := subscriberServer(t, http.StatusOK, `{"subscriber":{"entitlements":{
			"starter":{"expires_date":"2025-07-01T00:00:00Z","product_identifier":"start_monthly"},
			"pro":{"expires_date":"2026-06-01T00:00:00.000Z","product_identifier":"pro_annual"},
			"elite":{"expires_date":"2025-01-01T00:00:00Z","product_identifier":"elite_monthly"}}}}`)
		env := newTestEnv(t, func(c *Config) { c.BaseURL = srv.URL })

		plan, err := env.provider.SyncUser(ctx, testUserID)
		require.NoError(t, err)
		assert.Equal(t, entitlement.PlanPro, plan, "expired elite is skipped")

		rec, err := env.manager.Get(ctx, testUserID)
		require.NoError(t, err)
		assert.Equal(t, entitlement.StatusActive, rec.Status)
		assert.Equal(t, entitlement.CycleAnnual, rec.BillingCycle)
		assert.True(t, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC).Equal(rec.PeriodEnd))
	})

	t.Run("lifetime entitlement has no expiry", func(t *testing.T) {
		srv := subscriberServer(t, http.StatusOK,
			`{"subscriber":{"entitlements":{"elite":{"expires_date":null,"product_identifier":"elite_lifetime"}}}}`)
		env := newTestEnv(t, func(c *Config) { c.BaseURL = srv.URL })

		plan, err := env.provider.SyncUser(ctx, testUserID)
		require.NoError(t, err)
		assert.Equal(t, entitlement.PlanElite, plan)
	})

	t.Run("unknown subscriber syncs to free", func(t *testing.T) {
		srv := subscriberServer(t, http.StatusNotFound, `{"code":7259,"message":"Subscriber not found"}`)
		env := newTestEnv(t, func(c *Config) { c.BaseURL = srv.URL })
		rec := entitlement.NewRecord(testUserID, "", env.now.Add(-24*time.Hour))
		rec.CustomerRef = customerPrefix + testUserID
		rec.Plan, rec.Status = entitlement.PlanPro, entitlement.StatusActive
		env.store.Put(rec)

		plan, err := env.provider.SyncUser(ctx, testUserID)
		require.NoError(t, err)
		assert.Equal(t, entitlement.PlanFree, plan)

		got, err := env.manager.Get(ctx, testUserID)
		require.NoError(t, err)
		assert.Equal(t, entitlement.StatusNone, got.Status)
	})

	t.Run("api error", func(t *testing.T) {
		srv := subscriberServer(t, http.StatusInternalServerError, `oops`)
		env := newTestEnv(t, func(c *Config) { c.BaseURL = srv.URL })

		_, err := env.provider.SyncUser(ctx, testUserID)
		assert.ErrorIs(t, err, billing.ErrUpstreamProcessor)
	})

	t.Run("api key required", func(t *testing.T) {
		env := newTestEnv(t, func(c *Config) { c.APIKey = "" })
		_, err := env.provider.SyncUser(ctx, testUserID)
		assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
	})
}
