package stripe

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/plansync/pkg/billing"
	"github.com/mihaimyh/plansync/pkg/entitlement"
	"github.com/mihaimyh/plansync/storage/memory"
)

func TestNewProvider_Validation(t *testing.T) {
	manager, err := entitlement.NewManager(memory.New(), entitlement.Config{})
	require.NoError(t, err)

	_, err = NewProvider(Config{})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured, "manager is required")

	_, err = NewProvider(Config{Config: billing.Config{Manager: manager}})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured, "API key is required without a processor")

	_, err = NewProvider(Config{
		Config:    billing.Config{Manager: manager, PriceMapping: map[string]string{"price_x": "platinum"}},
		Processor: newFakeProcessor(),
	})
	assert.ErrorIs(t, err, entitlement.ErrInvalidPlan)

	p, err := NewProvider(Config{Config: billing.Config{Manager: manager, APIKey: "sk_test_123"}})
	require.NoError(t, err)
	assert.Equal(t, "stripe", p.Name())
}

func TestPlanForPrice(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		price string
		want  entitlement.Plan
	}{
		{testPriceStart, entitlement.PlanStart},
		{testPricePro, entitlement.PlanPro},
		{testPriceProYear, entitlement.PlanPro},
		{" " + testPriceElite + " ", entitlement.PlanElite},
		{"price_unknown", entitlement.PlanFree},
		{"", entitlement.PlanFree},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, env.provider.PlanForPrice(tt.price), "price %q", tt.price)
	}
}

func TestUpstreamErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantHint   string
		wantCode   string
		wantStripe bool
	}{
		{
			name: "invalid api key",
			err: &stripe.Error{HTTPStatusCode: http.StatusUnauthorized, Type: stripe.ErrorTypeInvalidRequest,
				Msg: "Invalid API Key provided: sk_test_***"},
			wantHint:   hintInvalidAPIKey,
			wantStripe: true,
		},
		{
			name: "stale customer",
			err: &stripe.Error{HTTPStatusCode: http.StatusNotFound, Code: stripe.ErrorCodeResourceMissing,
				Param: "customer", Msg: "No such customer: 'cus_gone'"},
			wantHint:   hintStaleCustomer,
			wantCode:   string(stripe.ErrorCodeResourceMissing),
			wantStripe: true,
		},
		{
			name: "missing price has no hint",
			err: &stripe.Error{HTTPStatusCode: http.StatusBadRequest, Code: stripe.ErrorCodeResourceMissing,
				Param: "line_items[0][price]", Msg: "No such price: 'price_x'"},
			wantCode:   string(stripe.ErrorCodeResourceMissing),
			wantStripe: true,
		},
		{
			name: "transport error",
			err:  errors.New("connection reset"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := upstream("create_checkout_session", tt.err)
			assert.ErrorIs(t, err, billing.ErrUpstreamProcessor)
			assert.Equal(t, tt.wantHint, billing.Suggestion(err))

			var ue *billing.UpstreamError
			require.ErrorAs(t, err, &ue)
			assert.Equal(t, tt.wantCode, ue.Code)
			assert.Equal(t, "create_checkout_session", ue.Op)

			var serr *stripe.Error
			assert.Equal(t, tt.wantStripe, errors.As(err, &serr))
		})
	}
}

func TestSyncUser(t *testing.T) {
	ctx := context.Background()

	t.Run("applies current subscription", func(t *testing.T) {
		env := newTestEnv(t)
		env.linked(entitlement.PlanStart, entitlement.StatusActive, "cus_1", "sub_1")
		env.processor.subscriptions["sub_1"] = &billing.Subscription{
			ID: "sub_1", Status: "past_due", ItemID: "si_1", PriceID: testPriceElite,
			Interval: "month", CurrentPeriodEnd: env.now.AddDate(0, 1, 0),
		}

		plan, err := env.provider.SyncUser(ctx, testIdentity.UserID)
		require.NoError(t, err)
		assert.Equal(t, entitlement.PlanElite, plan, "past_due keeps entitlement")

		rec, err := env.manager.Get(ctx, testIdentity.UserID)
		require.NoError(t, err)
		assert.Equal(t, entitlement.StatusPastDue, rec.Status)
		assert.Equal(t, env.now, rec.EventAt)
	})

	t.Run("no subscription", func(t *testing.T) {
		env := newTestEnv(t)
		env.linked(entitlement.PlanFree, entitlement.StatusNone, "cus_1", "")
		plan, err := env.provider.SyncUser(ctx, testIdentity.UserID)
		assert.ErrorIs(t, err, billing.ErrNoBillingAccount)
		assert.Equal(t, entitlement.PlanFree, plan)
	})

	t.Run("unknown user", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.provider.SyncUser(ctx, "nobody")
		assert.ErrorIs(t, err, entitlement.ErrRecordNotFound)
	})

	t.Run("processor failure keeps stored plan", func(t *testing.T) {
		env := newTestEnv(t)
		env.linked(entitlement.PlanPro, entitlement.StatusActive, "cus_1", "sub_missing")
		plan, err := env.provider.SyncUser(ctx, testIdentity.UserID)
		assert.ErrorIs(t, err, billing.ErrUpstreamProcessor)
		assert.Equal(t, entitlement.PlanPro, plan)
	})
}

func TestProviderRecordsAPICalls(t *testing.T) {
	metrics := &countingMetrics{calls: make(map[string]int)}
	env := newTestEnv(t, func(c *Config) { c.Metrics = metrics })

	_, err := env.provider.Checkout(context.Background(), testIdentity, billing.CheckoutRequest{PriceID: testPricePro})
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.calls["/customers/search:success"])
	assert.Equal(t, 1, metrics.calls["/customers:success"])
	assert.Equal(t, 1, metrics.calls["/checkout/sessions:success"])
}

type countingMetrics struct {
	billing.NoopMetrics
	calls map[string]int
}

func (m *countingMetrics) RecordAPICall(_, endpoint, status string) {
	m.calls[endpoint+":"+status]++
}

func (m *countingMetrics) RecordAPICallDuration(_, _ string, d time.Duration) {
	if d < 0 {
		panic("negative duration")
	}
}
