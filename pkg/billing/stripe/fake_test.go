package stripe

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mihaimyh/plansync/pkg/billing"
	"github.com/mihaimyh/plansync/pkg/entitlement"
	"github.com/mihaimyh/plansync/pkg/session"
	"github.com/mihaimyh/plansync/storage/memory"
)

const (
	testWebhookSecret = "whsec_test_secret"
	testPriceStart    = "price_start_monthly"
	testPricePro      = "price_pro_monthly"
	testPriceProYear  = "price_pro_annual"
	testPriceElite    = "price_elite_monthly"
)

var testIdentity = session.Identity{UserID: "user_123", Email: "owner@example.com"}

// fakeProcessor records calls and returns canned responses.
type fakeProcessor struct {
	mu sync.Mutex

	customers       atomic.Int32
	existing        string
	subscriptions   map[string]*billing.Subscription
	checkouts       []CheckoutSessionParams
	portals         []PortalSessionParams
	priceChanges    []PriceChangeParams
	failFlows       map[billing.PortalFlow]error
	checkoutErr     error
	createCustDelay time.Duration
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{
		subscriptions: make(map[string]*billing.Subscription),
		failFlows:     make(map[billing.PortalFlow]error),
	}
}

func (f *fakeProcessor) FindCustomer(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing, nil
}

func (f *fakeProcessor) CreateCustomer(_ context.Context, _, _ string) (string, error) {
	if f.createCustDelay > 0 {
		time.Sleep(f.createCustDelay)
	}
	n := f.customers.Add(1)
	return fmt.Sprintf("cus_%d", n), nil
}

func (f *fakeProcessor) CreateCheckoutSession(_ context.Context, p CheckoutSessionParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.checkoutErr != nil {
		return "", f.checkoutErr
	}
	f.checkouts = append(f.checkouts, p)
	return "https://checkout.stripe.test/" + p.CustomerID, nil
}

func (f *fakeProcessor) CreatePortalSession(_ context.Context, p PortalSessionParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.portals = append(f.portals, p)
	if err := f.failFlows[p.Flow]; err != nil {
		return "", err
	}
	flow := p.Flow
	if flow == "" {
		flow = billing.FlowDefault
	}
	return "https://billing.stripe.test/" + string(flow), nil
}

func (f *fakeProcessor) GetSubscription(_ context.Context, id string) (*billing.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subscriptions[id]
	if !ok {
		return nil, &billing.UpstreamError{Op: "retrieve_subscription", Message: "No such subscription: " + id,
			Code: "resource_missing", Err: billing.ErrUpstreamProcessor}
	}
	cp := *sub
	return &cp, nil
}

func (f *fakeProcessor) UpdateSubscriptionPrice(_ context.Context, p PriceChangeParams) (*billing.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.priceChanges = append(f.priceChanges, p)
	sub, ok := f.subscriptions[p.SubscriptionID]
	if !ok {
		return nil, &billing.UpstreamError{Op: "update_subscription", Err: billing.ErrUpstreamProcessor}
	}
	sub.PriceID = p.PriceID
	cp := *sub
	return &cp, nil
}

type testEnv struct {
	provider  *Provider
	processor *fakeProcessor
	store     *memory.Store
	manager   *entitlement.Manager
	now       time.Time
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	store := memory.New()
	manager, err := entitlement.NewManager(store, entitlement.Config{Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	processor := newFakeProcessor()
	cfg := Config{
		Config: billing.Config{
			Manager: manager,
			PriceMapping: map[string]string{
				testPriceStart:   "start",
				testPricePro:     "pro",
				testPriceProYear: "pro",
				testPriceElite:   "elite",
			},
			WebhookSecret: testWebhookSecret,
			SuccessURL:    "https://app.example.com/billing/success",
			CancelURL:     "https://app.example.com/billing/cancel",
			ReturnURL:     "https://app.example.com/settings",
		},
		Processor: processor,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	provider, err := NewProvider(cfg)
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	return &testEnv{provider: provider, processor: processor, store: store, manager: manager, now: now}
}

// linked stores a record for testIdentity linked to customer and subscription.
func (e *testEnv) linked(plan entitlement.Plan, status entitlement.Status, customer, subscription string) *entitlement.Record {
	rec := entitlement.NewRecord(testIdentity.UserID, testIdentity.Email, e.now.Add(-24*time.Hour))
	rec.Plan = plan
	rec.Status = status
	rec.CustomerRef = customer
	rec.SubscriptionRef = subscription
	e.store.Put(rec)
	return rec
}
