package stripe

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mihaimyh/plansync/pkg/billing"
	"github.com/mihaimyh/plansync/pkg/billing/internal"
	"github.com/mihaimyh/plansync/pkg/entitlement"
)

const (
	providerName             = "stripe"
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	webhookBodyLimit         = 256 * 1024
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config

	// Processor overrides the Stripe API client. If nil, one is built from APIKey.
	Processor Processor

	// RateLimit caps webhook requests per client IP per RateLimitWindow.
	// Zero values use 100 per minute.
	RateLimit       int
	RateLimitWindow time.Duration

	// TrustProxy makes the rate limiter key on X-Forwarded-For.
	TrustProxy bool
}

// Provider implements billing.Provider for Stripe.
type Provider struct {
	manager       *entitlement.Manager
	processor     Processor
	prices        map[string]entitlement.Plan
	webhookSecret string
	successURL    string
	cancelURL     string
	returnURL     string
	callback      billing.WebhookCallback
	logger        entitlement.Logger
	metrics       billing.Metrics
	rateLimiter   *internal.RateLimiter

	customers singleflight.Group
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Manager == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	processor := config.Processor
	if processor == nil {
		var err error
		if processor, err = NewProcessor(config.APIKey); err != nil {
			return nil, err
		}
	}

	prices := make(map[string]entitlement.Plan, len(config.PriceMapping))
	for priceID, name := range config.PriceMapping {
		plan, err := entitlement.ParsePlan(name)
		if err != nil {
			return nil, fmt.Errorf("price %s: %w", priceID, err)
		}
		prices[strings.TrimSpace(priceID)] = plan
	}

	limit, window := config.RateLimit, config.RateLimitWindow
	if limit <= 0 {
		limit = defaultRateLimitRequests
	}
	if window <= 0 {
		window = defaultRateLimitWindow
	}

	logger := config.Logger
	if logger == nil {
		logger = config.Manager.Logger()
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	return &Provider{
		manager:       config.Manager,
		processor:     processor,
		prices:        prices,
		webhookSecret: strings.TrimSpace(config.WebhookSecret),
		successURL:    config.SuccessURL,
		cancelURL:     config.CancelURL,
		returnURL:     config.ReturnURL,
		callback:      config.WebhookCallback,
		logger:        logger,
		metrics:       metrics,
		rateLimiter:   internal.NewRateLimiter(limit, window, config.TrustProxy),
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// PlanForPrice maps a Stripe price ID to a plan. Unknown prices resolve to free.
func (p *Provider) PlanForPrice(priceID string) entitlement.Plan {
	if plan, ok := p.prices[strings.TrimSpace(priceID)]; ok {
		return plan
	}
	return entitlement.PlanFree
}

func (p *Provider) knownPrice(priceID string) bool {
	_, ok := p.prices[priceID]
	return ok
}

// call runs one processor request and records its outcome.
func (p *Provider) call(endpoint string, fn func() error) error {
	start := time.Now()
	err := fn()
	status := "success"
	if err != nil {
		status = "error"
	}
	p.metrics.RecordAPICall(providerName, endpoint, status)
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
	return err
}

// SyncUser re-reads the user's subscription from Stripe and applies it.
func (p *Provider) SyncUser(ctx context.Context, userID string) (entitlement.Plan, error) {
	rec, err := p.manager.Get(ctx, userID)
	if err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		return entitlement.PlanFree, err
	}
	if rec.SubscriptionRef == "" {
		p.metrics.RecordUserSync(providerName, "no_subscription")
		return rec.EffectivePlan(p.manager.Now()), billing.ErrNoBillingAccount
	}

	var sub *billing.Subscription
	err = p.call("/subscriptions/retrieve", func() (e error) {
		sub, e = p.processor.GetSubscription(ctx, rec.SubscriptionRef)
		return e
	})
	if err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		return rec.EffectivePlan(p.manager.Now()), err
	}
	if sub.CustomerRef == "" {
		sub.CustomerRef = rec.CustomerRef
	}

	updated, err := p.apply(ctx, sub, p.manager.Now(), "sync", "")
	if err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		return rec.EffectivePlan(p.manager.Now()), err
	}
	p.metrics.RecordUserSync(providerName, "success")
	return updated.EffectivePlan(p.manager.Now()), nil
}
