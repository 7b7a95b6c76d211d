// Package revenuecat implements billing.Provider for purchases made through
// the app stores and reported by RevenueCat. Purchases start inside the mobile
// apps, so hosted checkout, portal and subscription updates are not supported;
// the provider only ingests webhooks and repairs records from the REST API.
package revenuecat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/plansync/pkg/billing"
	"github.com/mihaimyh/plansync/pkg/billing/internal"
	"github.com/mihaimyh/plansync/pkg/entitlement"
	"github.com/mihaimyh/plansync/pkg/session"
)

const (
	providerName             = "revenuecat"
	defaultAPIBaseURL        = "https://api.revenuecat.com/v1"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	webhookBodyLimit         = 256 * 1024

	// customerPrefix namespaces the customer reference linked for app store
	// subscribers, whose RevenueCat app user id is the plansync user id.
	customerPrefix = "rc:"
)

// Config extends billing.Config with RevenueCat-specific options.
// billing.Config.PriceMapping is unused; plans come from EntitlementMapping.
type Config struct {
	billing.Config

	// EntitlementMapping maps RevenueCat entitlement identifiers to plan
	// names, e.g. map[string]string{"pro_access": "pro"}. Keys are case-insensitive.
	EntitlementMapping map[string]string

	// EnableHMAC accepts a base64 HMAC-SHA256 of the body, keyed with the
	// webhook secret, in place of the bearer token.
	EnableHMAC bool

	// HTTPClient and BaseURL override the REST API client used by SyncUser.
	HTTPClient *http.Client
	BaseURL    string

	RateLimit       int
	RateLimitWindow time.Duration
	TrustProxy      bool
}

// Provider implements billing.Provider for RevenueCat.
type Provider struct {
	manager       *entitlement.Manager
	plans         map[string]entitlement.Plan
	webhookSecret []byte
	apiKey        string
	acceptHMAC    bool
	httpClient    *http.Client
	baseURL       string
	callback      billing.WebhookCallback
	logger        entitlement.Logger
	metrics       billing.Metrics
	rateLimiter   *internal.RateLimiter
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a new RevenueCat billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Manager == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	plans := make(map[string]entitlement.Plan, len(config.EntitlementMapping))
	for id, name := range config.EntitlementMapping {
		plan, err := entitlement.ParsePlan(name)
		if err != nil {
			return nil, fmt.Errorf("entitlement %s: %w", id, err)
		}
		plans[strings.ToLower(strings.TrimSpace(id))] = plan
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultAPIBaseURL
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
		plans:         plans,
		webhookSecret: []byte(stripBearer(config.WebhookSecret)),
		apiKey:        stripBearer(config.APIKey),
		acceptHMAC:    config.EnableHMAC,
		httpClient:    httpClient,
		baseURL:       baseURL,
		callback:      config.WebhookCallback,
		logger:        logger,
		metrics:       metrics,
		rateLimiter:   internal.NewRateLimiter(limit, window, config.TrustProxy),
	}, nil
}

// stripBearer accepts secrets pasted with their "Bearer " prefix.
func stripBearer(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 7 && strings.EqualFold(s[:7], "bearer ") {
		s = strings.TrimSpace(s[7:])
	}
	return s
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for RevenueCat webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// Checkout is not supported: app store purchases start in the app.
func (p *Provider) Checkout(context.Context, session.Identity, billing.CheckoutRequest) (string, error) {
	return "", fmt.Errorf("%s checkout: %w", providerName, billing.ErrNotSupported)
}

// Portal is not supported: app store subscriptions are managed in the store.
func (p *Provider) Portal(context.Context, session.Identity, billing.PortalRequest) (*billing.PortalResult, error) {
	return nil, fmt.Errorf("%s portal: %w", providerName, billing.ErrNotSupported)
}

// UpdateSubscription is not supported: plan changes happen in the store.
func (p *Provider) UpdateSubscription(context.Context, session.Identity, billing.UpdateRequest) (*billing.Subscription, error) {
	return nil, fmt.Errorf("%s update: %w", providerName, billing.ErrNotSupported)
}

// PlanForEntitlement maps a RevenueCat entitlement identifier to a plan.
// Exact matches win over substring matches; unknown identifiers resolve to free.
func (p *Provider) PlanForEntitlement(id string) entitlement.Plan {
	key := strings.ToLower(strings.TrimSpace(id))
	if key == "" {
		return entitlement.PlanFree
	}
	if plan, ok := p.plans[key]; ok {
		return plan
	}
	best := entitlement.PlanFree
	for mapped, plan := range p.plans {
		if (strings.Contains(key, mapped) || strings.Contains(mapped, key)) && plan > best {
			best = plan
		}
	}
	return best
}

// highestPlan returns the best plan granted by any of ids.
func (p *Provider) highestPlan(ids []string) entitlement.Plan {
	best := entitlement.PlanFree
	for _, id := range ids {
		if plan := p.PlanForEntitlement(id); plan > best {
			best = plan
		}
	}
	return best
}

// cycleForProduct infers the renewal interval from a store product identifier.
func cycleForProduct(productID string) entitlement.BillingCycle {
	id := strings.ToLower(productID)
	if strings.Contains(id, "annual") || strings.Contains(id, "year") {
		return entitlement.CycleAnnual
	}
	return entitlement.CycleMonthly
}

// link makes sure the user has a record and a customer reference, and
// returns the reference subscription updates are addressed to. A user already
// linked to another processor keeps that reference.
func (p *Provider) link(ctx context.Context, userID string) (string, error) {
	if _, _, err := p.manager.Ensure(ctx, userID, ""); err != nil {
		return "", err
	}
	return p.manager.LinkCustomer(ctx, userID, customerPrefix+userID)
}

// apply writes one subscription state through the entitlement manager and
// reports the change to metrics and the webhook callback.
func (p *Provider) apply(ctx context.Context, userID string, upd *entitlement.SubscriptionUpdate,
	eventType, eventID string) (*entitlement.Record, error) {
	ref, err := p.link(ctx, userID)
	if err != nil {
		return nil, err
	}
	upd.CustomerRef = ref

	previous, err := p.manager.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	previous = previous.Clone()

	rec, err := p.manager.ApplySubscription(ctx, upd)
	switch {
	case errors.Is(err, entitlement.ErrStaleEvent):
		p.logger.Debug("stale subscriber event ignored",
			entitlement.Field{Key: "user_id", Value: userID},
			entitlement.Field{Key: "event_id", Value: eventID},
		)
		return nil, fmt.Errorf("%w: %w", errSkipped, err)
	case err != nil:
		return nil, err
	}

	event := billing.WebhookEvent{
		UserID:         rec.UserID,
		PreviousPlan:   previous.Plan,
		NewPlan:        rec.Plan,
		PreviousStatus: previous.Status,
		NewStatus:      rec.Status,
		Provider:       providerName,
		EventType:      eventType,
		EventID:        eventID,
		EventTimestamp: upd.EventAt,
		Record:         rec,
	}
	if event.PlanChanged() {
		p.metrics.RecordPlanChange(providerName, event.PreviousPlan.String(), event.NewPlan.String())
	}
	if p.callback != nil {
		if err := p.callback(ctx, event); err != nil {
			p.logger.Error("webhook callback failed",
				entitlement.Field{Key: "user_id", Value: rec.UserID},
				entitlement.Field{Key: "event_id", Value: eventID},
				entitlement.Field{Key: "error", Value: err},
			)
		}
	}
	return rec, nil
}
