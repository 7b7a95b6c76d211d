package revenuecat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mihaimyh/plansync/pkg/billing"
	"github.com/mihaimyh/plansync/pkg/entitlement"
)

const subscriberBodyLimit = 1 << 20

type subscriberResponse struct {
	Subscriber struct {
		Entitlements map[string]subscriberEntitlement `json:"entitlements"`
	} `json:"subscriber"`
}

type subscriberEntitlement struct {
	ExpiresDate       *string `json:"expires_date"`
	ProductIdentifier string  `json:"product_identifier"`
	PeriodType        string  `json:"period_type"`
}

// SyncUser re-reads the subscriber from the RevenueCat REST API and applies
// the best active entitlement. A subscriber unknown to RevenueCat is synced
// to the free plan.
func (p *Provider) SyncUser(ctx context.Context, userID string) (entitlement.Plan, error) {
	if p.apiKey == "" {
		p.metrics.RecordUserSync(providerName, "error")
		return entitlement.PlanFree, fmt.Errorf("%s sync: %w", providerName, billing.ErrProviderNotConfigured)
	}

	var sub *subscriberResponse
	err := p.call("/subscribers", func() (e error) {
		sub, e = p.fetchSubscriber(ctx, userID)
		return e
	})
	if err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		return entitlement.PlanFree, err
	}

	now := p.manager.Now()
	upd := &entitlement.SubscriptionUpdate{Plan: entitlement.PlanFree, Status: entitlement.StatusNone,
		BillingCycle: entitlement.CycleMonthly, EventAt: now}
	if sub != nil {
		p.fillFromSubscriber(upd, sub, now)
	}

	rec, err := p.apply(ctx, userID, upd, "sync", "")
	if err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		return entitlement.PlanFree, err
	}
	p.metrics.RecordUserSync(providerName, "success")
	return rec.EffectivePlan(now), nil
}

// fetchSubscriber returns nil without error when RevenueCat does not know the user.
func (p *Provider) fetchSubscriber(ctx context.Context, userID string) (*subscriberResponse, error) {
	endpoint := p.baseURL + "/subscribers/" + url.PathEscape(userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Accept", "application/json")

	res, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &billing.UpstreamError{Op: "get_subscriber", Message: "request failed", Err: err}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, subscriberBodyLimit))
	if err != nil {
		return nil, &billing.UpstreamError{Op: "get_subscriber", Message: "read response", Err: err}
	}
	switch {
	case res.StatusCode == http.StatusNotFound:
		return nil, nil
	case res.StatusCode < 200 || res.StatusCode >= 300:
		return nil, &billing.UpstreamError{
			Op:      "get_subscriber",
			Message: fmt.Sprintf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	var sub subscriberResponse
	if err := json.Unmarshal(body, &sub); err != nil {
		return nil, &billing.UpstreamError{Op: "get_subscriber", Message: "decode response", Err: err}
	}
	return &sub, nil
}

// fillFromSubscriber picks the highest mapped entitlement that has not
// expired. Lifetime entitlements carry no expiry.
func (p *Provider) fillFromSubscriber(upd *entitlement.SubscriptionUpdate, sub *subscriberResponse, now time.Time) {
	var best *subscriberEntitlement
	for id, ent := range sub.Subscriber.Entitlements {
		ent := ent
		var expires time.Time
		if ent.ExpiresDate != nil {
			t, err := parseTime(*ent.ExpiresDate)
			if err != nil {
				p.logger.Warn("unparseable entitlement expiry",
					entitlement.Field{Key: "entitlement", Value: id},
					entitlement.Field{Key: "error", Value: err},
				)
				continue
			}
			expires = t
		}
		if !expires.IsZero() && !expires.After(now) {
			continue
		}
		plan := p.PlanForEntitlement(id)
		if plan > upd.Plan {
			upd.Plan, upd.PeriodEnd, best = plan, expires, &ent
		}
	}
	if best == nil {
		return
	}
	upd.Status = entitlement.StatusActive
	if strings.EqualFold(best.PeriodType, periodTypeTrial) {
		upd.Status = entitlement.StatusTrialing
	}
	upd.BillingCycle = cycleForProduct(best.ProductIdentifier)
}

func parseTime(value string) (time.Time, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// call runs one API request and records its outcome.
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
