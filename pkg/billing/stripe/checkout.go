package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mihaimyh/plansync/pkg/billing"
	"github.com/mihaimyh/plansync/pkg/entitlement"
	"github.com/mihaimyh/plansync/pkg/session"
)

// Checkout creates a subscription-mode Checkout Session and returns its URL.
// The plan is not written here; it arrives later through the webhook.
func (p *Provider) Checkout(ctx context.Context, id session.Identity, req billing.CheckoutRequest) (string, error) {
	if err := id.Validate(); err != nil {
		return "", err
	}
	priceID := strings.TrimSpace(req.PriceID)
	if priceID == "" {
		return "", fmt.Errorf("%w: priceId is required", billing.ErrInvalidRequest)
	}
	if len(p.prices) > 0 && !p.knownPrice(priceID) {
		return "", fmt.Errorf("%w: unknown price %s", billing.ErrInvalidRequest, priceID)
	}

	rec, _, err := p.manager.Ensure(ctx, id.UserID, id.Email)
	if err != nil {
		return "", err
	}
	if rec.HasPaidSubscription() {
		return "", billing.ErrAlreadySubscribed
	}

	customerID, err := p.ensureCustomer(ctx, id, rec)
	if err != nil {
		return "", err
	}

	cycle := entitlement.CycleMonthly
	if req.Annual {
		cycle = entitlement.CycleAnnual
	}
	params := CheckoutSessionParams{
		CustomerID:   customerID,
		UserID:       id.UserID,
		PriceID:      priceID,
		BillingCycle: string(cycle),
		SuccessURL:   firstNonEmpty(req.SuccessURL, p.successURL),
		CancelURL:    firstNonEmpty(req.CancelURL, p.cancelURL),
	}

	var url string
	err = p.call("/checkout/sessions", func() (e error) {
		url, e = p.processor.CreateCheckoutSession(ctx, params)
		return e
	})
	if err != nil {
		p.logger.Error("checkout session failed",
			entitlement.Field{Key: "user_id", Value: id.UserID},
			entitlement.Field{Key: "customer", Value: customerID},
			entitlement.Field{Key: "error", Value: err},
		)
		return "", err
	}
	p.logger.Info("checkout session created",
		entitlement.Field{Key: "user_id", Value: id.UserID},
		entitlement.Field{Key: "price", Value: priceID},
		entitlement.Field{Key: "billing_cycle", Value: string(cycle)},
	)
	return url, nil
}

// ensureCustomer returns the user's Stripe customer, creating and linking one
// on first use. Concurrent calls for the same user share one creation, and the
// store link is compare-and-set so the first linked customer wins.
func (p *Provider) ensureCustomer(ctx context.Context, id session.Identity, rec *entitlement.Record) (string, error) {
	if rec.CustomerRef != "" {
		return rec.CustomerRef, nil
	}

	v, err, _ := p.customers.Do(id.UserID, func() (interface{}, error) {
		var customerID string
		err := p.call("/customers/search", func() (e error) {
			customerID, e = p.processor.FindCustomer(ctx, id.UserID)
			return e
		})
		if err != nil {
			// Search is eventually consistent and only avoids duplicates.
			p.logger.Warn("customer search failed",
				entitlement.Field{Key: "user_id", Value: id.UserID},
				entitlement.Field{Key: "error", Value: err},
			)
			customerID = ""
		}
		if customerID == "" {
			err = p.call("/customers", func() (e error) {
				customerID, e = p.processor.CreateCustomer(ctx, id.UserID, id.Email)
				return e
			})
			if err != nil {
				return "", err
			}
		}
		return p.manager.LinkCustomer(ctx, id.UserID, customerID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Portal opens a Billing Portal session. A target price opens a confirmation
// flow for swapping the subscription's single item, and its failures are
// returned as-is. A plain subscription_update request falls back to the
// default portal when Stripe rejects the flow.
func (p *Provider) Portal(ctx context.Context, id session.Identity, req billing.PortalRequest) (*billing.PortalResult, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	rec, err := p.billingAccount(ctx, id.UserID)
	if err != nil {
		return nil, err
	}

	params := PortalSessionParams{
		CustomerID: rec.CustomerRef,
		ReturnURL:  firstNonEmpty(req.ReturnURL, p.returnURL),
	}
	requested := billing.ParsePortalFlow(string(req.Flow))
	target := strings.TrimSpace(req.TargetPriceID)

	switch {
	case target != "":
		if rec.SubscriptionRef == "" {
			return nil, billing.ErrNoBillingAccount
		}
		sub, err := p.subscription(ctx, rec.SubscriptionRef)
		if err != nil {
			return nil, err
		}
		params.Flow = billing.FlowUpdateConfirm
		params.SubscriptionID = sub.ID
		params.ItemID = sub.ItemID
		params.PriceID = target
		url, err := p.openPortal(ctx, params)
		if err != nil {
			return nil, err
		}
		p.metrics.RecordPortalFlow(providerName, string(requested), string(billing.FlowUpdateConfirm))
		return &billing.PortalResult{URL: url, FlowUsed: billing.FlowUpdateConfirm, TargetPriceID: target}, nil

	case requested == billing.FlowSubscriptionUpdate && rec.SubscriptionRef != "":
		params.Flow = billing.FlowSubscriptionUpdate
		params.SubscriptionID = rec.SubscriptionRef
		url, err := p.openPortal(ctx, params)
		if err == nil {
			p.metrics.RecordPortalFlow(providerName, string(requested), string(billing.FlowSubscriptionUpdate))
			return &billing.PortalResult{URL: url, FlowUsed: billing.FlowSubscriptionUpdate}, nil
		}
		p.logger.Warn("subscription_update portal flow rejected, opening default portal",
			entitlement.Field{Key: "user_id", Value: id.UserID},
			entitlement.Field{Key: "error", Value: err},
		)
		params.Flow = ""
		params.SubscriptionID = ""
	}

	url, err := p.openPortal(ctx, params)
	if err != nil {
		return nil, err
	}
	p.metrics.RecordPortalFlow(providerName, string(requested), string(billing.FlowDefault))
	return &billing.PortalResult{URL: url, FlowUsed: billing.FlowDefault}, nil
}

func (p *Provider) openPortal(ctx context.Context, params PortalSessionParams) (string, error) {
	var url string
	err := p.call("/billing_portal/sessions", func() (e error) {
		url, e = p.processor.CreatePortalSession(ctx, params)
		return e
	})
	return url, err
}

// UpdateSubscription replaces the priced item of the user's subscription,
// invoicing the proration immediately. The store is updated by the webhook
// that follows.
func (p *Provider) UpdateSubscription(ctx context.Context, id session.Identity, req billing.UpdateRequest) (*billing.Subscription, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	target := strings.TrimSpace(req.TargetPriceID)
	if target == "" {
		return nil, fmt.Errorf("%w: targetPriceId is required", billing.ErrInvalidRequest)
	}
	rec, err := p.billingAccount(ctx, id.UserID)
	if err != nil {
		return nil, err
	}
	if rec.SubscriptionRef == "" {
		return nil, billing.ErrNoBillingAccount
	}

	sub, err := p.subscription(ctx, rec.SubscriptionRef)
	if err != nil {
		return nil, err
	}

	var updated *billing.Subscription
	err = p.call("/subscriptions/update", func() (e error) {
		updated, e = p.processor.UpdateSubscriptionPrice(ctx, PriceChangeParams{
			SubscriptionID: sub.ID,
			ItemID:         sub.ItemID,
			PriceID:        target,
			Coupon:         strings.TrimSpace(req.Coupon),
		})
		return e
	})
	if err != nil {
		return nil, err
	}
	p.logger.Info("subscription price changed",
		entitlement.Field{Key: "user_id", Value: id.UserID},
		entitlement.Field{Key: "subscription", Value: sub.ID},
		entitlement.Field{Key: "from_price", Value: sub.PriceID},
		entitlement.Field{Key: "to_price", Value: target},
	)
	return updated, nil
}

// billingAccount returns the user's record if it is linked to a customer.
func (p *Provider) billingAccount(ctx context.Context, userID string) (*entitlement.Record, error) {
	rec, err := p.manager.Get(ctx, userID)
	if errors.Is(err, entitlement.ErrRecordNotFound) {
		return nil, billing.ErrNoBillingAccount
	}
	if err != nil {
		return nil, err
	}
	if rec.CustomerRef == "" {
		return nil, billing.ErrNoBillingAccount
	}
	return rec, nil
}

// subscription fetches a subscription that has a priced item to swap.
func (p *Provider) subscription(ctx context.Context, subscriptionID string) (*billing.Subscription, error) {
	var sub *billing.Subscription
	err := p.call("/subscriptions/retrieve", func() (e error) {
		sub, e = p.processor.GetSubscription(ctx, subscriptionID)
		return e
	})
	if err != nil {
		return nil, err
	}
	if sub.ItemID == "" {
		return nil, &billing.UpstreamError{
			Op:      "retrieve_subscription",
			Message: fmt.Sprintf("subscription %s has no priced item", subscriptionID),
			Err:     billing.ErrUpstreamProcessor,
		}
	}
	return sub, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
