package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/plansync/pkg/billing"
)

// Processor is the subset of the Stripe API the provider calls. The API-backed
// implementation is returned by NewProcessor; tests substitute a fake.
type Processor interface {
	// FindCustomer returns the customer tagged with userID, or "" if none.
	FindCustomer(ctx context.Context, userID string) (string, error)
	CreateCustomer(ctx context.Context, userID, email string) (string, error)
	CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (string, error)
	CreatePortalSession(ctx context.Context, params PortalSessionParams) (string, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*billing.Subscription, error)
	UpdateSubscriptionPrice(ctx context.Context, params PriceChangeParams) (*billing.Subscription, error)
}

// CheckoutSessionParams describes a subscription-mode checkout session.
type CheckoutSessionParams struct {
	CustomerID   string
	UserID       string
	PriceID      string
	BillingCycle string
	SuccessURL   string
	CancelURL    string
}

// PortalSessionParams describes a billing portal session. An empty Flow opens
// the default portal.
type PortalSessionParams struct {
	CustomerID     string
	ReturnURL      string
	Flow           billing.PortalFlow
	SubscriptionID string
	// ItemID and PriceID are required for FlowUpdateConfirm.
	ItemID  string
	PriceID string
}

// PriceChangeParams swaps the priced item of a subscription.
type PriceChangeParams struct {
	SubscriptionID string
	ItemID         string
	PriceID        string
	Coupon         string
}

const (
	userIDMetadataKey       = "user_id"
	billingCycleMetadataKey = "billing_cycle"

	hintStaleCustomer = "The saved billing customer no longer exists at Stripe. " +
		"Clear the customer reference for this user and start checkout again."
	hintInvalidAPIKey = "Stripe rejected the API key. " +
		"Check that the configured secret key is valid and matches the account mode."
)

type apiProcessor struct {
	client *stripe.Client
}

// NewProcessor returns a Processor backed by the Stripe API.
func NewProcessor(apiKey string) (Processor, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}
	return &apiProcessor{client: stripe.NewClient(apiKey)}, nil
}

func (a *apiProcessor) FindCustomer(ctx context.Context, userID string) (string, error) {
	params := &stripe.CustomerSearchParams{}
	params.Query = metadataQuery(userIDMetadataKey, userID)

	for cust, err := range a.client.V1Customers.Search(ctx, params) {
		if err != nil {
			return "", upstream("search_customers", err)
		}
		// Search can return partial matches.
		if cust.Metadata[userIDMetadataKey] == userID {
			return cust.ID, nil
		}
	}
	return "", nil
}

var searchEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

// metadataQuery builds a Stripe search clause matching a metadata value exactly.
func metadataQuery(key, value string) string {
	return fmt.Sprintf("metadata['%s']:'%s'", key, searchEscaper.Replace(value))
}

func (a *apiProcessor) CreateCustomer(ctx context.Context, userID, email string) (string, error) {
	params := &stripe.CustomerCreateParams{Email: stripe.String(email)}
	params.AddMetadata(userIDMetadataKey, userID)

	cust, err := a.client.V1Customers.Create(ctx, params)
	if err != nil {
		return "", upstream("create_customer", err)
	}
	return cust.ID, nil
}

func (a *apiProcessor) CreateCheckoutSession(ctx context.Context, p CheckoutSessionParams) (string, error) {
	params := &stripe.CheckoutSessionCreateParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:          stripe.String(p.CustomerID),
		ClientReferenceID: stripe.String(p.UserID),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(p.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(p.SuccessURL),
		CancelURL:  stripe.String(p.CancelURL),
		SubscriptionData: &stripe.CheckoutSessionCreateSubscriptionDataParams{
			Metadata: map[string]string{userIDMetadataKey: p.UserID},
		},
	}
	params.AddMetadata(userIDMetadataKey, p.UserID)
	params.AddMetadata(billingCycleMetadataKey, p.BillingCycle)

	sess, err := a.client.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		return "", upstream("create_checkout_session", err)
	}
	return sess.URL, nil
}

func (a *apiProcessor) CreatePortalSession(ctx context.Context, p PortalSessionParams) (string, error) {
	params := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(p.CustomerID),
		ReturnURL: stripe.String(p.ReturnURL),
	}
	switch p.Flow {
	case billing.FlowSubscriptionUpdate:
		params.FlowData = &stripe.BillingPortalSessionCreateFlowDataParams{
			Type: stripe.String(string(billing.FlowSubscriptionUpdate)),
			SubscriptionUpdate: &stripe.BillingPortalSessionCreateFlowDataSubscriptionUpdateParams{
				Subscription: stripe.String(p.SubscriptionID),
			},
		}
	case billing.FlowUpdateConfirm:
		params.FlowData = &stripe.BillingPortalSessionCreateFlowDataParams{
			Type: stripe.String(string(billing.FlowUpdateConfirm)),
			SubscriptionUpdateConfirm: &stripe.BillingPortalSessionCreateFlowDataSubscriptionUpdateConfirmParams{
				Subscription: stripe.String(p.SubscriptionID),
				Items: []*stripe.BillingPortalSessionCreateFlowDataSubscriptionUpdateConfirmItemParams{
					{
						ID:       stripe.String(p.ItemID),
						Price:    stripe.String(p.PriceID),
						Quantity: stripe.Int64(1),
					},
				},
			},
		}
	}

	sess, err := a.client.V1BillingPortalSessions.Create(ctx, params)
	if err != nil {
		return "", upstream("create_portal_session", err)
	}
	return sess.URL, nil
}

func (a *apiProcessor) GetSubscription(ctx context.Context, subscriptionID string) (*billing.Subscription, error) {
	sub, err := a.client.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	if err != nil {
		return nil, upstream("retrieve_subscription", err)
	}
	return snapshot(sub), nil
}

func (a *apiProcessor) UpdateSubscriptionPrice(ctx context.Context, p PriceChangeParams) (*billing.Subscription, error) {
	params := &stripe.SubscriptionUpdateParams{
		Items: []*stripe.SubscriptionUpdateItemParams{
			{
				ID:    stripe.String(p.ItemID),
				Price: stripe.String(p.PriceID),
			},
		},
		ProrationBehavior: stripe.String("always_invoice"),
		PaymentBehavior:   stripe.String("allow_incomplete"),
	}
	if p.Coupon != "" {
		params.Discounts = []*stripe.SubscriptionUpdateDiscountParams{
			{Coupon: stripe.String(p.Coupon)},
		}
	}

	sub, err := a.client.V1Subscriptions.Update(ctx, p.SubscriptionID, params)
	if err != nil {
		return nil, upstream("update_subscription", err)
	}
	return snapshot(sub), nil
}

// snapshot flattens the first priced item of sub.
func snapshot(sub *stripe.Subscription) *billing.Subscription {
	out := &billing.Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		out.CustomerRef = sub.Customer.ID
	}
	if sub.LatestInvoice != nil {
		out.LatestInvoice = sub.LatestInvoice.ID
	}
	if sub.Items == nil {
		return out
	}
	for _, item := range sub.Items.Data {
		if item == nil || item.Price == nil {
			continue
		}
		out.ItemID = item.ID
		out.PriceID = item.Price.ID
		if item.Price.Recurring != nil {
			out.Interval = string(item.Price.Recurring.Interval)
		}
		if item.CurrentPeriodEnd > 0 {
			out.CurrentPeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
		}
		break
	}
	return out
}

// upstream converts a Stripe API error into a *billing.UpstreamError, adding a
// remediation hint for the causes an operator can fix.
func upstream(op string, err error) error {
	ue := &billing.UpstreamError{Op: op, Err: err}

	var serr *stripe.Error
	if !errors.As(err, &serr) {
		return ue
	}
	ue.Message = serr.Msg
	ue.Code = string(serr.Code)

	switch {
	case serr.HTTPStatusCode == http.StatusUnauthorized:
		ue.Suggestion = hintInvalidAPIKey
	case serr.Code == stripe.ErrorCodeResourceMissing &&
		(serr.Param == "customer" || strings.Contains(serr.Msg, "No such customer")):
		ue.Suggestion = hintStaleCustomer
	}
	return ue
}
