package billing

import (
	"strings"
	"time"
)

// PortalFlow selects the processor-hosted self-service flow.
type PortalFlow string

const (
	FlowDefault            PortalFlow = "default"
	FlowSubscriptionUpdate PortalFlow = "subscription_update"
	// FlowUpdateConfirm is reported when a directed single-item swap was opened.
	FlowUpdateConfirm PortalFlow = "subscription_update_confirm"
)

// ParsePortalFlow maps a requested flow name onto a PortalFlow.
func ParsePortalFlow(s string) PortalFlow {
	if strings.TrimSpace(s) == string(FlowSubscriptionUpdate) {
		return FlowSubscriptionUpdate
	}
	return FlowDefault
}

// CheckoutRequest starts a new subscription purchase.
type CheckoutRequest struct {
	PriceID string `json:"priceId"`
	Annual  bool   `json:"isAnnual"`
	// SuccessURL and CancelURL override the provider defaults when set.
	SuccessURL string `json:"successUrl,omitempty"`
	CancelURL  string `json:"cancelUrl,omitempty"`
}

// PortalRequest opens a billing portal session.
type PortalRequest struct {
	ReturnURL     string     `json:"returnUrl"`
	Flow          PortalFlow `json:"flowType,omitempty"`
	TargetPriceID string     `json:"targetPriceId,omitempty"`
}

// PortalResult is the opened portal session.
type PortalResult struct {
	URL           string     `json:"url"`
	FlowUsed      PortalFlow `json:"flow_used"`
	TargetPriceID string     `json:"targetPriceId,omitempty"`
}

// UpdateRequest swaps the priced item of an existing subscription.
type UpdateRequest struct {
	TargetPriceID string `json:"targetPriceId"`
	Coupon        string `json:"coupon,omitempty"`
}

// Subscription is a processor-neutral snapshot of a subscription.
type Subscription struct {
	ID                string    `json:"id"`
	CustomerRef       string    `json:"customer"`
	Status            string    `json:"status"`
	ItemID            string    `json:"item_id,omitempty"`
	PriceID           string    `json:"price_id,omitempty"`
	Interval          string    `json:"interval,omitempty"`
	CurrentPeriodEnd  time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd bool      `json:"cancel_at_period_end"`
	LatestInvoice     string    `json:"latest_invoice,omitempty"`
}
