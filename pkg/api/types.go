package api

import (
	"github.com/mihaimyh/plansync/pkg/billing"
	"github.com/mihaimyh/plansync/pkg/entitlement"
)

// CheckoutResponse carries the processor-hosted checkout URL.
type CheckoutResponse struct {
	URL string `json:"url"`
}

// PortalResponse carries the portal URL and the flow actually opened.
type PortalResponse struct {
	URL   string      `json:"url"`
	Debug PortalDebug `json:"debug"`
}

// PortalDebug reports which flow was opened.
type PortalDebug struct {
	FlowUsed      billing.PortalFlow `json:"flow_used"`
	TargetPriceID string             `json:"targetPriceId,omitempty"`
}

// SubscriptionResponse is returned after a price change.
type SubscriptionResponse struct {
	Success      bool                  `json:"success"`
	Subscription *billing.Subscription `json:"subscription"`
}

// EntitlementResponse is the caller's derived entitlement.
type EntitlementResponse struct {
	entitlement.View
	DisplayName string `json:"display_name,omitempty"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error      string `json:"error"`
	Suggestion string `json:"suggestion,omitempty"`
}
