package billing

import (
	"time"

	"github.com/mihaimyh/plansync/pkg/entitlement"
)

// WebhookEvent describes a subscription change written by a webhook. It is
// passed to the WebhookCallback after the record has been updated.
type WebhookEvent struct {
	UserID string

	PreviousPlan   entitlement.Plan
	NewPlan        entitlement.Plan
	PreviousStatus entitlement.Status
	NewStatus      entitlement.Status

	// Provider is the billing provider name, e.g. "stripe".
	Provider string

	// EventType is the provider-specific event type, e.g. "customer.subscription.updated".
	EventType string

	// EventID is the provider's event identifier.
	EventID string

	// EventTimestamp is when the event occurred according to the provider.
	EventTimestamp time.Time

	// Record is the stored record after the write.
	Record *entitlement.Record
}

// PlanChanged reports whether the write changed the stored plan.
func (e WebhookEvent) PlanChanged() bool {
	return e.PreviousPlan != e.NewPlan
}
