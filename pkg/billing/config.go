package billing

import (
	"context"

	"github.com/mihaimyh/plansync/pkg/entitlement"
)

// WebhookCallback is invoked after a webhook has updated a record.
// Errors are logged and do not fail the webhook.
type WebhookCallback func(ctx context.Context, event WebhookEvent) error

// Config defines the configuration all providers accept
type Config struct {
	// Manager is the entitlement manager that webhooks write through
	Manager *entitlement.Manager

	// PriceMapping maps provider price IDs to plan names, e.g.
	// map[string]string{"price_pro_monthly": "pro"}. Unmapped prices resolve to free.
	PriceMapping map[string]string

	// WebhookSecret verifies incoming webhook signatures
	WebhookSecret string

	// APIKey is used for outbound provider API calls
	APIKey string

	// SuccessURL, CancelURL and ReturnURL are defaults for hosted flows
	SuccessURL string
	CancelURL  string
	ReturnURL  string

	// WebhookCallback is optional
	WebhookCallback WebhookCallback

	// Logger is optional; defaults to the manager's logger
	Logger entitlement.Logger

	// Metrics is optional; nil means no-op
	Metrics Metrics
}
