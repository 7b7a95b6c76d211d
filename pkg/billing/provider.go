package billing

import (
	"context"
	"net/http"

	"github.com/mihaimyh/plansync/pkg/entitlement"
	"github.com/mihaimyh/plansync/pkg/session"
)

// CheckoutInitiator starts subscription purchases. It never writes the plan;
// plan changes arrive later through the webhook.
type CheckoutInitiator interface {
	Checkout(ctx context.Context, id session.Identity, req CheckoutRequest) (string, error)
}

// PortalBroker opens processor-hosted self-service flows.
type PortalBroker interface {
	Portal(ctx context.Context, id session.Identity, req PortalRequest) (*PortalResult, error)
}

// SubscriptionUpdater swaps the priced item of an existing subscription.
type SubscriptionUpdater interface {
	UpdateSubscription(ctx context.Context, id session.Identity, req UpdateRequest) (*Subscription, error)
}

// Provider is the interface a billing backend implements.
type Provider interface {
	CheckoutInitiator
	PortalBroker
	SubscriptionUpdater

	// Name returns the provider name, e.g. "stripe".
	Name() string

	// WebhookHandler returns the HTTP handler that ingests provider events.
	WebhookHandler() http.Handler

	// SyncUser re-reads the user's subscription from the provider and applies
	// it to the entitlement record. Used for repair jobs.
	SyncUser(ctx context.Context, userID string) (entitlement.Plan, error)
}
