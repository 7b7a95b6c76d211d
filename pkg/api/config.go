package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/plansync/pkg/billing"
	"github.com/mihaimyh/plansync/pkg/entitlement"
	"github.com/mihaimyh/plansync/pkg/session"
)

const defaultMaxBodyBytes = 64 << 10

// Config holds configuration for the billing API handler
type Config struct {
	// Manager is the entitlement manager instance (required)
	Manager *entitlement.Manager

	// Billing is the payment processor provider (required)
	Billing billing.Provider

	// GetIdentity extracts the caller from the request.
	// If nil, the identity stored by session.Manager.Middleware is used.
	GetIdentity func(*http.Request) (session.Identity, error)

	// StrictPortalErrors reports portal failures with a conventional status
	// code. By default they are answered 200 with an error body, which
	// existing clients expect.
	StrictPortalErrors bool

	// MaxBodyBytes caps request bodies. Defaults to 64KiB.
	MaxBodyBytes int64

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is optional. Defaults to the manager's logger.
	Logger entitlement.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Manager == nil {
		return fmt.Errorf("manager is required")
	}
	if c.Billing == nil {
		return fmt.Errorf("billing provider is required")
	}
	return nil
}

// NewHandler creates a new billing API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.GetIdentity == nil {
		config.GetIdentity = FromSession
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaultMaxBodyBytes
	}
	if config.Logger == nil {
		config.Logger = config.Manager.Logger()
	}
	return &Handler{
		config: config,
	}, nil
}

// FromSession reads the identity placed in the request context by the session middleware.
func FromSession(r *http.Request) (session.Identity, error) {
	return session.IdentityFromContext(r.Context())
}

// FromHeaders returns a GetIdentity function that trusts user id and email
// headers set by an upstream gateway.
func FromHeaders(userHeader, emailHeader string) func(*http.Request) (session.Identity, error) {
	return func(r *http.Request) (session.Identity, error) {
		id := session.Identity{
			UserID: r.Header.Get(userHeader),
			Email:  r.Header.Get(emailHeader),
		}
		if err := id.Validate(); err != nil {
			return session.Identity{}, err
		}
		return id, nil
	}
}
