package billing

import (
	"errors"
	"fmt"

	"github.com/mihaimyh/plansync/pkg/entitlement"
	"github.com/mihaimyh/plansync/pkg/session"
)

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrAuthenticationRequired is returned when an operation needs a valid session
	ErrAuthenticationRequired = session.ErrAuthenticationRequired

	// ErrAlreadySubscribed is returned for a checkout while a paid subscription is active or trialing
	ErrAlreadySubscribed = errors.New("already subscribed")

	// ErrNoBillingAccount is returned when no processor customer or subscription is linked yet
	ErrNoBillingAccount = errors.New("no billing account")

	// ErrUpstreamProcessor is returned when the payment processor rejects a request
	ErrUpstreamProcessor = errors.New("payment processor error")

	// ErrSignatureInvalid is returned when webhook signature verification fails
	ErrSignatureInvalid = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when a webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrRecordNotFound is returned for webhook events about unlinked customers
	ErrRecordNotFound = entitlement.ErrRecordNotFound

	// ErrInvalidRequest is returned for malformed checkout, portal, or update requests
	ErrInvalidRequest = errors.New("invalid billing request")

	// ErrNotSupported is returned for operations a provider cannot perform, such
	// as hosted checkout for app store purchases
	ErrNotSupported = errors.New("operation not supported by billing provider")
)

// UpstreamError carries a processor failure with an optional remediation hint.
// It matches ErrUpstreamProcessor with errors.Is.
type UpstreamError struct {
	// Op is the processor operation, e.g. "create_checkout_session".
	Op string
	// Message is the processor's own message, passed through.
	Message string
	// Suggestion is a remediation hint for known failure causes.
	Suggestion string
	// Code is the processor error code when one was returned.
	Code string
	Err  error
}

func (e *UpstreamError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) Is(target error) bool { return target == ErrUpstreamProcessor }

// Suggestion returns the remediation hint carried by err, if any.
func Suggestion(err error) string {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Suggestion
	}
	return ""
}
