package entitlement

import (
	"context"
	"time"
)

// Store defines the interface for entitlement persistence.
// Every write is a whole-record operation executed atomically by the backend.
type Store interface {
	// Get retrieves a user's record. Returns ErrRecordNotFound if absent.
	Get(ctx context.Context, userID string) (*Record, error)

	// GetByCustomer retrieves the record linked to a processor customer reference.
	// Returns ErrRecordNotFound if no record is linked.
	GetByCustomer(ctx context.Context, customerRef string) (*Record, error)

	// CreateIfAbsent stores rec unless a record for rec.UserID already exists.
	// It returns the stored record and whether this call created it.
	CreateIfAbsent(ctx context.Context, rec *Record) (*Record, bool, error)

	// LinkCustomer sets the customer reference only when none is stored yet and
	// returns the reference that is linked after the call.
	LinkCustomer(ctx context.Context, userID, customerRef string) (string, error)

	// ApplySubscription overwrites the processor-owned fields of the record linked
	// to upd.CustomerRef. Returns ErrRecordNotFound for unlinked customers and
	// ErrStaleEvent when upd is older than the stored state.
	ApplySubscription(ctx context.Context, upd *SubscriptionUpdate) (*Record, error)

	// ConsumeCredits atomically adds amount to the credit counter if the result
	// stays within budget. Returns the new counter or ErrCreditsExhausted.
	ConsumeCredits(ctx context.Context, userID string, amount, budget int) (int, error)

	// ResetCredits zeroes the credit counter if the last reset precedes cycleStart.
	// Returns whether a reset happened.
	ResetCredits(ctx context.Context, userID string, cycleStart time.Time) (bool, error)

	// SetDisplayName writes the user's display name.
	SetDisplayName(ctx context.Context, userID, name string) error
}
