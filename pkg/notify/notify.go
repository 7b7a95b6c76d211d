// Package notify carries entitlement changes from the writer of a record to
// the sessions watching it.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/mihaimyh/plansync/pkg/entitlement"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("notify: bus closed")

// Change is a snapshot of the remote-owned fields of a record.
type Change struct {
	UserID       string                   `json:"user_id"`
	Plan         entitlement.Plan         `json:"plan_id"`
	Status       entitlement.Status       `json:"status"`
	BillingCycle entitlement.BillingCycle `json:"billing_cycle"`
	CreditsUsed  int                      `json:"leads_used"`
	LastReset    time.Time                `json:"last_reset"`
	PeriodEnd    time.Time                `json:"period_end,omitempty"`
	// At is the record version: the UpdatedAt of the write that produced it.
	At time.Time `json:"at"`
}

// ChangeOf snapshots rec.
func ChangeOf(rec *entitlement.Record) Change {
	return Change{
		UserID:       rec.UserID,
		Plan:         rec.Plan,
		Status:       rec.Status,
		BillingCycle: rec.BillingCycle,
		CreditsUsed:  rec.CreditsUsed,
		LastReset:    rec.LastReset,
		PeriodEnd:    rec.PeriodEnd,
		At:           rec.UpdatedAt,
	}
}

// Publisher announces changes.
type Publisher interface {
	Publish(ctx context.Context, change Change) error
}

// Subscription delivers the changes of one user until closed.
type Subscription interface {
	C() <-chan Change
	Close() error
}

// Subscriber opens per-user subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, userID string) (Subscription, error)
}

// Bus is both ends of a change channel.
type Bus interface {
	Publisher
	Subscriber
}

// Channel returns the Redis channel name for a user.
func Channel(userID string) string {
	return "plansync:entitlement:" + userID
}
