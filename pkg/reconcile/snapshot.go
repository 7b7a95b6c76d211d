package reconcile

import (
	"time"

	"github.com/mihaimyh/plansync/pkg/entitlement"
	"github.com/mihaimyh/plansync/pkg/notify"
)

// PlaceholderName is the display name of a profile nobody has named yet. It
// is never written back to the durable record.
const PlaceholderName = "New user"

// Snapshot is the locally cached settings of one user. It mirrors the remote
// entitlement fields for instant rendering and owns the display-only fields.
type Snapshot struct {
	DisplayName      string `json:"display_name"`
	AvatarURL        string `json:"avatar_url,omitempty"`
	DefaultRegion    string `json:"default_region,omitempty"`
	PipelineGoal     int    `json:"pipeline_goal"`
	PipelineResetDay int    `json:"pipeline_reset_day"`

	Plan         entitlement.Plan         `json:"plan_id"`
	Status       entitlement.Status       `json:"status"`
	BillingCycle entitlement.BillingCycle `json:"billing_cycle"`
	CreditsUsed  int                      `json:"leads_used"`
	LastReset    time.Time                `json:"last_reset"`
	PeriodEnd    time.Time                `json:"period_end,omitempty"`

	SyncedAt time.Time `json:"synced_at,omitempty"`
}

// DefaultSnapshot is used when nothing is cached yet.
func DefaultSnapshot() Snapshot {
	return Snapshot{
		DisplayName:      PlaceholderName,
		PipelineGoal:     10,
		PipelineResetDay: 1,
		Plan:             entitlement.PlanFree,
		Status:           entitlement.StatusNone,
		BillingCycle:     entitlement.CycleMonthly,
	}
}

// Remote is the remote-owned state a merge applies.
type Remote struct {
	Plan         entitlement.Plan
	Status       entitlement.Status
	BillingCycle entitlement.BillingCycle
	CreditsUsed  int
	LastReset    time.Time
	PeriodEnd    time.Time
	// DisplayName is the durable name; empty when the source does not carry it.
	DisplayName string
	// At is the version of the remote record. Zero means unversioned.
	At time.Time
}

// RemoteFromRecord reads the remote-owned fields of a stored record.
func RemoteFromRecord(rec *entitlement.Record) Remote {
	return Remote{
		Plan:         rec.Plan,
		Status:       rec.Status,
		BillingCycle: rec.BillingCycle,
		CreditsUsed:  rec.CreditsUsed,
		LastReset:    rec.LastReset,
		PeriodEnd:    rec.PeriodEnd,
		DisplayName:  rec.DisplayName,
		At:           rec.UpdatedAt,
	}
}

// RemoteFromChange reads a pushed change.
func RemoteFromChange(c notify.Change) Remote {
	return Remote{
		Plan:         c.Plan,
		Status:       c.Status,
		BillingCycle: c.BillingCycle,
		CreditsUsed:  c.CreditsUsed,
		LastReset:    c.LastReset,
		PeriodEnd:    c.PeriodEnd,
		At:           c.At,
	}
}

// Merge overlays remote on local. Remote wins for plan, status, billing
// cycle, and credits. Local display fields win, except that an unnamed local
// profile adopts the durable name. A remote older than the version local was
// last synced to is ignored.
func Merge(local Snapshot, remote Remote) Snapshot {
	if !remote.At.IsZero() && remote.At.Before(local.SyncedAt) {
		return local
	}
	out := local
	out.Plan = remote.Plan
	out.Status = remote.Status
	out.BillingCycle = remote.BillingCycle
	out.CreditsUsed = remote.CreditsUsed
	out.LastReset = remote.LastReset
	out.PeriodEnd = remote.PeriodEnd
	if remote.DisplayName != "" && (out.DisplayName == "" || out.DisplayName == PlaceholderName) {
		out.DisplayName = remote.DisplayName
	}
	out.SyncedAt = remote.At
	return out
}

// Record rebuilds the entitlement fields of s as a record for userID.
func (s Snapshot) Record(userID string) *entitlement.Record {
	return &entitlement.Record{
		UserID:       userID,
		DisplayName:  s.DisplayName,
		Plan:         s.Plan,
		Status:       s.Status,
		BillingCycle: s.BillingCycle,
		CreditsUsed:  s.CreditsUsed,
		LastReset:    s.LastReset,
		PeriodEnd:    s.PeriodEnd,
	}
}
