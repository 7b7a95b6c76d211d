// Package crm holds the sales pipeline. Pipeline access requires the pro plan
// or higher on the caller's effective entitlement.
package crm

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mihaimyh/plansync/pkg/entitlement"
)

var (
	// ErrPlanRequired is returned when the effective plan is below MinPlan.
	ErrPlanRequired = errors.New("crm: pro plan required")

	// ErrLeadNotFound is returned for an unknown lead id.
	ErrLeadNotFound = errors.New("crm: lead not found")

	// ErrInvalidLead is returned when a lead fails validation.
	ErrInvalidLead = errors.New("crm: invalid lead")
)

// MinPlan is the lowest plan with pipeline access.
const MinPlan = entitlement.PlanPro

// Status is the stage of a lead in the pipeline.
type Status string

const (
	StatusProspecting Status = "prospecting"
	StatusContacted   Status = "contacted"
	StatusNegotiation Status = "negotiation"
	StatusWon         Status = "won"
	StatusLost        Status = "lost"
)

// Closed reports whether the lead left the pipeline.
func (s Status) Closed() bool {
	return s == StatusWon || s == StatusLost
}

func (s Status) valid() bool {
	switch s {
	case StatusProspecting, StatusContacted, StatusNegotiation, StatusWon, StatusLost:
		return true
	}
	return false
}

// Priority ranks leads.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) valid() bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}

// Lead is a pipeline entry. Value is in minor currency units.
type Lead struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Company   string    `json:"company,omitempty"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Status    Status    `json:"status"`
	Priority  Priority  `json:"priority"`
	Tags      []string  `json:"tags,omitempty"`
	Value     int64     `json:"potential_value"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate fills defaults and checks the lead's fields.
func (l *Lead) Validate() error {
	l.Name = strings.TrimSpace(l.Name)
	if l.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidLead)
	}
	if l.Status == "" {
		l.Status = StatusProspecting
	}
	if !l.Status.valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidLead, l.Status)
	}
	if l.Priority == "" {
		l.Priority = PriorityMedium
	}
	if !l.Priority.valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidLead, l.Priority)
	}
	if l.Value < 0 {
		return fmt.Errorf("%w: negative value", ErrInvalidLead)
	}
	l.Tags = normalizeTags(l.Tags)
	return nil
}

// HasTag reports whether the lead carries tag, ignoring case.
func (l *Lead) HasTag(tag string) bool {
	tag = strings.ToLower(strings.TrimSpace(tag))
	for _, t := range l.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// Gate returns ErrPlanRequired unless view grants pipeline access.
func Gate(view entitlement.View) error {
	if !view.Allows(MinPlan) {
		return fmt.Errorf("%w: current plan is %s", ErrPlanRequired, view.EffectivePlan)
	}
	return nil
}
