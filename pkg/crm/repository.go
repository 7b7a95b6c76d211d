package crm

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/plansync/pkg/entitlement"
	"github.com/mihaimyh/plansync/pkg/localcache"
)

// Entitlements supplies the caller's current entitlement. A
// *reconcile.Reconciler satisfies it.
type Entitlements interface {
	View() entitlement.View
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Status   Status
	Priority Priority
	Tag      string
	// Open drops won and lost leads.
	Open bool
}

func (f Filter) match(l *Lead) bool {
	if f.Status != "" && l.Status != f.Status {
		return false
	}
	if f.Priority != "" && l.Priority != f.Priority {
		return false
	}
	if f.Tag != "" && !l.HasTag(f.Tag) {
		return false
	}
	return !f.Open || !l.Status.Closed()
}

// Repository keeps one user's pipeline in the local cache under the
// "pipeline" key. Every call checks the gate first.
type Repository struct {
	cache        localcache.Cache
	entitlements Entitlements
	userID       string
	now          func() time.Time

	mu sync.Mutex
}

// NewRepository creates a pipeline repository for userID.
func NewRepository(cache localcache.Cache, entitlements Entitlements, userID string) *Repository {
	return &Repository{
		cache:        cache,
		entitlements: entitlements,
		userID:       userID,
		now:          time.Now,
	}
}

func (r *Repository) gate() error {
	return Gate(r.entitlements.View())
}

func (r *Repository) load(ctx context.Context) ([]Lead, error) {
	return localcache.Load(ctx, r.cache, r.userID, localcache.KeyPipeline, []Lead(nil))
}

func (r *Repository) save(ctx context.Context, leads []Lead) error {
	return localcache.Save(ctx, r.cache, r.userID, localcache.KeyPipeline, leads)
}

// List returns the matching leads, newest first.
func (r *Repository) List(ctx context.Context, f Filter) ([]Lead, error) {
	if err := r.gate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	leads, err := r.load(ctx)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make([]Lead, 0, len(leads))
	for i := range leads {
		if f.match(&leads[i]) {
			out = append(out, leads[i])
		}
	}
	slices.SortStableFunc(out, func(a, b Lead) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

// Get returns one lead.
func (r *Repository) Get(ctx context.Context, id string) (*Lead, error) {
	if err := r.gate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	leads, err := r.load(ctx)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	i := indexOf(leads, id)
	if i < 0 {
		return nil, ErrLeadNotFound
	}
	return &leads[i], nil
}

// Create validates lead, assigns an id and timestamps, and stores it.
func (r *Repository) Create(ctx context.Context, lead Lead) (*Lead, error) {
	if err := r.gate(); err != nil {
		return nil, err
	}
	if err := lead.Validate(); err != nil {
		return nil, err
	}
	now := r.now().UTC()
	lead.ID = uuid.NewString()
	lead.CreatedAt = now
	lead.UpdatedAt = now

	r.mu.Lock()
	defer r.mu.Unlock()
	leads, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.save(ctx, append(leads, lead)); err != nil {
		return nil, err
	}
	return &lead, nil
}

// Update replaces the stored lead with the same id. CreatedAt is preserved.
func (r *Repository) Update(ctx context.Context, lead Lead) (*Lead, error) {
	if err := r.gate(); err != nil {
		return nil, err
	}
	if err := lead.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	leads, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	i := indexOf(leads, lead.ID)
	if i < 0 {
		return nil, ErrLeadNotFound
	}
	lead.CreatedAt = leads[i].CreatedAt
	lead.UpdatedAt = r.now().UTC()
	leads[i] = lead
	if err := r.save(ctx, leads); err != nil {
		return nil, err
	}
	return &lead, nil
}

// Delete removes a lead.
func (r *Repository) Delete(ctx context.Context, id string) error {
	if err := r.gate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	leads, err := r.load(ctx)
	if err != nil {
		return err
	}
	i := indexOf(leads, id)
	if i < 0 {
		return ErrLeadNotFound
	}
	return r.save(ctx, slices.Delete(leads, i, i+1))
}

// PipelineValue sums the value of open leads.
func (r *Repository) PipelineValue(ctx context.Context) (int64, error) {
	leads, err := r.List(ctx, Filter{Open: true})
	if err != nil {
		return 0, err
	}
	var total int64
	for _, l := range leads {
		total += l.Value
	}
	return total, nil
}

func indexOf(leads []Lead, id string) int {
	id = strings.TrimSpace(id)
	if id == "" {
		return -1
	}
	return slices.IndexFunc(leads, func(l Lead) bool { return l.ID == id })
}
