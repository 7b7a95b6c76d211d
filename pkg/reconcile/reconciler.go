// Package reconcile keeps a session's local view of its entitlement in step
// with the durable store.
//
// A Reconciler starts uninitialized. Start moves it to syncing: the cached
// snapshot is loaded for instant rendering, the change subscription is opened,
// the durable record is fetched (or created on first sign-in) and merged
// remote-wins, and the result is cached. Pushes arriving during the fetch wait
// in the subscription. It then becomes ready and applies pushed changes one at
// a time, skipping versions older than the snapshot, until the session ends. A
// failed fetch still reaches ready with the cached or free plan.
package reconcile

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mihaimyh/plansync/pkg/entitlement"
	"github.com/mihaimyh/plansync/pkg/localcache"
	"github.com/mihaimyh/plansync/pkg/notify"
	"github.com/mihaimyh/plansync/pkg/session"
)

// State is the reconciliation state.
type State int32

const (
	StateUninitialized State = iota
	StateSyncing
	StateReady
)

func (s State) String() string {
	switch s {
	case StateSyncing:
		return "syncing"
	case StateReady:
		return "ready"
	default:
		return "uninitialized"
	}
}

var (
	// ErrAlreadyStarted is returned by a second call to Start
	ErrAlreadyStarted = errors.New("reconcile: already started")

	// ErrNotStarted is returned by operations that need a session
	ErrNotStarted = errors.New("reconcile: not started")
)

const defaultQueueSize = 32

// Config holds Reconciler dependencies. Subscriber may be nil, in which case
// the reconciler never receives pushes.
type Config struct {
	Manager    *entitlement.Manager
	Cache      localcache.Cache
	Subscriber notify.Subscriber
	Logger     entitlement.Logger
	Metrics    entitlement.Metrics
	// QueueSize bounds pushed changes waiting to be applied. Defaults to 32.
	QueueSize int
}

// Reconciler owns one session's snapshot.
type Reconciler struct {
	manager    *entitlement.Manager
	cache      localcache.Cache
	subscriber notify.Subscriber
	logger     entitlement.Logger
	metrics    entitlement.Metrics
	queueSize  int

	state atomic.Int32
	ready chan struct{}

	mu       sync.RWMutex
	identity session.Identity
	snapshot Snapshot

	updates chan entitlement.View

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Manager == nil || cfg.Cache == nil {
		return nil, errors.New("reconcile: manager and cache are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = cfg.Manager.Logger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &entitlement.NoopMetrics{}
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	return &Reconciler{
		manager:    cfg.Manager,
		cache:      cfg.Cache,
		subscriber: cfg.Subscriber,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		queueSize:  cfg.QueueSize,
		ready:      make(chan struct{}),
		snapshot:   DefaultSnapshot(),
		updates:    make(chan entitlement.View, 1),
	}, nil
}

// State returns the current state.
func (r *Reconciler) State() State {
	return State(r.state.Load())
}

// Ready is closed once the initial sync has finished.
func (r *Reconciler) Ready() <-chan struct{} {
	return r.ready
}

// Updates delivers the derived view after every merge. Only the latest
// undelivered view is kept.
func (r *Reconciler) Updates() <-chan entitlement.View {
	return r.updates
}

// Snapshot returns a copy of the current snapshot.
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

// View derives the entitlement of the current snapshot.
func (r *Reconciler) View() entitlement.View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.viewLocked()
}

func (r *Reconciler) viewLocked() entitlement.View {
	return entitlement.ViewOf(r.snapshot.Record(r.identity.UserID), r.manager.Now())
}

// Start begins syncing for sess and returns immediately; wait on Ready for
// the initial merge. The reconciler stops when ctx is done, the session
// closes, or Stop is called.
func (r *Reconciler) Start(ctx context.Context, sess *session.Session) error {
	if sess == nil || !sess.Active() {
		return session.ErrAuthenticationRequired
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.State() != StateUninitialized {
		return ErrAlreadyStarted
	}
	r.identity = sess.Identity()
	r.state.Store(int32(StateSyncing))

	runCtx, cancel := context.WithCancel(sess.Context())
	stop := context.AfterFunc(ctx, cancel)
	r.cancel = func() {
		stop()
		cancel()
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(runCtx)
	}()
	return nil
}

// Stop releases the change subscription and waits for the apply loop to
// exit. The cached snapshot is kept for the next session.
func (r *Reconciler) Stop() {
	r.mu.RLock()
	cancel := r.cancel
	r.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

func (r *Reconciler) run(ctx context.Context) {
	id := r.identity

	cached, err := localcache.Load(ctx, r.cache, id.UserID, localcache.KeySettings, DefaultSnapshot())
	if err != nil {
		r.logger.Warn("cached settings unreadable, using defaults",
			entitlement.Field{Key: "user_id", Value: id.UserID},
			entitlement.Field{Key: "error", Value: err},
		)
	}
	r.mu.Lock()
	r.snapshot = cached
	r.mu.Unlock()

	// Subscribe before fetching so a write landing during the fetch is
	// delivered afterwards instead of lost.
	var sub notify.Subscription
	if r.subscriber != nil {
		sub, err = r.subscriber.Subscribe(ctx, id.UserID)
		if err != nil {
			r.logger.Warn("change subscription failed",
				entitlement.Field{Key: "user_id", Value: id.UserID},
				entitlement.Field{Key: "error", Value: err},
			)
			sub = nil
		}
	}

	start := time.Now()
	rec, _, err := r.manager.Ensure(ctx, id.UserID, id.Email)
	r.metrics.RecordReconciliation("initial", time.Since(start), err)
	if err != nil {
		r.logger.Warn("entitlement fetch failed, continuing with cached plan",
			entitlement.Field{Key: "user_id", Value: id.UserID},
			entitlement.Field{Key: "error", Value: err},
		)
	} else {
		// The fetched record is authoritative whatever version the cache holds.
		r.mu.Lock()
		r.snapshot.SyncedAt = time.Time{}
		r.mu.Unlock()
		r.apply(ctx, RemoteFromRecord(rec))
	}

	r.state.Store(int32(StateReady))
	close(r.ready)
	r.publishView()

	if sub == nil {
		<-ctx.Done()
		return
	}
	defer sub.Close()

	queue := make(chan notify.Change, r.queueSize)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(queue)
		r.listen(ctx, sub, queue)
	}()

	for change := range queue {
		start := time.Now()
		changed := r.apply(ctx, RemoteFromChange(change))
		r.metrics.RecordReconciliation("push", time.Since(start), nil)
		if changed {
			r.publishView()
		}
	}
}

// listen forwards changes for this user from sub to queue until ctx ends or
// the subscription closes.
func (r *Reconciler) listen(ctx context.Context, sub notify.Subscription, queue chan<- notify.Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-sub.C():
			if !ok {
				return
			}
			if change.UserID != r.identity.UserID {
				continue
			}
			select {
			case queue <- change:
			case <-ctx.Done():
				return
			}
		}
	}
}

// apply merges remote into the snapshot and caches the result. It reports
// whether the snapshot changed.
func (r *Reconciler) apply(ctx context.Context, remote Remote) bool {
	r.mu.Lock()
	next := Merge(r.snapshot, remote)
	if next == r.snapshot {
		r.mu.Unlock()
		return false
	}
	r.snapshot = next
	userID := r.identity.UserID
	r.mu.Unlock()

	r.persist(ctx, userID, next)
	return true
}

func (r *Reconciler) persist(ctx context.Context, userID string, snap Snapshot) {
	// Persist even while shutting down so the last merge survives.
	ctx = context.WithoutCancel(ctx)
	if err := localcache.Save(ctx, r.cache, userID, localcache.KeySettings, snap); err != nil {
		r.logger.Warn("settings snapshot not cached",
			entitlement.Field{Key: "user_id", Value: userID},
			entitlement.Field{Key: "error", Value: err},
		)
	}
}

func (r *Reconciler) publishView() {
	view := r.View()
	select {
	case r.updates <- view:
		return
	default:
	}
	select {
	case <-r.updates:
	default:
	}
	select {
	case r.updates <- view:
	default:
	}
}

// SetDisplayName changes the local display name and writes it back to the
// durable record unless it is the placeholder or unchanged.
func (r *Reconciler) SetDisplayName(ctx context.Context, name string) error {
	if r.State() == StateUninitialized {
		return ErrNotStarted
	}
	name = strings.TrimSpace(name)

	r.mu.Lock()
	previous := r.snapshot.DisplayName
	r.snapshot.DisplayName = name
	snap, userID := r.snapshot, r.identity.UserID
	r.mu.Unlock()

	r.persist(ctx, userID, snap)
	r.publishView()

	if name == "" || name == PlaceholderName || name == previous {
		return nil
	}
	return r.manager.SetDisplayName(ctx, userID, name)
}
