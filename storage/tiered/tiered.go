// Package tiered provides a Hot/Cold tiered store that puts a fast cache (Hot)
// in front of the durable source of truth (Cold).
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/plansync/pkg/entitlement"
)

// Hot is the cache tier. It is a full Store so credit consumption can be
// enforced on it, plus overwrite and eviction for cache maintenance.
type Hot interface {
	entitlement.Store

	// Save overwrites the cached copy of rec.
	Save(ctx context.Context, rec *entitlement.Record) error

	// Evict drops the cached copy of a user's record.
	Evict(ctx context.Context, userID string) error
}

// Config configures the tiered store behavior
type Config struct {
	// Hot is the L1 cache store (e.g., Redis, Memory)
	Hot Hot

	// Cold is the L2 persistence store (e.g., Postgres, Firestore) as the source of truth
	Cold entitlement.Store

	// AsyncCreditSync enforces credit consumption on Hot and replays it on
	// Cold in the background. If false, consumption is enforced on Cold.
	AsyncCreditSync bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when an async operation fails.
	AsyncErrorHandler func(error)
}

// Store implements a Hot/Cold tiered entitlement store.
// - Read-Through: Get, GetByCustomer (Hot, then Cold with cache fill)
// - Write-Through: every other write goes to Cold first, then refreshes Hot
// - Hot-Primary/Async-Audit: credit consumption when AsyncCreditSync is set
type Store struct {
	hot  Hot
	cold entitlement.Store
	conf Config

	syncQueue chan func() error
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ entitlement.Store = (*Store)(nil)

// New creates a new tiered store.
func New(config Config) (*Store, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}
	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Store{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}
	if config.AsyncCreditSync {
		s.startWorker()
	}
	return s, nil
}

// Close drains pending async writes and stops the worker.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.shutdown)
		s.wg.Wait()
	})
	return nil
}

// startWorker runs the background synchronization loop.
// Jobs run sequentially to keep per-user ordering.
func (s *Store) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				s.run(job)
			case <-s.shutdown:
				for {
					select {
					case job := <-s.syncQueue:
						s.run(job)
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Store) run(job func() error) {
	if err := job(); err != nil {
		s.reportAsync(fmt.Errorf("tiered sync failed: %w", err))
	}
}

func (s *Store) reportAsync(err error) {
	if s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(err)
	}
}

// fill caches rec. Errors are ignored since Cold already answered.
func (s *Store) fill(ctx context.Context, rec *entitlement.Record) {
	_ = s.hot.Save(ctx, rec) //nolint:errcheck // Cache fill - errors are non-critical
}

// refresh re-reads a user from Cold into Hot, evicting on failure.
func (s *Store) refresh(ctx context.Context, userID string) {
	rec, err := s.cold.Get(ctx, userID)
	if err != nil {
		_ = s.hot.Evict(ctx, userID) //nolint:errcheck // Next read repopulates
		return
	}
	s.fill(ctx, rec)
}

// --- Strategy: Read-Through (Hot → Cold → Populate Hot) ---

// Get implements entitlement.Store with read-through strategy.
func (s *Store) Get(ctx context.Context, userID string) (*entitlement.Record, error) {
	if rec, err := s.hot.Get(ctx, userID); err == nil {
		return rec, nil
	}
	rec, err := s.cold.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, rec)
	return rec, nil
}

// GetByCustomer implements entitlement.Store with read-through strategy.
func (s *Store) GetByCustomer(ctx context.Context, customerRef string) (*entitlement.Record, error) {
	if rec, err := s.hot.GetByCustomer(ctx, customerRef); err == nil {
		return rec, nil
	}
	rec, err := s.cold.GetByCustomer(ctx, customerRef)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, rec)
	return rec, nil
}

// --- Strategy: Write-Through (Cold → Hot) ---

// CreateIfAbsent implements entitlement.Store with write-through strategy.
func (s *Store) CreateIfAbsent(ctx context.Context, rec *entitlement.Record) (*entitlement.Record, bool, error) {
	stored, created, err := s.cold.CreateIfAbsent(ctx, rec)
	if err != nil {
		return nil, false, err
	}
	s.fill(ctx, stored)
	return stored, created, nil
}

// LinkCustomer implements entitlement.Store with write-through strategy.
func (s *Store) LinkCustomer(ctx context.Context, userID, customerRef string) (string, error) {
	linked, err := s.cold.LinkCustomer(ctx, userID, customerRef)
	if err != nil {
		return "", err
	}
	s.refresh(ctx, userID)
	return linked, nil
}

// ApplySubscription implements entitlement.Store with write-through strategy.
func (s *Store) ApplySubscription(ctx context.Context, upd *entitlement.SubscriptionUpdate) (*entitlement.Record, error) {
	rec, err := s.cold.ApplySubscription(ctx, upd)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, rec)
	return rec, nil
}

// ResetCredits implements entitlement.Store with write-through strategy.
func (s *Store) ResetCredits(ctx context.Context, userID string, cycleStart time.Time) (bool, error) {
	reset, err := s.cold.ResetCredits(ctx, userID, cycleStart)
	if err != nil {
		return false, err
	}
	if reset {
		s.refresh(ctx, userID)
	}
	return reset, nil
}

// SetDisplayName implements entitlement.Store with write-through strategy.
func (s *Store) SetDisplayName(ctx context.Context, userID, name string) error {
	if err := s.cold.SetDisplayName(ctx, userID, name); err != nil {
		return err
	}
	s.refresh(ctx, userID)
	return nil
}

// --- Strategy: Hot-Primary / Async Audit ---

// ConsumeCredits implements entitlement.Store. With AsyncCreditSync the
// budget is enforced on Hot and the write is replayed on Cold later.
func (s *Store) ConsumeCredits(ctx context.Context, userID string, amount, budget int) (int, error) {
	if !s.conf.AsyncCreditSync {
		used, err := s.cold.ConsumeCredits(ctx, userID, amount, budget)
		if err != nil {
			return used, err
		}
		s.refresh(ctx, userID)
		return used, nil
	}

	// Make sure Hot holds the record before enforcing on it.
	if _, err := s.Get(ctx, userID); err != nil {
		return 0, err
	}
	used, err := s.hot.ConsumeCredits(ctx, userID, amount, budget)
	if err != nil {
		return used, err
	}

	select {
	case s.syncQueue <- func() error {
		// Background context ensures completion even if the request is canceled
		_, err := s.cold.ConsumeCredits(context.Background(), userID, amount, budget)
		return err
	}:
	default:
		s.reportAsync(errors.New("tiered storage: sync queue full, dropping cold write"))
	}
	return used, nil
}
