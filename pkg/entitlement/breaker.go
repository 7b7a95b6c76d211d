package entitlement

import (
	"context"
	"errors"
	"sync"
	"time"
)

// BreakerState is the state of a circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker guards calls to a failing dependency.
type CircuitBreaker interface {
	// Execute runs fn unless the circuit is open.
	Execute(ctx context.Context, fn func() error) error
	State() BreakerState
}

// DefaultCircuitBreaker opens after a run of consecutive failures and lets a
// single trial request through once resetTimeout has elapsed.
type DefaultCircuitBreaker struct {
	mu sync.RWMutex

	state            BreakerState
	failureThreshold int
	resetTimeout     time.Duration
	failures         int
	lastFailure      time.Time

	onStateChange func(BreakerState)
}

// NewCircuitBreaker creates a circuit breaker. onStateChange may be nil.
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration,
	onStateChange func(BreakerState)) *DefaultCircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &DefaultCircuitBreaker{
		state:            BreakerClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		onStateChange:    onStateChange,
	}
}

func (cb *DefaultCircuitBreaker) State() BreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.current()
}

func (cb *DefaultCircuitBreaker) current() BreakerState {
	if cb.state == BreakerOpen && time.Since(cb.lastFailure) >= cb.resetTimeout {
		return BreakerHalfOpen
	}
	return cb.state
}

func (cb *DefaultCircuitBreaker) Execute(_ context.Context, fn func() error) error {
	if cb.State() == BreakerOpen {
		return ErrCircuitOpen
	}
	err := fn()
	if err != nil && !isBusinessError(err) {
		cb.failure()
		return err
	}
	cb.success()
	return err
}

func (cb *DefaultCircuitBreaker) success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != BreakerClosed {
		cb.transition(BreakerClosed)
	}
	cb.failures = 0
}

func (cb *DefaultCircuitBreaker) failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()

	// A failed half-open trial request keeps the circuit open and restarts the timer.
	if cb.state == BreakerClosed && cb.failures >= cb.failureThreshold {
		cb.transition(BreakerOpen)
	}
}

func (cb *DefaultCircuitBreaker) transition(next BreakerState) {
	if cb.state == next {
		return
	}
	cb.state = next
	if cb.onStateChange != nil {
		cb.onStateChange(next)
	}
}

// isBusinessError reports errors that describe data, not a broken dependency.
func isBusinessError(err error) bool {
	return errors.Is(err, ErrRecordNotFound) ||
		errors.Is(err, ErrStaleEvent) ||
		errors.Is(err, ErrCustomerConflict) ||
		errors.Is(err, ErrCreditsExhausted) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, context.Canceled)
}

// BreakerStore wraps a Store with circuit breaker protection.
type BreakerStore struct {
	store Store
	cb    CircuitBreaker
}

// NewBreakerStore creates a Store decorator guarded by cb.
func NewBreakerStore(store Store, cb CircuitBreaker) *BreakerStore {
	return &BreakerStore{store: store, cb: cb}
}

func (s *BreakerStore) Get(ctx context.Context, userID string) (*Record, error) {
	var rec *Record
	err := s.cb.Execute(ctx, func() error {
		var e error
		rec, e = s.store.Get(ctx, userID)
		return e
	})
	return rec, err
}

func (s *BreakerStore) GetByCustomer(ctx context.Context, customerRef string) (*Record, error) {
	var rec *Record
	err := s.cb.Execute(ctx, func() error {
		var e error
		rec, e = s.store.GetByCustomer(ctx, customerRef)
		return e
	})
	return rec, err
}

func (s *BreakerStore) CreateIfAbsent(ctx context.Context, rec *Record) (*Record, bool, error) {
	var (
		stored  *Record
		created bool
	)
	err := s.cb.Execute(ctx, func() error {
		var e error
		stored, created, e = s.store.CreateIfAbsent(ctx, rec)
		return e
	})
	return stored, created, err
}

func (s *BreakerStore) LinkCustomer(ctx context.Context, userID, customerRef string) (string, error) {
	var linked string
	err := s.cb.Execute(ctx, func() error {
		var e error
		linked, e = s.store.LinkCustomer(ctx, userID, customerRef)
		return e
	})
	return linked, err
}

func (s *BreakerStore) ApplySubscription(ctx context.Context, upd *SubscriptionUpdate) (*Record, error) {
	var rec *Record
	err := s.cb.Execute(ctx, func() error {
		var e error
		rec, e = s.store.ApplySubscription(ctx, upd)
		return e
	})
	return rec, err
}

func (s *BreakerStore) ConsumeCredits(ctx context.Context, userID string, amount, budget int) (int, error) {
	var used int
	err := s.cb.Execute(ctx, func() error {
		var e error
		used, e = s.store.ConsumeCredits(ctx, userID, amount, budget)
		return e
	})
	return used, err
}

func (s *BreakerStore) ResetCredits(ctx context.Context, userID string, cycleStart time.Time) (bool, error) {
	var reset bool
	err := s.cb.Execute(ctx, func() error {
		var e error
		reset, e = s.store.ResetCredits(ctx, userID, cycleStart)
		return e
	})
	return reset, err
}

func (s *BreakerStore) SetDisplayName(ctx context.Context, userID, name string) error {
	return s.cb.Execute(ctx, func() error {
		return s.store.SetDisplayName(ctx, userID, name)
	})
}
