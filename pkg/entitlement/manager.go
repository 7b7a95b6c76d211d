package entitlement

import (
	"context"
	"errors"
	"time"
)

// Config holds Manager dependencies. Zero values are replaced with no-op defaults.
type Config struct {
	Logger  Logger
	Metrics Metrics
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// Manager is the single entry point through which entitlement records are read
// and written. Plan and status are written only by ApplySubscription and Ensure.
type Manager struct {
	store   Store
	logger  Logger
	metrics Metrics
	now     func() time.Time
}

// NewManager creates a new entitlement manager over store.
func NewManager(store Store, cfg Config) (*Manager, error) {
	if store == nil {
		return nil, ErrStorageUnavailable
	}
	if cfg.Logger == nil {
		cfg.Logger = &NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		store:   store,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}, nil
}

// Now returns the manager's current time in UTC.
func (m *Manager) Now() time.Time {
	return m.now().UTC()
}

// Logger returns the configured logger.
func (m *Manager) Logger() Logger {
	return m.logger
}

// Get retrieves a user's record.
func (m *Manager) Get(ctx context.Context, userID string) (*Record, error) {
	if userID == "" {
		return nil, ErrInvalidUser
	}
	start := time.Now()
	rec, err := m.store.Get(ctx, userID)
	m.metrics.RecordStoreOperation("get", time.Since(start), err)
	return rec, err
}

// GetByCustomer retrieves the record linked to a processor customer reference.
func (m *Manager) GetByCustomer(ctx context.Context, customerRef string) (*Record, error) {
	if customerRef == "" {
		return nil, ErrRecordNotFound
	}
	start := time.Now()
	rec, err := m.store.GetByCustomer(ctx, customerRef)
	m.metrics.RecordStoreOperation("get_by_customer", time.Since(start), err)
	return rec, err
}

// View returns the derived entitlement of a stored record.
func (m *Manager) View(ctx context.Context, userID string) (View, error) {
	rec, err := m.Get(ctx, userID)
	if err != nil {
		return View{}, err
	}
	return ViewOf(rec, m.Now()), nil
}

// Ensure returns the user's record, creating the default free-plan record if
// none exists. Safe to call any number of times for the same user.
func (m *Manager) Ensure(ctx context.Context, userID, email string) (*Record, bool, error) {
	rec, err := m.Get(ctx, userID)
	if err == nil {
		return rec, false, nil
	}
	if !errors.Is(err, ErrRecordNotFound) {
		return nil, false, err
	}

	start := time.Now()
	rec, created, err := m.store.CreateIfAbsent(ctx, NewRecord(userID, email, m.Now()))
	m.metrics.RecordStoreOperation("create", time.Since(start), err)
	if err != nil {
		return nil, false, err
	}
	if created {
		m.logger.Info("entitlement record initialized",
			Field{"user_id", userID},
			Field{"plan", rec.Plan.String()},
		)
	}
	return rec, created, nil
}

// LinkCustomer links a processor customer to the user unless one is already
// linked, and returns the reference in effect.
func (m *Manager) LinkCustomer(ctx context.Context, userID, customerRef string) (string, error) {
	start := time.Now()
	linked, err := m.store.LinkCustomer(ctx, userID, customerRef)
	m.metrics.RecordStoreOperation("link_customer", time.Since(start), err)
	if err != nil {
		return "", err
	}
	if linked != customerRef {
		m.logger.Warn("customer already linked, discarding new reference",
			Field{"user_id", userID},
			Field{"linked", linked},
			Field{"discarded", customerRef},
		)
	}
	return linked, nil
}

// ApplySubscription writes processor-owned fields to the record linked to the
// update's customer.
func (m *Manager) ApplySubscription(ctx context.Context, upd *SubscriptionUpdate) (*Record, error) {
	if upd == nil || upd.CustomerRef == "" {
		return nil, ErrRecordNotFound
	}
	start := time.Now()
	rec, err := m.store.ApplySubscription(ctx, upd)
	m.metrics.RecordStoreOperation("apply_subscription", time.Since(start), err)
	if err != nil {
		return nil, err
	}
	m.logger.Info("subscription applied",
		Field{"user_id", rec.UserID},
		Field{"plan", rec.Plan.String()},
		Field{"status", string(rec.Status)},
		Field{"subscription", rec.SubscriptionRef},
	)
	return rec, nil
}

// ResetIfDue zeroes the credit counter when the credit cycle has rolled over.
func (m *Manager) ResetIfDue(ctx context.Context, userID string) (bool, error) {
	rec, err := m.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	return m.resetIfDue(ctx, rec)
}

func (m *Manager) resetIfDue(ctx context.Context, rec *Record) (bool, error) {
	due, cycleStart := ResetDue(rec.CreditAnchor(), rec.LastReset, m.Now())
	if !due {
		return false, nil
	}
	start := time.Now()
	reset, err := m.store.ResetCredits(ctx, rec.UserID, cycleStart)
	m.metrics.RecordStoreOperation("reset_credits", time.Since(start), err)
	if err != nil {
		return false, err
	}
	if reset {
		m.metrics.RecordCreditReset(rec.Plan.String())
		m.logger.Info("credits reset",
			Field{"user_id", rec.UserID},
			Field{"cycle_start", cycleStart},
		)
	}
	return reset, nil
}

// Consume spends amount credits against the budget of the user's effective plan.
// It returns the updated counter.
func (m *Manager) Consume(ctx context.Context, userID string, amount int) (int, error) {
	if amount < 0 {
		return 0, ErrInvalidAmount
	}
	rec, err := m.Get(ctx, userID)
	if err != nil {
		return 0, err
	}
	reset, err := m.resetIfDue(ctx, rec)
	if err != nil {
		return 0, err
	}
	if reset {
		rec.CreditsUsed = 0
	}
	if amount == 0 {
		return rec.CreditsUsed, nil
	}

	plan := rec.EffectivePlan(m.Now())
	start := time.Now()
	used, err := m.store.ConsumeCredits(ctx, userID, amount, plan.CreditBudget())
	m.metrics.RecordStoreOperation("consume_credits", time.Since(start), err)
	m.metrics.RecordConsumption(plan.String(), amount, err == nil)
	if err != nil {
		if errors.Is(err, ErrCreditsExhausted) {
			m.logger.Debug("credit budget exhausted",
				Field{"user_id", userID},
				Field{"plan", plan.String()},
				Field{"amount", amount},
			)
		}
		return 0, err
	}
	return used, nil
}

// SetDisplayName writes the display name to the durable record.
func (m *Manager) SetDisplayName(ctx context.Context, userID, name string) error {
	start := time.Now()
	err := m.store.SetDisplayName(ctx, userID, name)
	m.metrics.RecordStoreOperation("set_display_name", time.Since(start), err)
	return err
}
