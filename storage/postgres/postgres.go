// Package postgres provides a PostgreSQL implementation of the entitlement.Store interface.
// Conditional writes are single UPDATE statements; subscription updates run in a
// transaction with SELECT FOR UPDATE so the stale-event check and the write are atomic.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/plansync/pkg/entitlement"
)

// Schema creates the entitlements table. Applied by Migrate.
const Schema = `
CREATE TABLE IF NOT EXISTS entitlements (
	user_id          TEXT PRIMARY KEY,
	email            TEXT NOT NULL DEFAULT '',
	display_name     TEXT NOT NULL DEFAULT '',
	plan_id          TEXT NOT NULL DEFAULT 'free',
	status           TEXT NOT NULL DEFAULT 'none',
	billing_cycle    TEXT NOT NULL DEFAULT 'monthly',
	customer_ref     TEXT UNIQUE,
	subscription_ref TEXT NOT NULL DEFAULT '',
	leads_used       INTEGER NOT NULL DEFAULT 0 CHECK (leads_used >= 0),
	last_reset       TIMESTAMPTZ NOT NULL,
	cycle_anchor     TIMESTAMPTZ,
	period_end       TIMESTAMPTZ,
	event_at         TIMESTAMPTZ,
	updated_at       TIMESTAMPTZ NOT NULL
)`

const selectColumns = `user_id, email, display_name, plan_id, status, billing_cycle,
	customer_ref, subscription_ref, leads_used, last_reset, cycle_anchor, period_end, event_at, updated_at`

// Store implements entitlement.Store using PostgreSQL
type Store struct {
	pool *pgxpool.Pool
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Migrate applies Schema on startup.
	Migrate bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		Migrate:         true,
	}
}

// New creates a new PostgreSQL store
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{pool: pool}
	if config.Migrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func scanRecord(row pgx.Row) (*entitlement.Record, error) {
	var (
		rec                 entitlement.Record
		plan, status, cycle string
		customerRef         *string
		cycleAnchor         *time.Time
		periodEnd, eventAt  *time.Time
	)
	err := row.Scan(
		&rec.UserID,
		&rec.Email,
		&rec.DisplayName,
		&plan,
		&status,
		&cycle,
		&customerRef,
		&rec.SubscriptionRef,
		&rec.CreditsUsed,
		&rec.LastReset,
		&cycleAnchor,
		&periodEnd,
		&eventAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlement.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}

	if rec.Plan, err = entitlement.ParsePlan(plan); err != nil {
		return nil, fmt.Errorf("record %s: %w", rec.UserID, err)
	}
	rec.Status = entitlement.ParseStatus(status)
	rec.BillingCycle = entitlement.ParseBillingCycle(cycle)
	if customerRef != nil {
		rec.CustomerRef = *customerRef
	}
	if cycleAnchor != nil {
		rec.CycleAnchor = cycleAnchor.UTC()
	}
	if periodEnd != nil {
		rec.PeriodEnd = periodEnd.UTC()
	}
	if eventAt != nil {
		rec.EventAt = eventAt.UTC()
	}
	rec.LastReset = rec.LastReset.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}

// Get implements entitlement.Store
func (s *Store) Get(ctx context.Context, userID string) (*entitlement.Record, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM entitlements WHERE user_id = $1`, userID))
	if err != nil && !errors.Is(err, entitlement.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}
	return rec, err
}

// GetByCustomer implements entitlement.Store
func (s *Store) GetByCustomer(ctx context.Context, customerRef string) (*entitlement.Record, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM entitlements WHERE customer_ref = $1`, customerRef))
	if err != nil && !errors.Is(err, entitlement.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to get entitlement by customer: %w", err)
	}
	return rec, err
}

// CreateIfAbsent implements entitlement.Store
func (s *Store) CreateIfAbsent(ctx context.Context, rec *entitlement.Record) (*entitlement.Record, bool, error) {
	if rec == nil || rec.UserID == "" {
		return nil, false, entitlement.ErrInvalidUser
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO entitlements
			(user_id, email, display_name, plan_id, status, billing_cycle, customer_ref,
			subscription_ref, leads_used, last_reset, cycle_anchor, period_end, event_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (user_id) DO NOTHING`,
		rec.UserID, rec.Email, rec.DisplayName, rec.Plan.String(), string(rec.Status),
		string(rec.BillingCycle), nullString(rec.CustomerRef), rec.SubscriptionRef,
		rec.CreditsUsed, rec.LastReset.UTC(), nullTime(rec.CycleAnchor), nullTime(rec.PeriodEnd), nullTime(rec.EventAt),
		time.Now().UTC(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create entitlement: %w", err)
	}

	stored, err := s.Get(ctx, rec.UserID)
	if err != nil {
		return nil, false, err
	}
	return stored, tag.RowsAffected() == 1, nil
}

// LinkCustomer implements entitlement.Store
func (s *Store) LinkCustomer(ctx context.Context, userID, customerRef string) (string, error) {
	var linked string
	err := s.pool.QueryRow(ctx,
		`UPDATE entitlements SET customer_ref = $2, updated_at = clock_timestamp()
			WHERE user_id = $1 AND customer_ref IS NULL
			RETURNING customer_ref`,
		userID, customerRef).Scan(&linked)
	if err == nil {
		return linked, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return "", fmt.Errorf("customer %s: %w: %w", customerRef, entitlement.ErrCustomerConflict, err)
		}
		return "", fmt.Errorf("failed to link customer: %w", err)
	}

	// Already linked, or no such user.
	rec, err := s.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	return rec.CustomerRef, nil
}

// ApplySubscription implements entitlement.Store
func (s *Store) ApplySubscription(ctx context.Context, upd *entitlement.SubscriptionUpdate) (*entitlement.Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	rec, err := scanRecord(tx.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM entitlements WHERE customer_ref = $1 FOR UPDATE`,
		upd.CustomerRef))
	if err != nil {
		if errors.Is(err, entitlement.ErrRecordNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to lock entitlement: %w", err)
	}

	if err := upd.Apply(rec, time.Now()); err != nil {
		return nil, err
	}

	// The row version comes from the database clock like every other write.
	err = tx.QueryRow(ctx,
		`UPDATE entitlements
			SET plan_id = $2, status = $3, billing_cycle = $4, subscription_ref = $5,
				period_end = $6, event_at = $7, updated_at = clock_timestamp()
			WHERE user_id = $1
			RETURNING updated_at`,
		rec.UserID, rec.Plan.String(), string(rec.Status), string(rec.BillingCycle),
		rec.SubscriptionRef, nullTime(rec.PeriodEnd), nullTime(rec.EventAt),
	).Scan(&rec.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to apply subscription: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

// ConsumeCredits implements entitlement.Store
func (s *Store) ConsumeCredits(ctx context.Context, userID string, amount, budget int) (int, error) {
	if amount < 0 {
		return 0, entitlement.ErrInvalidAmount
	}

	var used int
	err := s.pool.QueryRow(ctx,
		`UPDATE entitlements SET leads_used = leads_used + $2, updated_at = clock_timestamp()
			WHERE user_id = $1 AND leads_used + $2 <= $3
			RETURNING leads_used`,
		userID, amount, budget).Scan(&used)
	if err == nil {
		return used, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to consume credits: %w", err)
	}

	rec, err := s.Get(ctx, userID)
	if err != nil {
		return 0, err
	}
	return rec.CreditsUsed, entitlement.ErrCreditsExhausted
}

// ResetCredits implements entitlement.Store
func (s *Store) ResetCredits(ctx context.Context, userID string, cycleStart time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE entitlements SET leads_used = 0, last_reset = $2, updated_at = clock_timestamp()
			WHERE user_id = $1 AND last_reset < $2`,
		userID, cycleStart.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to reset credits: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.Get(ctx, userID); err != nil {
		return false, err
	}
	return false, nil
}

// SetDisplayName implements entitlement.Store
func (s *Store) SetDisplayName(ctx context.Context, userID, name string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE entitlements SET display_name = $2, updated_at = clock_timestamp() WHERE user_id = $1`,
		userID, name)
	if err != nil {
		return fmt.Errorf("failed to set display name: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entitlement.ErrRecordNotFound
	}
	return nil
}
