// Package redis provides a Redis implementation of the entitlement.Store interface.
// Each record is a hash; conditional writes run as Lua scripts so the check and
// the write are atomic.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/plansync/pkg/entitlement"
)

const defaultKeyPrefix = "plansync:"

// Script status values.
const (
	statusOK        = "ok"
	statusNotFound  = "not_found"
	statusExhausted = "exhausted"
	statusStale     = "stale"
	statusConflict  = "conflict"
)

// Store implements entitlement.Store using Redis
type Store struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "plansync:")
	KeyPrefix string
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{KeyPrefix: defaultKeyPrefix}
}

// New creates a new Redis store.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaultKeyPrefix
	}

	s := &Store{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

// loadScripts compiles the Lua scripts for atomic operations.
// Timestamps are stored as unix microseconds so scripts can compare them.
func (s *Store) loadScripts() {
	s.scripts["create"] = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 1 then
			return 0
		end
		redis.call('HSET', KEYS[1], unpack(ARGV))
		if #KEYS > 1 then
			redis.call('SET', KEYS[2], redis.call('HGET', KEYS[1], 'user_id'))
		end
		return 1
	`)

	s.scripts["link"] = redis.NewScript(`
		local entKey = KEYS[1]
		local customerKey = KEYS[2]
		local ref = ARGV[1]

		if redis.call('EXISTS', entKey) == 0 then
			return {'', 'not_found'}
		end
		local current = redis.call('HGET', entKey, 'customer_ref')
		if current and current ~= '' then
			return {current, 'ok'}
		end
		if redis.call('SETNX', customerKey, ARGV[2]) == 0 then
			return {'', 'conflict'}
		end
		redis.call('HSET', entKey, 'customer_ref', ref, 'updated_at', ARGV[3])
		return {ref, 'ok'}
	`)

	s.scripts["apply"] = redis.NewScript(`
		local entKey = KEYS[1]
		local eventAt = ARGV[2]

		if redis.call('EXISTS', entKey) == 0 then
			return {'not_found'}
		end
		if redis.call('HGET', entKey, 'customer_ref') ~= ARGV[1] then
			return {'not_found'}
		end
		local stored = redis.call('HGET', entKey, 'event_at')
		if eventAt ~= '' and stored and stored ~= '' and tonumber(eventAt) < tonumber(stored) then
			return {'stale'}
		end

		redis.call('HSET', entKey, unpack(ARGV, 3))
		if eventAt ~= '' then
			redis.call('HSET', entKey, 'event_at', eventAt)
		end
		return redis.call('HGETALL', entKey)
	`)

	s.scripts["consume"] = redis.NewScript(`
		local entKey = KEYS[1]
		local amount = tonumber(ARGV[1])
		local budget = tonumber(ARGV[2])

		if redis.call('EXISTS', entKey) == 0 then
			return {0, 'not_found'}
		end
		local used = tonumber(redis.call('HGET', entKey, 'leads_used') or '0')
		if used + amount > budget then
			return {used, 'exhausted'}
		end
		redis.call('HSET', entKey, 'leads_used', used + amount, 'updated_at', ARGV[3])
		return {used + amount, 'ok'}
	`)

	s.scripts["reset"] = redis.NewScript(`
		local entKey = KEYS[1]

		if redis.call('EXISTS', entKey) == 0 then
			return {0, 'not_found'}
		end
		local last = tonumber(redis.call('HGET', entKey, 'last_reset') or '0')
		if last >= tonumber(ARGV[1]) then
			return {0, 'ok'}
		end
		redis.call('HSET', entKey, 'leads_used', 0, 'last_reset', ARGV[1], 'updated_at', ARGV[2])
		return {1, 'ok'}
	`)

	s.scripts["set_field"] = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 0 then
			return 0
		end
		redis.call('HSET', KEYS[1], ARGV[1], ARGV[2], 'updated_at', ARGV[3])
		return 1
	`)
}

// Get implements entitlement.Store
func (s *Store) Get(ctx context.Context, userID string) (*entitlement.Record, error) {
	fields, err := s.client.HGetAll(ctx, s.entitlementKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}
	if len(fields) == 0 {
		return nil, entitlement.ErrRecordNotFound
	}
	return fromHash(fields)
}

// GetByCustomer implements entitlement.Store
func (s *Store) GetByCustomer(ctx context.Context, customerRef string) (*entitlement.Record, error) {
	userID, err := s.customerUser(ctx, customerRef)
	if err != nil {
		return nil, err
	}
	rec, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec.CustomerRef != customerRef {
		return nil, entitlement.ErrRecordNotFound
	}
	return rec, nil
}

func (s *Store) customerUser(ctx context.Context, customerRef string) (string, error) {
	userID, err := s.client.Get(ctx, s.customerKey(customerRef)).Result()
	if errors.Is(err, redis.Nil) {
		return "", entitlement.ErrRecordNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve customer: %w", err)
	}
	return userID, nil
}

// CreateIfAbsent implements entitlement.Store
func (s *Store) CreateIfAbsent(ctx context.Context, rec *entitlement.Record) (*entitlement.Record, bool, error) {
	if rec == nil || rec.UserID == "" {
		return nil, false, entitlement.ErrInvalidUser
	}

	stored := rec.Clone()
	stored.UpdatedAt = time.Now().UTC()
	keys := []string{s.entitlementKey(rec.UserID)}
	if rec.CustomerRef != "" {
		keys = append(keys, s.customerKey(rec.CustomerRef))
	}

	created, err := s.scripts["create"].Run(ctx, s.client, keys, toHash(stored)...).Int()
	if err != nil {
		return nil, false, fmt.Errorf("failed to execute create script: %w", err)
	}
	got, err := s.Get(ctx, rec.UserID)
	if err != nil {
		return nil, false, err
	}
	return got, created == 1, nil
}

// LinkCustomer implements entitlement.Store
func (s *Store) LinkCustomer(ctx context.Context, userID, customerRef string) (string, error) {
	result, err := s.scripts["link"].Run(ctx, s.client,
		[]string{s.entitlementKey(userID), s.customerKey(customerRef)},
		customerRef, userID, micros(time.Now()),
	).StringSlice()
	if err != nil {
		return "", fmt.Errorf("failed to execute link script: %w", err)
	}
	if len(result) != 2 {
		return "", fmt.Errorf("unexpected script result format")
	}

	switch result[1] {
	case statusOK:
		return result[0], nil
	case statusNotFound:
		return "", entitlement.ErrRecordNotFound
	case statusConflict:
		return "", fmt.Errorf("customer %s: %w", customerRef, entitlement.ErrCustomerConflict)
	default:
		return "", fmt.Errorf("unexpected link status %q", result[1])
	}
}

// ApplySubscription implements entitlement.Store
func (s *Store) ApplySubscription(ctx context.Context, upd *entitlement.SubscriptionUpdate) (*entitlement.Record, error) {
	// The customer index is written once, so resolving it outside the script is safe.
	userID, err := s.customerUser(ctx, upd.CustomerRef)
	if err != nil {
		return nil, err
	}

	args := []interface{}{
		upd.CustomerRef,
		micros(upd.EventAt),
		"plan_id", upd.Plan.String(),
		"status", string(upd.Status),
		"billing_cycle", string(upd.BillingCycle),
		"subscription_ref", upd.SubscriptionRef,
		"period_end", micros(upd.PeriodEnd),
		"updated_at", micros(time.Now()),
	}
	result, err := s.scripts["apply"].Run(ctx, s.client,
		[]string{s.entitlementKey(userID)}, args...).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to execute apply script: %w", err)
	}

	if len(result) == 1 {
		switch result[0] {
		case statusNotFound:
			return nil, entitlement.ErrRecordNotFound
		case statusStale:
			return nil, entitlement.ErrStaleEvent
		default:
			return nil, fmt.Errorf("unexpected apply status %q", result[0])
		}
	}
	if len(result)%2 != 0 {
		return nil, fmt.Errorf("unexpected script result format")
	}
	fields := make(map[string]string, len(result)/2)
	for i := 0; i < len(result); i += 2 {
		fields[result[i]] = result[i+1]
	}
	return fromHash(fields)
}

// ConsumeCredits implements entitlement.Store
func (s *Store) ConsumeCredits(ctx context.Context, userID string, amount, budget int) (int, error) {
	if amount < 0 {
		return 0, entitlement.ErrInvalidAmount
	}

	result, err := s.scripts["consume"].Run(ctx, s.client,
		[]string{s.entitlementKey(userID)},
		amount, budget, micros(time.Now()),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to execute consume script: %w", err)
	}

	used, status, err := parseCounterResult(result)
	if err != nil {
		return 0, err
	}
	switch status {
	case statusNotFound:
		return 0, entitlement.ErrRecordNotFound
	case statusExhausted:
		return used, entitlement.ErrCreditsExhausted
	}
	return used, nil
}

// ResetCredits implements entitlement.Store
func (s *Store) ResetCredits(ctx context.Context, userID string, cycleStart time.Time) (bool, error) {
	result, err := s.scripts["reset"].Run(ctx, s.client,
		[]string{s.entitlementKey(userID)},
		micros(cycleStart), micros(time.Now()),
	).Result()
	if err != nil {
		return false, fmt.Errorf("failed to execute reset script: %w", err)
	}

	reset, status, err := parseCounterResult(result)
	if err != nil {
		return false, err
	}
	if status == statusNotFound {
		return false, entitlement.ErrRecordNotFound
	}
	return reset == 1, nil
}

// SetDisplayName implements entitlement.Store
func (s *Store) SetDisplayName(ctx context.Context, userID, name string) error {
	ok, err := s.scripts["set_field"].Run(ctx, s.client,
		[]string{s.entitlementKey(userID)},
		"display_name", name, micros(time.Now()),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to set display name: %w", err)
	}
	if ok == 0 {
		return entitlement.ErrRecordNotFound
	}
	return nil
}

// Save implements tiered.Hot by overwriting the whole record hash.
func (s *Store) Save(ctx context.Context, rec *entitlement.Record) error {
	if rec == nil || rec.UserID == "" {
		return entitlement.ErrInvalidUser
	}
	key := s.entitlementKey(rec.UserID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, toHash(rec)...)
		if rec.CustomerRef != "" {
			pipe.Set(ctx, s.customerKey(rec.CustomerRef), rec.UserID, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save entitlement: %w", err)
	}
	return nil
}

// Evict implements tiered.Hot. The customer index is left in place; lookups
// through it verify the record.
func (s *Store) Evict(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.entitlementKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to evict entitlement: %w", err)
	}
	return nil
}

// parseCounterResult parses {number, status} script replies
func parseCounterResult(result interface{}) (n int, status string, err error) {
	resultSlice, ok := result.([]interface{})
	if !ok || len(resultSlice) != 2 {
		err = fmt.Errorf("unexpected script result format")
		return
	}

	n64, ok := resultSlice[0].(int64)
	if !ok {
		err = fmt.Errorf("failed to parse counter")
		return
	}
	n = int(n64)

	status, ok = resultSlice[1].(string)
	if !ok {
		err = fmt.Errorf("failed to parse status")
	}
	return
}

// entitlementKey generates the Redis key for a user's record
func (s *Store) entitlementKey(userID string) string {
	return fmt.Sprintf("%sentitlement:%s", s.config.KeyPrefix, userID)
}

// customerKey generates the Redis key of the customer index
func (s *Store) customerKey(customerRef string) string {
	return fmt.Sprintf("%scustomer:%s", s.config.KeyPrefix, customerRef)
}

func micros(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.UnixMicro(), 10)
}

func parseMicros(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMicro(n).UTC(), nil
}

func toHash(rec *entitlement.Record) []interface{} {
	return []interface{}{
		"user_id", rec.UserID,
		"email", rec.Email,
		"display_name", rec.DisplayName,
		"plan_id", rec.Plan.String(),
		"status", string(rec.Status),
		"billing_cycle", string(rec.BillingCycle),
		"customer_ref", rec.CustomerRef,
		"subscription_ref", rec.SubscriptionRef,
		"leads_used", rec.CreditsUsed,
		"last_reset", micros(rec.LastReset),
		"cycle_anchor", micros(rec.CycleAnchor),
		"period_end", micros(rec.PeriodEnd),
		"event_at", micros(rec.EventAt),
		"updated_at", micros(rec.UpdatedAt),
	}
}

func fromHash(h map[string]string) (*entitlement.Record, error) {
	rec := &entitlement.Record{
		UserID:          h["user_id"],
		Email:           h["email"],
		DisplayName:     h["display_name"],
		Status:          entitlement.ParseStatus(h["status"]),
		BillingCycle:    entitlement.ParseBillingCycle(h["billing_cycle"]),
		CustomerRef:     h["customer_ref"],
		SubscriptionRef: h["subscription_ref"],
	}

	var err error
	if rec.Plan, err = entitlement.ParsePlan(h["plan_id"]); err != nil {
		return nil, fmt.Errorf("record %s: %w", rec.UserID, err)
	}
	if v := h["leads_used"]; v != "" {
		if rec.CreditsUsed, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("record %s: leads_used: %w", rec.UserID, err)
		}
	}
	times := []struct {
		field string
		dst   *time.Time
	}{
		{"last_reset", &rec.LastReset},
		{"cycle_anchor", &rec.CycleAnchor},
		{"period_end", &rec.PeriodEnd},
		{"event_at", &rec.EventAt},
		{"updated_at", &rec.UpdatedAt},
	}
	for _, t := range times {
		if *t.dst, err = parseMicros(h[t.field]); err != nil {
			return nil, fmt.Errorf("record %s: %s: %w", rec.UserID, t.field, err)
		}
	}
	return rec, nil
}
