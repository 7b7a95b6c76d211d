package session

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RevocationList records session ids that were logged out before expiry.
type RevocationList interface {
	Revoke(ctx context.Context, sessionID string, until time.Time) error
	Revoked(ctx context.Context, sessionID string) (bool, error)
}

// MemoryRevocations is a process-local RevocationList.
type MemoryRevocations struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryRevocations creates an empty in-memory revocation list.
func NewMemoryRevocations() *MemoryRevocations {
	return &MemoryRevocations{entries: make(map[string]time.Time), now: time.Now}
}

func (r *MemoryRevocations) Revoke(_ context.Context, sessionID string, until time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for id, exp := range r.entries {
		if !now.Before(exp) {
			delete(r.entries, id)
		}
	}
	r.entries[sessionID] = until
	return nil
}

func (r *MemoryRevocations) Revoked(_ context.Context, sessionID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	until, ok := r.entries[sessionID]
	return ok && r.now().Before(until), nil
}

// RedisRevocations shares revocations across processes. Keys expire together
// with the token they revoke.
type RedisRevocations struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisRevocations creates a Redis-backed revocation list.
func NewRedisRevocations(client redis.UniversalClient, keyPrefix string) *RedisRevocations {
	if keyPrefix == "" {
		keyPrefix = "plansync:"
	}
	return &RedisRevocations{client: client, keyPrefix: keyPrefix}
}

func (r *RedisRevocations) key(sessionID string) string {
	return r.keyPrefix + "revoked:" + sessionID
}

func (r *RedisRevocations) Revoke(ctx context.Context, sessionID string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	return r.client.Set(ctx, r.key(sessionID), 1, ttl).Err()
}

func (r *RedisRevocations) Revoked(ctx context.Context, sessionID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(sessionID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
