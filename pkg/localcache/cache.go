// Package localcache is the per-user, on-device key-value cache that keeps a
// session usable while the remote store is unreachable.
package localcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Well-known keys.
const (
	KeySettings = "settings"
	KeyCalendar = "calendar"
	KeyPipeline = "pipeline"
)

var (
	// ErrNotFound is returned by Get for keys that were never written
	ErrNotFound = errors.New("localcache: key not found")

	// ErrInvalidKey is returned for empty user ids or keys
	ErrInvalidKey = errors.New("localcache: invalid key")
)

// Cache stores opaque values under <userID>/<key>.
type Cache interface {
	Get(ctx context.Context, userID, key string) ([]byte, error)
	Set(ctx context.Context, userID, key string, value []byte) error
	Delete(ctx context.Context, userID, key string) error
	// ClearUser removes every key of userID.
	ClearUser(ctx context.Context, userID string) error
}

// Key returns the namespaced cache key.
func Key(userID, key string) (string, error) {
	userID, key = strings.TrimSpace(userID), strings.TrimSpace(key)
	if userID == "" || key == "" || strings.Contains(userID, "/") {
		return "", ErrInvalidKey
	}
	return userID + "/" + key, nil
}

// Load decodes the JSON value stored under key. Any read or decode failure
// yields def; the returned error says why, and is nil when the value was
// simply absent.
func Load[T any](ctx context.Context, c Cache, userID, key string, def T) (T, error) {
	data, err := c.Get(ctx, userID, key)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return def, fmt.Errorf("decode %s: %w", key, err)
	}
	return v, nil
}

// Save stores v as JSON under key.
func Save[T any](ctx context.Context, c Cache, userID, key string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return c.Set(ctx, userID, key, data)
}
