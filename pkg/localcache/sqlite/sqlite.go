// Package sqlite persists the local cache in a SQLite file using the pure-Go
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mihaimyh/plansync/pkg/localcache"
)

// Cache is a localcache.Cache backed by one SQLite database.
type Cache struct {
	db *sql.DB
}

var _ localcache.Cache = (*Cache)(nil)

// Open opens or creates the cache database at path. ":memory:" opens a
// private in-memory database.
func Open(path string) (*Cache, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite cache: path is required")
	}

	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
		dsn = path + "?" + url.Values{
			"_pragma": []string{
				"busy_timeout(30000)",
				"journal_mode(WAL)",
				"synchronous(NORMAL)",
			},
		}.Encode()
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	c := &Cache{db: db}
	if err := c.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cache_entries (
		user_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, key)
	);
	`
	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("init cache schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) Get(ctx context.Context, userID, key string) ([]byte, error) {
	if _, err := localcache.Key(userID, key); err != nil {
		return nil, err
	}
	var value []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT value FROM cache_entries WHERE user_id = ? AND key = ?`,
		strings.TrimSpace(userID), strings.TrimSpace(key),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, localcache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read cache entry: %w", err)
	}
	return value, nil
}

func (c *Cache) Set(ctx context.Context, userID, key string, value []byte) error {
	if _, err := localcache.Key(userID, key); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO cache_entries (user_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		strings.TrimSpace(userID), strings.TrimSpace(key), value, time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, userID, key string) error {
	if _, err := localcache.Key(userID, key); err != nil {
		return err
	}
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE user_id = ? AND key = ?`,
		strings.TrimSpace(userID), strings.TrimSpace(key),
	)
	if err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

func (c *Cache) ClearUser(ctx context.Context, userID string) error {
	if _, err := localcache.Key(userID, localcache.KeySettings); err != nil {
		return err
	}
	if _, err := c.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE user_id = ?`, strings.TrimSpace(userID)); err != nil {
		return fmt.Errorf("clear user cache: %w", err)
	}
	return nil
}
