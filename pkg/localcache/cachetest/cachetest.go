// Package cachetest holds the behavior every localcache.Cache must share.
package cachetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/plansync/pkg/localcache"
)

// Run exercises c. The cache must start empty.
func Run(t *testing.T, c localcache.Cache) {
	t.Helper()
	ctx := context.Background()

	t.Run("GetMissing", func(t *testing.T) {
		_, err := c.Get(ctx, "u1", "missing")
		assert.ErrorIs(t, err, localcache.ErrNotFound)
	})

	t.Run("SetGetOverwrite", func(t *testing.T) {
		require.NoError(t, c.Set(ctx, "u1", localcache.KeySettings, []byte(`{"a":1}`)))
		require.NoError(t, c.Set(ctx, "u1", localcache.KeySettings, []byte(`{"a":2}`)))
		got, err := c.Get(ctx, "u1", localcache.KeySettings)
		require.NoError(t, err)
		assert.Equal(t, `{"a":2}`, string(got))
	})

	t.Run("UsersAreIsolated", func(t *testing.T) {
		require.NoError(t, c.Set(ctx, "u2", localcache.KeySettings, []byte("u2")))
		require.NoError(t, c.Set(ctx, "u22", localcache.KeySettings, []byte("u22")))
		got, err := c.Get(ctx, "u2", localcache.KeySettings)
		require.NoError(t, err)
		assert.Equal(t, "u2", string(got))
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, c.Set(ctx, "u3", localcache.KeyCalendar, []byte("x")))
		require.NoError(t, c.Delete(ctx, "u3", localcache.KeyCalendar))
		_, err := c.Get(ctx, "u3", localcache.KeyCalendar)
		assert.ErrorIs(t, err, localcache.ErrNotFound)
		assert.NoError(t, c.Delete(ctx, "u3", localcache.KeyCalendar), "deleting a missing key is a no-op")
	})

	t.Run("ClearUser", func(t *testing.T) {
		for _, k := range []string{localcache.KeySettings, localcache.KeyCalendar, localcache.KeyPipeline} {
			require.NoError(t, c.Set(ctx, "u4", k, []byte(k)))
		}
		require.NoError(t, c.Set(ctx, "u44", localcache.KeyPipeline, []byte("keep")))

		require.NoError(t, c.ClearUser(ctx, "u4"))
		for _, k := range []string{localcache.KeySettings, localcache.KeyCalendar, localcache.KeyPipeline} {
			_, err := c.Get(ctx, "u4", k)
			assert.ErrorIs(t, err, localcache.ErrNotFound, k)
		}
		got, err := c.Get(ctx, "u44", localcache.KeyPipeline)
		require.NoError(t, err)
		assert.Equal(t, "keep", string(got))
	})

	t.Run("InvalidKeys", func(t *testing.T) {
		assert.ErrorIs(t, c.Set(ctx, "", "k", nil), localcache.ErrInvalidKey)
		assert.ErrorIs(t, c.Set(ctx, "u1", " ", nil), localcache.ErrInvalidKey)
		assert.ErrorIs(t, c.Set(ctx, "a/b", "k", nil), localcache.ErrInvalidKey)
	})

	t.Run("ValuesAreCopied", func(t *testing.T) {
		v := []byte("abc")
		require.NoError(t, c.Set(ctx, "u5", "k", v))
		v[0] = 'z'
		got, err := c.Get(ctx, "u5", "k")
		require.NoError(t, err)
		assert.Equal(t, "abc", string(got))
	})
}
