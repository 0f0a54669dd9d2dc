package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisCache(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	c := NewRedisCache(client, "otp:")

	t.Run("set stores prefixed key with ttl", func(t *testing.T) {
		require.NoError(t, c.SetWithTTL(ctx, "a@x.com", "123456", 5*time.Minute))

		got, err := mr.Get("otp:a@x.com")
		require.NoError(t, err)
		assert.Equal(t, "123456", got)
		assert.Equal(t, 5*time.Minute, mr.TTL("otp:a@x.com"))
	})

	t.Run("get hit", func(t *testing.T) {
		value, ok, err := c.Get(ctx, "a@x.com")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "123456", value)
	})

	t.Run("get miss is not an error", func(t *testing.T) {
		_, ok, err := c.Get(ctx, "nobody@x.com")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("entry expires", func(t *testing.T) {
		require.NoError(t, c.SetWithTTL(ctx, "short@x.com", "654321", time.Minute))
		mr.FastForward(2 * time.Minute)

		_, ok, err := c.Get(ctx, "short@x.com")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, c.SetWithTTL(ctx, "del@x.com", "111111", time.Minute))
		require.NoError(t, c.Delete(ctx, "del@x.com"))
		require.NoError(t, c.Delete(ctx, "del@x.com"))

		assert.False(t, mr.Exists("otp:del@x.com"))
	})

	t.Run("backend down surfaces unavailable", func(t *testing.T) {
		mr.Close()

		_, _, err := c.Get(ctx, "a@x.com")
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.ErrorIs(t, c.SetWithTTL(ctx, "a@x.com", "1", time.Minute), ErrUnavailable)
		assert.ErrorIs(t, c.Delete(ctx, "a@x.com"), ErrUnavailable)
	})
}

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	defer c.Close()

	now := time.Now()
	c.now = func() time.Time { return now }

	t.Run("set and get", func(t *testing.T) {
		require.NoError(t, c.SetWithTTL(ctx, "a@x.com", "123456", 5*time.Minute))

		value, ok, err := c.Get(ctx, "a@x.com")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "123456", value)
	})

	t.Run("overwrite replaces code", func(t *testing.T) {
		require.NoError(t, c.SetWithTTL(ctx, "a@x.com", "999999", 5*time.Minute))

		value, _, _ := c.Get(ctx, "a@x.com")
		assert.Equal(t, "999999", value)
	})

	t.Run("expired entries are misses and get evicted", func(t *testing.T) {
		require.NoError(t, c.SetWithTTL(ctx, "old@x.com", "111111", time.Minute))
		now = now.Add(time.Minute)

		_, ok, err := c.Get(ctx, "old@x.com")
		require.NoError(t, err)
		assert.False(t, ok)

		c.evictExpired()
		assert.Equal(t, 1, c.Len())
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, c.Delete(ctx, "a@x.com"))
		_, ok, _ := c.Get(ctx, "a@x.com")
		assert.False(t, ok)
	})

	t.Run("close is idempotent", func(t *testing.T) {
		assert.NotPanics(t, func() {
			c.Close()
			c.Close()
		})
	})
}

func TestMemoryCache_Concurrent(t *testing.T) {
	ctx := context.Background()
	c := newMemoryCache(time.Millisecond)
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.SetWithTTL(ctx, "k", "v", time.Second)
			_, _, _ = c.Get(ctx, "k")
			_ = c.Delete(ctx, "k")
		}()
	}
	wg.Wait()
}
