package context

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheGetSet(t *testing.T) {
	cache := NewTokenCache(10, time.Hour)

	_, ok := cache.Get("missing")
	require.False(t, ok)

	cache.Set("m1", 42)
	n, ok := cache.Get("m1")
	require.True(t, ok)
	require.Equal(t, 42, n)
	require.Equal(t, 1, cache.Size())
}

func TestCacheLRUEviction(t *testing.T) {
	cache := NewTokenCache(2, time.Hour)

	cache.Set("a", 1)
	cache.Set("b", 2)

	// Touch a so b becomes the least recently used.
	_, ok := cache.Get("a")
	require.True(t, ok)

	cache.Set("c", 3)
	require.Equal(t, 2, cache.Size())

	_, ok = cache.Get("b")
	require.False(t, ok)
	_, ok = cache.Get("a")
	require.True(t, ok)
	_, ok = cache.Get("c")
	require.True(t, ok)

	require.Equal(t, int64(1), cache.Stats().Evictions)
}

func TestCacheSetUpdatesInPlace(t *testing.T) {
	cache := NewTokenCache(2, time.Hour)

	cache.Set("a", 1)
	cache.Set("a", 9)
	require.Equal(t, 1, cache.Size())

	n, ok := cache.Get("a")
	require.True(t, ok)
	require.Equal(t, 9, n)
	require.Zero(t, cache.Stats().Evictions)
}

func TestCacheUpdateRefreshesRecency(t *testing.T) {
	cache := NewTokenCache(2, time.Hour)

	cache.Set("a", 1)
	cache.Set("b", 2)
	cache.Set("a", 3) // a is now most recent
	cache.Set("c", 4) // evicts b

	_, ok := cache.Get("a")
	require.True(t, ok)
	_, ok = cache.Get("b")
	require.False(t, ok)
}

func TestCacheExpiration(t *testing.T) {
	cache := NewTokenCache(10, time.Second)
	cache.Set("m1", 5)

	// The clock has second resolution; age the entry directly instead
	// of sleeping.
	cache.entries["m1"].Value.(*tokenCacheEntry).storedAt = time.Now().Unix() - 10

	_, ok := cache.Get("m1")
	require.False(t, ok)
	require.Equal(t, 0, cache.Size())

	stats := cache.Stats()
	assert.Equal(t, int64(1), stats.Expirations)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestCacheZeroTTLNeverExpires(t *testing.T) {
	cache := NewTokenCache(10, 0)
	cache.Set("m1", 5)
	cache.entries["m1"].Value.(*tokenCacheEntry).storedAt = time.Now().Unix() - 1e6

	n, ok := cache.Get("m1")
	require.True(t, ok)
	require.Equal(t, 5, n)
}

func TestCacheDelete(t *testing.T) {
	cache := NewTokenCache(10, time.Hour)
	cache.Set("m1", 1)

	require.True(t, cache.Delete("m1"))
	require.False(t, cache.Delete("m1"))
	require.Equal(t, 0, cache.Size())
}

func TestCacheClear(t *testing.T) {
	cache := NewTokenCache(10, time.Hour)
	cache.Set("a", 1)
	cache.Set("b", 2)

	cache.Clear()
	require.Equal(t, 0, cache.Size())
	_, ok := cache.Get("a")
	require.False(t, ok)
}

func TestCacheStats(t *testing.T) {
	cache := NewTokenCache(10, time.Hour)
	cache.Set("a", 1)

	cache.Get("a")
	cache.Get("a")
	cache.Get("missing")

	stats := cache.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 2.0/3.0, stats.HitRate, 1e-9)
	assert.Equal(t, 10, stats.MaxSize)
	assert.Equal(t, 1, stats.Size)
}
