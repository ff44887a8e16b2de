package context

import (
	"container/list"
	"sync"
	"time"
)

// tokenCacheEntry is one cached count keyed by message ID.
type tokenCacheEntry struct {
	key      string
	count    int
	storedAt int64
}

// TokenCache is a bounded LRU cache with TTL for per-message token
// counts. Counting is cheap but not free, and the same message is
// re-counted on every conversation total; the cache makes those
// lookups O(1).
type TokenCache struct {
	maxSize int
	ttl     int64 // seconds; <= 0 means no expiration

	mu      sync.Mutex
	entries map[string]*list.Element
	lruList *list.List
	stats   CacheStats
}

// CacheStats tracks cache performance counters.
type CacheStats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Evictions   int64   `json:"evictions"`
	Expirations int64   `json:"expirations"`
	Size        int     `json:"size"`
	MaxSize     int     `json:"max_size"`
	HitRate     float64 `json:"hit_rate"`
}

// NewTokenCache creates a cache holding at most maxSize counts, each
// expiring ttl after it was stored.
func NewTokenCache(maxSize int, ttl time.Duration) *TokenCache {
	return &TokenCache{
		maxSize: maxSize,
		ttl:     int64(ttl / time.Second),
		entries: make(map[string]*list.Element),
		lruList: list.New(),
		stats:   CacheStats{MaxSize: maxSize},
	}
}

func (tc *TokenCache) expired(e *tokenCacheEntry) bool {
	if tc.ttl <= 0 {
		return false
	}
	return time.Now().Unix() > e.storedAt+tc.ttl
}

// Get returns the cached count for key.
func (tc *TokenCache) Get(key string) (int, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	element, ok := tc.entries[key]
	if !ok {
		tc.stats.Misses++
		return 0, false
	}

	entry := element.Value.(*tokenCacheEntry)
	if tc.expired(entry) {
		tc.removeElement(element)
		tc.stats.Misses++
		tc.stats.Expirations++
		return 0, false
	}

	tc.lruList.MoveToFront(element)
	tc.stats.Hits++
	return entry.count, true
}

// Set stores a count for key, evicting the least recently used
// entries when over capacity.
func (tc *TokenCache) Set(key string, count int) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if element, ok := tc.entries[key]; ok {
		entry := element.Value.(*tokenCacheEntry)
		entry.count = count
		entry.storedAt = time.Now().Unix()
		tc.lruList.MoveToFront(element)
		return
	}

	element := tc.lruList.PushFront(&tokenCacheEntry{
		key:      key,
		count:    count,
		storedAt: time.Now().Unix(),
	})
	tc.entries[key] = element

	for len(tc.entries) > tc.maxSize {
		if oldest := tc.lruList.Back(); oldest != nil {
			tc.removeElement(oldest)
			tc.stats.Evictions++
		}
	}
}

// Delete removes a single key.
func (tc *TokenCache) Delete(key string) bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	element, ok := tc.entries[key]
	if !ok {
		return false
	}
	tc.removeElement(element)
	return true
}

// Clear drops every entry.
func (tc *TokenCache) Clear() {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	tc.entries = make(map[string]*list.Element)
	tc.lruList = list.New()
}

// Size returns the number of live entries.
func (tc *TokenCache) Size() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.entries)
}

// Stats returns a point-in-time copy of the counters.
func (tc *TokenCache) Stats() CacheStats {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	stats := tc.stats
	stats.Size = len(tc.entries)
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

func (tc *TokenCache) removeElement(element *list.Element) {
	entry := element.Value.(*tokenCacheEntry)
	delete(tc.entries, entry.key)
	tc.lruList.Remove(element)
}
