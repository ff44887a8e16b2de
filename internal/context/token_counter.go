package context

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// CountFunc is the external counting capability, typically a backend
// tokenizer endpoint. It may fail or be permanently unavailable; the
// counter degrades to its local estimator either way.
type CountFunc func(ctx context.Context, text string) (int, error)

const (
	// charsPerToken is the base rate of the local estimator.
	charsPerToken = 4.0

	// toolCallOverhead is the fixed structural cost a tool message
	// adds on the wire beyond its content.
	toolCallOverhead = 8

	defaultCounterCacheSize = 4096
	defaultCounterCacheTTL  = time.Hour

	// Calibration keeps the multiplier within sane bounds and ignores
	// drift too small to matter.
	minMultiplier       = 0.25
	maxMultiplier       = 4.0
	calibrationWeight   = 0.3
	calibrationDeadband = 0.05
)

// TokenCounter counts tokens per message and per conversation. The
// primary path delegates to a CountFunc; the fallback estimates
// ceil(len(text)/4 * multiplier), rounding exactly once at the end.
// Counts are cached per message ID.
type TokenCounter struct {
	mu         sync.RWMutex
	countFn    CountFunc
	multiplier float64
	cache      *TokenCache
}

// NewTokenCounter creates a counter with the local estimator only.
// Wire a backend tokenizer with SetCountFunc.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{
		multiplier: 1.0,
		cache:      NewTokenCache(defaultCounterCacheSize, defaultCounterCacheTTL),
	}
}

// SetCountFunc installs the external counting capability.
func (tc *TokenCounter) SetCountFunc(fn CountFunc) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.countFn = fn
}

// Multiplier returns the current estimator multiplier.
func (tc *TokenCounter) Multiplier() float64 {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.multiplier
}

// SetModelMultiplier sets the estimator multiplier for the active
// model and clears the cache: counts computed under the old
// multiplier would silently go stale otherwise.
func (tc *TokenCounter) SetModelMultiplier(m float64) {
	if m < minMultiplier {
		m = minMultiplier
	}
	if m > maxMultiplier {
		m = maxMultiplier
	}

	tc.mu.Lock()
	tc.multiplier = m
	tc.mu.Unlock()

	tc.cache.Clear()
}

// Calibrate nudges the multiplier toward the backend's own prompt
// accounting. reported is the backend's token count for a request,
// estimated the local count for the same text. Changes inside the
// deadband are ignored so the cache is not churned for noise.
func (tc *TokenCounter) Calibrate(reported, estimated int) {
	if reported <= 0 || estimated <= 0 {
		return
	}

	tc.mu.RLock()
	current := tc.multiplier
	tc.mu.RUnlock()

	target := current * float64(reported) / float64(estimated)
	smoothed := current + calibrationWeight*(target-current)

	if math.Abs(smoothed-current)/current <= calibrationDeadband {
		return
	}

	log.Debug("calibrating token estimator",
		"reported", reported, "estimated", estimated, "multiplier", smoothed)
	tc.SetModelMultiplier(smoothed)
}

// estimate is the local fallback: ceil(len(text)/4 * multiplier),
// rounded once at the end. No intermediate rounding.
func (tc *TokenCounter) estimate(text string) int {
	if text == "" {
		return 0
	}
	tc.mu.RLock()
	m := tc.multiplier
	tc.mu.RUnlock()
	return int(math.Ceil(float64(len(text)) / charsPerToken * m))
}

// Count returns the token count of text, preferring the external
// capability and degrading to the local estimator on any failure.
func (tc *TokenCounter) Count(ctx context.Context, text string) int {
	if text == "" {
		return 0
	}

	tc.mu.RLock()
	fn := tc.countFn
	tc.mu.RUnlock()

	if fn != nil {
		if n, err := fn(ctx, text); err == nil && n >= 0 {
			return n
		} else if err != nil {
			log.Debug("token count delegate failed, estimating locally", "error", err)
		}
	}
	return tc.estimate(text)
}

// CountCached returns the count for text, cached against id. Fallback
// estimates are cached the same as delegate counts.
func (tc *TokenCounter) CountCached(ctx context.Context, id, text string) int {
	if id == "" {
		return tc.Count(ctx, text)
	}
	if n, ok := tc.cache.Get(id); ok {
		return n
	}
	n := tc.Count(ctx, text)
	tc.cache.Set(id, n)
	return n
}

// CountMessage returns the full cost of one message: its cached
// content count plus the structural overhead of a tool call.
func (tc *TokenCounter) CountMessage(ctx context.Context, msg Message) int {
	n := tc.CountCached(ctx, msg.ID, msg.Content)
	if msg.Role == RoleTool {
		n += toolCallOverhead
	}
	return n
}

// CountConversation sums message costs without recomputing counts
// already carried on the messages.
func (tc *TokenCounter) CountConversation(ctx context.Context, messages []Message) int {
	total := 0
	for _, msg := range messages {
		if msg.TokenCount > 0 {
			total += msg.TokenCount
			continue
		}
		total += tc.CountMessage(ctx, msg)
	}
	return total
}

// ClearCache drops all cached counts.
func (tc *TokenCounter) ClearCache() {
	tc.cache.Clear()
}

// CacheStats exposes the cache counters for the status surface.
func (tc *TokenCounter) CacheStats() CacheStats {
	return tc.cache.Stats()
}
