package context

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// MemoryLevel is the guard's escalation level, derived from usage as
// a fraction of the ceiling.
type MemoryLevel int

const (
	LevelNormal MemoryLevel = iota
	LevelWarning
	LevelCritical
	LevelEmergency
)

func (l MemoryLevel) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// LevelFor classifies a usage fraction against the threshold ladder.
func LevelFor(fraction float64, t Thresholds) MemoryLevel {
	switch {
	case fraction >= t.Critical:
		return LevelEmergency
	case fraction >= t.Hard:
		return LevelCritical
	case fraction >= t.Soft:
		return LevelWarning
	default:
		return LevelNormal
	}
}

var (
	// ErrBusyTimeout reports that a compression cycle held the guard
	// longer than the configured wait.
	ErrBusyTimeout = errors.New("context: compression in progress, wait timed out")

	// ErrCeilingExceeded reports that a request would leave the
	// process above the token ceiling. Dispatch must not proceed.
	ErrCeilingExceeded = errors.New("context: token ceiling exceeded")
)

// Snapshotter is the capability the guard uses to capture a final
// snapshot before an emergency rollover.
type Snapshotter interface {
	Capture(ctx context.Context, conv *Conversation, reason string) (string, error)
}

// Deps carries the collaborators one Evaluate call may touch. The
// guard holds no references between calls; everything arrives as an
// argument.
type Deps struct {
	Counter     *TokenCounter
	Compressor  *Compressor
	Checkpoints *CheckpointManager
	// Snapshots may be nil; the rollover then proceeds without a
	// final snapshot.
	Snapshots Snapshotter
	// Strategy is the default for warning-level passes; empty means
	// hybrid.
	Strategy Strategy
}

func (d Deps) strategy() Strategy {
	if d.Strategy == "" {
		return StrategyHybrid
	}
	return d.Strategy
}

// Decision reports what one Evaluate call observed and did. The
// session maps it onto events.
type Decision struct {
	Level           MemoryLevel
	Compressed      bool
	Result          *CompressionResult
	AgedCheckpoints int
	RolledOver      bool
	SnapshotID      string
	Warnings        []string
}

// GuardConfig tunes the guard.
type GuardConfig struct {
	// WaitTimeout bounds how long a caller waits for an in-flight
	// cycle before giving up with ErrBusyTimeout.
	WaitTimeout time.Duration `json:"wait_timeout"`
	// RolloverRecentUsers is how many of the latest user messages an
	// emergency rollover keeps verbatim.
	RolloverRecentUsers int `json:"rollover_recent_users"`
	// RolloverSummaryTokens bounds the single summary message a
	// rollover leaves behind.
	RolloverSummaryTokens int `json:"rollover_summary_tokens"`
}

// DefaultGuardConfig returns the standard guard tuning.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		WaitTimeout:           30 * time.Second,
		RolloverRecentUsers:   10,
		RolloverSummaryTokens: 400,
	}
}

// Guard is the control loop and pre-send gate over one conversation's
// budget. At most one compression/checkpoint cycle runs at a time;
// everyone else waits cooperatively.
type Guard struct {
	thresholds Thresholds
	cfg        GuardConfig

	mu      sync.Mutex
	busy    bool
	release chan struct{}
}

// NewGuard creates a guard over the given threshold ladder.
func NewGuard(thresholds Thresholds, cfg GuardConfig) *Guard {
	def := DefaultGuardConfig()
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = def.WaitTimeout
	}
	if cfg.RolloverRecentUsers <= 0 {
		cfg.RolloverRecentUsers = def.RolloverRecentUsers
	}
	if cfg.RolloverSummaryTokens <= 0 {
		cfg.RolloverSummaryTokens = def.RolloverSummaryTokens
	}
	return &Guard{thresholds: thresholds, cfg: cfg}
}

// Thresholds returns the ladder the guard classifies against.
func (g *Guard) Thresholds() Thresholds { return g.thresholds }

// Busy reports whether a compression cycle is in flight.
func (g *Guard) Busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.busy
}

// WaitIdle blocks until no cycle is in flight, the wait timeout
// elapses (ErrBusyTimeout), or ctx is done.
func (g *Guard) WaitIdle(ctx context.Context) error {
	timer := time.NewTimer(g.cfg.WaitTimeout)
	defer timer.Stop()

	for {
		g.mu.Lock()
		if !g.busy {
			g.mu.Unlock()
			return nil
		}
		ch := g.release
		g.mu.Unlock()

		select {
		case <-ch:
		case <-timer.C:
			return ErrBusyTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (g *Guard) beginCycle(ctx context.Context) error {
	timer := time.NewTimer(g.cfg.WaitTimeout)
	defer timer.Stop()

	for {
		g.mu.Lock()
		if !g.busy {
			g.busy = true
			g.release = make(chan struct{})
			g.mu.Unlock()
			return nil
		}
		ch := g.release
		g.mu.Unlock()

		select {
		case <-ch:
		case <-timer.C:
			return ErrBusyTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (g *Guard) endCycle() {
	g.mu.Lock()
	g.busy = false
	if g.release != nil {
		close(g.release)
		g.release = nil
	}
	g.mu.Unlock()
}

// availableBudget is the room left for live messages once the system
// prompt and checkpoint overhead are carved out of the ceiling.
func availableBudget(conv *Conversation) int {
	return conv.MaxTokens - conv.SystemTokens() - conv.CheckpointTokens()
}

// overSoftBudget reports whether live messages have crossed the soft
// threshold of the dynamic budget. Triggering on the raw ceiling
// while checkpoints occupy a large slice would re-fire compression
// against history it cannot shrink.
func (g *Guard) overSoftBudget(conv *Conversation) bool {
	budget := availableBudget(conv)
	if budget <= 0 {
		return true
	}
	return float64(conv.LiveTokens()) >= g.thresholds.Soft*float64(budget)
}

// SafeLimit returns the largest token count that can be appended
// without crossing the soft threshold of the dynamic budget.
func (g *Guard) SafeLimit(conv *Conversation) int {
	budget := availableBudget(conv)
	if budget <= 0 {
		return 0
	}
	limit := int(math.Ceil(g.thresholds.Soft*float64(budget))) - 1 - conv.LiveTokens()
	if limit < 0 {
		return 0
	}
	return limit
}

// CanAllocate reports whether appending n tokens stays under the soft
// threshold.
func (g *Guard) CanAllocate(conv *Conversation, n int) bool {
	if n <= 0 {
		return true
	}
	return n <= g.SafeLimit(conv)
}

// Evaluate classifies current usage and performs the level's action:
// nothing at normal, a compression pass at warning, aggressive
// compression at critical, and a rollover at emergency. It is called
// after every message append and synchronously before every dispatch.
// The conversation is mutated in place; the caller owns it.
func (g *Guard) Evaluate(ctx context.Context, conv *Conversation, deps Deps) (Decision, error) {
	level := LevelFor(conv.UsageFraction(), g.thresholds)
	decision := Decision{Level: level}

	if conv.MaxTokens <= 0 || level == LevelNormal {
		return decision, nil
	}

	if level == LevelWarning && !g.overSoftBudget(conv) {
		// Checkpoint overhead, not live history, is carrying the
		// usage; aging will reclaim it on the next pass.
		decision.Warnings = append(decision.Warnings, "usage held by checkpoint overhead")
		return decision, nil
	}

	if err := g.beginCycle(ctx); err != nil {
		return decision, err
	}
	defer g.endCycle()

	switch level {
	case LevelWarning:
		log.Warn("context usage crossed soft threshold",
			"tokens", conv.TokenCount, "ceiling", conv.MaxTokens)
		if err := g.compressCycle(ctx, conv, deps, deps.strategy(), deps.Compressor.PreserveRecent(), &decision); err != nil {
			return decision, err
		}

	case LevelCritical:
		log.Warn("context usage crossed hard threshold, compressing aggressively",
			"tokens", conv.TokenCount, "ceiling", conv.MaxTokens)
		half := deps.Compressor.PreserveRecent() / 2
		if err := g.compressCycle(ctx, conv, deps, StrategyHybrid, half, &decision); err != nil {
			return decision, err
		}
		if LevelFor(conv.UsageFraction(), g.thresholds) >= LevelCritical {
			if err := g.compressCycle(ctx, conv, deps, StrategyTruncate, half, &decision); err != nil {
				return decision, err
			}
		}
		if LevelFor(conv.UsageFraction(), g.thresholds) >= LevelCritical {
			decision.Warnings = append(decision.Warnings, "usage still critical after aggressive compression")
		}

	case LevelEmergency:
		log.Error("context usage crossed critical threshold, rolling over",
			"tokens", conv.TokenCount, "ceiling", conv.MaxTokens)
		g.rollover(ctx, conv, deps, &decision)
	}

	return decision, nil
}

// ForceCompress runs one compression pass with the given strategy
// regardless of the current level. It honors the single-cycle latch
// like any guard-initiated pass.
func (g *Guard) ForceCompress(ctx context.Context, conv *Conversation, deps Deps, strategy Strategy) (Decision, error) {
	decision := Decision{Level: LevelFor(conv.UsageFraction(), g.thresholds)}

	if err := g.beginCycle(ctx); err != nil {
		return decision, err
	}
	defer g.endCycle()

	err := g.compressCycle(ctx, conv, deps, strategy, deps.Compressor.PreserveRecent(), &decision)
	return decision, err
}

func (g *Guard) compressCycle(ctx context.Context, conv *Conversation, deps Deps, strategy Strategy, preserveRecent int, decision *Decision) error {
	result, err := deps.Compressor.CompressToBudget(ctx, conv.Messages, strategy, preserveRecent)
	if err != nil {
		return err
	}

	if cp, ok := deps.Checkpoints.Record(ctx, result); ok {
		// The summary's content now lives in the checkpoint; keeping
		// the message too would count it twice.
		conv.Messages = removeMessage(result.Messages, result.Summary.ID)
		conv.Checkpoints = append(conv.Checkpoints, cp)
	} else {
		conv.Messages = result.Messages
	}

	var aged int
	conv.Checkpoints, aged = deps.Checkpoints.Age(ctx, conv.Checkpoints)
	conv.Recount()

	// A pass that found nothing compressible is not a compression.
	if result.Dropped > 0 || result.Summarized > 0 {
		decision.Compressed = true
		decision.Result = result
	}
	decision.AgedCheckpoints += aged
	return nil
}

// rollover collapses the conversation to the system prompt, the last
// few user messages, and one compact summary, discarding every
// checkpoint. A failed snapshot or summary degrades the result but
// never blocks the rollover.
func (g *Guard) rollover(ctx context.Context, conv *Conversation, deps Deps, decision *Decision) {
	if deps.Snapshots != nil {
		id, err := deps.Snapshots.Capture(ctx, conv, "emergency-rollover")
		if err != nil {
			log.Error("final snapshot before rollover failed", "error", err)
			decision.Warnings = append(decision.Warnings, "final snapshot failed: "+err.Error())
		} else {
			decision.SnapshotID = id
		}
	}

	body := conv.Messages
	if _, ok := conv.SystemPrompt(); ok {
		body = conv.Messages[1:]
	}

	summary, err := deps.Compressor.Summarize(ctx, body, g.cfg.RolloverSummaryTokens)
	if err != nil {
		log.Warn("rollover summarization failed, clipping transcript", "error", err)
		text := clipToTokens(ctx, deps.Counter, renderTranscript(body), g.cfg.RolloverSummaryTokens)
		summary = NewMessage(RoleAssistant, text)
		summary.Metadata = map[string]any{MetaSummary: true}
		summary.TokenCount = deps.Counter.CountCached(ctx, summary.ID, text)
	}

	messages := make([]Message, 0, g.cfg.RolloverRecentUsers+2)
	if sp, ok := conv.SystemPrompt(); ok {
		messages = append(messages, sp)
	}
	messages = append(messages, lastUserMessages(body, g.cfg.RolloverRecentUsers)...)
	messages = append(messages, summary)

	conv.Messages = messages
	conv.Checkpoints = nil
	conv.Recount()

	decision.RolledOver = true
}

func removeMessage(messages []Message, id string) []Message {
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.ID != id {
			out = append(out, m)
		}
	}
	return out
}

func lastUserMessages(messages []Message, n int) []Message {
	var picked []Message
	for i := len(messages) - 1; i >= 0 && len(picked) < n; i-- {
		if messages[i].Role == RoleUser {
			picked = append(picked, messages[i])
		}
	}
	// Collected newest-first; restore chronological order.
	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}
	return picked
}
