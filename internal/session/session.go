// Package session owns the live conversation. Every mutation runs
// inside the session's critical section; sibling services receive the
// conversation as an argument and never keep a reference to it.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	ctxmgr "github.com/Tecet/ollm-cli/internal/context"
	"github.com/Tecet/ollm-cli/internal/events"
	"github.com/Tecet/ollm-cli/internal/llm"
	"github.com/Tecet/ollm-cli/internal/snapshot"
	"github.com/Tecet/ollm-cli/internal/storage"
)

// SessionStore is the persistence surface for session rows.
// *storage.Store satisfies it.
type SessionStore interface {
	SaveSession(ctx context.Context, rec *storage.SessionRecord) error
}

// Deps carries every capability a session uses, assembled once at
// wiring time. Capabilities are passed in, never discovered.
type Deps struct {
	Pool        *ctxmgr.Pool
	Counter     *ctxmgr.TokenCounter
	Compressor  *ctxmgr.Compressor
	Checkpoints *ctxmgr.CheckpointManager
	Guard       *ctxmgr.Guard

	// Snapshots, Events, Store, Completer, and Streamer are optional;
	// the operations that need a missing one return an error or skip.
	Snapshots *snapshot.Manager
	Events    *events.Manager
	Store     SessionStore
	Completer llm.Completer
	Streamer  llm.Streamer
}

func (d Deps) validate() error {
	switch {
	case d.Pool == nil:
		return errors.New("session: pool is required")
	case d.Counter == nil:
		return errors.New("session: token counter is required")
	case d.Compressor == nil:
		return errors.New("session: compressor is required")
	case d.Checkpoints == nil:
		return errors.New("session: checkpoint manager is required")
	case d.Guard == nil:
		return errors.New("session: guard is required")
	}
	return nil
}

// Config describes one session.
type Config struct {
	// SessionID is generated when empty.
	SessionID    string
	Model        string
	SystemPrompt string
	// Strategy is the default compression strategy; empty means
	// hybrid.
	Strategy ctxmgr.Strategy
}

// Report is a point-in-time view of the session for status surfaces.
type Report struct {
	SessionID   string       `json:"session_id"`
	Model       string       `json:"model"`
	Usage       ctxmgr.Usage `json:"usage"`
	Level       string       `json:"level"`
	Messages    int          `json:"messages"`
	Checkpoints int          `json:"checkpoints"`
	SafeLimit   int          `json:"safe_limit"`
	Pending     int          `json:"pending"`
}

// Session serializes all conversation mutation behind one mutex.
// Background work reports back through the session, which applies it
// in turn.
type Session struct {
	id       string
	model    string
	strategy ctxmgr.Strategy
	deps     Deps

	mu        sync.Mutex
	conv      *ctxmgr.Conversation
	createdAt time.Time
	started   bool
	draining  bool

	pendingMu sync.Mutex
	pending   []ctxmgr.Message
}

// New builds a session around a fresh conversation sized by the pool's
// ceiling.
func New(cfg Config, deps Deps) (*Session, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}

	id := cfg.SessionID
	if id == "" {
		id = newSessionID()
	}

	sys := ctxmgr.NewMessage(ctxmgr.RoleSystem, cfg.SystemPrompt)
	sys.TokenCount = deps.Counter.CountMessage(context.Background(), sys)

	conv := ctxmgr.NewConversation(id, sys)
	conv.MaxTokens = deps.Pool.Ceiling()
	deps.Pool.SetCurrentTokens(conv.TokenCount)

	return &Session{
		id:        id,
		model:     cfg.Model,
		strategy:  cfg.Strategy,
		deps:      deps,
		conv:      conv,
		createdAt: time.Now(),
	}, nil
}

func newSessionID() string {
	return fmt.Sprintf("sess_%d_%s", time.Now().Unix(), uuid.NewString()[:8])
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Model returns the backend model the session talks to.
func (s *Session) Model() string { return s.model }

// Start announces the session, saves its row, and arms the snapshot
// auto-capture trigger.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("session: already started")
	}
	s.started = true

	if s.deps.Snapshots != nil {
		s.deps.Snapshots.RegisterAutoCapture(func(reason string) {
			// Runs inside the critical section of whichever operation
			// observed the crossing; the conversation is stable here.
			cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := s.deps.Snapshots.Capture(cctx, s.conv, reason); err != nil {
				log.Warn("auto snapshot failed", "reason", reason, "error", err)
			}
		})
	}

	if err := s.persistLocked(ctx); err != nil {
		log.Warn("session row save failed", "error", err)
	}

	if s.deps.Events != nil {
		s.deps.Events.PublishSession(events.SessionStarted, events.SessionPayload{
			SessionID: s.id,
			Model:     s.model,
			MaxTokens: s.conv.MaxTokens,
		}, events.WithSessionID(s.id))
	}

	log.Info("session started", "session", s.id, "model", s.model, "ceiling", s.conv.MaxTokens)
	return nil
}

// Stop persists the final state, checkpoint list included, and
// announces the end. Stopping an unstarted session is a no-op.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.started = false

	err := s.persistLocked(ctx)
	if err != nil {
		log.Warn("session state save on stop failed", "error", err)
	}

	if s.deps.Events != nil {
		s.deps.Events.PublishSession(events.SessionEnded, events.SessionPayload{
			SessionID: s.id,
			Model:     s.model,
			Message:   "session stopped",
		}, events.WithSessionID(s.id))
	}

	return err
}

// AddMessage appends a turn, updates usage, and runs the guard. When a
// compression cycle holds the guard past the bounded wait, the message
// is queued instead and the returned error wraps ErrBusyTimeout with
// the queue position; queued messages are applied through the same
// gate as soon as the cycle ends.
func (s *Session) AddMessage(ctx context.Context, role ctxmgr.Role, content string) (ctxmgr.Message, error) {
	msg := ctxmgr.NewMessage(role, content)
	msg.TokenCount = s.deps.Counter.CountMessage(ctx, msg)

	if err := s.deps.Guard.WaitIdle(ctx); err != nil {
		if errors.Is(err, ctxmgr.ErrBusyTimeout) {
			pos := s.enqueue(msg)
			return msg, fmt.Errorf("message queued at position %d: %w", pos, ctxmgr.ErrBusyTimeout)
		}
		return ctxmgr.Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.applyLocked(msg)
	return msg, s.evaluateLocked(ctx)
}

// Usage reports current occupancy, level, and queue depth.
func (s *Session) Usage() Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	usage := s.deps.Pool.GetUsage()
	return Report{
		SessionID:   s.id,
		Model:       s.model,
		Usage:       usage,
		Level:       ctxmgr.LevelFor(usage.Percentage, s.deps.Guard.Thresholds()).String(),
		Messages:    len(s.conv.Messages),
		Checkpoints: len(s.conv.Checkpoints),
		SafeLimit:   s.deps.Guard.SafeLimit(s.conv),
		Pending:     s.pendingLen(),
	}
}

// Compress runs one manual compression pass with the given strategy;
// empty means the session default.
func (s *Session) Compress(ctx context.Context, strategy ctxmgr.Strategy) (ctxmgr.Decision, error) {
	if strategy == "" {
		strategy = s.effectiveStrategy()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cpBefore := len(s.conv.Checkpoints)
	s.publishGate(true, "manual-compression")
	decision, err := s.deps.Guard.ForceCompress(ctx, s.conv, s.guardDeps(), strategy)
	s.publishGate(false, "manual-compression")

	s.syncUsageLocked()
	s.publishDecision(decision, cpBefore)
	if err != nil {
		return decision, err
	}

	s.drainPendingLocked(ctx)
	return decision, nil
}

// ValidateAndDispatch runs the pre-send gate and, only on success,
// sends the conversation to the backend and appends the reply. No
// request leaves the process above the ceiling.
func (s *Session) ValidateAndDispatch(ctx context.Context) (llm.CompletionResponse, error) {
	if s.deps.Completer == nil {
		return llm.CompletionResponse{}, errors.New("session: no completion backend configured")
	}

	if err := s.deps.Guard.WaitIdle(ctx); err != nil {
		return llm.CompletionResponse{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.gateLocked(ctx); err != nil {
		return llm.CompletionResponse{}, err
	}

	outbound := s.renderOutboundLocked()
	promptEstimate := s.conv.TokenCount

	resp, err := s.deps.Completer.Complete(ctx, llm.CompletionRequest{Messages: outbound})
	if err != nil {
		return llm.CompletionResponse{}, fmt.Errorf("dispatch: %w", err)
	}

	s.absorbReplyLocked(ctx, resp, promptEstimate)
	return resp, nil
}

// DispatchStream runs the same gate as ValidateAndDispatch, then
// streams the reply. onChunk runs once per received chunk; the
// accumulated reply is appended exactly like the non-streaming path.
// Without a streaming backend it degrades to one synthetic chunk.
func (s *Session) DispatchStream(ctx context.Context, onChunk func(llm.StreamChunk)) (llm.CompletionResponse, error) {
	if s.deps.Streamer == nil {
		resp, err := s.ValidateAndDispatch(ctx)
		if err == nil && onChunk != nil {
			onChunk(llm.StreamChunk{
				Content:          resp.Content,
				Done:             true,
				PromptTokens:     resp.PromptTokens,
				CompletionTokens: resp.CompletionTokens,
			})
		}
		return resp, err
	}

	if err := s.deps.Guard.WaitIdle(ctx); err != nil {
		return llm.CompletionResponse{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.gateLocked(ctx); err != nil {
		return llm.CompletionResponse{}, err
	}

	outbound := s.renderOutboundLocked()
	promptEstimate := s.conv.TokenCount

	ch, err := s.deps.Streamer.Stream(ctx, llm.CompletionRequest{Messages: outbound})
	if err != nil {
		return llm.CompletionResponse{}, fmt.Errorf("dispatch: %w", err)
	}

	var resp llm.CompletionResponse
	var content strings.Builder
	for chunk := range ch {
		if chunk.Err != nil {
			return llm.CompletionResponse{}, fmt.Errorf("stream: %w", chunk.Err)
		}
		content.WriteString(chunk.Content)
		if chunk.Done {
			resp.PromptTokens = chunk.PromptTokens
			resp.CompletionTokens = chunk.CompletionTokens
		}
		if onChunk != nil {
			onChunk(chunk)
		}
	}
	resp.Content = content.String()

	s.absorbReplyLocked(ctx, resp, promptEstimate)
	return resp, nil
}

// CreateSnapshot captures the current conversation.
func (s *Session) CreateSnapshot(ctx context.Context) (ctxmgr.Snapshot, error) {
	if s.deps.Snapshots == nil {
		return ctxmgr.Snapshot{}, errors.New("session: snapshots not configured")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deps.Snapshots.Create(ctx, s.conv)
}

// RestoreSnapshot replaces the live conversation with a stored copy.
// The session keeps its own ceiling, and the restored state is
// re-evaluated against it immediately.
func (s *Session) RestoreSnapshot(ctx context.Context, id string) error {
	if s.deps.Snapshots == nil {
		return errors.New("session: snapshots not configured")
	}

	snap, err := s.deps.Snapshots.Restore(ctx, id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.conv.Messages = snap.Messages
	s.conv.Checkpoints = snap.Checkpoints
	s.conv.Recount()
	s.syncUsageLocked()
	return s.evaluateLocked(ctx)
}

// ListSnapshots lists this session's snapshots, newest first.
func (s *Session) ListSnapshots(ctx context.Context) ([]ctxmgr.SnapshotMeta, error) {
	if s.deps.Snapshots == nil {
		return nil, errors.New("session: snapshots not configured")
	}
	return s.deps.Snapshots.List(ctx, s.id)
}

// Clear resets the conversation to just the system prompt, after
// serializing the outgoing state into the session row.
func (s *Session) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.persistLocked(ctx); err != nil {
		log.Warn("session state save before clear failed", "error", err)
	}

	sp, _ := s.conv.SystemPrompt()
	ceiling := s.conv.MaxTokens
	s.conv = ctxmgr.NewConversation(s.id, sp)
	s.conv.MaxTokens = ceiling
	s.syncUsageLocked()

	if s.deps.Events != nil {
		s.deps.Events.PublishSession(events.ContextCleared, events.SessionPayload{
			SessionID: s.id,
			Model:     s.model,
			MaxTokens: ceiling,
			Message:   "context cleared",
		}, events.WithSessionID(s.id))
	}

	log.Info("context cleared", "session", s.id, "tokens", s.conv.TokenCount)
	return nil
}

// applyLocked appends a counted message and syncs usage surfaces.
func (s *Session) applyLocked(msg ctxmgr.Message) {
	s.conv.Append(msg)
	s.syncUsageLocked()
}

// syncUsageLocked pushes the running total to the pool, feeds the
// snapshot auto-capture trigger, and publishes the usage event.
func (s *Session) syncUsageLocked() {
	s.deps.Pool.SetCurrentTokens(s.conv.TokenCount)
	if s.deps.Snapshots != nil {
		s.deps.Snapshots.ObserveUsage(s.conv.UsageFraction())
	}
	s.publishUsage()
}

// evaluateLocked runs the guard over the current state, maps the
// decision onto events, and applies any turns queued while a cycle
// held the gate.
func (s *Session) evaluateLocked(ctx context.Context) error {
	level := ctxmgr.LevelFor(s.conv.UsageFraction(), s.deps.Guard.Thresholds())
	blocked := level > ctxmgr.LevelNormal
	if blocked {
		s.publishGate(true, level.String())
		if level < ctxmgr.LevelEmergency && s.deps.Events != nil {
			s.deps.Events.PublishCompression(events.CompressionStarted, events.CompressionPayload{
				SessionID: s.id,
				Strategy:  string(s.effectiveStrategy()),
			}, events.WithSessionID(s.id))
		}
	}

	cpBefore := len(s.conv.Checkpoints)
	decision, err := s.deps.Guard.Evaluate(ctx, s.conv, s.guardDeps())

	if blocked {
		s.publishGate(false, level.String())
	}

	s.syncUsageLocked()
	s.publishDecision(decision, cpBefore)
	if err != nil {
		return err
	}

	s.drainPendingLocked(ctx)
	return nil
}

// gateLocked is the synchronous pre-send check: classify and act, and
// when the first pass leaves the total above the ceiling give the
// escalated level one more chance before refusing.
func (s *Session) gateLocked(ctx context.Context) error {
	if err := s.evaluateLocked(ctx); err != nil {
		return err
	}
	if s.conv.MaxTokens > 0 && s.conv.TokenCount > s.conv.MaxTokens {
		if err := s.evaluateLocked(ctx); err != nil {
			return err
		}
	}
	if s.conv.MaxTokens > 0 && s.conv.TokenCount > s.conv.MaxTokens {
		return fmt.Errorf("%d tokens against ceiling %d: %w",
			s.conv.TokenCount, s.conv.MaxTokens, ctxmgr.ErrCeilingExceeded)
	}
	return nil
}

// absorbReplyLocked calibrates the counter against backend-reported
// usage, appends the reply, and re-evaluates.
func (s *Session) absorbReplyLocked(ctx context.Context, resp llm.CompletionResponse, promptEstimate int) {
	if resp.PromptTokens > 0 {
		s.deps.Counter.Calibrate(resp.PromptTokens, promptEstimate)
	}

	reply := ctxmgr.NewMessage(ctxmgr.RoleAssistant, resp.Content)
	if resp.CompletionTokens > 0 {
		reply.TokenCount = resp.CompletionTokens
	} else {
		reply.TokenCount = s.deps.Counter.CountMessage(ctx, reply)
	}
	s.applyLocked(reply)

	if err := s.evaluateLocked(ctx); err != nil {
		log.Warn("post-reply evaluation failed", "error", err)
	}
}

// renderOutboundLocked flattens the conversation for the wire: the
// system prompt, one memory digest covering the checkpoints, then the
// live turns in order.
func (s *Session) renderOutboundLocked() []llm.ChatMessage {
	out := make([]llm.ChatMessage, 0, len(s.conv.Messages)+1)

	msgs := s.conv.Messages
	if sp, ok := s.conv.SystemPrompt(); ok {
		out = append(out, llm.ChatMessage{Role: llm.RoleSystem, Content: sp.Content})
		msgs = msgs[1:]
	}
	if digest := s.checkpointDigestLocked(); digest != "" {
		out = append(out, llm.ChatMessage{Role: llm.RoleSystem, Content: digest})
	}
	for _, m := range msgs {
		out = append(out, llm.ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func (s *Session) checkpointDigestLocked() string {
	if len(s.conv.Checkpoints) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Earlier conversation, compressed:")
	for _, cp := range s.conv.Checkpoints {
		b.WriteString("\n- ")
		b.WriteString(cp.SummaryText)
	}
	return b.String()
}

// drainPendingLocked applies messages parked during a busy cycle, each
// through the full append-and-evaluate path.
func (s *Session) drainPendingLocked(ctx context.Context) {
	if s.draining {
		return
	}
	s.draining = true
	defer func() { s.draining = false }()

	for {
		msg, ok := s.dequeue()
		if !ok {
			return
		}
		log.Info("applying queued message", "id", msg.ID, "role", msg.Role)
		s.applyLocked(msg)
		if err := s.evaluateLocked(ctx); err != nil {
			log.Warn("queued message evaluation failed", "id", msg.ID, "error", err)
		}
	}
}

func (s *Session) guardDeps() ctxmgr.Deps {
	deps := ctxmgr.Deps{
		Counter:     s.deps.Counter,
		Compressor:  s.deps.Compressor,
		Checkpoints: s.deps.Checkpoints,
		Strategy:    s.strategy,
	}
	if s.deps.Snapshots != nil {
		deps.Snapshots = s.deps.Snapshots
	}
	return deps
}

func (s *Session) effectiveStrategy() ctxmgr.Strategy {
	if s.strategy == "" {
		return ctxmgr.StrategyHybrid
	}
	return s.strategy
}

// persistLocked serializes the conversation, checkpoints included,
// into the session row. A nil store makes it a no-op.
func (s *Session) persistLocked(ctx context.Context) error {
	if s.deps.Store == nil {
		return nil
	}

	state, err := json.Marshal(s.conv)
	if err != nil {
		return fmt.Errorf("serialize session state: %w", err)
	}

	return s.deps.Store.SaveSession(ctx, &storage.SessionRecord{
		ID:           s.id,
		Model:        s.model,
		MaxTokens:    s.conv.MaxTokens,
		TokenCount:   s.conv.TokenCount,
		MessageCount: len(s.conv.Messages),
		CreatedAt:    s.createdAt,
		UpdatedAt:    time.Now(),
		State:        state,
	})
}

func (s *Session) publishUsage() {
	if s.deps.Events == nil {
		return
	}

	usage := s.deps.Pool.GetUsage()
	s.deps.Events.PublishUsage(events.UsageUpdated, events.UsagePayload{
		SessionID:     s.id,
		CurrentTokens: usage.Current,
		MaxTokens:     usage.Max,
		Percentage:    usage.Percentage,
		Level:         ctxmgr.LevelFor(usage.Percentage, s.deps.Guard.Thresholds()).String(),
	}, events.WithSessionID(s.id))
}

func (s *Session) publishGate(blocked bool, reason string) {
	if s.deps.Events == nil {
		return
	}

	typ := events.InputUnblocked
	if blocked {
		typ = events.InputBlocked
	}
	s.deps.Events.PublishGate(typ, events.GatePayload{
		SessionID: s.id,
		Blocked:   blocked,
		Reason:    reason,
	}, events.WithSessionID(s.id))
}

// publishDecision maps one guard decision onto the event stream.
func (s *Session) publishDecision(d ctxmgr.Decision, checkpointsBefore int) {
	if s.deps.Events == nil {
		return
	}

	var memType events.EventType
	switch d.Level {
	case ctxmgr.LevelWarning:
		memType = events.MemoryWarning
	case ctxmgr.LevelCritical:
		memType = events.MemoryCritical
	case ctxmgr.LevelEmergency:
		memType = events.MemoryEmergency
	}
	if memType != "" {
		s.deps.Events.PublishMemory(memType, events.MemoryPayload{
			SessionID:     s.id,
			Level:         d.Level.String(),
			CurrentTokens: s.conv.TokenCount,
			MaxTokens:     s.conv.MaxTokens,
			Fraction:      s.conv.UsageFraction(),
			Message:       strings.Join(d.Warnings, "; "),
		}, events.WithSessionID(s.id))
	}

	if d.Compressed && d.Result != nil {
		s.deps.Events.PublishCompression(events.CompressionCompleted, events.CompressionPayload{
			SessionID:        s.id,
			Strategy:         string(d.Result.Strategy),
			OriginalTokens:   d.Result.OriginalTokens,
			CompressedTokens: d.Result.CompressedTokens,
			Ratio:            d.Result.CompressionRatio,
			Dropped:          d.Result.Dropped,
			Summarized:       d.Result.Summarized,
		}, events.WithSessionID(s.id))
	}

	if n := len(s.conv.Checkpoints); n > checkpointsBefore {
		cp := s.conv.Checkpoints[n-1]
		s.deps.Events.PublishCheckpoint(events.CheckpointCreated, events.CheckpointPayload{
			SessionID:    s.id,
			CheckpointID: cp.ID,
			Level:        cp.Level.String(),
			TokenCount:   cp.TokenCount,
		}, events.WithSessionID(s.id))
	}
	if d.AgedCheckpoints > 0 {
		s.deps.Events.PublishCheckpoint(events.CheckpointAged, events.CheckpointPayload{
			SessionID: s.id,
			Aged:      d.AgedCheckpoints,
		}, events.WithSessionID(s.id))
	}

	if d.RolledOver {
		msg := "context rolled over"
		if d.SnapshotID != "" {
			msg += ", snapshot " + d.SnapshotID
		}
		s.deps.Events.PublishSession(events.SessionRolledOver, events.SessionPayload{
			SessionID: s.id,
			Model:     s.model,
			MaxTokens: s.conv.MaxTokens,
			Message:   msg,
		}, events.WithSessionID(s.id))
	}
}

func (s *Session) enqueue(msg ctxmgr.Message) int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	s.pending = append(s.pending, msg)
	return len(s.pending)
}

func (s *Session) dequeue() (ctxmgr.Message, bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	if len(s.pending) == 0 {
		return ctxmgr.Message{}, false
	}
	msg := s.pending[0]
	s.pending = s.pending[1:]
	return msg, true
}

func (s *Session) pendingLen() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}
