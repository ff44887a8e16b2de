package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ctxmgr "github.com/Tecet/ollm-cli/internal/context"
	"github.com/Tecet/ollm-cli/internal/events"
	"github.com/Tecet/ollm-cli/internal/llm"
	"github.com/Tecet/ollm-cli/internal/monitor"
	"github.com/Tecet/ollm-cli/internal/snapshot"
	"github.com/Tecet/ollm-cli/internal/storage"
)

const testModel = "llama3.2:3b"

// sysPrompt counts to exactly 2 tokens with the local estimator.
var sysPrompt = strings.Repeat("s", 8)

// chars returns text counting to exactly n tokens with the local
// estimator.
func chars(n int) string {
	return strings.Repeat("x", 4*n)
}

type scriptedCompleter struct {
	mu   sync.Mutex
	resp llm.CompletionResponse
	err  error

	calls int
	reqs  []llm.CompletionRequest
}

func (c *scriptedCompleter) Complete(_ context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.reqs = append(c.reqs, req)
	return c.resp, c.err
}

func (c *scriptedCompleter) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *scriptedCompleter) lastRequest() llm.CompletionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reqs[len(c.reqs)-1]
}

// blockingCompleter parks every Complete call until release is closed.
type blockingCompleter struct {
	release chan struct{}
	resp    llm.CompletionResponse
}

func (c *blockingCompleter) Complete(ctx context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
	select {
	case <-c.release:
		return c.resp, nil
	case <-ctx.Done():
		return llm.CompletionResponse{}, ctx.Err()
	}
}

type scriptedStreamer struct {
	chunks []llm.StreamChunk
}

func (s *scriptedStreamer) Stream(_ context.Context, _ llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk, len(s.chunks))
	for _, chunk := range s.chunks {
		ch <- chunk
	}
	close(ch)
	return ch, nil
}

type recordingStore struct {
	mu   sync.Mutex
	recs []*storage.SessionRecord
}

func (r *recordingStore) SaveSession(_ context.Context, rec *storage.SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func (r *recordingStore) records() []*storage.SessionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*storage.SessionRecord(nil), r.recs...)
}

// testDeps builds the required services around a fixed ceiling. The
// summarizer feeds the compressor and checkpoint manager; nil degrades
// both to their mechanical fallbacks.
func testDeps(t *testing.T, ceiling, preserveRecent int, wait time.Duration, summarizer llm.Completer) Deps {
	t.Helper()

	counter := ctxmgr.NewTokenCounter()
	pool := ctxmgr.NewPool(monitor.MemoryInfo{}, ctxmgr.ModelInfo{Name: testModel}, ctxmgr.PoolConfig{
		MinSize:    10,
		MaxSize:    1 << 20,
		TargetSize: ceiling,
		AutoSize:   false,
	})
	compressor := ctxmgr.NewCompressor(counter, summarizer, ctxmgr.CompressorConfig{
		PreserveRecent:   preserveRecent,
		SummaryMaxTokens: 64,
		SummaryTimeout:   time.Second,
	})

	return Deps{
		Pool:        pool,
		Counter:     counter,
		Compressor:  compressor,
		Checkpoints: ctxmgr.NewCheckpointManager(counter, summarizer, ctxmgr.CheckpointConfig{}),
		Guard: ctxmgr.NewGuard(ctxmgr.DefaultThresholds(), ctxmgr.GuardConfig{
			WaitTimeout:           wait,
			RolloverSummaryTokens: 20,
		}),
	}
}

func newTestSession(t *testing.T, deps Deps) *Session {
	t.Helper()
	s, err := New(Config{SessionID: "sess-test", Model: testModel, SystemPrompt: sysPrompt}, deps)
	require.NoError(t, err)
	return s
}

// drained returns every event already buffered on ch. Publishing is
// synchronous, so events from a completed call are always present.
func drained[T any](ch <-chan events.Event[T]) []events.Event[T] {
	var out []events.Event[T]
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestNewRequiresCoreServices(t *testing.T) {
	deps := testDeps(t, 1000, 8, time.Second, nil)
	deps.Guard = nil

	_, err := New(Config{Model: testModel}, deps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "guard")
}

func TestNewSeedsConversation(t *testing.T) {
	s := newTestSession(t, testDeps(t, 1000, 8, time.Second, nil))

	rep := s.Usage()
	assert.Equal(t, "sess-test", rep.SessionID)
	assert.Equal(t, testModel, rep.Model)
	assert.Equal(t, 1, rep.Messages)
	assert.Equal(t, 2, rep.Usage.Current)
	assert.Equal(t, 1000, rep.Usage.Max)
	assert.Equal(t, "normal", rep.Level)
	assert.Positive(t, rep.SafeLimit)
	assert.Zero(t, rep.Pending)
}

func TestNewGeneratesSessionID(t *testing.T) {
	s, err := New(Config{Model: testModel}, testDeps(t, 1000, 8, time.Second, nil))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(s.ID(), "sess_"), "got %q", s.ID())
}

func TestAddMessageCountsAndPublishesUsage(t *testing.T) {
	deps := testDeps(t, 1000, 8, time.Second, nil)
	evm := events.NewManager()
	t.Cleanup(evm.Shutdown)
	deps.Events = evm
	s := newTestSession(t, deps)

	usageCh := evm.SubscribeUsage(context.Background())

	msg, err := s.AddMessage(context.Background(), ctxmgr.RoleUser, chars(20))
	require.NoError(t, err)
	assert.Equal(t, 20, msg.TokenCount)

	rep := s.Usage()
	assert.Equal(t, 2, rep.Messages)
	assert.Equal(t, 22, rep.Usage.Current)

	got := drained(usageCh)
	require.NotEmpty(t, got)
	last := got[len(got)-1]
	assert.Equal(t, events.UsageUpdated, last.Type)
	assert.Equal(t, "sess-test", last.Payload.SessionID)
	assert.Equal(t, 22, last.Payload.CurrentTokens)
	assert.Equal(t, 1000, last.Payload.MaxTokens)
	assert.Equal(t, "normal", last.Payload.Level)
}

func TestWarningLevelCompressesAndCheckpoints(t *testing.T) {
	summarizer := &scriptedCompleter{resp: llm.CompletionResponse{Content: chars(7)}}
	deps := testDeps(t, 100, 8, time.Second, summarizer)
	evm := events.NewManager()
	t.Cleanup(evm.Shutdown)
	deps.Events = evm
	s := newTestSession(t, deps)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.AddMessage(ctx, ctxmgr.RoleUser, chars(20))
		require.NoError(t, err)
	}

	memCh := evm.SubscribeMemory(ctx)
	compCh := evm.SubscribeCompression(ctx)
	cpCh := evm.SubscribeCheckpoint(ctx)
	gateCh := evm.SubscribeGate(ctx)

	// 2 + 4*20 = 82 of 100 crosses the soft threshold.
	_, err := s.AddMessage(ctx, ctxmgr.RoleUser, chars(20))
	require.NoError(t, err)

	rep := s.Usage()
	assert.Equal(t, 1, rep.Checkpoints)
	assert.Equal(t, 2, rep.Messages, "system prompt plus preserved tail")
	assert.Less(t, rep.Usage.Current, 82)

	mem := drained(memCh)
	require.Len(t, mem, 1)
	assert.Equal(t, events.MemoryWarning, mem[0].Type)
	assert.Equal(t, "warning", mem[0].Payload.Level)

	comp := drained(compCh)
	require.Len(t, comp, 2)
	assert.Equal(t, events.CompressionStarted, comp[0].Type)
	assert.Equal(t, events.CompressionCompleted, comp[1].Type)
	assert.Equal(t, "hybrid", comp[1].Payload.Strategy)
	assert.Equal(t, 1, comp[1].Payload.Dropped)
	assert.Equal(t, 2, comp[1].Payload.Summarized)
	assert.Less(t, comp[1].Payload.Ratio, 1.0)

	cps := drained(cpCh)
	require.Len(t, cps, 1)
	assert.Equal(t, events.CheckpointCreated, cps[0].Type)
	assert.Equal(t, "fresh", cps[0].Payload.Level)
	assert.Equal(t, 7, cps[0].Payload.TokenCount)

	gates := drained(gateCh)
	require.Len(t, gates, 2)
	assert.True(t, gates[0].Payload.Blocked)
	assert.Equal(t, "warning", gates[0].Payload.Reason)
	assert.False(t, gates[1].Payload.Blocked)
}

func TestAddMessageQueuesWhileGuardBusy(t *testing.T) {
	blocker := &blockingCompleter{
		release: make(chan struct{}),
		resp:    llm.CompletionResponse{Content: chars(7)},
	}
	deps := testDeps(t, 1000, 8, 30*time.Millisecond, blocker)
	s := newTestSession(t, deps)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := s.AddMessage(ctx, ctxmgr.RoleUser, chars(20))
		require.NoError(t, err)
	}

	compressDone := make(chan error, 1)
	go func() {
		_, err := s.Compress(ctx, ctxmgr.StrategySummarize)
		compressDone <- err
	}()

	require.Eventually(t, deps.Guard.Busy, 2*time.Second, time.Millisecond,
		"compression cycle should be holding the guard")

	msg, err := s.AddMessage(ctx, ctxmgr.RoleUser, chars(10))
	require.ErrorIs(t, err, ctxmgr.ErrBusyTimeout)
	assert.Contains(t, err.Error(), "position 1")
	assert.Equal(t, 10, msg.TokenCount)

	close(blocker.release)
	require.NoError(t, <-compressDone)

	// The cycle drains the queue before releasing the session.
	rep := s.Usage()
	assert.Zero(t, rep.Pending)
	assert.Equal(t, 3, rep.Messages, "system prompt, preserved tail, queued message")
	assert.Equal(t, 1, rep.Checkpoints)
}

func TestManualCompressTruncates(t *testing.T) {
	deps := testDeps(t, 1000, 8, time.Second, nil)
	evm := events.NewManager()
	t.Cleanup(evm.Shutdown)
	deps.Events = evm
	s := newTestSession(t, deps)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := s.AddMessage(ctx, ctxmgr.RoleUser, chars(20))
		require.NoError(t, err)
	}

	gateCh := evm.SubscribeGate(ctx)
	compCh := evm.SubscribeCompression(ctx)

	decision, err := s.Compress(ctx, ctxmgr.StrategyTruncate)
	require.NoError(t, err)
	assert.True(t, decision.Compressed)
	require.NotNil(t, decision.Result)
	assert.Equal(t, ctxmgr.StrategyTruncate, decision.Result.Strategy)
	assert.Equal(t, 3, decision.Result.Dropped)

	rep := s.Usage()
	assert.Equal(t, 2, rep.Messages)
	assert.Zero(t, rep.Checkpoints, "pure truncation records no checkpoint")
	assert.Equal(t, 22, rep.Usage.Current)

	gates := drained(gateCh)
	require.Len(t, gates, 2)
	assert.Equal(t, "manual-compression", gates[0].Payload.Reason)

	comp := drained(compCh)
	require.Len(t, comp, 1)
	assert.Equal(t, events.CompressionCompleted, comp[0].Type)
	assert.Equal(t, "truncate", comp[0].Payload.Strategy)
}

func TestDispatchSendsSystemPromptAndTurns(t *testing.T) {
	backend := &scriptedCompleter{resp: llm.CompletionResponse{
		Content:          chars(25),
		CompletionTokens: 25,
	}}
	deps := testDeps(t, 1000, 2048, time.Second, nil)
	deps.Completer = backend
	s := newTestSession(t, deps)

	ctx := context.Background()
	_, err := s.AddMessage(ctx, ctxmgr.RoleUser, chars(20))
	require.NoError(t, err)

	resp, err := s.ValidateAndDispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, chars(25), resp.Content)
	require.Equal(t, 1, backend.callCount())

	req := backend.lastRequest()
	require.Len(t, req.Messages, 2)
	assert.Equal(t, llm.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, sysPrompt, req.Messages[0].Content)
	assert.Equal(t, llm.RoleUser, req.Messages[1].Role)

	rep := s.Usage()
	assert.Equal(t, 3, rep.Messages)
	assert.Equal(t, 47, rep.Usage.Current, "reply carries the backend's token count")
}

func TestDispatchRendersCheckpointDigest(t *testing.T) {
	summarizer := &scriptedCompleter{resp: llm.CompletionResponse{Content: chars(7)}}
	backend := &scriptedCompleter{resp: llm.CompletionResponse{Content: "ok", CompletionTokens: 1}}
	deps := testDeps(t, 1000, 8, time.Second, summarizer)
	deps.Completer = backend
	s := newTestSession(t, deps)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := s.AddMessage(ctx, ctxmgr.RoleUser, chars(20))
		require.NoError(t, err)
	}

	_, err := s.Compress(ctx, ctxmgr.StrategySummarize)
	require.NoError(t, err)
	require.Equal(t, 1, s.Usage().Checkpoints)

	_, err = s.ValidateAndDispatch(ctx)
	require.NoError(t, err)

	req := backend.lastRequest()
	require.GreaterOrEqual(t, len(req.Messages), 3)
	assert.Equal(t, llm.RoleSystem, req.Messages[1].Role)
	assert.Contains(t, req.Messages[1].Content, "Earlier conversation, compressed:")
	assert.Contains(t, req.Messages[1].Content, chars(7))
}

func TestDispatchCalibratesCounter(t *testing.T) {
	// Prompt estimate at dispatch is 22; reporting 44 pulls the
	// multiplier toward 2.0, smoothed to 1.3.
	backend := &scriptedCompleter{resp: llm.CompletionResponse{
		Content:          "fine",
		PromptTokens:     44,
		CompletionTokens: 3,
	}}
	deps := testDeps(t, 1000, 2048, time.Second, nil)
	deps.Completer = backend
	s := newTestSession(t, deps)

	ctx := context.Background()
	_, err := s.AddMessage(ctx, ctxmgr.RoleUser, chars(20))
	require.NoError(t, err)

	_, err = s.ValidateAndDispatch(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1.3, deps.Counter.Multiplier(), 0.001)
}

func TestDispatchRefusesAboveCeiling(t *testing.T) {
	backend := &scriptedCompleter{resp: llm.CompletionResponse{Content: "never sent"}}
	deps := testDeps(t, 50, 2048, time.Second, nil)
	evm := events.NewManager()
	t.Cleanup(evm.Shutdown)
	deps.Events = evm
	deps.Completer = backend
	s := newTestSession(t, deps)

	ctx := context.Background()
	sessCh := evm.SubscribeSession(ctx)

	// One 200-token turn against a 50-token ceiling: rollover keeps it
	// verbatim, so no amount of guard work gets back under.
	_, err := s.AddMessage(ctx, ctxmgr.RoleUser, chars(200))
	require.NoError(t, err)

	_, err = s.ValidateAndDispatch(ctx)
	require.ErrorIs(t, err, ctxmgr.ErrCeilingExceeded)
	assert.Zero(t, backend.callCount(), "request must never leave the process")

	var rolled bool
	for _, e := range drained(sessCh) {
		if e.Type == events.SessionRolledOver {
			rolled = true
		}
	}
	assert.True(t, rolled, "emergency handling should have rolled the context over")
}

func TestDispatchStreamAccumulatesReply(t *testing.T) {
	deps := testDeps(t, 1000, 2048, time.Second, nil)
	deps.Streamer = &scriptedStreamer{chunks: []llm.StreamChunk{
		{Content: "Hel"},
		{Content: "lo "},
		{Content: "there"},
		{Done: true, CompletionTokens: 7},
	}}
	s := newTestSession(t, deps)

	ctx := context.Background()
	_, err := s.AddMessage(ctx, ctxmgr.RoleUser, chars(20))
	require.NoError(t, err)

	var seen []llm.StreamChunk
	resp, err := s.DispatchStream(ctx, func(c llm.StreamChunk) { seen = append(seen, c) })
	require.NoError(t, err)
	assert.Equal(t, "Hello there", resp.Content)
	assert.Equal(t, 7, resp.CompletionTokens)
	assert.Len(t, seen, 4)

	rep := s.Usage()
	assert.Equal(t, 3, rep.Messages)
	assert.Equal(t, 29, rep.Usage.Current)
}

func TestDispatchStreamErrorDropsPartialReply(t *testing.T) {
	deps := testDeps(t, 1000, 2048, time.Second, nil)
	deps.Streamer = &scriptedStreamer{chunks: []llm.StreamChunk{
		{Content: "par"},
		{Err: errors.New("backend disconnected")},
	}}
	s := newTestSession(t, deps)

	ctx := context.Background()
	_, err := s.AddMessage(ctx, ctxmgr.RoleUser, chars(20))
	require.NoError(t, err)

	_, err = s.DispatchStream(ctx, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend disconnected")

	rep := s.Usage()
	assert.Equal(t, 2, rep.Messages, "partial reply must not be kept")
	assert.Equal(t, 22, rep.Usage.Current)
}

func TestDispatchStreamFallsBackToCompleter(t *testing.T) {
	backend := &scriptedCompleter{resp: llm.CompletionResponse{
		Content:          "whole reply",
		CompletionTokens: 3,
	}}
	deps := testDeps(t, 1000, 2048, time.Second, nil)
	deps.Completer = backend
	s := newTestSession(t, deps)

	ctx := context.Background()
	_, err := s.AddMessage(ctx, ctxmgr.RoleUser, chars(20))
	require.NoError(t, err)

	var seen []llm.StreamChunk
	resp, err := s.DispatchStream(ctx, func(c llm.StreamChunk) { seen = append(seen, c) })
	require.NoError(t, err)
	assert.Equal(t, "whole reply", resp.Content)
	require.Len(t, seen, 1)
	assert.True(t, seen[0].Done)
	assert.Equal(t, "whole reply", seen[0].Content)
}

func TestClearKeepsSystemPromptAndCeiling(t *testing.T) {
	store := &recordingStore{}
	deps := testDeps(t, 1000, 2048, time.Second, nil)
	evm := events.NewManager()
	t.Cleanup(evm.Shutdown)
	deps.Events = evm
	deps.Store = store

	prompt := chars(42)
	s, err := New(Config{SessionID: "sess-clear", Model: testModel, SystemPrompt: prompt}, deps)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := s.AddMessage(ctx, ctxmgr.RoleUser, chars(20))
		require.NoError(t, err)
	}

	sessCh := evm.SubscribeSession(ctx)
	require.NoError(t, s.Clear(ctx))

	rep := s.Usage()
	assert.Equal(t, 1, rep.Messages)
	assert.Equal(t, 42, rep.Usage.Current)
	assert.Equal(t, 1000, rep.Usage.Max)

	recs := store.records()
	require.Len(t, recs, 1, "outgoing state is saved before the reset")
	assert.Equal(t, 3, recs[0].MessageCount)
	assert.Equal(t, 82, recs[0].TokenCount)

	got := drained(sessCh)
	require.Len(t, got, 1)
	assert.Equal(t, events.ContextCleared, got[0].Type)
}

func TestSnapshotRoundTripKeepsOwnCeiling(t *testing.T) {
	store, err := storage.Open(t.TempDir() + "/state.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	deps := testDeps(t, 1000, 2048, time.Second, nil)
	deps.Snapshots = snapshot.NewManager(store, nil, snapshot.DefaultConfig())
	deps.Store = store
	s := newTestSession(t, deps)

	ctx := context.Background()
	_, err = s.AddMessage(ctx, ctxmgr.RoleUser, chars(20))
	require.NoError(t, err)
	_, err = s.AddMessage(ctx, ctxmgr.RoleAssistant, chars(15))
	require.NoError(t, err)

	snap, err := s.CreateSnapshot(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, snap.ID)

	_, err = s.AddMessage(ctx, ctxmgr.RoleUser, chars(30))
	require.NoError(t, err)
	require.Equal(t, 4, s.Usage().Messages)

	require.NoError(t, s.RestoreSnapshot(ctx, snap.ID))

	rep := s.Usage()
	assert.Equal(t, 3, rep.Messages)
	assert.Equal(t, 37, rep.Usage.Current)
	assert.Equal(t, 1000, rep.Usage.Max, "restore keeps the session's own ceiling")

	metas, err := s.ListSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, snap.ID, metas[0].ID)
}

func TestStartAndStopPersistSessionRow(t *testing.T) {
	store := &recordingStore{}
	deps := testDeps(t, 1000, 2048, time.Second, nil)
	evm := events.NewManager()
	t.Cleanup(evm.Shutdown)
	deps.Events = evm
	deps.Store = store
	s := newTestSession(t, deps)

	ctx := context.Background()
	sessCh := evm.SubscribeSession(ctx)

	require.NoError(t, s.Start(ctx))
	require.Error(t, s.Start(ctx), "second start must be rejected")

	_, err := s.AddMessage(ctx, ctxmgr.RoleUser, chars(20))
	require.NoError(t, err)

	require.NoError(t, s.Stop(ctx))
	assert.NoError(t, s.Stop(ctx), "stopping twice is a no-op")

	recs := store.records()
	require.Len(t, recs, 2)
	final := recs[1]
	assert.Equal(t, "sess-test", final.ID)
	assert.Equal(t, testModel, final.Model)
	assert.Equal(t, 2, final.MessageCount)
	assert.Equal(t, 22, final.TokenCount)
	assert.Equal(t, 1000, final.MaxTokens)
	assert.Contains(t, string(final.State), `"messages"`)

	var types []events.EventType
	for _, e := range drained(sessCh) {
		types = append(types, e.Type)
	}
	assert.Equal(t, []events.EventType{events.SessionStarted, events.SessionEnded}, types)
}
