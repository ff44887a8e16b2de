package context

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSnapshotter struct {
	id         string
	err        error
	calls      int
	lastReason string
}

func (r *recordingSnapshotter) Capture(_ context.Context, _ *Conversation, reason string) (string, error) {
	r.calls++
	r.lastReason = reason
	if r.err != nil {
		return "", r.err
	}
	return r.id, nil
}

func newTestDeps(completer *scriptedCompleter, snapshots Snapshotter, preserveRecent int) Deps {
	counter := NewTokenCounter()
	return Deps{
		Counter:     counter,
		Compressor:  NewCompressor(counter, completer, CompressorConfig{PreserveRecent: preserveRecent, SummaryMaxTokens: 512}),
		Checkpoints: NewCheckpointManager(counter, completer, CheckpointConfig{}),
		Snapshots:   snapshots,
	}
}

func TestLevelFor(t *testing.T) {
	thresholds := DefaultThresholds()
	cases := []struct {
		fraction float64
		want     MemoryLevel
	}{
		{0.0, LevelNormal},
		{0.79, LevelNormal},
		{0.80, LevelWarning},
		{0.89, LevelWarning},
		{0.90, LevelCritical},
		{0.94, LevelCritical},
		{0.95, LevelEmergency},
		{1.10, LevelEmergency},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, LevelFor(tc.fraction, thresholds), "fraction %v", tc.fraction)
	}

	// Non-decreasing as usage grows.
	last := LevelNormal
	for f := 0.0; f <= 1.2; f += 0.01 {
		level := LevelFor(f, thresholds)
		assert.GreaterOrEqual(t, level, last)
		last = level
	}
}

// Ceiling 13,926 with usage at 11,141 (80%) compresses exactly once
// and lands well below the trigger point.
func TestGuardSoftThresholdCompressesOnce(t *testing.T) {
	completer := &scriptedCompleter{reply: "session digest"}
	deps := newTestDeps(completer, nil, 2048)
	guard := NewGuard(DefaultThresholds(), GuardConfig{})

	conv := NewConversation("s1", tokenMsg(RoleSystem, "", 0))
	for i := 0; i < 11; i++ {
		conv.Append(tokenMsg(RoleUser, "filler", 1000))
	}
	conv.Append(tokenMsg(RoleUser, "tail", 141))
	conv.MaxTokens = 13926
	require.Equal(t, 11141, conv.TokenCount)

	decision, err := guard.Evaluate(context.Background(), conv, deps)
	require.NoError(t, err)
	require.Equal(t, LevelWarning, decision.Level)
	require.True(t, decision.Compressed)
	require.Less(t, conv.TokenCount, 11141)

	// Usage is back under the trigger; nothing fires again.
	decision, err = guard.Evaluate(context.Background(), conv, deps)
	require.NoError(t, err)
	require.Equal(t, LevelNormal, decision.Level)
	require.False(t, decision.Compressed)
}

func TestGuardWarningRecordsCheckpointAndAges(t *testing.T) {
	completer := &scriptedCompleter{reply: "session digest"}
	deps := newTestDeps(completer, nil, 300)
	guard := NewGuard(DefaultThresholds(), GuardConfig{})

	conv := NewConversation("s1", tokenMsg(RoleSystem, "", 0))
	for i := 0; i < 10; i++ {
		conv.Append(tokenMsg(RoleUser, "filler", 100))
	}
	conv.MaxTokens = 1200

	decision, err := guard.Evaluate(context.Background(), conv, deps)
	require.NoError(t, err)
	require.True(t, decision.Compressed)

	require.Len(t, conv.Checkpoints, 1)
	require.Equal(t, CheckpointFresh, conv.Checkpoints[0].Level)
	require.Equal(t, 1, conv.Checkpoints[0].MergeCount, "aging runs on the same pass")

	// The summary text lives in the checkpoint, not the message list.
	for _, m := range conv.Messages {
		require.False(t, m.IsSummary())
	}

	// Invariant: total equals parts.
	require.Equal(t, conv.TokenCount, totalTokens(conv.Messages)+conv.CheckpointTokens())
}

// Usage inside the critical band compresses aggressively and
// re-validates below critical.
func TestGuardCriticalAggressive(t *testing.T) {
	completer := &scriptedCompleter{reply: "aggressive digest"}
	deps := newTestDeps(completer, nil, 2048)
	guard := NewGuard(DefaultThresholds(), GuardConfig{})

	conv := NewConversation("s1", tokenMsg(RoleSystem, "", 0))
	for i := 0; i < 92; i++ {
		conv.Append(tokenMsg(RoleUser, "filler", 100))
	}
	conv.MaxTokens = 10000 // 92%
	require.Equal(t, LevelCritical, LevelFor(conv.UsageFraction(), guard.Thresholds()))

	decision, err := guard.Evaluate(context.Background(), conv, deps)
	require.NoError(t, err)
	require.Equal(t, LevelCritical, decision.Level)
	require.True(t, decision.Compressed)

	fraction := conv.UsageFraction()
	if fraction >= guard.Thresholds().Critical {
		// Escalation is allowed, but it must fire on the next pass.
		decision, err = guard.Evaluate(context.Background(), conv, deps)
		require.NoError(t, err)
		require.True(t, decision.RolledOver)
	} else {
		require.Less(t, fraction, guard.Thresholds().Critical)
	}
}

// Usage at the ceiling rolls over to system prompt + last 10 user
// messages + one compact summary, with no checkpoints left.
func TestGuardEmergencyRollover(t *testing.T) {
	completer := &scriptedCompleter{reply: "compact recap of everything"}
	snapshots := &recordingSnapshotter{id: "snap-final"}
	deps := newTestDeps(completer, snapshots, 2048)
	guard := NewGuard(DefaultThresholds(), GuardConfig{})

	conv := NewConversation("s1", tokenMsg(RoleSystem, "prompt", 42))
	var userIDs []string
	for i := 0; i < 15; i++ {
		u := tokenMsg(RoleUser, "question", 50)
		userIDs = append(userIDs, u.ID)
		conv.Append(u)
		conv.Append(tokenMsg(RoleAssistant, "answer", 50))
	}
	conv.Checkpoints = []Checkpoint{{ID: "cp1", Level: CheckpointFresh, TokenCount: 80, SummaryText: "old"}}
	conv.Recount()
	conv.MaxTokens = 1000 // far past critical

	decision, err := guard.Evaluate(context.Background(), conv, deps)
	require.NoError(t, err)
	require.Equal(t, LevelEmergency, decision.Level)
	require.True(t, decision.RolledOver)
	require.Equal(t, "snap-final", decision.SnapshotID)
	require.Equal(t, 1, snapshots.calls)
	require.Equal(t, "emergency-rollover", snapshots.lastReason)

	// [system] + last 10 user messages + 1 summary.
	require.Len(t, conv.Messages, 12)
	require.Equal(t, RoleSystem, conv.Messages[0].Role)
	for i, id := range userIDs[5:] {
		require.Equal(t, id, conv.Messages[1+i].ID)
	}
	summary := conv.Messages[11]
	require.True(t, summary.IsSummary())
	require.LessOrEqual(t, summary.TokenCount, 400)

	require.Empty(t, conv.Checkpoints)
	require.Equal(t, conv.TokenCount, totalTokens(conv.Messages))
	require.LessOrEqual(t, conv.TokenCount, conv.MaxTokens)
}

func TestGuardRolloverSurvivesSnapshotFailure(t *testing.T) {
	completer := &scriptedCompleter{reply: "recap"}
	snapshots := &recordingSnapshotter{err: errors.New("disk full")}
	deps := newTestDeps(completer, snapshots, 2048)
	guard := NewGuard(DefaultThresholds(), GuardConfig{})

	conv := NewConversation("s1", tokenMsg(RoleSystem, "prompt", 10))
	for i := 0; i < 20; i++ {
		conv.Append(tokenMsg(RoleUser, "q", 50))
	}
	conv.MaxTokens = 1000

	decision, err := guard.Evaluate(context.Background(), conv, deps)
	require.NoError(t, err)
	require.True(t, decision.RolledOver)
	require.Empty(t, decision.SnapshotID)
	require.NotEmpty(t, decision.Warnings)
}

func TestGuardRolloverSurvivesSummarizeFailure(t *testing.T) {
	completer := &scriptedCompleter{err: errors.New("backend down")}
	deps := newTestDeps(completer, nil, 2048)
	guard := NewGuard(DefaultThresholds(), GuardConfig{})

	conv := NewConversation("s1", tokenMsg(RoleSystem, "prompt", 10))
	for i := 0; i < 20; i++ {
		conv.Append(tokenMsg(RoleUser, "some question text", 50))
	}
	conv.MaxTokens = 1000

	decision, err := guard.Evaluate(context.Background(), conv, deps)
	require.NoError(t, err)
	require.True(t, decision.RolledOver)

	summary := conv.Messages[len(conv.Messages)-1]
	require.True(t, summary.IsSummary())
	require.NotEmpty(t, summary.Content)
	require.LessOrEqual(t, summary.TokenCount, 400)
}

func TestGuardWarningHeldByCheckpointOverhead(t *testing.T) {
	deps := newTestDeps(&scriptedCompleter{reply: "x"}, nil, 2048)
	guard := NewGuard(DefaultThresholds(), GuardConfig{})

	conv := NewConversation("s1", tokenMsg(RoleSystem, "", 0))
	for i := 0; i < 5; i++ {
		conv.Append(tokenMsg(RoleUser, "q", 50))
	}
	conv.Checkpoints = []Checkpoint{{ID: "cp1", Level: CheckpointArchived, TokenCount: 600, SummaryText: "old"}}
	conv.Recount()
	conv.MaxTokens = 1000 // 85% total, but live is only 250 of a 400-token budget

	decision, err := guard.Evaluate(context.Background(), conv, deps)
	require.NoError(t, err)
	require.Equal(t, LevelWarning, decision.Level)
	require.False(t, decision.Compressed)
	require.NotEmpty(t, decision.Warnings)
}

func TestGuardBusyTimeout(t *testing.T) {
	deps := newTestDeps(&scriptedCompleter{reply: "x"}, nil, 2048)
	guard := NewGuard(DefaultThresholds(), GuardConfig{WaitTimeout: 50 * time.Millisecond})

	conv := NewConversation("s1", tokenMsg(RoleSystem, "", 0))
	for i := 0; i < 9; i++ {
		conv.Append(tokenMsg(RoleUser, "q", 100))
	}
	conv.MaxTokens = 1000 // 90%, needs a cycle

	require.NoError(t, guard.beginCycle(context.Background()))
	defer guard.endCycle()

	_, err := guard.Evaluate(context.Background(), conv, deps)
	require.ErrorIs(t, err, ErrBusyTimeout)
}

func TestGuardWaitIdle(t *testing.T) {
	guard := NewGuard(DefaultThresholds(), GuardConfig{WaitTimeout: 2 * time.Second})

	require.NoError(t, guard.beginCycle(context.Background()))
	require.True(t, guard.Busy())

	go func() {
		time.Sleep(20 * time.Millisecond)
		guard.endCycle()
	}()

	require.NoError(t, guard.WaitIdle(context.Background()))
	require.False(t, guard.Busy())
}

func TestGuardCanAllocateAndSafeLimit(t *testing.T) {
	guard := NewGuard(DefaultThresholds(), GuardConfig{})

	conv := NewConversation("s1", tokenMsg(RoleSystem, "prompt", 100))
	conv.Checkpoints = []Checkpoint{{ID: "cp1", TokenCount: 100}}
	conv.Append(tokenMsg(RoleUser, "q", 500))
	conv.Recount()
	conv.MaxTokens = 1000

	// Budget 800, soft bound 640, live 500.
	require.Equal(t, 139, guard.SafeLimit(conv))
	require.True(t, guard.CanAllocate(conv, 139))
	require.False(t, guard.CanAllocate(conv, 140))
	require.True(t, guard.CanAllocate(conv, 0))
}
