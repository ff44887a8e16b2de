package context

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tecet/ollm-cli/internal/llm"
)

func newTestCheckpoints(completer llm.Completer, cfg CheckpointConfig) *CheckpointManager {
	return NewCheckpointManager(NewTokenCounter(), completer, cfg)
}

func TestCheckpointRecordFromSummary(t *testing.T) {
	cm := newTestCheckpoints(nil, CheckpointConfig{})

	summary := tokenMsg(RoleAssistant, "digest of early turns", 6)
	result := &CompressionResult{
		Summary: &summary,
		Source:  SourceRange{FirstID: "m1", LastID: "m8"},
	}

	cp, ok := cm.Record(context.Background(), result)
	require.True(t, ok)
	require.NotEmpty(t, cp.ID)
	require.Equal(t, CheckpointFresh, cp.Level)
	require.Equal(t, 6, cp.TokenCount)
	require.Equal(t, "digest of early turns", cp.SummaryText)
	require.Equal(t, SourceRange{FirstID: "m1", LastID: "m8"}, cp.Source)
	require.Zero(t, cp.MergeCount)
}

func TestCheckpointRecordCountsMissingTokens(t *testing.T) {
	cm := newTestCheckpoints(nil, CheckpointConfig{})

	summary := tokenMsg(RoleAssistant, "12345678", 0)
	cp, ok := cm.Record(context.Background(), &CompressionResult{Summary: &summary})
	require.True(t, ok)
	require.Equal(t, 2, cp.TokenCount)
}

func TestCheckpointRecordSkipsTruncation(t *testing.T) {
	cm := newTestCheckpoints(nil, CheckpointConfig{})

	_, ok := cm.Record(context.Background(), &CompressionResult{})
	require.False(t, ok)

	_, ok = cm.Record(context.Background(), nil)
	require.False(t, ok)
}

func TestCheckpointAgeBelowThreshold(t *testing.T) {
	cm := newTestCheckpoints(nil, CheckpointConfig{})

	out, aged := cm.Age(context.Background(), []Checkpoint{
		{ID: "cp1", Level: CheckpointFresh, SummaryText: "s", TokenCount: 1},
	})
	require.Zero(t, aged)
	require.Len(t, out, 1)
	require.Equal(t, CheckpointFresh, out[0].Level)
	require.Equal(t, 1, out[0].MergeCount)
}

func TestCheckpointAgeDemotesAtThreshold(t *testing.T) {
	completer := &scriptedCompleter{reply: "much shorter summary"}
	cm := newTestCheckpoints(completer, CheckpointConfig{MergeThreshold: 3})

	out, aged := cm.Age(context.Background(), []Checkpoint{
		{ID: "cp1", Level: CheckpointFresh, MergeCount: 2, SummaryText: "long original", TokenCount: 4},
	})
	require.Equal(t, 1, aged)
	require.Len(t, out, 1)

	cp := out[0]
	require.Equal(t, CheckpointCondensed, cp.Level)
	require.Zero(t, cp.MergeCount, "counter restarts at the new level")
	require.Equal(t, "much shorter summary", cp.SummaryText)
	require.Equal(t, 5, cp.TokenCount)

	require.Equal(t, 1, completer.calls)
	require.Equal(t, 256, completer.lastReq.MaxTokens, "aging targets the next level's budget")
}

func TestCheckpointAgingClipsWhenSummarizeFails(t *testing.T) {
	completer := &scriptedCompleter{err: errors.New("backend down")}
	original := strings.Repeat("alpha bravo ", 20)
	cm := newTestCheckpoints(completer, CheckpointConfig{MergeThreshold: 1, CondensedBudget: 10})

	out, aged := cm.Age(context.Background(), []Checkpoint{
		{ID: "cp1", Level: CheckpointFresh, SummaryText: original, TokenCount: 60},
	})
	require.Equal(t, 1, aged)

	cp := out[0]
	require.Equal(t, CheckpointCondensed, cp.Level)
	require.LessOrEqual(t, cp.TokenCount, 10)
	require.NotEmpty(t, cp.SummaryText)
	require.True(t, strings.HasPrefix(original, cp.SummaryText))
}

func TestCheckpointArchivedIsTerminal(t *testing.T) {
	cm := newTestCheckpoints(&scriptedCompleter{reply: "x"}, CheckpointConfig{MergeThreshold: 1})

	cps := []Checkpoint{{ID: "cp1", Level: CheckpointArchived, SummaryText: "ancient", TokenCount: 2}}
	for i := 0; i < 5; i++ {
		var aged int
		cps, aged = cm.Age(context.Background(), cps)
		require.Zero(t, aged)
	}
	require.Len(t, cps, 1)
	require.Equal(t, CheckpointArchived, cps[0].Level)
	require.Equal(t, "ancient", cps[0].SummaryText)
}

func TestCheckpointDemotionChain(t *testing.T) {
	cm := newTestCheckpoints(&scriptedCompleter{reply: "condensed"}, CheckpointConfig{MergeThreshold: 1})

	cps := []Checkpoint{{ID: "cp1", Level: CheckpointFresh, SummaryText: "start", TokenCount: 2}}

	cps, aged := cm.Age(context.Background(), cps)
	require.Equal(t, 1, aged)
	require.Equal(t, CheckpointCondensed, cps[0].Level)

	cps, aged = cm.Age(context.Background(), cps)
	require.Equal(t, 1, aged)
	require.Equal(t, CheckpointArchived, cps[0].Level)

	cps, aged = cm.Age(context.Background(), cps)
	require.Zero(t, aged)
	require.Equal(t, CheckpointArchived, cps[0].Level)
}

func TestCheckpointArchivedMergeAndOrdering(t *testing.T) {
	completer := &scriptedCompleter{reply: "merged eras"}
	cm := newTestCheckpoints(completer, CheckpointConfig{})

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)
	fresh := Checkpoint{ID: "f1", Level: CheckpointFresh, SummaryText: "recent", TokenCount: 2,
		Source: SourceRange{FirstID: "m41", LastID: "m60"}}
	a1 := Checkpoint{ID: "a1", Level: CheckpointArchived, SummaryText: "first era", TokenCount: 3,
		Source: SourceRange{FirstID: "m1", LastID: "m20"}, CreatedAt: t0}
	a2 := Checkpoint{ID: "a2", Level: CheckpointArchived, SummaryText: "second era", TokenCount: 3,
		Source: SourceRange{FirstID: "m21", LastID: "m40"}, CreatedAt: t1}

	// Input deliberately places the fresh checkpoint before the
	// archived ones.
	out, aged := cm.Age(context.Background(), []Checkpoint{fresh, a1, a2})
	require.Zero(t, aged, "merging is not a level change")
	require.Len(t, out, 2)

	merged := out[0]
	require.Equal(t, CheckpointArchived, merged.Level)
	require.Equal(t, "merged eras", merged.SummaryText)
	require.Equal(t, t0, merged.CreatedAt, "merged checkpoint keeps the oldest origin")
	require.Equal(t, SourceRange{FirstID: "m1", LastID: "m40"}, merged.Source)

	require.Equal(t, "f1", out[1].ID)
	require.Equal(t, CheckpointFresh, out[1].Level)
}

func TestCheckpointMergeClipsWithoutCompleter(t *testing.T) {
	cm := newTestCheckpoints(nil, CheckpointConfig{ArchivedBudget: 10})

	a1 := Checkpoint{ID: "a1", Level: CheckpointArchived, SummaryText: strings.Repeat("old news ", 10)}
	a2 := Checkpoint{ID: "a2", Level: CheckpointArchived, SummaryText: strings.Repeat("older news ", 10)}

	merged := cm.Merge(context.Background(), []Checkpoint{a1, a2})
	require.Equal(t, CheckpointArchived, merged.Level)
	require.NotEmpty(t, merged.SummaryText)
	require.LessOrEqual(t, merged.TokenCount, 10)
}

func TestCheckpointMergeSingle(t *testing.T) {
	cm := newTestCheckpoints(nil, CheckpointConfig{})

	a1 := Checkpoint{ID: "a1", Level: CheckpointArchived, SummaryText: "only one", TokenCount: 2}
	merged := cm.Merge(context.Background(), []Checkpoint{a1})
	require.Equal(t, a1, merged)
}
