package context

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/Tecet/ollm-cli/internal/llm"
)

// agingInstruction steers the model when condensing an existing
// summary one level down.
const agingInstruction = "Condense the following conversation summary further. " +
	"Keep only decisions, facts, constraints, and open tasks. Respond with the " +
	"condensed summary only."

// CheckpointConfig tunes checkpoint aging.
type CheckpointConfig struct {
	// MergeThreshold is the number of compression passes a checkpoint
	// survives before it ages one level down.
	MergeThreshold int `json:"merge_threshold"`
	// Token budgets per level; aging re-summarizes into the next
	// lower budget.
	FreshBudget     int `json:"fresh_budget"`
	CondensedBudget int `json:"condensed_budget"`
	ArchivedBudget  int `json:"archived_budget"`
	// SummaryTimeout abandons an aging re-summarization; the
	// mechanical merge is used instead.
	SummaryTimeout time.Duration `json:"summary_timeout"`
}

// DefaultCheckpointConfig returns the standard aging tuning.
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		MergeThreshold:  10,
		FreshBudget:     512,
		CondensedBudget: 256,
		ArchivedBudget:  128,
		SummaryTimeout:  30 * time.Second,
	}
}

// CheckpointManager turns compression output into leveled checkpoints
// and ages them toward the archived level as passes accumulate.
type CheckpointManager struct {
	counter   *TokenCounter
	completer llm.Completer
	cfg       CheckpointConfig
}

// NewCheckpointManager creates a manager. completer may be nil, in
// which case aging always uses the mechanical merge.
func NewCheckpointManager(counter *TokenCounter, completer llm.Completer, cfg CheckpointConfig) *CheckpointManager {
	def := DefaultCheckpointConfig()
	if cfg.MergeThreshold <= 0 {
		cfg.MergeThreshold = def.MergeThreshold
	}
	if cfg.FreshBudget <= 0 {
		cfg.FreshBudget = def.FreshBudget
	}
	if cfg.CondensedBudget <= 0 {
		cfg.CondensedBudget = def.CondensedBudget
	}
	if cfg.ArchivedBudget <= 0 {
		cfg.ArchivedBudget = def.ArchivedBudget
	}
	if cfg.SummaryTimeout <= 0 {
		cfg.SummaryTimeout = def.SummaryTimeout
	}
	return &CheckpointManager{counter: counter, completer: completer, cfg: cfg}
}

func (cm *CheckpointManager) levelBudget(level CheckpointLevel) int {
	switch level {
	case CheckpointFresh:
		return cm.cfg.FreshBudget
	case CheckpointCondensed:
		return cm.cfg.CondensedBudget
	default:
		return cm.cfg.ArchivedBudget
	}
}

// Record turns a compression result into a fresh checkpoint. Results
// without a summary (pure truncation) record nothing.
func (cm *CheckpointManager) Record(ctx context.Context, result *CompressionResult) (Checkpoint, bool) {
	if result == nil || result.Summary == nil {
		return Checkpoint{}, false
	}

	cp := Checkpoint{
		ID:          uuid.NewString(),
		Level:       CheckpointFresh,
		TokenCount:  result.Summary.TokenCount,
		SummaryText: result.Summary.Content,
		Source:      result.Source,
		CreatedAt:   time.Now(),
	}
	if cp.TokenCount <= 0 {
		cp.TokenCount = cm.counter.Count(ctx, cp.SummaryText)
	}
	log.Debug("checkpoint recorded", "id", cp.ID, "tokens", cp.TokenCount)
	return cp, true
}

// Age advances every checkpoint by one compression pass and demotes
// those that have reached the merge threshold. It runs after every
// compression pass without exception; levels only ever decrease, and
// the archived level is terminal. The second return is the number of
// checkpoints that changed level.
func (cm *CheckpointManager) Age(ctx context.Context, checkpoints []Checkpoint) ([]Checkpoint, int) {
	if len(checkpoints) == 0 {
		return checkpoints, 0
	}

	aged := 0
	var archived, rest []Checkpoint

	for _, cp := range checkpoints {
		cp.MergeCount++
		if cp.Level > CheckpointArchived && cp.MergeCount >= cm.cfg.MergeThreshold {
			cp = cm.demote(ctx, cp)
			aged++
		}
		if cp.Level == CheckpointArchived {
			archived = append(archived, cp)
			continue
		}
		rest = append(rest, cp)
	}

	// Archived checkpoints cover the oldest history and stay at the
	// front of the list.
	out := make([]Checkpoint, 0, len(archived)+len(rest))
	switch len(archived) {
	case 0:
	case 1:
		out = append(out, archived[0])
	default:
		out = append(out, cm.Merge(ctx, archived))
	}
	out = append(out, rest...)
	return out, aged
}

// demote re-summarizes a checkpoint into the next level's budget. A
// failed re-summarization falls back to clipping the existing text;
// aging never fails a compression pass.
func (cm *CheckpointManager) demote(ctx context.Context, cp Checkpoint) Checkpoint {
	next := cp.Level - 1
	budget := cm.levelBudget(next)

	text, err := cm.resummarize(ctx, cp.SummaryText, budget)
	if err != nil {
		log.Warn("checkpoint aging summarization failed, clipping instead",
			"checkpoint", cp.ID, "error", err)
		text = clipToTokens(ctx, cm.counter, cp.SummaryText, budget)
	}

	cp.Level = next
	cp.SummaryText = text
	cp.TokenCount = cm.counter.Count(ctx, text)
	cp.MergeCount = 0
	log.Debug("checkpoint aged", "id", cp.ID, "level", cp.Level, "tokens", cp.TokenCount)
	return cp
}

// Merge combines same-level checkpoints into a single archived one,
// keeping the oldest creation time and the widest source range.
func (cm *CheckpointManager) Merge(ctx context.Context, checkpoints []Checkpoint) Checkpoint {
	if len(checkpoints) == 1 {
		return checkpoints[0]
	}

	texts := make([]string, 0, len(checkpoints))
	for _, cp := range checkpoints {
		texts = append(texts, cp.SummaryText)
	}
	combined := strings.Join(texts, "\n")

	budget := cm.cfg.ArchivedBudget
	text, err := cm.resummarize(ctx, combined, budget)
	if err != nil {
		log.Warn("checkpoint merge summarization failed, clipping instead", "error", err)
		text = clipToTokens(ctx, cm.counter, combined, budget)
	}

	merged := Checkpoint{
		ID:          uuid.NewString(),
		Level:       CheckpointArchived,
		SummaryText: text,
		TokenCount:  cm.counter.Count(ctx, text),
		CreatedAt:   checkpoints[0].CreatedAt,
		Source: SourceRange{
			FirstID: checkpoints[0].Source.FirstID,
			LastID:  checkpoints[len(checkpoints)-1].Source.LastID,
		},
	}
	log.Debug("checkpoints merged",
		"count", len(checkpoints), "id", merged.ID, "tokens", merged.TokenCount)
	return merged
}

func (cm *CheckpointManager) resummarize(ctx context.Context, text string, maxTokens int) (string, error) {
	if cm.completer == nil {
		return "", ErrSummarizeUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, cm.cfg.SummaryTimeout)
	defer cancel()

	temp := summaryTemperature
	resp, err := cm.completer.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.ChatMessage{
			{Role: llm.RoleSystem, Content: agingInstruction},
			{Role: llm.RoleUser, Content: text},
		},
		MaxTokens:   maxTokens,
		Temperature: &temp,
	})
	if err != nil {
		return "", err
	}

	out := strings.TrimSpace(resp.Content)
	if out == "" {
		return "", llm.ErrEmptyCompletion
	}
	return clipToTokens(ctx, cm.counter, out, maxTokens), nil
}
