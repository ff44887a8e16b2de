package context

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"

	"github.com/Tecet/ollm-cli/internal/llm"
)

// Strategy selects how compression shrinks the history.
type Strategy string

const (
	// StrategyTruncate drops everything older than the preserve-recent
	// window. No external calls.
	StrategyTruncate Strategy = "truncate"
	// StrategySummarize folds everything older than the window into
	// one summary message via the completion capability.
	StrategySummarize Strategy = "summarize"
	// StrategyHybrid drops the older half of the compressible range
	// and summarizes the newer half. This is the default.
	StrategyHybrid Strategy = "hybrid"
)

// ParseStrategy maps a config string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyTruncate, StrategySummarize, StrategyHybrid:
		return Strategy(s), nil
	case "":
		return StrategyHybrid, nil
	}
	return "", errors.New("unknown compression strategy: " + s)
}

// ErrSummarizeUnavailable reports that no completion capability is
// wired; summarize and hybrid degrade to truncate.
var ErrSummarizeUnavailable = errors.New("context: no completion capability for summarization")

// summaryInstruction steers the model when folding history into a
// summary.
const summaryInstruction = "You are compressing part of a longer conversation. " +
	"Write one dense summary of the following transcript. Keep decisions, facts, " +
	"constraints, open tasks, and any file or code references. Respond with the " +
	"summary text only."

// summaryTemperature keeps summaries deterministic-ish.
const summaryTemperature = 0.3

// CompressorConfig tunes the compression engine.
type CompressorConfig struct {
	// PreserveRecent is the token budget of the tail window kept
	// verbatim.
	PreserveRecent int `json:"preserve_recent"`
	// SummaryMaxTokens bounds any one generated summary message.
	SummaryMaxTokens int `json:"summary_max_tokens"`
	// SummaryTimeout abandons a summarization call; the truncate
	// fallback is used instead.
	SummaryTimeout time.Duration `json:"summary_timeout"`
}

// DefaultCompressorConfig returns the standard tuning.
func DefaultCompressorConfig() CompressorConfig {
	return CompressorConfig{
		PreserveRecent:   2048,
		SummaryMaxTokens: 512,
		SummaryTimeout:   30 * time.Second,
	}
}

// CompressionResult is the outcome of one compression pass.
type CompressionResult struct {
	// Messages is the replacement list: system prompt, the summary
	// message when one was generated, pinned messages from the
	// compressed range in their original order, then the preserved
	// tail.
	Messages []Message `json:"messages"`
	// Summary points at the generated summary inside Messages; nil
	// for pure truncation.
	Summary *Message `json:"summary,omitempty"`
	// Source is the span of original messages the summary covers.
	Source           SourceRange `json:"source"`
	OriginalTokens   int         `json:"original_tokens"`
	CompressedTokens int         `json:"compressed_tokens"`
	CompressionRatio float64     `json:"compression_ratio"`
	// Strategy is the strategy actually applied after any fallback.
	Strategy   Strategy `json:"strategy"`
	Dropped    int      `json:"dropped"`
	Summarized int      `json:"summarized"`
}

// Compressor reduces a message list to a smaller equivalent. It is
// stateless between calls; the session serializes its use.
type Compressor struct {
	counter   *TokenCounter
	completer llm.Completer
	cfg       CompressorConfig
}

// NewCompressor creates a compressor. completer may be nil, in which
// case summarize and hybrid always fall back to truncate.
func NewCompressor(counter *TokenCounter, completer llm.Completer, cfg CompressorConfig) *Compressor {
	if cfg.PreserveRecent <= 0 {
		cfg.PreserveRecent = DefaultCompressorConfig().PreserveRecent
	}
	if cfg.SummaryMaxTokens <= 0 {
		cfg.SummaryMaxTokens = DefaultCompressorConfig().SummaryMaxTokens
	}
	if cfg.SummaryTimeout <= 0 {
		cfg.SummaryTimeout = DefaultCompressorConfig().SummaryTimeout
	}
	return &Compressor{counter: counter, completer: completer, cfg: cfg}
}

// PreserveRecent returns the configured tail window budget.
func (c *Compressor) PreserveRecent() int { return c.cfg.PreserveRecent }

// Compress shrinks messages under the configured preserve-recent
// window. The system prompt and pinned messages always survive
// verbatim, and the result never exceeds the input's token count.
func (c *Compressor) Compress(ctx context.Context, messages []Message, strategy Strategy) (*CompressionResult, error) {
	return c.CompressToBudget(ctx, messages, strategy, c.cfg.PreserveRecent)
}

// CompressToBudget is Compress with an explicit preserve-recent
// budget, used for aggressive passes that halve the window.
func (c *Compressor) CompressToBudget(ctx context.Context, messages []Message, strategy Strategy, preserveRecent int) (*CompressionResult, error) {
	originalTokens := c.counter.CountConversation(ctx, messages)

	head, compressible, pinned, recent := c.partition(ctx, messages, preserveRecent)
	if len(compressible) == 0 {
		out := make([]Message, len(messages))
		copy(out, messages)
		return &CompressionResult{
			Messages:         out,
			OriginalTokens:   originalTokens,
			CompressedTokens: originalTokens,
			CompressionRatio: 1.0,
			Strategy:         strategy,
		}, nil
	}

	result := c.applyStrategy(ctx, strategy, head, compressible, pinned, recent)
	result.OriginalTokens = originalTokens
	result.CompressedTokens = c.counter.CountConversation(ctx, result.Messages)

	// Inflation guard: compression must never grow the context.
	if result.CompressedTokens >= originalTokens && result.Strategy != StrategyTruncate {
		log.Warn("compression inflated the context, falling back to truncate",
			"strategy", result.Strategy,
			"original", originalTokens,
			"compressed", result.CompressedTokens)
		result = c.truncateResult(head, compressible, pinned, recent)
		result.OriginalTokens = originalTokens
		result.CompressedTokens = c.counter.CountConversation(ctx, result.Messages)
	}

	if originalTokens > 0 {
		result.CompressionRatio = float64(result.CompressedTokens) / float64(originalTokens)
	} else {
		result.CompressionRatio = 1.0
	}
	return result, nil
}

func (c *Compressor) applyStrategy(ctx context.Context, strategy Strategy, head, compressible, pinned, recent []Message) *CompressionResult {
	switch strategy {
	case StrategySummarize:
		summary, err := c.Summarize(ctx, compressible, c.cfg.SummaryMaxTokens)
		if err != nil {
			log.Warn("summarization failed, falling back to truncate", "error", err)
			return c.truncateResult(head, compressible, pinned, recent)
		}
		result := c.assemble(head, &summary, pinned, recent)
		result.Strategy = StrategySummarize
		result.Summarized = len(compressible)
		result.Source = rangeOf(compressible)
		return result

	case StrategyHybrid:
		half := len(compressible) / 2
		older, newer := compressible[:half], compressible[half:]
		summary, err := c.Summarize(ctx, newer, c.cfg.SummaryMaxTokens)
		if err != nil {
			log.Warn("summarization failed, falling back to truncate", "error", err)
			return c.truncateResult(head, compressible, pinned, recent)
		}
		result := c.assemble(head, &summary, pinned, recent)
		result.Strategy = StrategyHybrid
		result.Dropped = len(older)
		result.Summarized = len(newer)
		result.Source = rangeOf(newer)
		return result

	default:
		return c.truncateResult(head, compressible, pinned, recent)
	}
}

func (c *Compressor) truncateResult(head, compressible, pinned, recent []Message) *CompressionResult {
	result := c.assemble(head, nil, pinned, recent)
	result.Strategy = StrategyTruncate
	result.Dropped = len(compressible)
	return result
}

func (c *Compressor) assemble(head []Message, summary *Message, pinned, recent []Message) *CompressionResult {
	messages := make([]Message, 0, len(head)+1+len(pinned)+len(recent))
	messages = append(messages, head...)
	if summary != nil {
		messages = append(messages, *summary)
	}
	messages = append(messages, pinned...)
	messages = append(messages, recent...)

	result := &CompressionResult{Messages: messages}
	if summary != nil {
		// Point at the copy inside the slice, not the parameter.
		result.Summary = &result.Messages[len(head)]
	}
	return result
}

// partition splits messages into the system prompt head, the
// compressible middle, pinned messages lifted out of the middle, and
// the preserved tail window. The tail is grown backward so it never
// starts on a tool message, which would orphan a tool result from the
// assistant turn that requested it.
func (c *Compressor) partition(ctx context.Context, messages []Message, preserveRecent int) (head, compressible, pinned, recent []Message) {
	body := messages
	if len(messages) > 0 && messages[0].Role == RoleSystem {
		head = messages[:1]
		body = messages[1:]
	}
	if len(body) == 0 {
		return head, nil, nil, nil
	}

	budget := preserveRecent
	start := len(body)
	for start > 0 {
		cost := c.messageTokens(ctx, body[start-1])
		if cost > budget {
			break
		}
		budget -= cost
		start--
	}
	// The newest message survives even when it alone overflows the
	// window.
	if start == len(body) {
		start--
	}
	for start > 0 && body[start].Role == RoleTool {
		start--
	}

	for _, msg := range body[:start] {
		if msg.IsPinned() {
			pinned = append(pinned, msg)
		} else {
			compressible = append(compressible, msg)
		}
	}
	recent = body[start:]
	return head, compressible, pinned, recent
}

func (c *Compressor) messageTokens(ctx context.Context, msg Message) int {
	if msg.TokenCount > 0 {
		return msg.TokenCount
	}
	return c.counter.CountMessage(ctx, msg)
}

func rangeOf(messages []Message) SourceRange {
	if len(messages) == 0 {
		return SourceRange{}
	}
	return SourceRange{FirstID: messages[0].ID, LastID: messages[len(messages)-1].ID}
}

// Summarize folds messages into one summary message of at most
// maxTokens, via the completion capability. The summary is marked
// with summary metadata and carries its own token count.
func (c *Compressor) Summarize(ctx context.Context, messages []Message, maxTokens int) (Message, error) {
	if c.completer == nil {
		return Message{}, ErrSummarizeUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.SummaryTimeout)
	defer cancel()

	temp := summaryTemperature
	resp, err := c.completer.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.ChatMessage{
			{Role: llm.RoleSystem, Content: summaryInstruction},
			{Role: llm.RoleUser, Content: renderTranscript(messages)},
		},
		MaxTokens:   maxTokens,
		Temperature: &temp,
	})
	if err != nil {
		return Message{}, err
	}

	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return Message{}, llm.ErrEmptyCompletion
	}
	text = clipToTokens(ctx, c.counter, text, maxTokens)

	msg := NewMessage(RoleAssistant, text)
	msg.Metadata = map[string]any{MetaSummary: true}
	msg.TokenCount = c.counter.CountCached(ctx, msg.ID, msg.Content)
	return msg, nil
}

// clipToTokens cuts text down until it counts at or under maxTokens.
// Local backends treat max_tokens as advisory, so hard bounds are
// enforced here.
func clipToTokens(ctx context.Context, counter *TokenCounter, text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	for i := 0; i < 4; i++ {
		n := counter.Count(ctx, text)
		if n <= maxTokens {
			return text
		}
		keep := len(text) * maxTokens / n
		if keep >= len(text) {
			keep = len(text) - 1
		}
		for keep > 0 && !utf8.RuneStart(text[keep]) {
			keep--
		}
		text = strings.TrimSpace(text[:keep])
	}
	return text
}

func renderTranscript(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}
