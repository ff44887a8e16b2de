// Package context manages the bounded token budget of one live
// conversation against a local model backend: sizing the ceiling from
// accelerator memory, counting usage, compressing aging history,
// recording leveled checkpoints, and gating every outbound request so
// it can never exceed the ceiling.
package context

import (
	"time"

	"github.com/google/uuid"
)

// Role is a chat message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Metadata keys recognized across the package.
const (
	// MetaSummary marks a message produced by compression or rollover.
	MetaSummary = "summary"
	// MetaPinned marks a message that must stay verbatim in the live
	// list: it is never summarized, dropped, or checkpointed.
	MetaPinned = "pinned"
)

// Message is one conversation turn. Messages are immutable once
// created; TokenCount is computed once and cached against ID.
type Message struct {
	ID         string         `json:"id"`
	Role       Role           `json:"role"`
	Content    string         `json:"content"`
	TokenCount int            `json:"token_count"`
	CreatedAt  time.Time      `json:"created_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// NewMessage creates a message with a fresh ID and timestamp. The
// token count is filled in by the owner once counted.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

func (m Message) metaBool(key string) bool {
	if m.Metadata == nil {
		return false
	}
	v, ok := m.Metadata[key].(bool)
	return ok && v
}

// IsSummary reports whether the message was produced by compression.
func (m Message) IsSummary() bool { return m.metaBool(MetaSummary) }

// IsPinned reports whether the message is excluded from compression.
func (m Message) IsPinned() bool { return m.metaBool(MetaPinned) }

// CheckpointLevel orders checkpoints from freshly summarized to fully
// archived. Aging only ever moves a checkpoint toward CheckpointArchived.
type CheckpointLevel int

const (
	// CheckpointArchived is terminal; it ages no further.
	CheckpointArchived  CheckpointLevel = 1
	CheckpointCondensed CheckpointLevel = 2
	// CheckpointFresh is the entry level for new checkpoints, holding
	// the most detail.
	CheckpointFresh CheckpointLevel = 3
)

func (l CheckpointLevel) String() string {
	switch l {
	case CheckpointArchived:
		return "archived"
	case CheckpointCondensed:
		return "condensed"
	case CheckpointFresh:
		return "fresh"
	default:
		return "unknown"
	}
}

// SourceRange identifies the span of live messages a checkpoint
// replaced, by message ID.
type SourceRange struct {
	FirstID string `json:"first_id"`
	LastID  string `json:"last_id"`
}

// Checkpoint is a leveled, aging unit of compressed history. Its
// summary is part of the outbound context, so TokenCount counts
// against the ceiling.
type Checkpoint struct {
	ID          string          `json:"id"`
	Level       CheckpointLevel `json:"level"`
	TokenCount  int             `json:"token_count"`
	SummaryText string          `json:"summary_text"`
	Source      SourceRange     `json:"source"`
	CreatedAt   time.Time       `json:"created_at"`
	// MergeCount is the number of compression passes survived since
	// the checkpoint entered its current level.
	MergeCount int `json:"merge_count"`
}

// Conversation is the live history of one session: the system prompt
// at index zero, the live messages after it, and the checkpoint list
// holding compressed history. Exactly one instance exists per session
// and it is exclusively owned by the session actor; nothing in this
// package synchronizes access to it.
//
// Invariant: TokenCount == sum over Messages of TokenCount plus sum
// over Checkpoints of TokenCount.
type Conversation struct {
	SessionID   string       `json:"session_id"`
	Messages    []Message    `json:"messages"`
	Checkpoints []Checkpoint `json:"checkpoints,omitempty"`
	TokenCount  int          `json:"token_count"`
	// MaxTokens is the session ceiling, fixed once computed.
	MaxTokens int `json:"max_tokens"`
}

// NewConversation creates a conversation seeded with a system prompt
// message. The prompt's token count, if already set, is reflected in
// the running total.
func NewConversation(sessionID string, systemPrompt Message) *Conversation {
	systemPrompt.Role = RoleSystem
	return &Conversation{
		SessionID:  sessionID,
		Messages:   []Message{systemPrompt},
		TokenCount: systemPrompt.TokenCount,
	}
}

// SystemPrompt returns the system prompt message, if present.
func (c *Conversation) SystemPrompt() (Message, bool) {
	if len(c.Messages) > 0 && c.Messages[0].Role == RoleSystem {
		return c.Messages[0], true
	}
	return Message{}, false
}

// SystemTokens is the token cost of the system prompt.
func (c *Conversation) SystemTokens() int {
	if sp, ok := c.SystemPrompt(); ok {
		return sp.TokenCount
	}
	return 0
}

// CheckpointTokens is the budget currently occupied by checkpoints.
func (c *Conversation) CheckpointTokens() int {
	total := 0
	for _, cp := range c.Checkpoints {
		total += cp.TokenCount
	}
	return total
}

// LiveTokens is the budget occupied by messages other than the system
// prompt.
func (c *Conversation) LiveTokens() int {
	return c.TokenCount - c.SystemTokens() - c.CheckpointTokens()
}

// Append adds a message whose TokenCount is already set and updates
// the running total.
func (c *Conversation) Append(msg Message) {
	c.Messages = append(c.Messages, msg)
	c.TokenCount += msg.TokenCount
}

// Recount recomputes TokenCount from parts and returns it.
func (c *Conversation) Recount() int {
	total := 0
	for _, m := range c.Messages {
		total += m.TokenCount
	}
	for _, cp := range c.Checkpoints {
		total += cp.TokenCount
	}
	c.TokenCount = total
	return total
}

// UsageFraction is TokenCount over the ceiling, zero when no ceiling
// is set.
func (c *Conversation) UsageFraction() float64 {
	if c.MaxTokens <= 0 {
		return 0
	}
	return float64(c.TokenCount) / float64(c.MaxTokens)
}

// Clone returns a deep copy, safe to hand to snapshot storage while
// the original keeps mutating.
func (c *Conversation) Clone() *Conversation {
	out := &Conversation{
		SessionID:  c.SessionID,
		TokenCount: c.TokenCount,
		MaxTokens:  c.MaxTokens,
	}
	out.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		out.Messages[i] = cloneMessage(m)
	}
	if len(c.Checkpoints) > 0 {
		out.Checkpoints = make([]Checkpoint, len(c.Checkpoints))
		copy(out.Checkpoints, c.Checkpoints)
	}
	return out
}

func cloneMessage(m Message) Message {
	if m.Metadata != nil {
		meta := make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			meta[k] = v
		}
		m.Metadata = meta
	}
	return m
}

// Snapshot is an immutable, restorable copy of a conversation at one
// instant. Once persisted it never changes; restore hands back copies.
type Snapshot struct {
	ID          string            `json:"id"`
	SessionID   string            `json:"session_id"`
	CreatedAt   time.Time         `json:"created_at"`
	TokenCount  int               `json:"token_count"`
	Summary     string            `json:"summary"`
	Messages    []Message         `json:"messages"`
	Checkpoints []Checkpoint      `json:"checkpoints,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// SnapshotMeta is the listing view of a snapshot, without the message
// payload.
type SnapshotMeta struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	CreatedAt  time.Time `json:"created_at"`
	TokenCount int       `json:"token_count"`
	Summary    string    `json:"summary"`
}

// Thresholds are usage fractions of the ceiling at which the memory
// guard escalates. They must be strictly increasing and within (0,1].
type Thresholds struct {
	Soft     float64 `json:"soft"`
	Hard     float64 `json:"hard"`
	Critical float64 `json:"critical"`
}

// DefaultThresholds returns the standard 0.80/0.90/0.95 ladder.
func DefaultThresholds() Thresholds {
	return Thresholds{Soft: 0.80, Hard: 0.90, Critical: 0.95}
}

// Valid reports whether the ladder is monotonic and in range.
func (t Thresholds) Valid() bool {
	return t.Soft > 0 && t.Soft < t.Hard && t.Hard < t.Critical && t.Critical <= 1
}

// Quantization is the numeric precision of the model's attention
// cache, which sets the bytes-per-token cost of context.
type Quantization string

const (
	QuantF32 Quantization = "f32"
	QuantF16 Quantization = "f16"
	QuantQ8  Quantization = "q8_0"
	QuantQ4  Quantization = "q4_0"
)

// BytesPerUnit is the per-weight byte cost of the quantization.
// Unknown values fall back to f16.
func (q Quantization) BytesPerUnit() float64 {
	switch q {
	case QuantF32:
		return 4
	case QuantF16:
		return 2
	case QuantQ8:
		return 1
	case QuantQ4:
		return 0.5
	default:
		return 2
	}
}
