// Package events is the explicit notification channel between the
// session core and its surfaces (CLI, HTTP, websocket). Components
// never reach into each other for state changes; they publish here and
// interested parties subscribe.
package events

import (
	"context"
	"time"
)

// EventType identifies the type of event.
type EventType string

const (
	// Usage events fire after every change to the token total.
	UsageUpdated EventType = "usage.updated"

	// Memory pressure events mirror the guard's escalation ladder.
	MemoryWarning   EventType = "memory.warning"
	MemoryCritical  EventType = "memory.critical"
	MemoryEmergency EventType = "memory.emergency"
	// MemoryLow reports a low accelerator-memory reading after the
	// ceiling was sized. The ceiling never changes in response.
	MemoryLow EventType = "memory.low"

	// Compression events bracket a compression pass.
	CompressionStarted   EventType = "compression.started"
	CompressionCompleted EventType = "compression.completed"

	// Checkpoint events report recorded and aged checkpoints.
	CheckpointCreated EventType = "checkpoint.created"
	CheckpointAged    EventType = "checkpoint.aged"

	// Snapshot events report point-in-time captures and restores.
	SnapshotCreated  EventType = "snapshot.created"
	SnapshotRestored EventType = "snapshot.restored"
	SnapshotDeleted  EventType = "snapshot.deleted"

	// Session lifecycle.
	SessionStarted    EventType = "session.started"
	SessionEnded      EventType = "session.ended"
	SessionRolledOver EventType = "session.rolled_over"
	ContextCleared    EventType = "context.cleared"

	// Input gate events tell clients to hold or resume input while a
	// compression cycle runs.
	InputBlocked   EventType = "input.blocked"
	InputUnblocked EventType = "input.unblocked"

	// System events.
	SystemStarted  EventType = "system.started"
	SystemShutdown EventType = "system.shutdown"
	SystemError    EventType = "system.error"
)

// Event is one published occurrence with a typed payload.
type Event[T any] struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Payload   T              `json:"payload"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id,omitempty"`
}

// Publisher is the publishing half of a broker.
type Publisher[T any] interface {
	Publish(eventType EventType, payload T, opts ...PublishOption)
}

// Subscriber is the subscribing half of a broker.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context, filters ...EventFilter) <-chan Event[T]
}

// EventFilter decides whether a subscriber receives an event.
type EventFilter func(Event[any]) bool

// PublishOption customizes a published event.
type PublishOption func(*PublishOptions)

// PublishOptions carries the optional fields of a published event.
type PublishOptions struct {
	SessionID string
	Metadata  map[string]any
}

// WithSessionID stamps the event with the originating session.
func WithSessionID(sessionID string) PublishOption {
	return func(opts *PublishOptions) {
		opts.SessionID = sessionID
	}
}

// WithMetadata attaches free-form metadata to the event.
func WithMetadata(metadata map[string]any) PublishOption {
	return func(opts *PublishOptions) {
		opts.Metadata = metadata
	}
}

// UsagePayload reports token occupancy against the ceiling.
type UsagePayload struct {
	SessionID     string  `json:"session_id"`
	CurrentTokens int     `json:"current_tokens"`
	MaxTokens     int     `json:"max_tokens"`
	Percentage    float64 `json:"percentage"`
	Level         string  `json:"level"`
}

// MemoryPayload reports a guard escalation or a low-memory reading.
type MemoryPayload struct {
	SessionID     string  `json:"session_id,omitempty"`
	Level         string  `json:"level"`
	CurrentTokens int     `json:"current_tokens,omitempty"`
	MaxTokens     int     `json:"max_tokens,omitempty"`
	Fraction      float64 `json:"fraction,omitempty"`
	Message       string  `json:"message,omitempty"`
}

// CompressionPayload reports the outcome of one compression pass.
type CompressionPayload struct {
	SessionID        string  `json:"session_id"`
	Strategy         string  `json:"strategy"`
	OriginalTokens   int     `json:"original_tokens"`
	CompressedTokens int     `json:"compressed_tokens"`
	Ratio            float64 `json:"ratio"`
	Dropped          int     `json:"dropped"`
	Summarized       int     `json:"summarized"`
}

// CheckpointPayload reports checkpoint creation or aging.
type CheckpointPayload struct {
	SessionID    string `json:"session_id"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
	Level        string `json:"level,omitempty"`
	TokenCount   int    `json:"token_count,omitempty"`
	Aged         int    `json:"aged,omitempty"`
}

// SnapshotPayload reports snapshot lifecycle changes.
type SnapshotPayload struct {
	SessionID  string `json:"session_id"`
	SnapshotID string `json:"snapshot_id"`
	Reason     string `json:"reason,omitempty"`
	TokenCount int    `json:"token_count,omitempty"`
}

// SessionPayload reports session lifecycle changes.
type SessionPayload struct {
	SessionID string `json:"session_id"`
	Model     string `json:"model,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
	Message   string `json:"message,omitempty"`
}

// GatePayload reports the input gate opening or closing.
type GatePayload struct {
	SessionID string `json:"session_id"`
	Blocked   bool   `json:"blocked"`
	Reason    string `json:"reason,omitempty"`
}

// SystemPayload reports component status and errors.
type SystemPayload struct {
	Component string `json:"component"`
	Status    string `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
}

// FilterByType accepts only the given event types.
func FilterByType(eventTypes ...EventType) EventFilter {
	typeMap := make(map[EventType]bool, len(eventTypes))
	for _, t := range eventTypes {
		typeMap[t] = true
	}
	return func(event Event[any]) bool {
		return typeMap[event.Type]
	}
}

// FilterBySessionID accepts only events from one session.
func FilterBySessionID(sessionID string) EventFilter {
	return func(event Event[any]) bool {
		return event.SessionID == sessionID
	}
}

// CombineFilters ANDs multiple filters.
func CombineFilters(filters ...EventFilter) EventFilter {
	return func(event Event[any]) bool {
		for _, filter := range filters {
			if !filter(event) {
				return false
			}
		}
		return true
	}
}
