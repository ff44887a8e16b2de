package storage

import (
	"time"
)

// SessionRecord is one persisted session row. State carries the
// serialized conversation, checkpoint list included, written on clear
// and on shutdown.
type SessionRecord struct {
	ID           string    `json:"id"`
	Model        string    `json:"model"`
	MaxTokens    int       `json:"max_tokens"`
	TokenCount   int       `json:"token_count"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	State        []byte    `json:"state,omitempty"`
}

// SessionSummary is the listing view of a session, without the state
// blob.
type SessionSummary struct {
	ID           string    `json:"id"`
	Model        string    `json:"model"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
	TokenCount   int       `json:"token_count"`
}

// SnapshotRecord is one persisted snapshot row. Payload is the full
// snapshot serialized as JSON; the remaining columns exist so listings
// never load it.
type SnapshotRecord struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	CreatedAt  time.Time `json:"created_at"`
	TokenCount int       `json:"token_count"`
	Summary    string    `json:"summary"`
	Payload    []byte    `json:"payload"`
}

// SnapshotInfo is the listing view of a snapshot, without the payload.
type SnapshotInfo struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	CreatedAt  time.Time `json:"created_at"`
	TokenCount int       `json:"token_count"`
	Summary    string    `json:"summary"`
}
