// Package llm provides clients for local model backends. Two wire
// protocols are supported: the native Ollama API and the
// OpenAI-compatible API served by LM Studio, llama.cpp and friends.
// Callers program against the small capability interfaces below and
// pick a concrete client at wiring time.
package llm

import (
	"context"
	"errors"
)

// Chat roles as they appear on the wire. Both protocols use the same
// strings.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatMessage is the minimal message shape providers exchange with a
// backend.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest describes a single chat completion call.
type CompletionRequest struct {
	// Model overrides the client's configured model when non-empty.
	Model    string
	Messages []ChatMessage
	// MaxTokens bounds the response length. Zero means the backend
	// default. Local backends treat this as advisory, so callers that
	// need a hard bound must clip the result themselves.
	MaxTokens   int
	Temperature *float64
}

// CompletionResponse is the full response of a non-streaming call.
// Token counts come from the backend's own accounting and are zero
// when the backend does not report usage.
type CompletionResponse struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
}

// StreamChunk is one increment of a streaming completion. The final
// chunk has Done set and carries usage counts when the backend
// reports them. Err is only ever set on the final chunk.
type StreamChunk struct {
	Content          string
	Done             bool
	PromptTokens     int
	CompletionTokens int
	Err              error
}

// Completer is the synchronous completion capability. Summarization
// and checkpoint merging depend on this and nothing else.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

// Streamer is the incremental completion capability used by the
// interactive chat loop. The returned channel is closed after the
// final chunk.
type Streamer interface {
	Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error)
}

// TokenCounter is an optional capability for backends that expose a
// server-side tokenizer. Callers discover it by type assertion and
// fall back to local estimation when it is absent or returns
// ErrTokenizerUnavailable.
type TokenCounter interface {
	CountTokens(ctx context.Context, text string) (int, error)
}

var (
	// ErrTokenizerUnavailable reports that the backend has no
	// tokenizer endpoint. Once returned it is permanent for the
	// lifetime of the client.
	ErrTokenizerUnavailable = errors.New("llm: server-side tokenizer unavailable")

	// ErrEmptyCompletion reports a well-formed response that carried
	// no content.
	ErrEmptyCompletion = errors.New("llm: completion returned no content")
)
