package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

const (
	defaultOllamaBaseURL = "http://localhost:11434"

	// Ollama can be slow to first token on large local models, so the
	// default timeout is generous.
	defaultOllamaTimeout = 120 * time.Second

	// maxStreamLine bounds a single NDJSON event from /api/chat.
	maxStreamLine = 1024 * 1024
)

// OllamaConfig configures an OllamaClient. Zero values fall back to
// localhost and the default timeout.
type OllamaConfig struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// OllamaClient talks to an Ollama server over its native API. It
// implements Completer, Streamer and TokenCounter.
type OllamaClient struct {
	baseURL string
	model   string
	client  *http.Client

	// tokenizeMissing latches to true the first time /api/tokenize
	// answers 404, so older servers are probed exactly once.
	tokenizeMissing atomic.Bool
}

// NewOllamaClient creates a client for the given server and model.
func NewOllamaClient(cfg OllamaConfig) *OllamaClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultOllamaTimeout
	}
	return &OllamaClient{
		baseURL: baseURL,
		model:   cfg.Model,
		client:  &http.Client{Timeout: timeout},
	}
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

// ollamaChatEvent is both the single response of a non-streaming call
// and one event of a streaming one. prompt_eval_count and eval_count
// only appear on the final (done) event.
type ollamaChatEvent struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done            bool `json:"done"`
	PromptEvalCount int  `json:"prompt_eval_count"`
	EvalCount       int  `json:"eval_count"`
}

type ollamaTokenizeRequest struct {
	Model string `json:"model"`
	Text  string `json:"text"`
}

type ollamaTokenizeResponse struct {
	Tokens []int `json:"tokens"`
}

func (c *OllamaClient) chatRequest(req CompletionRequest, stream bool) ollamaChatRequest {
	model := req.Model
	if model == "" {
		model = c.model
	}

	messages := make([]ollamaMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, ollamaMessage{Role: m.Role, Content: m.Content})
	}

	var options *ollamaOptions
	if req.Temperature != nil || req.MaxTokens > 0 {
		options = &ollamaOptions{Temperature: req.Temperature}
		if req.MaxTokens > 0 {
			n := req.MaxTokens
			options.NumPredict = &n
		}
	}

	return ollamaChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
		Options:  options,
	}
}

func (c *OllamaClient) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// Complete implements Completer with a single non-streaming call.
func (c *OllamaClient) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	resp, err := c.post(ctx, "/api/chat", c.chatRequest(req, false))
	if err != nil {
		return CompletionResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return CompletionResponse{}, fmt.Errorf("ollama API error %d: %s", resp.StatusCode, string(body))
	}

	var event ollamaChatEvent
	if err := json.NewDecoder(resp.Body).Decode(&event); err != nil {
		return CompletionResponse{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if event.Message.Content == "" {
		return CompletionResponse{}, ErrEmptyCompletion
	}

	return CompletionResponse{
		Content:          event.Message.Content,
		PromptTokens:     event.PromptEvalCount,
		CompletionTokens: event.EvalCount,
	}, nil
}

// Stream implements Streamer. Events arrive as newline-delimited JSON;
// malformed lines are skipped so one bad event cannot kill the stream.
func (c *OllamaClient) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	resp, err := c.post(ctx, "/api/chat", c.chatRequest(req, true))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("ollama API error %d: %s", resp.StatusCode, string(body))
	}

	out := make(chan StreamChunk, 32)
	go c.readStream(ctx, resp, out)
	return out, nil
}

func (c *OllamaClient) readStream(ctx context.Context, resp *http.Response, out chan<- StreamChunk) {
	defer resp.Body.Close()
	defer close(out)

	send := func(chunk StreamChunk) bool {
		select {
		case out <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLine)

	final := StreamChunk{Done: true}
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var event ollamaChatEvent
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}

		if event.Message.Content != "" {
			if !send(StreamChunk{Content: event.Message.Content}) {
				return
			}
		}
		if event.Done {
			final.PromptTokens = event.PromptEvalCount
			final.CompletionTokens = event.EvalCount
			break
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		final.Err = fmt.Errorf("stream read failed: %w", err)
	}
	send(final)
}

// CountTokens implements TokenCounter against /api/tokenize. Servers
// that predate the endpoint answer 404; that disables server-side
// counting for the rest of the client's lifetime.
func (c *OllamaClient) CountTokens(ctx context.Context, text string) (int, error) {
	if c.tokenizeMissing.Load() {
		return 0, ErrTokenizerUnavailable
	}

	resp, err := c.post(ctx, "/api/tokenize", ollamaTokenizeRequest{Model: c.model, Text: text})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		c.tokenizeMissing.Store(true)
		log.Debug("ollama tokenizer endpoint missing, using local estimates", "status", resp.StatusCode)
		return 0, ErrTokenizerUnavailable
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("ollama API error %d: %s", resp.StatusCode, string(body))
	}

	var tokens ollamaTokenizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return 0, fmt.Errorf("failed to decode response: %w", err)
	}
	return len(tokens.Tokens), nil
}
