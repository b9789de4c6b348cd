// Package llm defines the Backend contract used by the decomposer and
// evaluator to talk to a language model provider, plus a deterministic mock
// implementation for offline operation (LLM_MOCK=1).
package llm

import (
	"context"
	"encoding/json"
)

// Role identifies the speaker of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a chat transcript.
type Message struct {
	Role    Role
	Content string
}

// ChatRequest is a single completion request. When Schema is set, the
// backend must return JSON validating against it (used by the decomposer
// for structured subtask output and by the evaluator for scored verdicts).
type ChatRequest struct {
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	Schema      json.RawMessage
}

// Usage reports token accounting for a single request.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ChatResponse is a backend's answer to a ChatRequest.
type ChatResponse struct {
	Text  string
	Usage Usage
}

// EmbedRequest asks a backend to embed one or more strings.
type EmbedRequest struct {
	Model string
	Input []string
}

// EmbedResponse carries one vector per EmbedRequest.Input entry, same order.
type EmbedResponse struct {
	Vectors [][]float32
}

// Backend is the contract every model provider adapter satisfies: the
// Anthropic, OpenAI, and Bedrock adapters, the rate-limit middleware, and
// the offline Mock implementation.
type Backend interface {
	// Chat issues a completion request. ctx carries the caller's cancellation
	// token; a cancelled ctx must return ctx.Err() wrapped as an
	// orcherr.KindCancelled error, not a transient-backend error.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Embed returns one embedding vector per input string.
	Embed(ctx context.Context, req EmbedRequest) (*EmbedResponse, error)
	// Ping performs a cheap liveness check against the provider.
	Ping(ctx context.Context) error
	// Name identifies the backend for logging/metrics tags.
	Name() string
}
