package agent

import (
	"context"
	"encoding/json"

	"github.com/evoforge/substrate/pkg/models"
)

// Provider is the single explicit interface every LLM backend implements.
// A provider offers exactly two operations and owns neither retries nor key
// rotation — the Dispatcher owns those policies. key is the credential to
// use for this one call; the dispatcher selects it per its rotation rule
// before every attempt.
type Provider interface {
	// Complete sends a request and returns a channel of response chunks.
	// The channel is closed when the stream ends, successfully or in error.
	// If the stream errors before any chunk with non-empty Text or a
	// ToolCall has been sent, the caller may safely fail over; once such a
	// chunk has been observed, the caller must not fail over mid-stream.
	Complete(ctx context.Context, req *CompletionRequest, key string) (<-chan *CompletionChunk, error)

	// Name returns the provider's identifier (e.g. "anthropic", "ollama").
	Name() string

	// Models returns the models this provider can serve.
	Models() []Model

	// SupportsTools reports whether the provider accepts tool definitions.
	SupportsTools() bool
}

// CompletionRequest is a normalized request to an LLM provider.
type CompletionRequest struct {
	Model     string               `json:"model"`
	System    string               `json:"system,omitempty"`
	Messages  []CompletionMessage  `json:"messages"`
	Tools     []Tool               `json:"tools,omitempty"`
	MaxTokens int                  `json:"max_tokens,omitempty"`
}

// CompletionMessage is one turn of conversation history sent to a provider.
type CompletionMessage struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// CompletionChunk is one element of a provider's streaming response.
type CompletionChunk struct {
	Text         string          `json:"text,omitempty"`
	ToolCall     *models.ToolCall `json:"tool_call,omitempty"`
	Done         bool            `json:"done,omitempty"`
	Error        error           `json:"-"`
	InputTokens  int             `json:"input_tokens,omitempty"`
	OutputTokens int             `json:"output_tokens,omitempty"`
}

// Model describes one model a provider can serve.
type Model struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ContextSize    int    `json:"context_size"`
	SupportsVision bool   `json:"supports_vision"`
}

// Tool is the single explicit interface an executable tool implements
// toward the pipeline.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage) (*models.ToolResult, error)
}
