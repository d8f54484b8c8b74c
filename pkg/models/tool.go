package models

import "encoding/json"

// ToolCall is an LLM's request to execute a named tool.
type ToolCall struct {
	ID      string          `json:"id"`
	Name    string          `json:"tool_name"`
	Args    json.RawMessage `json:"args"`
	TraceID string          `json:"trace_id,omitempty"`
}

// ToolErrorCode enumerates the uniform wire error codes a tool result may
// carry, per the pipeline's wire contract to the dispatcher.
type ToolErrorCode string

const (
	ErrCodeToolNotFound      ToolErrorCode = "tool_not_found"
	ErrCodeInvalidArgs       ToolErrorCode = "invalid_args"
	ErrCodeSecurityViolation ToolErrorCode = "security_violation"
	ErrCodeRateLimited       ToolErrorCode = "rate_limited"
	ErrCodeCircuitOpen       ToolErrorCode = "circuit_open"
	ErrCodeTimeout           ToolErrorCode = "timeout"
	ErrCodeExecutorError     ToolErrorCode = "executor_error"
	ErrCodeConcurrencyLimited ToolErrorCode = "concurrency_limited"
)

// ToolResultError is the structured error attached to a failed ToolResult.
type ToolResultError struct {
	Code    ToolErrorCode `json:"code"`
	Message string        `json:"message"`
}

// ToolResult is the uniform shape the pipeline returns for every tool call,
// whether it succeeded or was rejected at any pipeline stage.
type ToolResult struct {
	OK          bool             `json:"ok"`
	Result      any              `json:"result,omitempty"`
	Error       *ToolResultError `json:"error,omitempty"`
	ExecutionMS int64            `json:"execution_ms"`
	Metadata    map[string]any   `json:"metadata,omitempty"`

	// ToolCallID correlates this result to the ToolCall it answers, so a
	// provider adapter can reconstruct conversation history. Not part of
	// the pipeline's own wire contract.
	ToolCallID string `json:"tool_call_id,omitempty"`
}
