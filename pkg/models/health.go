package models

import "time"

// CircuitStateName is one of the three states in the per-tool circuit
// breaker state machine.
type CircuitStateName string

const (
	CircuitClosed   CircuitStateName = "closed"
	CircuitOpen     CircuitStateName = "open"
	CircuitHalfOpen CircuitStateName = "half_open"
)

// CircuitState is a snapshot of a tool's circuit breaker health.
type CircuitState struct {
	ToolName            string           `json:"tool_name"`
	State               CircuitStateName `json:"state"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	OpenedAt            time.Time        `json:"opened_at,omitempty"`
	NextRetryAt         time.Time        `json:"next_retry_at,omitempty"`
	HalfOpenSuccesses   int              `json:"half_open_successes"`
}

// ProviderHealth tracks auth-failure state for one (provider, key) pair.
type ProviderHealth struct {
	Provider                string    `json:"provider"`
	KeyID                   string    `json:"key_id"`
	ConsecutiveAuthFailures int       `json:"consecutive_auth_failures"`
	LastFailureAt           time.Time `json:"last_failure_at,omitempty"`
	CooldownUntil           time.Time `json:"cooldown_until,omitempty"`
}
