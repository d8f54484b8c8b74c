package infra

import (
	"context"
	"strings"
	"time"
)

// ProviderRetryPolicy defines retry behavior for a specific LLM provider.
// Providers differ in how aggressively they rate-limit and in how a
// server-specified backoff shows up in an error message, so each gets its
// own policy rather than one retry shape for all of them.
type ProviderRetryPolicy struct {
	// Name identifies this policy.
	Name string

	// MaxAttempts is the total number of attempts (1 = no retries).
	MaxAttempts int

	// MinDelay is the minimum delay between retries.
	MinDelay time.Duration

	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration

	// JitterFraction adds randomness to delays (0.0-1.0).
	JitterFraction float64

	// ShouldRetry determines if an error should trigger a retry.
	// If nil, defaults to retrying all non-permanent errors.
	ShouldRetry func(err error) bool

	// RetryAfter extracts a server-specified retry delay from an error.
	// Returns 0 if no specific delay is specified.
	RetryAfter func(err error) time.Duration

	// OnRetry is called before each retry attempt for logging/observability.
	OnRetry func(info RetryInfo)
}

// RetryInfo provides context about a retry attempt.
type RetryInfo struct {
	Attempt     int
	MaxAttempts int
	Delay       time.Duration
	Error       error
	Label       string
}

// AnthropicRetryPolicy matches Anthropic's rate-limit and overload responses,
// which surface a retry-after hint in the error body.
var AnthropicRetryPolicy = ProviderRetryPolicy{
	Name:           "anthropic",
	MaxAttempts:    4,
	MinDelay:       1 * time.Second,
	MaxDelay:       30 * time.Second,
	JitterFraction: 0.1,
	ShouldRetry:    isProviderRetryable,
	RetryAfter:     extractProviderRetryAfter,
}

// OpenAIRetryPolicy matches OpenAI's rate-limit responses, which also carry a
// retry-after hint.
var OpenAIRetryPolicy = ProviderRetryPolicy{
	Name:           "openai",
	MaxAttempts:    4,
	MinDelay:       1 * time.Second,
	MaxDelay:       30 * time.Second,
	JitterFraction: 0.1,
	ShouldRetry:    isProviderRetryable,
	RetryAfter:     extractProviderRetryAfter,
}

// OllamaRetryPolicy covers a locally-hosted model runner: no billing or rate
// limit tier, so failures are almost always connection or overload errors
// worth a quick retry, never a multi-second backoff.
var OllamaRetryPolicy = ProviderRetryPolicy{
	Name:           "ollama",
	MaxAttempts:    3,
	MinDelay:       200 * time.Millisecond,
	MaxDelay:       5 * time.Second,
	JitterFraction: 0.1,
	ShouldRetry:    isProviderRetryable,
}

// DefaultProviderRetryPolicy covers a provider with no dedicated policy.
var DefaultProviderRetryPolicy = ProviderRetryPolicy{
	Name:           "default",
	MaxAttempts:    3,
	MinDelay:       1 * time.Second,
	MaxDelay:       30 * time.Second,
	JitterFraction: 0.1,
	ShouldRetry: func(err error) bool {
		return !IsPermanent(err)
	},
}

// providerPolicies maps provider names to their retry policies.
var providerPolicies = map[string]*ProviderRetryPolicy{
	"anthropic": &AnthropicRetryPolicy,
	"openai":    &OpenAIRetryPolicy,
	"ollama":    &OllamaRetryPolicy,
}

// GetProviderRetryPolicy returns the retry policy for a provider name.
func GetProviderRetryPolicy(provider string) *ProviderRetryPolicy {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if policy, ok := providerPolicies[provider]; ok {
		return policy
	}
	return &DefaultProviderRetryPolicy
}

// RegisterProviderRetryPolicy registers a custom retry policy for a provider.
func RegisterProviderRetryPolicy(provider string, policy *ProviderRetryPolicy) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	providerPolicies[provider] = policy
}

// isProviderRetryable reports whether a provider error is worth retrying:
// anything that isn't already marked permanent (an auth or billing failure,
// which no amount of retrying fixes).
func isProviderRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !IsPermanent(err)
}

// extractProviderRetryAfter looks for a server-specified retry delay in a
// provider error's message. Anthropic and OpenAI both echo a retry_after (or
// Retry-After) value in their rate-limit error bodies.
func extractProviderRetryAfter(err error) time.Duration {
	if err == nil {
		return 0
	}
	msg := strings.ToLower(err.Error())

	for _, marker := range []string{"retry_after", "retry-after"} {
		if idx := strings.Index(msg, marker); idx >= 0 {
			if ms := parseRetryAfterFromString(msg[idx:]); ms != 0 {
				return time.Duration(ms) * time.Millisecond
			}
		}
	}
	return 0
}

// parseRetryAfterFromString tries to extract a retry delay from a string.
// Returns milliseconds or 0 if not found.
func parseRetryAfterFromString(s string) int64 {
	// Look for patterns like: retry_after: 5, retry_after":5, retry-after: 5
	var num int64
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= '0' && c <= '9' {
			// Found start of number
			for j := i; j < len(s); j++ {
				d := s[j]
				if d >= '0' && d <= '9' {
					num = num*10 + int64(d-'0')
				} else {
					break
				}
			}
			// Assume seconds, convert to ms
			if num > 0 && num < 1000 {
				return num * 1000
			}
			return num
		}
	}
	return 0
}

// RetryRunner wraps a function with provider-specific retry logic.
type RetryRunner struct {
	policy  *ProviderRetryPolicy
	verbose bool
}

// NewRetryRunner creates a new retry runner for a provider.
func NewRetryRunner(provider string, verbose bool) *RetryRunner {
	return &RetryRunner{
		policy:  GetProviderRetryPolicy(provider),
		verbose: verbose,
	}
}

// Run executes a function with the configured retry policy.
func (r *RetryRunner) Run(ctx context.Context, label string, fn func(context.Context) error) error {
	cfg := &RetryConfig{
		MaxAttempts:    r.policy.MaxAttempts - 1, // Convert to retry count
		InitialDelay:   r.policy.MinDelay,
		MaxDelay:       r.policy.MaxDelay,
		Strategy:       BackoffExponential,
		JitterFraction: r.policy.JitterFraction,
		RetryIf:        r.policy.ShouldRetry,
	}

	result := RetryVoid(ctx, cfg, fn)
	return result.LastError
}

// RunWithResult executes a function that returns a value with retry.
func (r *RetryRunner) RunWithResult(ctx context.Context, label string, fn func(context.Context) (any, error)) (any, error) {
	cfg := &RetryConfig{
		MaxAttempts:    r.policy.MaxAttempts - 1,
		InitialDelay:   r.policy.MinDelay,
		MaxDelay:       r.policy.MaxDelay,
		Strategy:       BackoffExponential,
		JitterFraction: r.policy.JitterFraction,
		RetryIf:        r.policy.ShouldRetry,
	}

	val, result := Retry(ctx, cfg, fn)
	return val, result.LastError
}

// RetryAfter returns the cooldown infra.GetProviderRetryPolicy(provider)
// recommends for err, or fallback if the policy has no RetryAfter extractor
// or finds no server-specified delay in err's message.
func RetryAfter(provider string, err error, fallback time.Duration) time.Duration {
	policy := GetProviderRetryPolicy(provider)
	if policy.RetryAfter == nil {
		return fallback
	}
	if d := policy.RetryAfter(err); d > 0 {
		return d
	}
	return fallback
}
