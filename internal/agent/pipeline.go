package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/evoforge/substrate/internal/infra"
	"github.com/evoforge/substrate/internal/net/ssrf"
	"github.com/evoforge/substrate/internal/ratelimit"
	"github.com/evoforge/substrate/pkg/models"
)

// ToolSecurityPolicy names the fields of a tool's input schema that carry a
// URL or a filesystem path, so the pipeline knows what to validate before
// a tool ever runs. A tool with neither need not appear in the policy map.
type ToolSecurityPolicy struct {
	URLFields  []string
	PathFields []string
}

// PipelineConfig configures the stages of a Pipeline.
type PipelineConfig struct {
	// BaseDirectory confines every validated path field; a path resolving
	// outside it is a security violation.
	BaseDirectory string

	// PerToolTokensPerMinute sizes a rate limiter bucket per tool name.
	// A tool absent from the map is unlimited.
	PerToolTokensPerMinute map[string]float64
	BurstSize              float64

	// PerToolConcurrency caps the number of in-flight calls to a tool,
	// independent of its rate limit: a rate limit bounds throughput over
	// time, this bounds how many calls may be executing at once. A tool
	// absent from the map (or mapped to 0) is uncapped.
	PerToolConcurrency map[string]int64

	CircuitBreaker infra.CircuitBreakerConfig

	PerToolTimeout time.Duration
	RetryConfig    *infra.RetryConfig

	Security map[string]ToolSecurityPolicy

	Metrics PipelineMetricsSink
}

// PipelineMetricsSink receives one record per completed tool call.
type PipelineMetricsSink interface {
	RecordToolCall(tool string, result *models.ToolResult)
}

type nopPipelineMetricsSink struct{}

func (nopPipelineMetricsSink) RecordToolCall(string, *models.ToolResult) {}

// DefaultPipelineConfig returns the configuration's defaults: a three-
// failure circuit breaker with a one-minute cooldown and a two-success
// half-open recovery, a thirty-second per-tool timeout, and one attempt
// (no retry) per call.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		PerToolTokensPerMinute: make(map[string]float64),
		BurstSize:              10,
		CircuitBreaker: infra.CircuitBreakerConfig{
			FailureThreshold: 3,
			SuccessThreshold: 2,
			Timeout:          60 * time.Second,
		},
		PerToolTimeout:     30 * time.Second,
		RetryConfig:        &infra.RetryConfig{MaxAttempts: 0},
		Security:           make(map[string]ToolSecurityPolicy),
		Metrics:            nopPipelineMetricsSink{},
		PerToolConcurrency: make(map[string]int64),
	}
}

// Pipeline is the registry-and-executor layer between the dispatcher and a
// named tool: it validates a call's schema and security posture, enforces a
// per-tool rate limit and circuit breaker, executes with a timeout and
// retry budget, and always returns the uniform wire shape, success or
// failure, never a raw error.
type Pipeline struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	schemas  map[string]*jsonschema.Schema
	config   PipelineConfig
	limiters map[string]*ratelimit.Limiter
	breakers *infra.CircuitBreakerRegistry
	inflight *infra.SemaphorePool
}

// NewPipeline constructs a Pipeline. cfg's zero value is usable but
// DefaultPipelineConfig is the recommended starting point.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Metrics == nil {
		cfg.Metrics = nopPipelineMetricsSink{}
	}
	if cfg.PerToolTokensPerMinute == nil {
		cfg.PerToolTokensPerMinute = make(map[string]float64)
	}
	if cfg.Security == nil {
		cfg.Security = make(map[string]ToolSecurityPolicy)
	}
	return &Pipeline{
		tools:    make(map[string]Tool),
		schemas:  make(map[string]*jsonschema.Schema),
		config:   cfg,
		limiters: make(map[string]*ratelimit.Limiter),
		breakers: infra.NewCircuitBreakerRegistry(cfg.CircuitBreaker),
		inflight: infra.NewSemaphorePool(0),
	}
}

// Register makes a tool callable by name, compiling its JSON schema up
// front so a malformed schema fails at registration rather than on a
// caller's first invocation.
func (p *Pipeline) Register(tool Tool) error {
	compiled, err := compileSchema(tool.Name(), tool.Schema())
	if err != nil {
		return fmt.Errorf("pipeline: register %s: %w", tool.Name(), err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.tools[tool.Name()] = tool
	p.schemas[tool.Name()] = compiled
	return nil
}

// Unregister removes a tool.
func (p *Pipeline) Unregister(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tools, name)
	delete(p.schemas, name)
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	c := jsonschema.NewCompiler()
	resourceName := name + ".json"
	if err := c.AddResource(resourceName, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return c.Compile(resourceName)
}

// AsLLMTools returns the schema surface a provider needs to offer tool use.
func (p *Pipeline) AsLLMTools() []Tool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Tool, 0, len(p.tools))
	for _, t := range p.tools {
		out = append(out, t)
	}
	return out
}

func (p *Pipeline) limiter(name string) *ratelimit.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.limiters[name]; ok {
		return l
	}
	rps := p.config.PerToolTokensPerMinute[name] / 60.0
	burst := p.config.BurstSize
	if burst <= 0 {
		burst = 10
	}
	enabled := rps > 0
	l := ratelimit.NewLimiter(ratelimit.Config{RequestsPerSecond: rps, BurstSize: burst, Enabled: enabled})
	p.limiters[name] = l
	return l
}

// Call runs one named tool call through the full pipeline: lookup, schema
// validation, security validation, rate limiting, circuit breaking,
// execution, and metrics. It never returns a non-nil error itself; every
// outcome, including rejection at any stage, is reported through the
// returned ToolResult's OK/Error fields so a caller can forward it verbatim
// on the wire.
func (p *Pipeline) Call(ctx context.Context, call models.ToolCall) *models.ToolResult {
	start := time.Now()
	result := p.call(ctx, call)
	result.ExecutionMS = time.Since(start).Milliseconds()
	result.ToolCallID = call.ID
	p.config.Metrics.RecordToolCall(call.Name, result)
	return result
}

func (p *Pipeline) call(ctx context.Context, call models.ToolCall) *models.ToolResult {
	p.mu.RLock()
	tool, ok := p.tools[call.Name]
	schema := p.schemas[call.Name]
	p.mu.RUnlock()

	if !ok {
		return errResult(models.ErrCodeToolNotFound, fmt.Sprintf("tool not found: %s", call.Name))
	}

	if schema != nil {
		var v any
		if err := json.Unmarshal(call.Args, &v); err != nil {
			return errResult(models.ErrCodeInvalidArgs, fmt.Sprintf("invalid JSON arguments: %v", err))
		}
		if err := schema.Validate(v); err != nil {
			return errResult(models.ErrCodeInvalidArgs, fmt.Sprintf("schema validation failed: %v", err))
		}
	}

	if policy, ok := p.config.Security[call.Name]; ok {
		if err := p.validateSecurity(policy, call.Args); err != nil {
			return errResult(models.ErrCodeSecurityViolation, err.Error())
		}
	}

	if limiter := p.limiter(call.Name); !limiter.Allow(call.Name) {
		return errResult(models.ErrCodeRateLimited, fmt.Sprintf("rate limit exceeded for tool %q", call.Name))
	}

	if max, ok := p.config.PerToolConcurrency[call.Name]; ok && max > 0 {
		sem := p.inflight.GetOrCreate(call.Name, max)
		if !sem.TryAcquire(1) {
			return errResult(models.ErrCodeConcurrencyLimited, fmt.Sprintf("concurrency limit exceeded for tool %q", call.Name))
		}
		defer sem.Release(1)
	}

	breaker := p.breakers.GetWithConfig(call.Name, p.config.CircuitBreaker)

	timeout := p.config.PerToolTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	retryCfg := p.config.RetryConfig
	if retryCfg == nil {
		retryCfg = &infra.RetryConfig{MaxAttempts: 0}
	}
	if retryCfg.RetryIf == nil {
		cfg := *retryCfg
		cfg.RetryIf = IsToolRetryable
		retryCfg = &cfg
	}

	res, err := infra.ExecuteWithResult(breaker, ctx, func(execCtx context.Context) (*models.ToolResult, error) {
		val, retryResult := infra.Retry(execCtx, retryCfg, func(attemptCtx context.Context) (*models.ToolResult, error) {
			return p.execute(attemptCtx, tool, call.Args, timeout)
		})
		return val, retryResult.LastError
	})
	if err != nil {
		if err == infra.ErrCircuitOpen {
			return errResult(models.ErrCodeCircuitOpen, fmt.Sprintf("circuit open for tool %q", call.Name))
		}
		var pe *pipelineExecError
		if ok := asPipelineExecError(err, &pe); ok {
			return errResult(pe.code, pe.Error())
		}
		return errResult(models.ErrCodeExecutorError, err.Error())
	}
	return res
}

// pipelineExecError carries the wire error code an execute failure should
// surface, so a retry/circuit-breaker wrapper doesn't need to know tool
// semantics to classify it.
type pipelineExecError struct {
	code models.ToolErrorCode
	msg  string
}

func (e *pipelineExecError) Error() string { return e.msg }

func asPipelineExecError(err error, target **pipelineExecError) bool {
	pe, ok := err.(*pipelineExecError)
	if ok {
		*target = pe
	}
	return ok
}

// execute runs a single tool invocation under a deadline, distinguishing a
// timeout from the tool's own error. Both are reported as an error so the
// retry and circuit-breaker layers see them as attempt failures.
func (p *Pipeline) execute(ctx context.Context, tool Tool, args json.RawMessage, timeout time.Duration) (*models.ToolResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result *models.ToolResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := tool.Execute(execCtx, args)
		done <- outcome{r, err}
	}()

	select {
	case <-execCtx.Done():
		msg := fmt.Sprintf("tool timed out after %s", timeout)
		return nil, &pipelineExecError{code: models.ErrCodeTimeout, msg: msg}
	case o := <-done:
		if o.err != nil {
			toolErr := NewToolError(tool.Name(), o.err)
			return nil, &pipelineExecError{code: toolErr.Type.wireCode(), msg: toolErr.Error()}
		}
		if o.result == nil {
			o.result = &models.ToolResult{OK: true}
		}
		return o.result, nil
	}
}

func (p *Pipeline) validateSecurity(policy ToolSecurityPolicy, args json.RawMessage) error {
	var decoded map[string]any
	if len(policy.URLFields) > 0 || len(policy.PathFields) > 0 {
		if err := json.Unmarshal(args, &decoded); err != nil {
			return fmt.Errorf("cannot inspect arguments for security validation: %w", err)
		}
	}

	for _, field := range policy.URLFields {
		raw, ok := decoded[field].(string)
		if !ok || raw == "" {
			continue
		}
		parsed, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("field %q: invalid URL: %w", field, err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("field %q: unsupported URL scheme %q", field, parsed.Scheme)
		}
		if err := ssrf.ValidatePublicHostname(parsed.Hostname()); err != nil {
			return fmt.Errorf("field %q: %w", field, err)
		}
	}

	for _, field := range policy.PathFields {
		raw, ok := decoded[field].(string)
		if !ok || raw == "" {
			continue
		}
		if _, err := resolveWithinBase(p.config.BaseDirectory, raw); err != nil {
			return fmt.Errorf("field %q: %w", field, err)
		}
	}

	return nil
}

// resolveWithinBase resolves candidate against base and rejects any result
// that escapes base, whether via ".." segments or an absolute override.
func resolveWithinBase(base, candidate string) (string, error) {
	if filepath.IsAbs(candidate) {
		return "", fmt.Errorf("path must be relative: %s", candidate)
	}
	if base == "" {
		return candidate, nil
	}
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", fmt.Errorf("invalid base directory: %w", err)
	}
	joined := filepath.Join(absBase, candidate)
	rel, err := filepath.Rel(absBase, joined)
	if err != nil {
		return "", fmt.Errorf("path escapes base directory: %s", candidate)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes base directory: %s", candidate)
	}
	return joined, nil
}

func errResult(code models.ToolErrorCode, message string) *models.ToolResult {
	return &models.ToolResult{
		OK:    false,
		Error: &models.ToolResultError{Code: code, Message: message},
	}
}
