package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/evoforge/substrate/internal/infra"
	"github.com/evoforge/substrate/pkg/models"
)

// scriptedTool returns a fixed sequence of (result, error) pairs, one per
// call, replaying the last entry once the script is exhausted. An optional
// delay lets tests exercise the timeout stage.
type scriptedTool struct {
	name   string
	schema json.RawMessage
	script []func() (*models.ToolResult, error)
	delay  time.Duration
	calls  int
}

func (t *scriptedTool) Name() string           { return t.name }
func (t *scriptedTool) Description() string     { return "test tool" }
func (t *scriptedTool) Schema() json.RawMessage { return t.schema }

func (t *scriptedTool) Execute(ctx context.Context, params json.RawMessage) (*models.ToolResult, error) {
	t.calls++
	if t.delay > 0 {
		select {
		case <-time.After(t.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	idx := t.calls - 1
	if idx >= len(t.script) {
		idx = len(t.script) - 1
	}
	return t.script[idx]()
}

func okResult(v string) func() (*models.ToolResult, error) {
	return func() (*models.ToolResult, error) { return &models.ToolResult{OK: true, Result: v}, nil }
}

func failResult(msg string) func() (*models.ToolResult, error) {
	return func() (*models.ToolResult, error) { return nil, errors.New(msg) }
}

func TestPipeline_CallUnknownTool(t *testing.T) {
	p := NewPipeline(DefaultPipelineConfig())
	res := p.Call(context.Background(), models.ToolCall{ID: "1", Name: "missing", Args: json.RawMessage(`{}`)})
	if res.OK || res.Error == nil || res.Error.Code != models.ErrCodeToolNotFound {
		t.Fatalf("result = %+v, want tool_not_found", res)
	}
}

func TestPipeline_SchemaValidation(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}`)
	tool := &scriptedTool{name: "weather", schema: schema, script: []func() (*models.ToolResult, error){okResult("sunny")}}

	p := NewPipeline(DefaultPipelineConfig())
	if err := p.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}

	bad := p.Call(context.Background(), models.ToolCall{ID: "1", Name: "weather", Args: json.RawMessage(`{}`)})
	if bad.OK || bad.Error == nil || bad.Error.Code != models.ErrCodeInvalidArgs {
		t.Fatalf("missing required field: result = %+v, want invalid_args", bad)
	}

	good := p.Call(context.Background(), models.ToolCall{ID: "2", Name: "weather", Args: json.RawMessage(`{"city":"London"}`)})
	if !good.OK {
		t.Fatalf("valid args: result = %+v, want OK", good)
	}
}

func TestPipeline_PathTraversalBlocked(t *testing.T) {
	tool := &scriptedTool{name: "read_file", script: []func() (*models.ToolResult, error){okResult("contents")}}

	cfg := DefaultPipelineConfig()
	cfg.BaseDirectory = t.TempDir()
	cfg.Security = map[string]ToolSecurityPolicy{"read_file": {PathFields: []string{"path"}}}
	p := NewPipeline(cfg)
	if err := p.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res := p.Call(context.Background(), models.ToolCall{ID: "1", Name: "read_file", Args: json.RawMessage(`{"path":"../../etc/passwd"}`)})
	if res.OK || res.Error == nil || res.Error.Code != models.ErrCodeSecurityViolation {
		t.Fatalf("result = %+v, want security_violation", res)
	}

	ok := p.Call(context.Background(), models.ToolCall{ID: "2", Name: "read_file", Args: json.RawMessage(`{"path":"sub/file.txt"}`)})
	if !ok.OK {
		t.Fatalf("in-bounds path: result = %+v, want OK", ok)
	}

	abs := p.Call(context.Background(), models.ToolCall{ID: "3", Name: "read_file", Args: json.RawMessage(`{"path":"/etc/passwd"}`)})
	if abs.OK || abs.Error == nil || abs.Error.Code != models.ErrCodeSecurityViolation {
		t.Fatalf("absolute path: result = %+v, want security_violation", abs)
	}
}

func TestPipeline_SSRFBlocked(t *testing.T) {
	tool := &scriptedTool{name: "fetch_url", script: []func() (*models.ToolResult, error){okResult("body")}}

	cfg := DefaultPipelineConfig()
	cfg.Security = map[string]ToolSecurityPolicy{"fetch_url": {URLFields: []string{"url"}}}
	p := NewPipeline(cfg)
	if err := p.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res := p.Call(context.Background(), models.ToolCall{ID: "1", Name: "fetch_url", Args: json.RawMessage(`{"url":"http://localhost/admin"}`)})
	if res.OK || res.Error == nil || res.Error.Code != models.ErrCodeSecurityViolation {
		t.Fatalf("result = %+v, want security_violation", res)
	}

	res2 := p.Call(context.Background(), models.ToolCall{ID: "2", Name: "fetch_url", Args: json.RawMessage(`{"url":"ftp://example.com/file"}`)})
	if res2.OK || res2.Error == nil || res2.Error.Code != models.ErrCodeSecurityViolation {
		t.Fatalf("disallowed scheme: result = %+v, want security_violation", res2)
	}
}

func TestPipeline_RateLimited(t *testing.T) {
	tool := &scriptedTool{name: "ping", script: []func() (*models.ToolResult, error){okResult("pong"), okResult("pong"), okResult("pong")}}

	cfg := DefaultPipelineConfig()
	cfg.PerToolTokensPerMinute = map[string]float64{"ping": 60} // 1/s
	cfg.BurstSize = 1
	p := NewPipeline(cfg)
	if err := p.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}

	first := p.Call(context.Background(), models.ToolCall{ID: "1", Name: "ping", Args: json.RawMessage(`{}`)})
	if !first.OK {
		t.Fatalf("first call: result = %+v, want OK", first)
	}
	second := p.Call(context.Background(), models.ToolCall{ID: "2", Name: "ping", Args: json.RawMessage(`{}`)})
	if second.OK || second.Error == nil || second.Error.Code != models.ErrCodeRateLimited {
		t.Fatalf("second call: result = %+v, want rate_limited", second)
	}
}

// blockingTool holds its first call open until release is closed, letting
// a test observe a second call arriving while the first is still in-flight.
type blockingTool struct {
	name    string
	entered chan struct{}
	release chan struct{}
}

func (t *blockingTool) Name() string           { return t.name }
func (t *blockingTool) Description() string     { return "test tool" }
func (t *blockingTool) Schema() json.RawMessage { return nil }

func (t *blockingTool) Execute(ctx context.Context, params json.RawMessage) (*models.ToolResult, error) {
	select {
	case t.entered <- struct{}{}:
	default:
	}
	select {
	case <-t.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &models.ToolResult{OK: true, Result: "done"}, nil
}

func TestPipeline_ConcurrencyLimited(t *testing.T) {
	tool := &blockingTool{name: "slow_job", entered: make(chan struct{}, 1), release: make(chan struct{})}

	cfg := DefaultPipelineConfig()
	cfg.PerToolConcurrency = map[string]int64{"slow_job": 1}
	p := NewPipeline(cfg)
	if err := p.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}

	firstDone := make(chan *models.ToolResult, 1)
	go func() {
		firstDone <- p.Call(context.Background(), models.ToolCall{ID: "1", Name: "slow_job", Args: json.RawMessage(`{}`)})
	}()

	select {
	case <-tool.entered:
	case <-time.After(time.Second):
		t.Fatal("first call never entered execution")
	}

	second := p.Call(context.Background(), models.ToolCall{ID: "2", Name: "slow_job", Args: json.RawMessage(`{}`)})
	if second.OK || second.Error == nil || second.Error.Code != models.ErrCodeConcurrencyLimited {
		t.Fatalf("second call: result = %+v, want concurrency_limited", second)
	}

	close(tool.release)
	first := <-firstDone
	if !first.OK {
		t.Fatalf("first call: result = %+v, want OK", first)
	}
}

func TestPipeline_CircuitBreakerOpensAndRecovers(t *testing.T) {
	tool := &scriptedTool{name: "flaky", script: []func() (*models.ToolResult, error){
		failResult("boom"), failResult("boom"), failResult("boom"),
		okResult("recovered"),
	}}

	cfg := DefaultPipelineConfig()
	cfg.CircuitBreaker.FailureThreshold = 3
	cfg.CircuitBreaker.SuccessThreshold = 2
	cfg.CircuitBreaker.Timeout = 50 * time.Millisecond
	p := NewPipeline(cfg)
	if err := p.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}

	for i := 0; i < 3; i++ {
		res := p.Call(context.Background(), models.ToolCall{ID: "fail", Name: "flaky", Args: json.RawMessage(`{}`)})
		if res.OK || res.Error.Code != models.ErrCodeExecutorError {
			t.Fatalf("call %d: result = %+v, want executor_error", i, res)
		}
	}
	if tool.calls != 3 {
		t.Fatalf("calls = %d, want 3", tool.calls)
	}

	// Circuit should now be open: calls rejected without invoking the tool.
	rejected := p.Call(context.Background(), models.ToolCall{ID: "rejected", Name: "flaky", Args: json.RawMessage(`{}`)})
	if rejected.OK || rejected.Error == nil || rejected.Error.Code != models.ErrCodeCircuitOpen {
		t.Fatalf("result = %+v, want circuit_open", rejected)
	}
	if tool.calls != 3 {
		t.Fatalf("calls = %d after rejection, want still 3 (tool must not run while open)", tool.calls)
	}

	time.Sleep(60 * time.Millisecond)

	recovered := p.Call(context.Background(), models.ToolCall{ID: "recover", Name: "flaky", Args: json.RawMessage(`{}`)})
	if !recovered.OK {
		t.Fatalf("half-open trial: result = %+v, want OK", recovered)
	}
}

func TestPipeline_Timeout(t *testing.T) {
	tool := &scriptedTool{name: "slow", delay: 50 * time.Millisecond, script: []func() (*models.ToolResult, error){okResult("late")}}

	cfg := DefaultPipelineConfig()
	cfg.PerToolTimeout = 10 * time.Millisecond
	p := NewPipeline(cfg)
	if err := p.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res := p.Call(context.Background(), models.ToolCall{ID: "1", Name: "slow", Args: json.RawMessage(`{}`)})
	if res.OK || res.Error == nil || res.Error.Code != models.ErrCodeTimeout {
		t.Fatalf("result = %+v, want timeout", res)
	}
}

func TestPipeline_ResultCarriesExecutionTimeAndToolCallID(t *testing.T) {
	tool := &scriptedTool{name: "echo", script: []func() (*models.ToolResult, error){okResult("hi")}}
	p := NewPipeline(DefaultPipelineConfig())
	if err := p.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res := p.Call(context.Background(), models.ToolCall{ID: "call-42", Name: "echo", Args: json.RawMessage(`{}`)})
	if res.ToolCallID != "call-42" {
		t.Errorf("ToolCallID = %q, want call-42", res.ToolCallID)
	}
	if res.ExecutionMS < 0 {
		t.Errorf("ExecutionMS = %d, want >= 0", res.ExecutionMS)
	}
}

func TestPipeline_ExecutorErrorClassifiedAsWireCode(t *testing.T) {
	tool := &scriptedTool{name: "broken", script: []func() (*models.ToolResult, error){failResult("permission denied")}}
	p := NewPipeline(DefaultPipelineConfig())
	if err := p.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res := p.Call(context.Background(), models.ToolCall{ID: "1", Name: "broken", Args: json.RawMessage(`{}`)})
	if res.OK || res.Error == nil {
		t.Fatalf("result = %+v, want error", res)
	}
	if res.Error.Code != models.ErrCodeSecurityViolation {
		t.Fatalf("Error.Code = %v, want %v (classified from tool error)", res.Error.Code, models.ErrCodeSecurityViolation)
	}
}

func TestPipeline_NonRetryableErrorSkipsRetryBudget(t *testing.T) {
	tool := &scriptedTool{name: "invalid", script: []func() (*models.ToolResult, error){
		failResult("invalid input parameter"),
		okResult("recovered"),
	}}
	cfg := DefaultPipelineConfig()
	cfg.RetryConfig = &infra.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond}
	p := NewPipeline(cfg)
	if err := p.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res := p.Call(context.Background(), models.ToolCall{ID: "1", Name: "invalid", Args: json.RawMessage(`{}`)})
	if res.OK {
		t.Fatal("expected failure, invalid-input classification should not retry")
	}
	if tool.calls != 1 {
		t.Fatalf("tool.calls = %d, want 1 (no retry for non-retryable classification)", tool.calls)
	}
}

func TestPipeline_SSRFBlocksInvalidScheme(t *testing.T) {
	tool := &scriptedTool{name: "fetch_file", script: []func() (*models.ToolResult, error){okResult("ok")}}
	cfg := DefaultPipelineConfig()
	cfg.Security = map[string]ToolSecurityPolicy{"fetch_file": {URLFields: []string{"url"}}}
	p := NewPipeline(cfg)
	if err := p.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res := p.Call(context.Background(), models.ToolCall{ID: "1", Name: "fetch_file", Args: json.RawMessage(`{"url":"file:///etc/passwd"}`)})
	if res.OK || res.Error == nil || res.Error.Code != models.ErrCodeSecurityViolation {
		t.Fatalf("result = %+v, want security_violation", res)
	}
}
