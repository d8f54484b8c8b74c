package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/evoforge/substrate/internal/agent"
	"github.com/evoforge/substrate/internal/agent/providers"
	"github.com/evoforge/substrate/pkg/models"
)

func newTestMetrics() *Metrics {
	return &Metrics{
		ProviderAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_provider_attempts_total", Help: "h"},
			[]string{"provider", "model", "status"},
		),
		ProviderAttemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "test_provider_attempt_duration_seconds", Help: "h"},
			[]string{"provider", "model"},
		),
		ProviderTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_provider_tokens_total", Help: "h"},
			[]string{"provider", "model", "type"},
		),
		ProviderErrorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_provider_errors_total", Help: "h"},
			[]string{"provider", "model", "class"},
		),
		ToolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_tool_calls_total", Help: "h"},
			[]string{"tool", "status"},
		),
		ToolCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "test_tool_call_duration_seconds", Help: "h"},
			[]string{"tool"},
		),
		PromotionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_promotions_total", Help: "h"},
			[]string{"status"},
		),
	}
}

func TestMetrics_RecordAttemptSuccess(t *testing.T) {
	m := newTestMetrics()
	m.RecordAttempt(agent.AttemptMetric{
		Provider: "anthropic", Model: "claude", Success: true,
		LatencyMS: 250, InputTokens: 10, OutputTokens: 20,
	})

	if got := testutil.ToFloat64(m.ProviderAttempts.WithLabelValues("anthropic", "claude", "success")); got != 1 {
		t.Fatalf("expected 1 successful attempt recorded, got %v", got)
	}
	if got := testutil.ToFloat64(m.ProviderTokens.WithLabelValues("anthropic", "claude", "input")); got != 10 {
		t.Fatalf("expected 10 input tokens recorded, got %v", got)
	}
	if got := testutil.ToFloat64(m.ProviderTokens.WithLabelValues("anthropic", "claude", "output")); got != 20 {
		t.Fatalf("expected 20 output tokens recorded, got %v", got)
	}
	if got := testutil.ToFloat64(m.ProviderErrorsByClass.WithLabelValues("anthropic", "claude", string(providers.ClassTimeout))); got != 0 {
		t.Fatalf("expected no error class recorded for a successful attempt, got %v", got)
	}
}

func TestMetrics_RecordAttemptFailureTracksErrorClass(t *testing.T) {
	m := newTestMetrics()
	m.RecordAttempt(agent.AttemptMetric{
		Provider: "openai", Model: "gpt", Success: false,
		Class: providers.ClassRateLimit, LatencyMS: 50,
	})

	if got := testutil.ToFloat64(m.ProviderAttempts.WithLabelValues("openai", "gpt", "error")); got != 1 {
		t.Fatalf("expected 1 failed attempt recorded, got %v", got)
	}
	if got := testutil.ToFloat64(m.ProviderErrorsByClass.WithLabelValues("openai", "gpt", string(providers.ClassRateLimit))); got != 1 {
		t.Fatalf("expected the rate_limit error class to be recorded, got %v", got)
	}
}

func TestMetrics_RecordToolCall(t *testing.T) {
	m := newTestMetrics()
	m.RecordToolCall("web_search", &models.ToolResult{OK: true, ExecutionMS: 120})
	m.RecordToolCall("web_search", &models.ToolResult{OK: false, ExecutionMS: 5})

	if got := testutil.ToFloat64(m.ToolCalls.WithLabelValues("web_search", "ok")); got != 1 {
		t.Fatalf("expected 1 ok tool call, got %v", got)
	}
	if got := testutil.ToFloat64(m.ToolCalls.WithLabelValues("web_search", "error")); got != 1 {
		t.Fatalf("expected 1 error tool call, got %v", got)
	}
}

func TestMetrics_RecordPromotion(t *testing.T) {
	m := newTestMetrics()
	m.RecordPromotion("p1", models.StatusDeployed)
	m.RecordPromotion("p1", models.StatusRolledBack)

	if got := testutil.ToFloat64(m.PromotionsTotal.WithLabelValues(string(models.StatusDeployed))); got != 1 {
		t.Fatalf("expected 1 deployed promotion, got %v", got)
	}
	if got := testutil.ToFloat64(m.PromotionsTotal.WithLabelValues(string(models.StatusRolledBack))); got != 1 {
		t.Fatalf("expected 1 rolled_back promotion, got %v", got)
	}
}

func TestMetrics_ImplementsSinkInterfaces(t *testing.T) {
	var _ agent.MetricsSink = (*Metrics)(nil)
	var _ agent.PipelineMetricsSink = (*Metrics)(nil)
}
