package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/evoforge/substrate/internal/agent"
	"github.com/evoforge/substrate/pkg/models"
)

// Metrics is a centralized Prometheus metrics surface for the four
// subsystems: provider attempts and failover from the Runtime Dispatcher,
// tool calls from the Tool Invocation Pipeline, storage operations from the
// Memory Engine, and proposal promotions from the Evolution Loop.
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	dispatcher := agent.NewDispatcher(metrics, cooldown)
//	pipeline.Config.Metrics = metrics
type Metrics struct {
	// ProviderAttempts counts dispatcher attempts by provider, model, and
	// outcome.
	// Labels: provider, model, status (success|error)
	ProviderAttempts *prometheus.CounterVec

	// ProviderAttemptDuration measures attempt latency in seconds.
	// Labels: provider, model
	ProviderAttemptDuration *prometheus.HistogramVec

	// ProviderTokens tracks input/output token consumption.
	// Labels: provider, model, type (input|output)
	ProviderTokens *prometheus.CounterVec

	// ProviderErrorsByClass counts dispatcher failures by error class.
	// Labels: provider, model, class
	ProviderErrorsByClass *prometheus.CounterVec

	// ToolCalls counts completed tool invocations by outcome.
	// Labels: tool, status (ok|error)
	ToolCalls *prometheus.CounterVec

	// ToolCallDuration measures tool execution time in seconds.
	// Labels: tool
	ToolCallDuration *prometheus.HistogramVec

	// PromotionsTotal counts evolution promotions by outcome.
	// Labels: status (deployed|rolled_back|failed)
	PromotionsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics with the default
// registry. Call once at process startup.
func NewMetrics() *Metrics {
	return &Metrics{
		ProviderAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "substrate_provider_attempts_total",
				Help: "Total number of dispatcher attempts by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		ProviderAttemptDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "substrate_provider_attempt_duration_seconds",
				Help:    "Duration of dispatcher provider attempts in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		ProviderTokens: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "substrate_provider_tokens_total",
				Help: "Total number of tokens used by provider, model, and direction",
			},
			[]string{"provider", "model", "type"},
		),
		ProviderErrorsByClass: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "substrate_provider_errors_total",
				Help: "Total number of dispatcher errors by provider, model, and error class",
			},
			[]string{"provider", "model", "class"},
		),
		ToolCalls: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "substrate_tool_calls_total",
				Help: "Total number of completed tool calls by tool name and status",
			},
			[]string{"tool", "status"},
		),
		ToolCallDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "substrate_tool_call_duration_seconds",
				Help:    "Duration of tool calls in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		PromotionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "substrate_promotions_total",
				Help: "Total number of evolution promotions by outcome",
			},
			[]string{"status"},
		),
	}
}

// RecordAttempt implements agent.MetricsSink, feeding dispatcher attempts
// into the provider-facing metrics.
func (m *Metrics) RecordAttempt(a agent.AttemptMetric) {
	status := "error"
	if a.Success {
		status = "success"
	}
	m.ProviderAttempts.WithLabelValues(a.Provider, a.Model, status).Inc()
	m.ProviderAttemptDuration.WithLabelValues(a.Provider, a.Model).Observe(float64(a.LatencyMS) / 1000)
	if a.InputTokens > 0 {
		m.ProviderTokens.WithLabelValues(a.Provider, a.Model, "input").Add(float64(a.InputTokens))
	}
	if a.OutputTokens > 0 {
		m.ProviderTokens.WithLabelValues(a.Provider, a.Model, "output").Add(float64(a.OutputTokens))
	}
	if !a.Success {
		m.ProviderErrorsByClass.WithLabelValues(a.Provider, a.Model, string(a.Class)).Inc()
	}

	if IsDiagnosticsEnabled() {
		EmitProviderAttempt(&ProviderAttemptEvent{
			Provider: a.Provider, Model: a.Model, Success: a.Success,
			Class: string(a.Class), DurationMs: a.LatencyMS,
		})
	}
}

// RecordToolCall implements agent.PipelineMetricsSink, feeding completed
// tool calls into the tool-facing metrics.
func (m *Metrics) RecordToolCall(tool string, result *models.ToolResult) {
	status := "error"
	if result != nil && result.OK {
		status = "ok"
	}
	m.ToolCalls.WithLabelValues(tool, status).Inc()
	var durationMs int64
	if result != nil {
		durationMs = result.ExecutionMS
		m.ToolCallDuration.WithLabelValues(tool).Observe(float64(durationMs) / 1000)
	}

	if IsDiagnosticsEnabled() {
		EmitToolCall(&ToolCallEvent{Tool: tool, OK: status == "ok", DurationMs: durationMs})
	}
}

// RecordPromotion records the terminal outcome of one evolution promotion.
// Call it from the call site that drives a Loop, not from the loop itself,
// since models.Proposal's terminal status already names the outcome.
func (m *Metrics) RecordPromotion(proposalID string, status models.ProposalStatus) {
	m.PromotionsTotal.WithLabelValues(string(status)).Inc()
	if IsDiagnosticsEnabled() {
		EmitPromotion(&PromotionEvent{ProposalID: proposalID, Status: string(status)})
	}
}

var _ agent.MetricsSink = (*Metrics)(nil)
var _ agent.PipelineMetricsSink = (*Metrics)(nil)
