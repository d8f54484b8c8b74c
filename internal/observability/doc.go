// Package observability provides monitoring and debugging capabilities for
// the orchestration substrate through metrics, structured logging, diagnostic
// events, and distributed tracing.
//
// # Overview
//
// The observability package implements four pillars:
//
//  1. Metrics - Quantitative measurements using Prometheus
//  2. Logging - Structured logs with sensitive data redaction
//  3. Diagnostics - In-process pub-sub for inspecting live subsystem activity
//  4. Tracing - Distributed request tracing with OpenTelemetry
//
// # Metrics
//
// Metrics are implemented using Prometheus client libraries and track:
//   - Runtime Dispatcher provider attempts, latency, tokens, and error class
//   - Tool Invocation Pipeline completed tool calls and duration
//   - Evolution Loop promotion outcomes
//
// Example usage:
//
//	metrics := observability.NewMetrics()
//	dispatcher := agent.NewDispatcher(metrics, cooldownStore)
//	pipeline.Config.Metrics = metrics
//
// # Logging
//
// Logging is built on Go's slog package with enhancements for:
//   - Automatic request ID correlation from context
//   - Sensitive data redaction (API keys, passwords, tokens)
//   - JSON output for production, text for development
//   - Configurable log levels
//
// Example usage:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:     "info",
//	    Format:    "json",
//	    AddSource: true,
//	})
//
//	ctx := observability.AddRequestID(ctx, requestID)
//	ctx = observability.AddComponent(ctx, "dispatcher")
//
//	logger.Info(ctx, "dispatching attempt",
//	    "provider", "anthropic",
//	    "model", model,
//	)
//
//	logger.Error(ctx, "attempt failed",
//	    "error", err,
//	    "provider", "anthropic",
//	    "api_key", apiKey, // Automatically redacted
//	)
//
// # Diagnostics
//
// The diagnostic emitter is a lightweight, disabled-by-default pub-sub for
// watching live activity without paying the cost of full tracing. Enable it
// with SetDiagnosticsEnabled(true) and subscribe with OnDiagnosticEvent; the
// returned unsubscribe function should be deferred.
//
//	unsubscribe := observability.OnDiagnosticEvent(func(e observability.DiagnosticEventPayload) {
//	    log.Printf("%s seq=%d", e.EventType(), e.Sequence())
//	})
//	defer unsubscribe()
//
// Metrics.RecordAttempt, RecordToolCall, and RecordPromotion each emit a
// corresponding event when diagnostics are enabled, so enabling metrics
// collection is enough to make a subsystem observable this way.
//
// # Tracing
//
// Distributed tracing uses OpenTelemetry to track requests across the four
// subsystems:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName:    "substrate",
//	    ServiceVersion: "1.0.0",
//	    Environment:    "production",
//	    Endpoint:       "localhost:4317", // OTLP collector
//	    SamplingRate:   0.1,              // Sample 10% of traces
//	})
//	defer shutdown(context.Background())
//
//	ctx, span := tracer.TraceMemoryQuery(ctx, "search", "episodic")
//	defer span.End()
//
//	ctx, promoSpan := tracer.TracePromotion(ctx, proposal.ID)
//	defer promoSpan.End()
//	if err != nil {
//	    tracer.RecordError(promoSpan, err)
//	}
//
// # Context Propagation
//
// Logging and tracing share context correlation:
//
//	ctx = observability.AddRequestID(ctx, "req-123")
//	ctx = observability.AddSessionID(ctx, "sess-456")
//	ctx = observability.AddComponent(ctx, "evolution")
//
//	logger.Info(ctx, "processing") // Includes request_id, session_id, component
//
//	ctx, span := tracer.Start(ctx, "operation")
//
// # Security Considerations
//
// The logging component automatically redacts:
//   - API keys (Anthropic, OpenAI, generic)
//   - Passwords and secrets
//   - JWT tokens
//   - Bearer tokens
//   - Custom patterns via configuration
//
// Sensitive fields in maps are also redacted:
//   - password, passwd, pwd
//   - secret, api_key, apikey
//   - token, auth, authorization
//   - private_key, privatekey
//
// # Testing
//
//   - Metrics can be verified using prometheus/testutil against an
//     isolated, non-global *Metrics built from prometheus.NewCounterVec etc.
//   - Logging writes to a bytes.Buffer for assertions.
//   - Tracing works with a no-op tracer (TraceConfig.Endpoint == "").
//
// # Monitoring Dashboard
//
// The metrics exposed can be used to build dashboards:
//
//	# Provider error rate
//	rate(substrate_provider_errors_total[5m])
//
//	# Attempt latency (95th percentile)
//	histogram_quantile(0.95, rate(substrate_provider_attempt_duration_seconds_bucket[5m]))
//
//	# Tool call throughput
//	rate(substrate_tool_calls_total[5m])
//
//	# Promotions by outcome
//	substrate_promotions_total
//
// # Further Reading
//
//   - Prometheus best practices: https://prometheus.io/docs/practices/naming/
//   - OpenTelemetry specification: https://opentelemetry.io/docs/specs/otel/
//   - slog documentation: https://pkg.go.dev/log/slog
package observability
