// Package telemetry carries the engine's observability surface: structured
// logging, metrics, tracing, and the event sink that step executors emit
// into. Sink emissions are isolated; a failing sink never fails a step.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the engine.
// Implementations typically delegate to Clue but the interface is small so
// tests can provide lightweight stubs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter and histogram helpers for engine instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so engine code stays agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// Standard metric names recorded by the engine.
const (
	MetricFlowRuns         = "flow_runs_total"
	MetricFlowErrors       = "flow_errors_total"
	MetricParallelBranches = "parallel_branches_total"
	MetricRAGQueries       = "rag_queries_total"
	MetricProviderDuration = "provider_call_duration"
	MetricCircuitOpen      = "circuit_open_total"
	MetricStepDuration     = "step_duration"
)
