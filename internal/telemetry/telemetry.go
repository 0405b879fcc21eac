// Package telemetry wires an optional OpenTelemetry trace exporter around
// the workflow driver's run and stages (remote calls get no span), gated by
// internal/config.TelemetryConfig.Enabled. Grounded on the span-per-call
// shape of the teacher's internal/agent/loop_tracing.go (one span per LLM
// call, tool call, and agent run, emitted through a context-carried
// collector) — adapted here to emit through the real OpenTelemetry SDK the
// teacher's go.mod declares but never calls, instead of the teacher's own
// Postgres-backed span store (out of scope: spec.md's Non-goals exclude a
// metrics subsystem, but the ambient tracing surface itself is carried per
// the "ambient stack regardless of non-goals" rule).
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/vanducng/mediarelay/internal/config"
)

// noopTracer is used when telemetry is disabled, so call sites never need
// a nil check.
var noopTracer = otel.Tracer("mediarelay/noop")

// Telemetry owns the process-wide tracer and its exporter's shutdown hook.
type Telemetry struct {
	tracer   trace.Tracer
	shutdown func(context.Context) error
}

// Disabled returns a Telemetry whose StartStage/StartUnit calls are no-ops,
// for runs with Telemetry.Enabled == false.
func Disabled() *Telemetry {
	return &Telemetry{tracer: noopTracer, shutdown: func(context.Context) error { return nil }}
}

// New builds a Telemetry from cfg. When cfg.Enabled is false, it returns
// the same no-op tracer as Disabled() — callers never need to branch.
func New(ctx context.Context, cfg config.TelemetryConfig) (*Telemetry, error) {
	if !cfg.Enabled {
		return Disabled(), nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build exporter: %w", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "mediarelay"
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)

	return &Telemetry{
		tracer:   provider.Tracer(serviceName),
		shutdown: provider.Shutdown,
	}, nil
}

func newExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Protocol {
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	}
}

// Shutdown flushes and closes the exporter. Safe to call on a Disabled()
// instance.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.shutdown(ctx)
}

// StartStage opens a span named after a workflow stage (run, fetch, group,
// distribute, download, forward), mirroring the teacher's
// one-span-per-unit-of-work idiom.
func (t *Telemetry) StartStage(ctx context.Context, stage string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, stage, trace.WithAttributes(attribute.String("stage", stage)))
}

// StartUnit opens a span for one AtomicUnit's processing, child of
// whatever span is already in ctx.
func (t *Telemetry) StartUnit(ctx context.Context, op string, sourceID int64, sessionName string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.Int64("source_id", sourceID),
		attribute.String("session", sessionName),
	))
}
