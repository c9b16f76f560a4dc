// Package tracing provides OpenTelemetry span helpers for transactions and
// session round-trips (SPEC_FULL.md §5 expansion). cmd/vaultbackup builds a
// Provider; the pipeline engine and session client do not start spans
// through it. internal/metrics reads the
// active span's context back out via trace.SpanFromContext for Prometheus
// exemplars, the same way the teacher's metrics package does.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenchrcum/vaultbackup/internal/config"
)

// Provider owns the SDK TracerProvider and the Tracer components draw
// spans from.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// NewProvider builds a Provider from cfg. A disabled config returns a
// Provider backed by the global no-op tracer, so callers never need to
// branch on whether tracing is enabled.
func NewProvider(ctx context.Context, cfg config.TracingConfig) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{tracer: otel.Tracer("vaultbackup")}, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: new exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", serviceName(cfg)),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	return &Provider{tp: tp, tracer: tp.Tracer("vaultbackup")}, nil
}

func serviceName(cfg config.TracingConfig) string {
	if cfg.Service != "" {
		return cfg.Service
	}
	return "vaultbackup"
}

func newExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "jaeger":
		return jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.Endpoint)))
	case "otlp":
		opts := []otlptracegrpc.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	case "stdout", "":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("tracing: unknown exporter %q", cfg.Exporter)
	}
}

// StartTransaction starts a span for one transaction's pipeline run,
// tagging it with the stage it began in. Nothing outside this package's
// tests calls it.
func (p *Provider) StartTransaction(ctx context.Context, transID uint32, stage string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "pipeline.transaction",
		trace.WithAttributes(
			attribute.Int64("vaultbackup.trans_id", int64(transID)),
			attribute.String("vaultbackup.stage", stage),
		),
	)
}

// StartSessionRoundTrip starts a span around one request/reply exchange
// over the session client.
func (p *Provider) StartSessionRoundTrip(ctx context.Context, opcode string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "session.roundtrip",
		trace.WithAttributes(attribute.String("vaultbackup.opcode", opcode)),
	)
}

// Shutdown flushes and stops the exporter. No-op when tracing is disabled.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
