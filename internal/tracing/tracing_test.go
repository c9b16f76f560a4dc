package tracing

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"github.com/kenchrcum/vaultbackup/internal/config"
)

func TestNewProviderDisabledReturnsNoopTracer(t *testing.T) {
	p, err := NewProvider(context.Background(), config.TracingConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	_, span := p.StartTransaction(context.Background(), 1, "read")
	defer span.End()
	if span.SpanContext().IsValid() {
		t.Error("expected an invalid (no-op) span context when tracing is disabled")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestNewProviderStdoutExporter(t *testing.T) {
	p, err := NewProvider(context.Background(), config.TracingConfig{
		Enabled:  true,
		Exporter: "stdout",
		Service:  "vaultbackup-test",
	})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	defer p.Shutdown(context.Background())

	ctx, span := p.StartTransaction(context.Background(), 42, "encrypt")
	if !span.SpanContext().IsValid() {
		t.Error("expected a valid span context from an enabled provider")
	}
	span.End()

	if trace.SpanFromContext(ctx).SpanContext().SpanID() != span.SpanContext().SpanID() {
		t.Error("expected the returned context to carry the started span")
	}
}

func TestNewProviderUnknownExporter(t *testing.T) {
	_, err := NewProvider(context.Background(), config.TracingConfig{
		Enabled:  true,
		Exporter: "carrier-pigeon",
	})
	if err == nil {
		t.Fatal("expected an error for an unknown exporter")
	}
}
