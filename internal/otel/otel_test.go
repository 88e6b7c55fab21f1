package otel

import (
	"context"
	"testing"

	"github.com/basket/drover/internal/config"
)

func TestInitNoneExporter(t *testing.T) {
	p, err := Init(context.Background(), config.OtelConfig{Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.Tracer == nil {
		t.Fatal("expected non-nil tracer (noop)")
	}
	if p.Meter == nil {
		t.Fatal("expected non-nil meter (noop)")
	}
	// Shutdown of the noop provider must not error.
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInitEmptyExporterIsNone(t *testing.T) {
	p, err := Init(context.Background(), config.OtelConfig{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())
	if p.TracerProvider != nil {
		t.Fatal("empty exporter should not build an SDK provider")
	}
}

func TestInitStdoutExporter(t *testing.T) {
	p, err := Init(context.Background(), config.OtelConfig{Exporter: "stdout"})
	if err != nil {
		t.Fatalf("Init with stdout exporter: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.TracerProvider == nil {
		t.Fatal("expected non-nil TracerProvider")
	}
	if p.Meter == nil {
		t.Fatal("expected non-nil Meter")
	}
}

func TestInitUnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), config.OtelConfig{Exporter: "magic-pixie-dust"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestTracerCreatesSpans(t *testing.T) {
	p, err := Init(context.Background(), config.OtelConfig{Exporter: "stdout"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	ctx, span := StartSpan(context.Background(), p.Tracer, "test.internal",
		AttrAccount.String("alpha"),
		AttrRunID.String("run-1"),
	)
	span.End()
	_ = ctx

	ctx2, span2 := StartServerSpan(context.Background(), p.Tracer, "test.server")
	span2.End()
	_ = ctx2
}
