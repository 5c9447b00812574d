package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

func TestInitTracerDisabled(t *testing.T) {
	shutdown, err := InitTracer(false, "sbiscreen", zap.NewNop())
	if err != nil {
		t.Fatalf("InitTracer failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
}

func TestInitTracerExportsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	shutdown, err := initTracer(true, "sbiscreen-test", &buf, zap.NewNop())
	if err != nil {
		t.Fatalf("initTracer failed: %v", err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "ext_proc.process")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "ext_proc.process") {
		t.Errorf("exported spans missing span name:\n%s", out)
	}
	if !strings.Contains(out, "sbiscreen-test") {
		t.Errorf("exported spans missing service name:\n%s", out)
	}
}
