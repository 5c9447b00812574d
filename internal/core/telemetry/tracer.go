// Package telemetry sets up OpenTelemetry tracing for the ext_proc streams
// and the lookup client.
package telemetry

import (
	"context"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// Shutdown flushes and stops a tracer provider.
type Shutdown func(context.Context) error

// InitTracer installs a global tracer provider exporting to stdout. With
// enabled false it leaves the no-op provider in place.
func InitTracer(enabled bool, serviceName string, log *zap.Logger) (Shutdown, error) {
	return initTracer(enabled, serviceName, os.Stdout, log)
}

func initTracer(enabled bool, serviceName string, w io.Writer, log *zap.Logger) (Shutdown, error) {
	if !enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", serviceName)),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info("OpenTelemetry initialized", zap.String("service", serviceName))
	return tp.Shutdown, nil
}
