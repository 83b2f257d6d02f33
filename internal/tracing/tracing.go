// Package tracing installs the OpenTelemetry SDK tracer provider configured
// by the tracing section.
package tracing

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/kenneth/sealdrop/internal/config"
)

// ShutdownFunc flushes pending spans and stops the exporter.
type ShutdownFunc func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// Setup builds the tracer provider described by cfg and installs it, with
// W3C trace context propagation, as the global provider. When tracing is
// disabled nothing is installed. stdout spans are written to w.
func Setup(ctx context.Context, cfg *config.TracingConfig, w io.Writer) (ShutdownFunc, error) {
	if cfg == nil || !cfg.Enabled {
		return noopShutdown, nil
	}

	exporter, err := newExporter(ctx, cfg, w)
	if err != nil {
		return nil, err
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.SamplingRatio)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg *config.TracingConfig, w io.Writer) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout", "":
		return stdouttrace.New(stdouttrace.WithWriter(w))
	case "jaeger":
		exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerEndpoint)))
		if err != nil {
			return nil, fmt.Errorf("failed to create jaeger exporter: %w", err)
		}
		return exp, nil
	case "otlp":
		exp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OtlpEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("unsupported tracing exporter: %s", cfg.Exporter)
	}
}

// newSampler samples ratio of root traces and follows the parent's decision
// otherwise.
func newSampler(ratio float64) sdktrace.Sampler {
	if ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	if ratio <= 0 {
		return sdktrace.ParentBased(sdktrace.NeverSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
