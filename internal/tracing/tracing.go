// Package tracing installs the global OpenTelemetry tracer provider,
// with the exporter selected at startup from configuration, and hands
// out named tracers. The broker, container and decryptor code start no
// spans through it.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config selects the exporter and service identity for the tracer
// provider. It mirrors internal/config's TracingConfig so callers can
// pass that struct through directly.
type Config struct {
	Enabled  bool
	Exporter string // "stdout", "otlp", "jaeger"
	Endpoint string
	Service  string
}

// Shutdown flushes and stops the tracer provider.
type Shutdown func(context.Context) error

// noopShutdown is returned when tracing is disabled.
func noopShutdown(context.Context) error { return nil }

// Init builds a tracer provider for the configured exporter and
// installs it as the global provider, returning a Shutdown to call
// during graceful shutdown. When cfg.Enabled is false it installs
// nothing and returns a no-op Shutdown.
func Init(ctx context.Context, cfg Config) (Shutdown, error) {
	if !cfg.Enabled {
		return noopShutdown, nil
	}

	exp, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: build exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(cfg.Service)),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}

// newExporter builds the sdktrace.SpanExporter for the configured
// backend. All three exporter paths are wired behind this one factory
// function so every import is exercised regardless of which exporter a
// deployment actually selects.
func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "", "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithInsecure()}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		return otlptracegrpc.New(ctx, opts...)
	case "jaeger":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "http://localhost:14268/api/traces"
		}
		return jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
	default:
		return nil, fmt.Errorf("unknown tracing exporter %q", cfg.Exporter)
	}
}

// Tracer returns the named tracer from the global provider, for
// broker/container/decryptor code to start spans without importing
// otel directly.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
