// Package tracing wires OpenTelemetry for the HTTP surface and the upstream
// client. Span export is opt-in: without OTEL_EXPORTER_OTLP_ENDPOINT in the
// environment every tracer is a no-op and request handling pays nothing.
package tracing

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	serviceName = "edi-gateway"
	// serviceVersion matches the wire protocol generation reported by /health.
	serviceVersion = "3"
)

var (
	setupOnce sync.Once
	provider  trace.TracerProvider = noop.NewTracerProvider()
	flushable *sdktrace.TracerProvider
)

// Tracer returns a named tracer from the shared provider, initializing the
// exporter on first use.
func Tracer(name string) trace.Tracer {
	setupOnce.Do(setup)
	return provider.Tracer(name)
}

// Shutdown flushes buffered spans. Safe to call when tracing never started.
func Shutdown(ctx context.Context) error {
	if flushable == nil {
		return nil
	}
	return flushable.Shutdown(ctx)
}

func setup() {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return
	}

	ctx := context.Background()
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(stripScheme(endpoint)),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		res = resource.Default()
	}

	flushable = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	provider = flushable
	otel.SetTracerProvider(provider)
}

// stripScheme drops an http(s):// prefix; otlptracehttp wants a bare
// host:port.
func stripScheme(endpoint string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(endpoint, prefix) {
			return strings.TrimPrefix(endpoint, prefix)
		}
	}
	return endpoint
}
