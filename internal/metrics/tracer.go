package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.18.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/hxrts/aura-sub023/common"
)

// tracerName is the instrumentation name of every span started by NewSpan.
var (
	tracerName     = "aura"
	tracerNameOnce sync.Once
)

// InitTracer installs the global tracer provider. Spans are exported over
// OTLP/gRPC to endpoint and sampled with the given probability; without an
// endpoint, or with a zero probability, tracing is a no-op. The returned
// function flushes and stops the exporter.
func InitTracer(appName, endpoint string, probability float64) (oteltrace.Tracer, func(context.Context)) {
	tracerNameOnce.Do(func() { tracerName = appName })

	probability = clamp(probability)
	if endpoint == "" || probability == 0 {
		return noopTracer(appName)
	}

	provider, err := otlpProvider(appName, endpoint, probability)
	if err != nil {
		otel.Handle(err)
		return noopTracer(appName)
	}
	shutdown := func(ctx context.Context) {
		if err := provider.Shutdown(ctx); err != nil {
			otel.Handle(fmt.Errorf("shutting down tracer: %w", err))
		}
	}
	return provider.Tracer(appName), shutdown
}

// NewSpan starts a span on the global tracer. Callers must end the span and
// continue with the returned context.
func NewSpan(ctx context.Context, spanName string, opts ...oteltrace.SpanStartOption) (context.Context, oteltrace.Span) {
	return otel.Tracer(tracerName).Start(ctx, spanName, opts...)
}

func clamp(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}

func noopTracer(appName string) (oteltrace.Tracer, func(context.Context)) {
	provider := oteltrace.NewNoopTracerProvider()
	otel.SetTracerProvider(provider)
	return provider.Tracer(appName), func(context.Context) {}
}

func otlpProvider(appName, endpoint string, probability float64) (*sdktrace.TracerProvider, error) {
	ctx := context.Background()
	exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithEndpoint(endpoint),
	))
	if err != nil {
		return nil, fmt.Errorf("creating otlp exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(appName),
		semconv.ServiceVersionKey.String(common.GetAppVersion().String()),
		attribute.String("library.language", "go"),
	))
	if err != nil {
		return nil, fmt.Errorf("describing tracer resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(probability))),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return provider, nil
}
