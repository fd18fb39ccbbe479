// Package observability provides OpenTelemetry tracing for the coreengine.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/xconn-project/xconn-core"

// InitTracer initializes OpenTelemetry tracing with OTLP exporter.
// Returns a shutdown function that must be called on service termination.
func InitTracer(serviceName, otlpEndpoint string) (func(context.Context) error, error) {
	ctx := context.Background()

	// Create OTLP trace exporter
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(), // Use TLS in production
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	// Create resource with service information
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("1.0.0"),
			semconv.DeploymentEnvironment("development"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Create trace provider with sampling
	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.AlwaysSample()), // 100% in dev, use TraceIDRatioBased(0.1) in prod
	)

	// Set global tracer provider
	otel.SetTracerProvider(tp)

	// Set global propagator for context propagation across services
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	// Return shutdown function
	return tp.Shutdown, nil
}

// StartConnectSpan opens a span covering one active-side handshake,
// from connect to the terminal ConnectAccepted/Rejected event.
func StartConnectSpan(ctx context.Context, device, uri string) (context.Context, oteltrace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "xconn.connect",
		oteltrace.WithAttributes(
			attribute.String("xconn.device", device),
			attribute.String("xconn.remote_uri", uri),
		),
	)
}

// StartRMAExchangeSpan opens a span covering one remote-handle
// resolution round trip (RmaRemoteRequest to RmaRemoteReply).
func StartRMAExchangeSpan(ctx context.Context, connID uint64, remoteHandle uint64) (context.Context, oteltrace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "xconn.rma_remote_exchange",
		oteltrace.WithAttributes(
			attribute.Int64("xconn.connection_id", int64(connID)),
			attribute.Int64("xconn.remote_handle", int64(remoteHandle)),
		),
	)
}
