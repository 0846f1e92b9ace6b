// Package observability bootstraps tracing for the gateway. Tracing is off
// unless an OTLP endpoint is configured; callers always get a usable tracer.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const serviceName = "voicegate"

// Span names used across the turn pipeline.
const (
	SpanTurn       = "voicegate.turn"
	SpanTranscribe = "voicegate.asr.transcribe"
	SpanGenerate   = "voicegate.llm.generate"
	SpanSynthesize = "voicegate.tts.synthesize"
	SpanDelegate   = "voicegate.agent.delegate"
)

// Common attribute keys.
const (
	AttrSessionID = "voicegate.session_id"
	AttrModel     = "voicegate.llm.model"
	AttrDirection = "voicegate.call.direction"
	AttrOutcome   = "voicegate.turn.outcome"
)

// TracerProvider wraps the OpenTelemetry tracer for the gateway.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracerProvider creates a tracer provider exporting to the given OTLP
// HTTP endpoint. An empty endpoint yields a noop tracer.
func NewTracerProvider(ctx context.Context, otlpEndpoint, version string) (*TracerProvider, error) {
	if otlpEndpoint == "" {
		return &TracerProvider{
			tracer: noop.NewTracerProvider().Tracer(serviceName),
		}, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(otlpEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return &TracerProvider{
		provider: provider,
		tracer:   provider.Tracer(serviceName),
	}, nil
}

// StartSpan starts a span with the given attributes.
func (tp *TracerProvider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tp.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Shutdown flushes pending spans.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider != nil {
		return tp.provider.Shutdown(ctx)
	}
	return nil
}

// SessionAttrs builds the session attribute set.
func SessionAttrs(sessionID string) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.String(AttrSessionID, sessionID)}
}
