package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for apiforge spans.
var (
	AttrTaskID     = attribute.Key("apiforge.task.id")
	AttrSessionID  = attribute.Key("apiforge.session.id")
	AttrPriority   = attribute.Key("apiforge.task.priority")
	AttrRetryCount = attribute.Key("apiforge.task.retry_count")
	AttrWorkerID   = attribute.Key("apiforge.worker.id")
	AttrPhase      = attribute.Key("apiforge.progressive.phase")
	AttrAction     = attribute.Key("apiforge.scaler.action")
	AttrStrategy   = attribute.Key("apiforge.scheduler.strategy")
	AttrProcessor  = attribute.Key("apiforge.processor.kind")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound gateway request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call made by a processor.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
