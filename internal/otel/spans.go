package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for spans and metrics.
var (
	AttrProject     = attribute.Key("featureloop.project")
	AttrSlotID      = attribute.Key("featureloop.slot.id")
	AttrSlotMode    = attribute.Key("featureloop.slot.mode")
	AttrFeatureID   = attribute.Key("featureloop.feature.id")
	AttrSessionID   = attribute.Key("featureloop.session.id")
	AttrOutcome     = attribute.Key("featureloop.session.outcome")
	AttrClaimReason = attribute.Key("featureloop.claim.reason")
	AttrModel       = attribute.Key("featureloop.worker.model")
	AttrRPCMethod   = attribute.Key("featureloop.rpc.method")
)

// StartSpan starts an internal span with common attributes.
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

// StartClientSpan starts a span for an outbound call such as a worker process.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
