package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for mindmesh spans.
var (
	AttrJobID     = attribute.Key("mindmesh.job.id")
	AttrToolName  = attribute.Key("mindmesh.tool.name")
	AttrBackend   = attribute.Key("mindmesh.backend")
	AttrModel     = attribute.Key("mindmesh.model")
	AttrErrorKind = attribute.Key("mindmesh.error.kind")
	AttrStatus    = attribute.Key("mindmesh.job.status")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound backend CLI call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
