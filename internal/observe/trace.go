package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MeBadDev/online-amt"

// Span names of a streaming session. A session span covers one WebSocket
// connection; each binary audio frame gets a child chunk span.
const (
	SpanSession = "stream.session"
	SpanChunk   = "stream.chunk"
)

// Span attribute keys.
const (
	AttrSessionID       = attribute.Key("session.id")
	AttrSessionMode     = attribute.Key("session.mode")
	AttrChunkBytes      = attribute.Key("chunk.bytes")
	AttrChunkSteps      = attribute.Key("chunk.steps")
	AttrChunkSuppressed = attribute.Key("chunk.suppressed")
	AttrChunkEvents     = attribute.Key("chunk.events")
)

// Tracer returns the service tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on the service tracer. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartChunkSpan starts the span of one inbound audio frame of size bytes.
func StartChunkSpan(ctx context.Context, bytes int) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanChunk, trace.WithAttributes(AttrChunkBytes.Int(bytes)))
}

// EndChunk annotates a chunk span with what the frame produced.
func EndChunk(span trace.Span, steps, suppressed, events int) {
	span.SetAttributes(
		AttrChunkSteps.Int(steps),
		AttrChunkSuppressed.Int(suppressed),
		AttrChunkEvents.Int(events),
	)
}

// Fail records err on span and marks it failed with a short reason.
func Fail(span trace.Span, err error, reason string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, reason)
}

// CorrelationID returns the trace ID of the span in ctx, or "" without one.
// Streaming sessions send it to clients in the ready message.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger derives a logger from base carrying the trace_id and span_id of the
// span in ctx. A nil base means [slog.Default]. Without a span, base is
// returned as is.
func Logger(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return base
	}
	return base.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
