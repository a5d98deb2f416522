package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/livecritic"

// SessionIDKey is the span attribute carrying a bridge session ID. Spans of
// the control surface and of the session itself share it so a trace backend
// can join them.
const SessionIDKey = attribute.Key("livecritic.session_id")

// Tracer returns the livecritic tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on [Tracer]. End it with [EndSpan].
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// EndSpan marks span failed when err is non-nil and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// CorrelationID returns the trace ID of the span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// SessionLogger returns l scoped to one bridge session. The session ID is
// always attached. When ctx carries a span, trace_id and span_id are added and
// the span is tagged with the session ID.
func SessionLogger(ctx context.Context, l *slog.Logger, sessionID string) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	l = l.With(slog.String("session_id", sessionID))

	span := trace.SpanFromContext(ctx)
	sc := span.SpanContext()
	if !sc.HasTraceID() {
		return l
	}
	span.SetAttributes(SessionIDKey.String(sessionID))
	return l.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
