package obs

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracerName identifies this module's tracer in exported spans.
const tracerName = "github.com/tenex-run/tenex"

// Tracer returns the daemon's tracer. No package in this module starts
// spans with it; outbound events carry a trace_context tag only when the
// caller's context already holds an active span (see TraceContextTag).
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// TraceContextTag returns the W3C traceparent string for the span carried by
// ctx, or "" if ctx has no active span. Agent Publisher uses this to
// populate the outbound event's trace_context tag (spec.md §6).
func TraceContextTag(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	sc := span.SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return "00-" + sc.TraceID().String() + "-" + sc.SpanID().String() + "-" + traceFlagsHex(sc)
}

func traceFlagsHex(sc trace.SpanContext) string {
	if sc.IsSampled() {
		return "01"
	}
	return "00"
}
