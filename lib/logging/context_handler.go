package logging

import (
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// TracingHook adds the OpenTelemetry trace and span IDs of the event's context (if any) to log events.
// Events only carry a context when logged through log.Ctx(ctx) or Event.Ctx(ctx).
type TracingHook struct{}

var _ zerolog.Hook = TracingHook{}

func (h TracingHook) Run(e *zerolog.Event, _ zerolog.Level, _ string) {
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		spanCtx := span.SpanContext()
		e.Str("trace_id", spanCtx.TraceID().String())
		e.Str("span_id", spanCtx.SpanID().String())
	}
}
