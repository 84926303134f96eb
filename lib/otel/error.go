package otel

import (
	"strings"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Error records the error on the span, marks the span as failed and returns the error, so it can be used in return statements.
// If message is given it is used as status description instead of err.Error().
func Error(span trace.Span, err error, message ...string) error {
	if err == nil {
		return nil
	}
	span.RecordError(err)
	statusDesc := err.Error()
	if len(message) > 0 && message[0] != "" {
		statusDesc = strings.Join(message, ",")
	}
	span.SetStatus(codes.Error, statusDesc)
	return err
}
