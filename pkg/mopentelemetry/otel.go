// Package mopentelemetry offers the thin span-handling helpers the teacher's
// command/handler code calls at every operation boundary.
package mopentelemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer returns the named tracer from the global TracerProvider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// HandleSpanError records err on span and marks it as failed, mirroring the
// teacher's mopentelemetry.HandleSpanError.
func HandleSpanError(span *trace.Span, description string, err error) {
	if span == nil || err == nil {
		return
	}

	(*span).RecordError(err)
	(*span).SetStatus(codes.Error, description+": "+err.Error())
}
