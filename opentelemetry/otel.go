// Package opentelemetry carries the small tracing helpers shared by the
// background loops and stores.
package opentelemetry

import (
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// HandleSpanError marks the span as errored and records the error on it.
// Safe with nil spans and nil errors.
func HandleSpanError(span trace.Span, message string, err error) {
	if span == nil || err == nil {
		return
	}

	span.SetStatus(codes.Error, message+": "+err.Error())
	span.RecordError(err)
}

// TracerOrNoop returns the given tracer, or a noop tracer when nil, so
// loops can start spans unconditionally.
//
//nolint:ireturn
func TracerOrNoop(tracer trace.Tracer) trace.Tracer {
	if tracer == nil {
		return noop.NewTracerProvider().Tracer("relay.noop")
	}

	return tracer
}
