//go:build unit

package opentelemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTracerOrNoop(t *testing.T) {
	t.Parallel()

	tracer := TracerOrNoop(nil)
	require.NotNil(t, tracer)

	_, span := tracer.Start(context.Background(), "op")
	require.NotNil(t, span)
	span.End()

	require.Same(t, tracer, TracerOrNoop(tracer))
}

func TestHandleSpanErrorTolerance(t *testing.T) {
	t.Parallel()

	_, span := TracerOrNoop(nil).Start(context.Background(), "op")
	defer span.End()

	require.NotPanics(t, func() {
		HandleSpanError(nil, "msg", errors.New("boom"))
		HandleSpanError(span, "msg", nil)
		HandleSpanError(span, "msg", errors.New("boom"))
	})
}
