package observability

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// Detach returns base carrying the span context of src. Background work
// started from a request keeps its trace but takes its lifetime from base.
func Detach(src, base context.Context) context.Context {
	sc := trace.SpanContextFromContext(src)
	if !sc.IsValid() {
		return base
	}
	return trace.ContextWithRemoteSpanContext(base, sc)
}
