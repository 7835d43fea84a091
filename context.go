package kiseki

import "context"

type contextKey string

const keySpan contextKey = "span"

// ContextWithSpan returns a new context carrying span as the current span.
// Contexts are immutable, so concurrent branches that derive their own
// children never observe each other's bindings.
func ContextWithSpan(ctx context.Context, span *Span) context.Context {
	return context.WithValue(ctx, keySpan, span)
}

// SpanFromContext returns the innermost span bound to ctx, or a no-op span
// when none is bound. The result is never nil; operations on the no-op span
// are valid and discarded.
func SpanFromContext(ctx context.Context) *Span {
	if v, ok := ctx.Value(keySpan).(*Span); ok && v != nil {
		return v
	}
	return noopSpan
}
