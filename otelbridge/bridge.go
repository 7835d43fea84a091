// Package otelbridge carries kiseki span identity through an OpenTelemetry
// trace, so a trace can pass services instrumented only with OTel and
// resume as a native child span on the far side.
//
// The native token rides as an OTel baggage member. Baggage survives the
// W3C `baggage` header through any service using standard OTel propagation,
// even when that service knows nothing about the token's format.
//
//	// Service A (native): export before handing off to OTel-instrumented code.
//	ctx, _ = otelbridge.Inject(ctx, span)
//
//	// Service C (native): resume after the OTel hop.
//	if parent, ok := otelbridge.Extract(ctx); ok {
//	    ctx, span = tracer.StartSpan(ctx, "resume", kiseki.WithParent(parent))
//	}
package otelbridge

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/baggage"

	"github.com/ashita-ai/kiseki"
)

// BaggageKey is the baggage member name that carries the native span token.
const BaggageKey = "kiseki-parent"

// Inject embeds span's identity token as a baggage member on the returned
// context. The context then works with any OTel propagator. Injecting the
// no-op span returns ctx unchanged.
func Inject(ctx context.Context, span *kiseki.Span) (context.Context, error) {
	token, err := span.Export()
	if err != nil {
		return ctx, fmt.Errorf("otelbridge: export span: %w", err)
	}
	if token == "" {
		return ctx, nil
	}

	// Token alphabet is base64url, which is valid as a baggage value.
	member, err := baggage.NewMember(BaggageKey, token)
	if err != nil {
		return ctx, fmt.Errorf("otelbridge: build baggage member: %w", err)
	}
	bag, err := baggage.FromContext(ctx).SetMember(member)
	if err != nil {
		return ctx, fmt.Errorf("otelbridge: set baggage member: %w", err)
	}
	return baggage.ContextWithBaggage(ctx, bag), nil
}

// Extract recovers a native parent reference from the baggage on ctx.
// It reports false when no token is embedded, and also, with a diagnostic
// warning, when an embedded token cannot be decoded. Extraction never
// fails the caller.
func Extract(ctx context.Context) (kiseki.Parent, bool) {
	member := baggage.FromContext(ctx).Member(BaggageKey)
	token := member.Value()
	if token == "" {
		return kiseki.Parent{}, false
	}

	parent, err := kiseki.ParentFromToken(token)
	if err != nil {
		slog.Warn("otelbridge: embedded token is not usable", "error", err)
		return kiseki.Parent{}, false
	}
	return parent, true
}
