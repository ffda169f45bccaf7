package observability

import "context"

// embedBackend mirrors the fragment package's Embedder contract so the
// decorator can wrap it without a package cycle.
type embedBackend interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// TracedEmbedder wraps an embedding backend so every call carries a span.
// It satisfies the fragment store's Embedder interface.
type TracedEmbedder struct {
	inner  embedBackend
	tracer *TracerProvider
}

// TraceEmbedder decorates inner with per-call spans. A nil tracer yields
// noop spans, so the wrapper is always safe to install.
func TraceEmbedder(inner embedBackend, tracer *TracerProvider) *TracedEmbedder {
	return &TracedEmbedder{inner: inner, tracer: tracer}
}

func (t *TracedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := t.tracer.StartSpan(ctx, SpanEmbed)
	defer span.End()

	vec, err := t.inner.Embed(ctx, text)
	if err != nil {
		span.SetAttributes(ErrorAttrs(err)...)
	}
	return vec, err
}
