package provider

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lectio-dev/lectio/internal/observability"
)

// InstrumentedProvider wraps a Provider with a tracing span per call carrying
// model, token usage and latency.
type InstrumentedProvider struct {
	provider Provider
}

// NewInstrumentedProvider wraps a provider with tracing
func NewInstrumentedProvider(provider Provider) *InstrumentedProvider {
	return &InstrumentedProvider{provider: provider}
}

// CreateCompletion creates a completion inside a span
func (p *InstrumentedProvider) CreateCompletion(ctx context.Context, request CompletionRequest) (*CompletionResponse, error) {
	ctx, span := p.start(ctx, "completion", request)
	start := time.Now()

	response, err := p.provider.CreateCompletion(ctx, request)
	p.finish(span, start, response, err)
	return response, err
}

// CreateStructured creates a structured response inside a span
func (p *InstrumentedProvider) CreateStructured(ctx context.Context, request StructuredRequest) (*StructuredResponse, error) {
	ctx, span := p.start(ctx, "structured", request.CompletionRequest)
	span.SetAttributes(attribute.Bool("llm.schema", len(request.ResponseSchema) > 0))
	start := time.Now()

	response, err := p.provider.CreateStructured(ctx, request)
	var completion *CompletionResponse
	if response != nil {
		completion = &response.CompletionResponse
	}
	p.finish(span, start, completion, err)
	return response, err
}

// Name returns the wrapped provider's name
func (p *InstrumentedProvider) Name() string {
	return p.provider.Name()
}

func (p *InstrumentedProvider) start(ctx context.Context, kind string, request CompletionRequest) (context.Context, trace.Span) {
	return observability.StartSpan(ctx, fmt.Sprintf("llm.%s.%s", p.provider.Name(), kind),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.provider", p.provider.Name()),
			attribute.String("llm.model", request.Model),
			attribute.Float64("llm.temperature", request.Temperature),
			attribute.Int("llm.max_tokens", request.MaxTokens),
			attribute.Int("llm.messages_count", len(request.Messages)),
		),
	)
}

func (p *InstrumentedProvider) finish(span trace.Span, start time.Time, response *CompletionResponse, err error) {
	span.SetAttributes(
		attribute.Int64("llm.duration_ms", time.Since(start).Milliseconds()),
		attribute.Bool("llm.success", err == nil),
	)
	if response != nil {
		span.SetAttributes(
			attribute.Int("llm.usage.prompt_tokens", response.Usage.PromptTokens),
			attribute.Int("llm.usage.completion_tokens", response.Usage.CompletionTokens),
			attribute.Int("llm.usage.total_tokens", response.Usage.TotalTokens),
			attribute.String("llm.finish_reason", response.FinishReason),
		)
	}
	observability.EndSpan(span, err)
}

// WrapProvider wraps a provider with instrumentation if not already wrapped
func WrapProvider(provider Provider) Provider {
	if _, ok := provider.(*InstrumentedProvider); ok {
		return provider
	}
	return NewInstrumentedProvider(provider)
}

// UnwrapProvider returns the underlying provider if wrapped, otherwise returns the provider as-is
func UnwrapProvider(provider Provider) Provider {
	if instrumented, ok := provider.(*InstrumentedProvider); ok {
		return instrumented.provider
	}
	return provider
}
