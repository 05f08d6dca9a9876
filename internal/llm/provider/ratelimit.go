package provider

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited throttles calls to a Provider with a token bucket. Waiting
// honours the caller's context.
type RateLimited struct {
	provider Provider
	limiter  *rate.Limiter
}

// NewRateLimited allows rps calls per second with the given burst. A
// non-positive rps disables limiting.
func NewRateLimited(provider Provider, rps float64, burst int) *RateLimited {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{provider: provider, limiter: rate.NewLimiter(limit, burst)}
}

func (p *RateLimited) CreateCompletion(ctx context.Context, request CompletionRequest) (*CompletionResponse, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	return p.provider.CreateCompletion(ctx, request)
}

func (p *RateLimited) CreateStructured(ctx context.Context, request StructuredRequest) (*StructuredResponse, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	return p.provider.CreateStructured(ctx, request)
}

func (p *RateLimited) Name() string {
	return p.provider.Name()
}

func (p *RateLimited) wait(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		pe := NewProviderError(p.provider.Name(), ErrorCodeRateLimit, "local rate limit: "+err.Error(), err)
		// Waiting again with the same context cannot succeed.
		pe.IsRetryable = false
		return pe
	}
	return nil
}
