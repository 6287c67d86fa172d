package providers

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitedProvider wraps an LLMProvider with a shared token-bucket
// limiter so bursty loops cannot exhaust the upstream quota.
type RateLimitedProvider struct {
	inner   LLMProvider
	limiter *rate.Limiter
}

// NewRateLimited wraps provider with a requests-per-minute cap. A cap of
// zero or less returns the provider unwrapped.
func NewRateLimited(provider LLMProvider, requestsPerMinute int) LLMProvider {
	if requestsPerMinute <= 0 {
		return provider
	}
	return &RateLimitedProvider{
		inner:   provider,
		limiter: rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), requestsPerMinute),
	}
}

func (p *RateLimitedProvider) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]any) (*LLMResponse, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.inner.Chat(ctx, messages, tools, model, options)
}

func (p *RateLimitedProvider) Complete(ctx context.Context, prompt string, model string, options map[string]any) (*LLMResponse, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.inner.Complete(ctx, prompt, model, options)
}

func (p *RateLimitedProvider) GetDefaultModel() string {
	return p.inner.GetDefaultModel()
}
