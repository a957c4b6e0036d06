package resilience

import (
	"context"

	"github.com/MrWong99/livescribe/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with failover across several analysis
// backends, each behind its own circuit breaker.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend, tried after those already added.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Healthy reports whether any backend's breaker is still accepting calls.
func (f *LLMFallback) Healthy() bool {
	return f.group.Healthy()
}

// Complete sends req to the first healthy backend.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// StreamCompletion opens a stream on the first healthy backend. Only opening
// the stream fails over; errors after that arrive in the stream itself.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// CountTokens returns the largest estimate across backends so a prompt sized
// against it fits whichever backend ends up serving it.
func (f *LLMFallback) CountTokens(messages []llm.Message) (int, error) {
	var (
		best    int
		lastErr error
		counted bool
	)
	f.group.Each(func(_ string, p llm.Provider) {
		n, err := p.CountTokens(messages)
		if err != nil {
			lastErr = err
			return
		}
		counted = true
		best = max(best, n)
	})
	if !counted && lastErr != nil {
		return 0, lastErr
	}
	return best, nil
}

// Capabilities returns the most restrictive limits across backends.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	var caps llm.ModelCapabilities
	first := true
	f.group.Each(func(_ string, p llm.Provider) {
		c := p.Capabilities()
		if first {
			caps = c
			first = false
			return
		}
		caps.ContextWindow = min(caps.ContextWindow, c.ContextWindow)
		caps.MaxOutputTokens = min(caps.MaxOutputTokens, c.MaxOutputTokens)
		caps.SupportsStreaming = caps.SupportsStreaming && c.SupportsStreaming
	})
	return caps
}
