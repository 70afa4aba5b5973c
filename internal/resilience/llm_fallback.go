package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/parley-ai/parley/pkg/provider/llm"
)

// ErrAllFailed is returned when every provider in an [LLMFallback] chain
// fails or sits behind an open breaker.
var ErrAllFailed = errors.New("resilience: all providers failed")

// Compile-time interface assertion.
var _ llm.Provider = (*LLMFallback)(nil)

// chainEntry pairs a provider with its dedicated circuit breaker.
type chainEntry struct {
	provider llm.Provider
	breaker  *CircuitBreaker
}

// ProviderHealth is one chain entry's state, reported by readiness checks.
type ProviderHealth struct {
	Provider string
	State    State
}

// LLMFallback implements [llm.Provider] with failover across multiple
// backends, tried in registration order. Each backend has its own circuit
// breaker; entries with open breakers are skipped, so a dead primary stops
// costing a timeout per turn after a few failures.
//
// A single pass consults every entry, which means a non-retryable error from
// the primary still reaches the fallback. The smart retry of [Retry] wraps
// the whole chain, not the entries.
type LLMFallback struct {
	entries []chainEntry
	breaker BreakerConfig
	log     *slog.Logger
}

// NewLLMFallback creates a chain with primary as the preferred backend.
// breakerCfg's Name is overwritten per entry with the provider's own name.
func NewLLMFallback(primary llm.Provider, breakerCfg BreakerConfig, logger *slog.Logger) *LLMFallback {
	if logger == nil {
		logger = slog.Default()
	}
	f := &LLMFallback{breaker: breakerCfg, log: logger}
	f.add(primary)
	return f
}

// AddFallback registers an additional backend after the existing entries.
func (f *LLMFallback) AddFallback(provider llm.Provider) {
	f.add(provider)
}

func (f *LLMFallback) add(provider llm.Provider) {
	cfg := f.breaker
	cfg.Name = provider.Name()
	cfg.Logger = f.log
	f.entries = append(f.entries, chainEntry{
		provider: provider,
		breaker:  NewCircuitBreaker(cfg),
	})
}

// Name implements llm.Provider.
func (f *LLMFallback) Name() string {
	names := make([]string, len(f.entries))
	for i, e := range f.entries {
		names[i] = e.provider.Name()
	}
	return "chain(" + strings.Join(names, ",") + ")"
}

// execute tries fn against each healthy entry in order.
func (f *LLMFallback) execute(fn func(llm.Provider) error) error {
	var lastErr error
	for i := range f.entries {
		entry := &f.entries[i]
		err := entry.breaker.Execute(func() error {
			return fn(entry.provider)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			f.log.Debug("skipping provider, circuit open",
				"provider", entry.provider.Name())
		} else {
			f.log.Warn("provider failed, trying next",
				"provider", entry.provider.Name(), "error", err)
		}
	}
	return fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

// Complete implements llm.Provider across the chain.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var resp *llm.CompletionResponse
	err := f.execute(func(p llm.Provider) error {
		var innerErr error
		resp, innerErr = p.Complete(ctx, req)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// StreamCompletion implements llm.Provider across the chain. Only the
// initial connection participates in failover; once a stream is handed out,
// mid-stream errors belong to the consumer.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	var ch <-chan llm.Chunk
	err := f.execute(func(p llm.Provider) error {
		var innerErr error
		ch, innerErr = p.StreamCompletion(ctx, req)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Capabilities returns the primary's capabilities. Static metadata does not
// participate in failover; the chain should be built from providers with
// compatible capability surfaces.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	if len(f.entries) > 0 {
		return f.entries[0].provider.Capabilities()
	}
	return llm.ModelCapabilities{}
}

// Health reports the breaker state of every entry, primary first.
func (f *LLMFallback) Health() []ProviderHealth {
	out := make([]ProviderHealth, len(f.entries))
	for i, e := range f.entries {
		out[i] = ProviderHealth{Provider: e.provider.Name(), State: e.breaker.State()}
	}
	return out
}
