// Package mock provides a configurable in-memory tts.Provider for tests.
package mock

import (
	"context"

	"github.com/parley-ai/parley/pkg/provider/tts"
)

// Compile-time assertion that Provider implements tts.Provider.
var _ tts.Provider = (*Provider)(nil)

// SpeakCall records a single Speak or SpeakStream invocation.
type SpeakCall struct {
	Ctx  context.Context
	Text string
}

// Provider is a mock implementation of tts.Provider. Configure the exported
// fields before use; invocations are recorded for later assertions.
type Provider struct {
	// ProviderName is returned by Name. Defaults to "mock" when empty.
	ProviderName string

	// Rate is returned by SampleRate. Defaults to 24000 when zero.
	Rate int

	// PCM and Err are returned by Speak when SpeakFunc is nil.
	PCM []byte
	Err error

	// StreamChunks are emitted by SpeakStream when StreamFunc is nil.
	// StreamErr, when set, is returned before any chunk is emitted.
	StreamChunks []tts.Chunk
	StreamErr    error

	// SpeakFunc, when set, overrides the static PCM/Err pair. call is the
	// zero-based invocation count.
	SpeakFunc func(ctx context.Context, text string, call int) ([]byte, error)

	// StreamFunc, when set, overrides the static StreamChunks/StreamErr pair.
	StreamFunc func(ctx context.Context, text string, call int) (<-chan tts.Chunk, error)

	// SpeakCalls and StreamCalls record every invocation in order.
	SpeakCalls  []SpeakCall
	StreamCalls []SpeakCall
}

// Name implements tts.Provider.
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// SampleRate implements tts.Provider.
func (p *Provider) SampleRate() int {
	if p.Rate == 0 {
		return 24000
	}
	return p.Rate
}

// Speak implements tts.Provider.
func (p *Provider) Speak(ctx context.Context, text string) ([]byte, error) {
	call := len(p.SpeakCalls)
	p.SpeakCalls = append(p.SpeakCalls, SpeakCall{Ctx: ctx, Text: text})

	if p.SpeakFunc != nil {
		return p.SpeakFunc(ctx, text, call)
	}
	if p.Err != nil {
		return nil, p.Err
	}
	return p.PCM, nil
}

// SpeakStream implements tts.Provider.
func (p *Provider) SpeakStream(ctx context.Context, text string) (<-chan tts.Chunk, error) {
	call := len(p.StreamCalls)
	p.StreamCalls = append(p.StreamCalls, SpeakCall{Ctx: ctx, Text: text})

	if p.StreamFunc != nil {
		return p.StreamFunc(ctx, text, call)
	}
	if p.StreamErr != nil {
		return nil, p.StreamErr
	}

	ch := make(chan tts.Chunk, len(p.StreamChunks))
	for _, chunk := range p.StreamChunks {
		ch <- chunk
	}
	close(ch)
	return ch, nil
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.SpeakCalls = nil
	p.StreamCalls = nil
}
