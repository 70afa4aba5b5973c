// Package mock provides a test double for the stt.Provider interface.
//
// Use Provider to feed controlled transcripts and inspect the WAV payloads
// the caller submitted.
//
// Example:
//
//	p := &mock.Provider{Text: "hello there"}
//	text, _ := p.Transcribe(ctx, wav)
package mock

import (
	"context"
	"sync"

	"github.com/parley-ai/parley/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// WAV is a copy of the container passed to Transcribe.
	WAV []byte
}

// Provider is a mock implementation of stt.Provider.
// Zero values return empty text and nil error. For call-dependent behavior
// set TranscribeFunc, which takes precedence over the static fields.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock" when empty.
	ProviderName string

	// Text is returned by Transcribe.
	Text string

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// TranscribeFunc, if non-nil, handles Transcribe entirely. The call is
	// still recorded. The call index (0-based) lets tests script sequences.
	TranscribeFunc func(ctx context.Context, wav []byte, call int) (string, error)

	// TranscribeCalls records every invocation of Transcribe in order.
	TranscribeCalls []TranscribeCall
}

// Name returns ProviderName, or "mock" when unset.
func (p *Provider) Name() string {
	if p.ProviderName != "" {
		return p.ProviderName
	}
	return "mock"
}

// Transcribe records the call and returns Text, Err.
func (p *Provider) Transcribe(ctx context.Context, wav []byte) (string, error) {
	p.mu.Lock()
	buf := make([]byte, len(wav))
	copy(buf, wav)
	call := len(p.TranscribeCalls)
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Ctx: ctx, WAV: buf})
	if p.TranscribeFunc != nil {
		fn := p.TranscribeFunc
		p.mu.Unlock()
		return fn(ctx, wav, call)
	}
	defer p.mu.Unlock()
	return p.Text, p.Err
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
