// Package tts defines the Provider interface for text-to-speech backends.
//
// Synthesis is per sentence: the turn runner cuts the LLM stream at sentence
// boundaries and dispatches each sentence separately, so the first audible
// audio does not wait for the full reply. [Provider.SpeakStream] is the
// low-latency path; [Provider.Speak] is the blocking fallback used when a
// streaming attempt fails mid-sentence.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Chunk is a single increment of streamed synthesis.
type Chunk struct {
	// PCM is raw 16-bit little-endian mono audio at the provider's
	// [Provider.SampleRate].
	PCM []byte

	// Err is set when synthesis failed mid-stream. A chunk with Err set is
	// always the last chunk on the channel.
	Err error
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Name returns the provider identifier, e.g. "elevenlabs" or "openai".
	Name() string

	// SampleRate returns the rate in Hz of the PCM this provider emits.
	SampleRate() int

	// Speak synthesizes text and returns the complete PCM in one piece.
	Speak(ctx context.Context, text string) ([]byte, error)

	// SpeakStream synthesizes text, emitting PCM chunks as they become
	// available. The returned channel is closed when synthesis ends; a
	// mid-stream failure is delivered as a final chunk with Err set.
	// Cancelling ctx aborts synthesis.
	SpeakStream(ctx context.Context, text string) (<-chan Chunk, error)
}
