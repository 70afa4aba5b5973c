// Package stt defines the Provider interface for speech-to-text backends.
//
// Providers are batch transcribers: they receive one complete utterance as a
// WAV container (16 kHz mono 16-bit PCM, as produced by the voice activity
// gate) and return its text. Segmentation happens upstream, so providers do
// not need silence detection or streaming sessions of their own.
package stt

import "context"

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use; utterances from different
// sessions may be transcribed simultaneously.
type Provider interface {
	// Name returns the provider identifier, e.g. "whisper" or "openai".
	Name() string

	// Transcribe converts one utterance to text. wav must be a RIFF/WAVE
	// container holding 16-bit PCM. An empty string with a nil error means
	// the provider heard nothing intelligible.
	Transcribe(ctx context.Context, wav []byte) (string, error)
}
