// Package audio provides the PCM primitives shared by every part of the
// gateway pipeline: the canonical frame format spoken on the peer media
// sink, sample-format conversions, WAV wrapping for STT input, and the
// [Reframer]/[Feeder] pair that turns arbitrary provider chunks into paced
// 10 ms frames.
//
// This package lives under pkg/ because peer-media adaptors (see audio/peer)
// are expected to consume and produce these types.
package audio

import "time"

// Canonical stream formats. Everything entering or leaving the peer media
// sink is mono 16-bit little-endian PCM.
const (
	// SinkRate is the sample rate of the outbound (and expected inbound)
	// peer audio track.
	SinkRate = 48000

	// STTRate is the sample rate of utterance audio handed to STT.
	STTRate = 16000

	// TTSRate is the sample rate TTS providers deliver PCM at.
	TTSRate = 24000

	// FrameDuration is the wall-clock length of one sink frame.
	FrameDuration = 10 * time.Millisecond

	// FrameSamples is the number of samples in one 10 ms sink frame.
	FrameSamples = SinkRate / 100

	// FrameBytes is the byte length of one 10 ms sink frame (16-bit mono).
	FrameBytes = FrameSamples * 2
)

// Frame is a single frame of PCM flowing between the gateway and a
// peer-media adaptor. Inbound frames carry the user's microphone; outbound
// frames carry synthesized speech.
type Frame struct {
	// PCM data, little-endian int16.
	Data []byte

	// SampleRate in Hz (48000 on the sink, 16000 for STT payloads).
	SampleRate int

	// Channels: 1 for mono. Adaptors that receive multi-channel media
	// downmix before handing frames to the gateway.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}
