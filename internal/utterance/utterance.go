// Package utterance packages gate output into self-contained, STT-ready
// records. The assembler converts the 16 kHz float32 audio a speech-end
// event carries into 16-bit PCM, frames it as WAV, and drains the session's
// pending vision queue so attachments ride with the utterance that consumed
// them.
package utterance

import (
	"time"

	"github.com/parley-ai/parley/pkg/audio"
	"github.com/parley-ai/parley/pkg/provider/llm"
)

// sttRate is the sample rate STT providers expect.
const sttRate = 16000

// Utterance is one captured stretch of caller speech. It is immutable once
// assembled; the turn runner and the archive share it freely.
type Utterance struct {
	// PCM is 16 kHz mono 16-bit little-endian audio.
	PCM []byte

	// WAV is PCM wrapped in a RIFF container the way STT providers want it.
	WAV []byte

	// SpeechStart and SpeechEnd are the wall-clock boundaries the gate
	// observed.
	SpeechStart time.Time
	SpeechEnd   time.Time

	// Attachments are the vision payloads drained at capture time.
	Attachments []llm.VisionAttachment
}

// AudioDuration returns the length of the captured audio, derived from the
// sample count rather than the wall-clock boundaries.
func (u *Utterance) AudioDuration() time.Duration {
	samples := len(u.PCM) / 2
	return time.Duration(samples) * time.Second / sttRate
}

// AttachmentSource yields pending vision attachments. The session's queue
// implements it; tests use a literal.
type AttachmentSource interface {
	// DrainAttachments returns all queued attachments and empties the queue.
	DrainAttachments() []llm.VisionAttachment
}

// AttachmentSourceFunc adapts a function to [AttachmentSource].
type AttachmentSourceFunc func() []llm.VisionAttachment

// DrainAttachments implements AttachmentSource.
func (f AttachmentSourceFunc) DrainAttachments() []llm.VisionAttachment { return f() }

// Assembler builds utterances for one session.
type Assembler struct {
	attachments AttachmentSource
}

// NewAssembler creates an assembler that drains vision attachments from src
// at capture time. src may be nil for sessions without a vision queue.
func NewAssembler(src AttachmentSource) *Assembler {
	return &Assembler{attachments: src}
}

// Assemble converts raw gate audio into an [Utterance]. samples are 16 kHz
// mono float32 in [-1, 1]; values outside the range are clipped during the
// int16 conversion.
func (a *Assembler) Assemble(samples []float32, start, end time.Time) *Utterance {
	pcm := audio.Float32ToInt16(samples)

	u := &Utterance{
		PCM:         pcm,
		WAV:         audio.WrapWAV(pcm, sttRate, 1),
		SpeechStart: start,
		SpeechEnd:   end,
	}
	if a.attachments != nil {
		u.Attachments = a.attachments.DrainAttachments()
	}
	return u
}
