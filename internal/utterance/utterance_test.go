package utterance

import (
	"bytes"
	"testing"
	"time"

	"github.com/parley-ai/parley/pkg/audio"
	"github.com/parley-ai/parley/pkg/provider/llm"
)

func TestAssemble_ConvertsAndFrames(t *testing.T) {
	a := NewAssembler(nil)

	samples := []float32{0, 0.5, -0.5, 1, -1}
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Second)

	u := a.Assemble(samples, start, end)

	if len(u.PCM) != len(samples)*2 {
		t.Fatalf("PCM = %d bytes, want %d", len(u.PCM), len(samples)*2)
	}
	if !u.SpeechStart.Equal(start) || !u.SpeechEnd.Equal(end) {
		t.Errorf("boundaries = %v..%v, want %v..%v", u.SpeechStart, u.SpeechEnd, start, end)
	}

	// The WAV must carry exactly the PCM back out.
	pcm, rate, channels, err := audio.UnwrapWAV(u.WAV)
	if err != nil {
		t.Fatalf("UnwrapWAV: %v", err)
	}
	if rate != 16000 || channels != 1 {
		t.Errorf("WAV format = %d Hz / %d ch, want 16000 / 1", rate, channels)
	}
	if !bytes.Equal(pcm, u.PCM) {
		t.Error("WAV payload differs from PCM")
	}
}

func TestAssemble_ClipsOutOfRangeSamples(t *testing.T) {
	a := NewAssembler(nil)

	u := a.Assemble([]float32{2.0, -2.0}, time.Time{}, time.Time{})

	want := audio.Float32ToInt16([]float32{1, -1})
	if !bytes.Equal(u.PCM, want) {
		t.Errorf("PCM = %v, want clipped %v", u.PCM, want)
	}
}

func TestAssemble_DrainsAttachments(t *testing.T) {
	queued := []llm.VisionAttachment{
		{MIMEType: "image/png", Data: []byte{1, 2, 3}},
		{MIMEType: "image/jpeg", Data: []byte{4, 5}},
	}
	drains := 0
	a := NewAssembler(AttachmentSourceFunc(func() []llm.VisionAttachment {
		drains++
		out := queued
		queued = nil
		return out
	}))

	u := a.Assemble([]float32{0.1}, time.Time{}, time.Time{})
	if len(u.Attachments) != 2 {
		t.Fatalf("attachments = %d, want 2", len(u.Attachments))
	}
	if u.Attachments[0].MIMEType != "image/png" {
		t.Errorf("first attachment = %q", u.Attachments[0].MIMEType)
	}

	// A second utterance sees an empty queue.
	u2 := a.Assemble([]float32{0.1}, time.Time{}, time.Time{})
	if len(u2.Attachments) != 0 {
		t.Errorf("second utterance got %d attachments, want 0", len(u2.Attachments))
	}
	if drains != 2 {
		t.Errorf("queue drained %d times, want 2", drains)
	}
}

func TestAudioDuration(t *testing.T) {
	a := NewAssembler(nil)

	// One second of 16 kHz audio.
	u := a.Assemble(make([]float32, 16000), time.Time{}, time.Time{})
	if got := u.AudioDuration(); got != time.Second {
		t.Errorf("AudioDuration = %v, want 1s", got)
	}

	u = a.Assemble(make([]float32, 4000), time.Time{}, time.Time{})
	if got := u.AudioDuration(); got != 250*time.Millisecond {
		t.Errorf("AudioDuration = %v, want 250ms", got)
	}
}
