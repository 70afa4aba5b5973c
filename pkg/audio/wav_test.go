package audio_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/parley-ai/parley/pkg/audio"
)

func TestWrapWAV_Header(t *testing.T) {
	pcm := make([]byte, 320) // 160 samples, 10 ms at 16 kHz
	wav := audio.WrapWAV(pcm, 16000, 1)

	if len(wav) != 44+len(pcm) {
		t.Fatalf("wav length = %d, want %d", len(wav), 44+len(pcm))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Fatal("missing RIFF/WAVE magic")
	}
	if got := binary.LittleEndian.Uint32(wav[4:8]); got != uint32(36+len(pcm)) {
		t.Errorf("riff size = %d, want %d", got, 36+len(pcm))
	}
	if string(wav[12:16]) != "fmt " {
		t.Fatal("missing fmt chunk")
	}
	if got := binary.LittleEndian.Uint32(wav[16:20]); got != 16 {
		t.Errorf("fmt size = %d, want 16", got)
	}
	if got := binary.LittleEndian.Uint16(wav[20:22]); got != 1 {
		t.Errorf("audio format = %d, want 1 (PCM)", got)
	}
	if got := binary.LittleEndian.Uint16(wav[22:24]); got != 1 {
		t.Errorf("channels = %d, want 1", got)
	}
	if got := binary.LittleEndian.Uint32(wav[24:28]); got != 16000 {
		t.Errorf("sample rate = %d, want 16000", got)
	}
	if got := binary.LittleEndian.Uint32(wav[28:32]); got != 32000 {
		t.Errorf("byte rate = %d, want 32000", got)
	}
	if got := binary.LittleEndian.Uint16(wav[32:34]); got != 2 {
		t.Errorf("block align = %d, want 2", got)
	}
	if got := binary.LittleEndian.Uint16(wav[34:36]); got != 16 {
		t.Errorf("bits per sample = %d, want 16", got)
	}
	if string(wav[36:40]) != "data" {
		t.Fatal("missing data chunk")
	}
	if got := binary.LittleEndian.Uint32(wav[40:44]); got != uint32(len(pcm)) {
		t.Errorf("data size = %d, want %d", got, len(pcm))
	}
}

func TestIsWAV(t *testing.T) {
	wav := audio.WrapWAV([]byte{0, 0}, 16000, 1)
	if !audio.IsWAV(wav) {
		t.Error("IsWAV(wrapped) = false, want true")
	}
	if audio.IsWAV([]byte("RIFFxxxx")) {
		t.Error("IsWAV(short) = true, want false")
	}
	if audio.IsWAV(make([]byte, 64)) {
		t.Error("IsWAV(zeros) = true, want false")
	}
}

func TestUnwrapWAV_RoundTrip(t *testing.T) {
	pcm := samplesToBytes([]int16{100, -200, 300, -400})
	wav := audio.WrapWAV(pcm, 16000, 1)

	got, rate, channels, err := audio.UnwrapWAV(wav)
	if err != nil {
		t.Fatalf("UnwrapWAV: %v", err)
	}
	if rate != 16000 || channels != 1 {
		t.Errorf("format = (%d, %d), want (16000, 1)", rate, channels)
	}
	if !bytes.Equal(got, pcm) {
		t.Errorf("pcm = %v, want %v", got, pcm)
	}
}

func TestUnwrapWAV_SkipsExtraChunks(t *testing.T) {
	pcm := samplesToBytes([]int16{1, 2, 3})
	wav := audio.WrapWAV(pcm, 48000, 2)

	// Splice a LIST chunk between the fmt and data chunks.
	var spliced []byte
	spliced = append(spliced, wav[:36]...)
	spliced = append(spliced, []byte("LIST")...)
	spliced = append(spliced, []byte{4, 0, 0, 0}...)
	spliced = append(spliced, []byte("INFO")...)
	spliced = append(spliced, wav[36:]...)
	binary.LittleEndian.PutUint32(spliced[4:8], uint32(len(spliced)-8))

	got, rate, channels, err := audio.UnwrapWAV(spliced)
	if err != nil {
		t.Fatalf("UnwrapWAV: %v", err)
	}
	if rate != 48000 || channels != 2 {
		t.Errorf("format = (%d, %d), want (48000, 2)", rate, channels)
	}
	if !bytes.Equal(got, pcm) {
		t.Errorf("pcm = %v, want %v", got, pcm)
	}
}

func TestUnwrapWAV_Rejects(t *testing.T) {
	if _, _, _, err := audio.UnwrapWAV([]byte("not a wav")); err == nil {
		t.Error("expected error for non-WAV input")
	}

	truncated := audio.WrapWAV(samplesToBytes([]int16{1, 2, 3, 4}), 16000, 1)
	if _, _, _, err := audio.UnwrapWAV(truncated[:40]); err == nil {
		t.Error("expected error for truncated container")
	}

	float := audio.WrapWAV(samplesToBytes([]int16{1}), 16000, 1)
	binary.LittleEndian.PutUint16(float[20:22], 3) // IEEE float format tag
	if _, _, _, err := audio.UnwrapWAV(float); err == nil {
		t.Error("expected error for non-PCM format")
	}
}
