package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// wavHeaderSize is the byte length of the canonical RIFF/WAVE header this
// package writes: "RIFF" + size + "WAVE" + "fmt " chunk + "data" chunk header.
const wavHeaderSize = 44

// WrapWAV prepends a minimal 44-byte RIFF/WAVE header (PCM format 1, 16 bits
// per sample) to raw little-endian int16 PCM. STT providers that accept file
// uploads get their input through this wrapper.
func WrapWAV(pcm []byte, sampleRate, channels int) []byte {
	dataLen := uint32(len(pcm))
	byteRate := uint32(sampleRate * channels * 2)
	blockAlign := uint16(channels * 2)

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(pcm)))
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36)+dataLen)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16)) // fmt chunk size
	binary.Write(buf, binary.LittleEndian, uint16(1))  // PCM
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, byteRate)
	binary.Write(buf, binary.LittleEndian, blockAlign)
	binary.Write(buf, binary.LittleEndian, uint16(16)) // bits per sample
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, dataLen)
	buf.Write(pcm)
	return buf.Bytes()
}

// IsWAV reports whether b starts with a RIFF/WAVE header.
func IsWAV(b []byte) bool {
	return len(b) >= 12 && string(b[0:4]) == "RIFF" && string(b[8:12]) == "WAVE"
}

// UnwrapWAV extracts the PCM payload and format from a RIFF/WAVE container
// holding 16-bit PCM, the inverse of [WrapWAV]. Chunks other than "fmt " and
// "data" are skipped, so headers with LIST or fact chunks parse fine.
func UnwrapWAV(b []byte) (pcm []byte, sampleRate, channels int, err error) {
	if !IsWAV(b) {
		return nil, 0, 0, errors.New("audio: not a RIFF/WAVE container")
	}

	var (
		haveFmt  bool
		haveData bool
	)
	off := 12
	for off+8 <= len(b) {
		id := string(b[off : off+4])
		size := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		off += 8
		if size < 0 || off+size > len(b) {
			return nil, 0, 0, fmt.Errorf("audio: wav chunk %q overruns container", id)
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, 0, errors.New("audio: wav fmt chunk too short")
			}
			format := binary.LittleEndian.Uint16(b[off : off+2])
			if format != 1 {
				return nil, 0, 0, fmt.Errorf("audio: unsupported wav format %d (want PCM)", format)
			}
			channels = int(binary.LittleEndian.Uint16(b[off+2 : off+4]))
			sampleRate = int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
			bits := binary.LittleEndian.Uint16(b[off+14 : off+16])
			if bits != 16 {
				return nil, 0, 0, fmt.Errorf("audio: unsupported wav bit depth %d (want 16)", bits)
			}
			haveFmt = true
		case "data":
			pcm = b[off : off+size]
			haveData = true
		}
		// Chunks are word-aligned; odd sizes carry a pad byte.
		off += size + size%2
	}

	if !haveFmt || !haveData {
		return nil, 0, 0, errors.New("audio: wav missing fmt or data chunk")
	}
	return pcm, sampleRate, channels, nil
}
