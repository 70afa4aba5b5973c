package audio

// Reframer converts a stream of arbitrary-size PCM chunks at varying input
// rates into fixed 10 ms frames at [SinkRate] mono 16-bit. It is a pure state
// machine: [Reframer.Push] returns the complete frames the chunk produced and
// retains any partial tail for the next call.
//
// Two pieces of state persist across calls:
//
//   - an odd trailing byte (chunks are not required to be 16-bit aligned;
//     the byte is the low half of a sample completed by the next chunk)
//   - leftover sink-rate samples short of a full frame
//
// Reframer is not safe for concurrent use; each outbound stream owns one.
type Reframer struct {
	carry   []byte // at most one byte, low half of a split sample
	pending []byte // sink-rate PCM short of a full frame
}

// Push ingests one PCM chunk (little-endian int16 mono at srcRate) and
// returns zero or more complete [FrameBytes]-sized frames at [SinkRate].
// Returned slices are freshly allocated and safe to retain.
func (r *Reframer) Push(pcm []byte, srcRate int) [][]byte {
	if len(r.carry) > 0 {
		pcm = append(r.carry, pcm...)
		r.carry = nil
	}
	if len(pcm)%2 != 0 {
		r.carry = []byte{pcm[len(pcm)-1]}
		pcm = pcm[:len(pcm)-1]
	}
	if len(pcm) == 0 {
		return nil
	}

	resampled := ResampleMono16(pcm, srcRate, SinkRate)
	r.pending = append(r.pending, resampled...)

	var frames [][]byte
	for len(r.pending) >= FrameBytes {
		frame := make([]byte, FrameBytes)
		copy(frame, r.pending[:FrameBytes])
		frames = append(frames, frame)
		r.pending = r.pending[FrameBytes:]
	}
	return frames
}

// Flush zero-pads any leftover samples into one final frame. It reports false
// when nothing was pending. The odd-byte carry, if present, is discarded: half
// a sample cannot be completed once the stream has ended.
func (r *Reframer) Flush() ([]byte, bool) {
	if len(r.pending) == 0 {
		r.carry = nil
		return nil, false
	}
	frame := make([]byte, FrameBytes)
	copy(frame, r.pending)
	r.pending = nil
	r.carry = nil
	return frame, true
}

// Reset drops all buffered state. Used when a turn is aborted mid-stream so
// stale audio never leaks into the next reply.
func (r *Reframer) Reset() {
	r.carry = nil
	r.pending = nil
}

// Pending reports the number of buffered sink-rate bytes short of a frame.
func (r *Reframer) Pending() int {
	return len(r.pending)
}
