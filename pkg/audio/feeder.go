package audio

import (
	"context"
	"fmt"
	"time"
)

// FrameWriter is the outbound side of a peer-media adaptor: it accepts one
// 10 ms sink frame at a time. Implementations must tolerate concurrent turns
// never overlapping (the gateway serializes turns per session) but may be
// called from different goroutines over the connection's lifetime.
type FrameWriter interface {
	WriteFrame(ctx context.Context, pcm []byte) error
}

// Feeder couples a [Reframer] to a [FrameWriter] and paces frame emission to
// wall clock: one frame per [FrameDuration]. The pacing sleep is a select on
// the context, so cancellation (barge-in, disconnect) lands well inside a
// single frame interval.
//
// A Feeder belongs to one outbound stream and is not safe for concurrent use.
type Feeder struct {
	sink FrameWriter
	re   Reframer

	// interval between frame emissions; FrameDuration unless overridden
	// in tests.
	interval time.Duration
}

// NewFeeder returns a Feeder writing to sink with real-time pacing.
func NewFeeder(sink FrameWriter) *Feeder {
	return &Feeder{sink: sink, interval: FrameDuration}
}

// Feed reframes one PCM chunk (mono int16 at srcRate) and writes the
// resulting frames to the sink, sleeping the pacing interval between
// successive frames. It returns the context error as soon as cancellation
// is observed, mid-sleep included.
func (f *Feeder) Feed(ctx context.Context, pcm []byte, srcRate int) error {
	for _, frame := range f.re.Push(pcm, srcRate) {
		if err := f.writePaced(ctx, frame); err != nil {
			return err
		}
	}
	return nil
}

// Flush emits the zero-padded tail frame, if any.
func (f *Feeder) Flush(ctx context.Context) error {
	frame, ok := f.re.Flush()
	if !ok {
		return nil
	}
	return f.writePaced(ctx, frame)
}

// Reset drops buffered reframer state without emitting anything.
func (f *Feeder) Reset() {
	f.re.Reset()
}

func (f *Feeder) writePaced(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := f.sink.WriteFrame(ctx, frame); err != nil {
		return fmt.Errorf("audio: write frame: %w", err)
	}
	timer := time.NewTimer(f.interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
