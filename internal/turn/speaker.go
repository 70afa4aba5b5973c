package turn

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/parley-ai/parley/internal/observe"
	"github.com/parley-ai/parley/internal/session"
	"github.com/parley-ai/parley/pkg/audio"
	"github.com/parley-ai/parley/pkg/provider/tts"
)

// ttsFailure tags synthesis-path errors so the turn maps them to the TTS
// wire code instead of the LLM one.
type ttsFailure struct {
	err error
}

func (e *ttsFailure) Error() string { return e.err.Error() }
func (e *ttsFailure) Unwrap() error { return e.err }

// speaker owns the synthesis half of one turn: sentence dispatch, chunk
// pumping, the paced sink feed, and the TTS lifecycle events. It is bound
// to a single turn and used from that turn's goroutine only.
type speaker struct {
	tts    tts.Provider
	feeder *audio.Feeder // nil when no outbound sink is bound
	sess   *session.Session
	fabric *observe.Fabric
	log    *slog.Logger
	out    chan<- Event

	started      bool
	done         bool
	startedAt    time.Time
	firstChunkAt time.Time
}

// speak synthesizes one sentence and pumps its audio to the event stream
// and the paced sink. The streaming path is tried first; a stream that
// fails mid-sentence falls back to blocking synthesis of the same
// sentence. The first call of a turn emits TTSStart and raises the
// session's TTS flag.
func (s *speaker) speak(ctx context.Context, sentence string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.started {
		s.started = true
		s.startedAt = time.Now()
		s.sess.SetTTSActive(true)
		if !emit(ctx, s.out, TTSStart{}) {
			return ctx.Err()
		}
		s.fabric.TTSStart(observe.TTSStartInfo{SessionID: s.sess.ID})
	}

	err := s.speakStream(ctx, sentence)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.log.Debug("streaming synthesis failed, falling back",
		"session_id", s.sess.ID,
		"provider", s.tts.Name(),
		"error", err)

	if err := s.speakBlocking(ctx, sentence); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ttsFailure{err: fmt.Errorf("turn: synthesize: %w", err)}
	}
	return nil
}

func (s *speaker) speakStream(ctx context.Context, sentence string) error {
	stream, err := s.tts.SpeakStream(ctx, sentence)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			go drain(stream)
			return ctx.Err()
		case chunk, ok := <-stream:
			if !ok {
				return nil
			}
			if chunk.Err != nil {
				// An error chunk is the provider's last; no drain needed.
				return chunk.Err
			}
			if err := s.deliver(ctx, chunk.PCM, sentence); err != nil {
				go drain(stream)
				return err
			}
		}
	}
}

func (s *speaker) speakBlocking(ctx context.Context, sentence string) error {
	pcm, err := s.tts.Speak(ctx, sentence)
	if err != nil {
		return err
	}
	return s.deliver(ctx, pcm, sentence)
}

// deliver emits one audio chunk upward and feeds it to the paced sink.
func (s *speaker) deliver(ctx context.Context, pcm []byte, sentence string) error {
	if len(pcm) == 0 {
		return nil
	}
	if s.firstChunkAt.IsZero() {
		s.firstChunkAt = time.Now()
	}
	if !emit(ctx, s.out, TTSChunk{PCM: pcm, SampleRate: s.tts.SampleRate(), Sentence: sentence}) {
		return ctx.Err()
	}
	if s.feeder != nil {
		if err := s.feeder.Feed(ctx, pcm, s.tts.SampleRate()); err != nil {
			return err
		}
	}
	return nil
}

// finish flushes the paced sink's tail frame and closes the synthesis
// phase with TTSComplete. It is a no-op when no sentence was dispatched.
func (s *speaker) finish(ctx context.Context) error {
	if !s.started || s.done {
		return nil
	}
	if s.feeder != nil {
		if err := s.feeder.Flush(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &ttsFailure{err: fmt.Errorf("turn: flush sink: %w", err)}
		}
	}
	if !emit(ctx, s.out, TTSComplete{}) {
		return ctx.Err()
	}
	s.done = true
	s.sess.SetTTSActive(false)

	var firstChunk time.Duration
	if !s.firstChunkAt.IsZero() {
		firstChunk = s.firstChunkAt.Sub(s.startedAt)
	}
	s.fabric.TTSComplete(observe.TTSCompleteInfo{
		SessionID:         s.sess.ID,
		Duration:          time.Since(s.startedAt),
		FirstChunkLatency: firstChunk,
	})
	return nil
}

// cancelled emits the terminal TTSCancelled, exactly once, and clears the
// session's TTS flag. Safe to call when synthesis never started or already
// closed cleanly.
func (s *speaker) cancelled() {
	if !s.started || s.done {
		return
	}
	s.done = true
	s.sess.SetTTSActive(false)
	emitTerminal(s.out, TTSCancelled{})
	s.fabric.TTSCancelled(observe.TTSCancelledInfo{SessionID: s.sess.ID})
}

// emit delivers ev unless the turn context is cancelled first.
func emit(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// emitTerminal delivers a turn's closing event even after cancellation.
// RunTurn's contract is that the caller drains the channel until it is
// closed, so the send cannot block forever.
func emitTerminal(out chan<- Event, ev Event) {
	out <- ev
}

// drain unblocks a provider goroutine after an early exit from its stream.
func drain[T any](ch <-chan T) {
	for range ch {
	}
}
