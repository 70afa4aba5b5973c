package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"

	"github.com/parley-ai/parley/internal/turn"
	"github.com/parley-ai/parley/internal/wire"
	"github.com/parley-ai/parley/pkg/audio"
	"github.com/parley-ai/parley/pkg/audio/peer"
)

// forwardLoop relays queued turn streams to the client one turn at a time,
// preserving per-session event order end to end. Every stream is drained to
// completion even after cancellation so producers never leak; writes on a
// dead connection just stop landing.
func (s *Supervisor) forwardLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ch := <-s.turnQ:
					drainTurn(ch)
				default:
					return
				}
			}
		case ch := <-s.turnQ:
			prev := s.enterTurn()
			for ev := range ch {
				s.forward(ctx, ev)
			}
			s.leaveTurn(prev)
		}
	}
}

// forward maps one turn event onto the wire. Synthesized audio is special:
// while the outbound track is up the chunk bytes travel as paced frames and
// the control channel stays quiet; without a track the chunk goes out as a
// tts-chunk message.
func (s *Supervisor) forward(ctx context.Context, ev turn.Event) {
	if _, ok := ev.(turn.TTSChunk); ok && s.trackUp() {
		return
	}
	if msg := eventMessage(ev); msg != nil {
		s.send(ctx, msg)
	}
}

// trackUp reports whether synthesized audio currently reaches the client
// through the peer track.
func (s *Supervisor) trackUp() bool {
	sink := s.currentSink()
	return sink != nil && sink.available()
}

func drainTurn(ch <-chan turn.Event) {
	for range ch {
	}
}

// eventMessage maps a turn event to its wire message; nil means the event
// has no wire form.
func eventMessage(ev turn.Event) any {
	switch e := ev.(type) {
	case turn.Transcript:
		return wire.NewTranscript(e.Text, e.Final)
	case turn.LLMDelta:
		return wire.NewLLMChunk(e.Content, e.Done)
	case turn.LLMFinal:
		return wire.NewLLMFinal(e.Text)
	case turn.TTSStart:
		return wire.NewTTSStart()
	case turn.TTSChunk:
		return wire.NewTTSChunk(e.SampleRate, e.PCM)
	case turn.TTSComplete:
		return wire.NewTTSComplete()
	case turn.TTSCancelled:
		return wire.NewTTSCancelled()
	case turn.ToolCallStart:
		return wire.NewToolCallStart(e.Name, e.CallID, jsonPayload(e.Arguments))
	case turn.ToolCallEnd:
		var result any
		if e.Result != "" {
			result = jsonPayload(e.Result)
		}
		return wire.NewToolCallEnd(e.CallID, result, e.Error, e.DurationMS)
	case turn.StageChange:
		return wire.NewStageChange(e.From, e.To, e.Reason)
	case turn.ErrorEvent:
		return wire.NewError(e.Code, e.Message)
	default:
		return nil
	}
}

// jsonPayload embeds s verbatim when it is valid JSON and as a JSON string
// otherwise, so a malformed model payload can never break the envelope.
func jsonPayload(s string) json.RawMessage {
	if s == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	quoted, _ := json.Marshal(s)
	return json.RawMessage(quoted)
}

// trackSink adapts the adaptor's outbound track to the turn runner's paced
// sink. Losing the track must not fail the turn: the write is swallowed,
// the availability flag flips, and the forwarder falls back to
// control-channel chunks.
type trackSink struct {
	adaptor peer.Adaptor
	up      atomic.Bool
}

var _ audio.FrameWriter = (*trackSink)(nil)

func newTrackSink(adaptor peer.Adaptor) *trackSink {
	return &trackSink{adaptor: adaptor}
}

// WriteFrame implements [audio.FrameWriter].
func (t *trackSink) WriteFrame(ctx context.Context, pcm []byte) error {
	if !t.up.Load() {
		return nil
	}
	err := t.adaptor.WriteFrame(ctx, pcm)
	if errors.Is(err, peer.ErrNoOutboundTrack) {
		t.up.Store(false)
		return nil
	}
	return err
}

func (t *trackSink) setUp(v bool) { t.up.Store(v) }

func (t *trackSink) available() bool { return t.up.Load() }
