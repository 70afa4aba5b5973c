// Package vadgate turns a stream of per-frame speech probabilities into
// discrete utterance boundaries. The gate consumes 48 kHz float32 PCM from
// the inbound track, scores fixed 10 ms frames through a [vad.Model], and
// runs a confirmation/redemption state machine so that short noise bursts do
// not open the gate and short pauses do not close it.
//
// The emitted utterance audio is 16 kHz mono float32, already decimated for
// the STT path, and includes a pre-speech pad so plosive onsets survive.
//
// A Gate is owned by a single audio read loop and is not safe for concurrent
// use.
package vadgate

import (
	"errors"
	"fmt"

	"github.com/parley-ai/parley/pkg/audio"
	"github.com/parley-ai/parley/pkg/provider/vad"
)

// Fixed rates of the gate. Tuning is configurable, the wire format is not:
// peers deliver 48 kHz and the model contract is 10 ms frames at 16 kHz.
const (
	inputRate  = 48000
	modelRate  = 16000
	decimation = inputRate / modelRate

	frameSamples48 = inputRate / 100 // 10 ms
	frameSamples16 = modelRate / 100
)

// Tuning defaults.
const (
	DefaultPositiveThreshold  = 0.5
	DefaultNegativeThreshold  = 0.35
	DefaultMinSpeechFrames    = 5
	DefaultRedemptionFrames   = 50
	DefaultPreSpeechPadFrames = 10
)

// EventType discriminates gate events.
type EventType int

const (
	// EventSpeechStart marks a confirmed utterance begin. No payload.
	EventSpeechStart EventType = iota

	// EventSpeechEnd carries the full utterance audio.
	EventSpeechEnd
)

// Event is one gate emission. Events alternate strictly: every
// [EventSpeechStart] is followed by exactly one [EventSpeechEnd] before the
// next start.
type Event struct {
	Type EventType

	// Audio is the captured utterance as 16 kHz mono float32, including the
	// pre-speech pad. Set only on [EventSpeechEnd].
	Audio []float32
}

// Config tunes the gate state machine. Zero values are replaced with
// defaults.
type Config struct {
	// PositiveThreshold is the probability at or above which a frame counts
	// as speech.
	PositiveThreshold float64

	// NegativeThreshold is the probability below which a frame counts as
	// silence. Frames between the thresholds keep the current state.
	NegativeThreshold float64

	// MinSpeechFrames is how many speech frames are needed before the gate
	// confirms an utterance and emits speech-start.
	MinSpeechFrames int

	// RedemptionFrames is how many silence frames the speaker is granted
	// before the gate closes the utterance.
	RedemptionFrames int

	// PreSpeechPadFrames is how many frames before the first speech frame
	// are prepended to the utterance audio.
	PreSpeechPadFrames int
}

func (c Config) withDefaults() Config {
	if c.PositiveThreshold <= 0 {
		c.PositiveThreshold = DefaultPositiveThreshold
	}
	if c.NegativeThreshold <= 0 {
		c.NegativeThreshold = DefaultNegativeThreshold
	}
	if c.MinSpeechFrames <= 0 {
		c.MinSpeechFrames = DefaultMinSpeechFrames
	}
	if c.RedemptionFrames <= 0 {
		c.RedemptionFrames = DefaultRedemptionFrames
	}
	if c.PreSpeechPadFrames <= 0 {
		c.PreSpeechPadFrames = DefaultPreSpeechPadFrames
	}
	return c
}

type gateState int

const (
	stateIdle gateState = iota
	statePending
	stateSpeaking
)

// Gate is the utterance boundary detector.
type Gate struct {
	model vad.Model
	cfg   Config

	state gateState
	buf   []float32 // 48 kHz samples not yet forming a full frame

	prePad  [][]float32 // last PreSpeechPadFrames 16 kHz frames before speech
	pending [][]float32 // frames since the tentative start, not yet confirmed
	segment []float32   // accumulated 16 kHz utterance while speaking

	speechFrames int // speech frames since the tentative start
	redemption   int // consecutive silence frames
}

// New creates a gate around model.
func New(model vad.Model, cfg Config) (*Gate, error) {
	if model == nil {
		return nil, errors.New("vadgate: nil model")
	}
	cfg = cfg.withDefaults()
	if cfg.NegativeThreshold >= cfg.PositiveThreshold {
		return nil, fmt.Errorf("vadgate: negative threshold %v must be below positive %v",
			cfg.NegativeThreshold, cfg.PositiveThreshold)
	}
	return &Gate{model: model, cfg: cfg}, nil
}

// Process consumes 48 kHz float32 samples normalized to [-1, 1] and returns
// any boundary events they produced. Partial frames are buffered across
// calls. A model failure aborts the call; frames already scored keep their
// effect and the returned events remain valid.
func (g *Gate) Process(samples []float32) ([]Event, error) {
	g.buf = append(g.buf, samples...)

	var events []Event
	n := 0
	for len(g.buf)-n >= frameSamples48 {
		frame := audio.DecimateFloat32(g.buf[n:n+frameSamples48], decimation)
		n += frameSamples48

		p, err := g.model.Predict(frame)
		if err != nil {
			g.buf = append(g.buf[:0], g.buf[n:]...)
			return events, fmt.Errorf("vadgate: predict: %w", err)
		}
		events = g.step(frame, p, events)
	}
	g.buf = append(g.buf[:0], g.buf[n:]...)
	return events, nil
}

// ProcessPCM16 converts little-endian int16 PCM to normalized float32 and
// feeds it through [Gate.Process].
func (g *Gate) ProcessPCM16(pcm []byte) ([]Event, error) {
	return g.Process(audio.Int16ToFloat32(pcm))
}

// step advances the state machine by one scored frame.
func (g *Gate) step(frame []float32, p float64, events []Event) []Event {
	switch g.state {
	case stateIdle:
		if p >= g.cfg.PositiveThreshold {
			g.state = statePending
			g.pending = append(g.pending, frame)
			g.speechFrames = 1
			g.redemption = 0
			return g.confirmIfReady(events)
		}
		g.pushPrePad(frame)

	case statePending:
		g.pending = append(g.pending, frame)
		switch {
		case p >= g.cfg.PositiveThreshold:
			g.speechFrames++
			g.redemption = 0
			return g.confirmIfReady(events)
		case p < g.cfg.NegativeThreshold:
			g.redemption++
			if g.redemption >= g.cfg.RedemptionFrames {
				// Misfire. The frames go back to padding duty.
				for _, f := range g.pending {
					g.pushPrePad(f)
				}
				g.pending = g.pending[:0]
				g.state = stateIdle
			}
		}

	case stateSpeaking:
		g.segment = append(g.segment, frame...)
		switch {
		case p >= g.cfg.PositiveThreshold:
			g.redemption = 0
		case p < g.cfg.NegativeThreshold:
			g.redemption++
			if g.redemption >= g.cfg.RedemptionFrames {
				events = append(events, g.endSegment())
			}
		}
	}
	return events
}

// confirmIfReady promotes a pending start to a confirmed utterance once
// enough speech frames accumulated.
func (g *Gate) confirmIfReady(events []Event) []Event {
	if g.speechFrames < g.cfg.MinSpeechFrames {
		return events
	}
	g.segment = g.segment[:0]
	for _, f := range g.prePad {
		g.segment = append(g.segment, f...)
	}
	for _, f := range g.pending {
		g.segment = append(g.segment, f...)
	}
	g.prePad = g.prePad[:0]
	g.pending = g.pending[:0]
	g.state = stateSpeaking
	g.redemption = 0
	return append(events, Event{Type: EventSpeechStart})
}

// endSegment closes the current utterance and resets to idle.
func (g *Gate) endSegment() Event {
	out := make([]float32, len(g.segment))
	copy(out, g.segment)
	g.segment = g.segment[:0]
	g.state = stateIdle
	g.speechFrames = 0
	g.redemption = 0
	return Event{Type: EventSpeechEnd, Audio: out}
}

// pushPrePad appends a frame to the pre-speech ring, dropping the oldest
// when full.
func (g *Gate) pushPrePad(frame []float32) {
	if len(g.prePad) == g.cfg.PreSpeechPadFrames {
		copy(g.prePad, g.prePad[1:])
		g.prePad[len(g.prePad)-1] = frame
		return
	}
	g.prePad = append(g.prePad, frame)
}

// Flush forces a speech-end if an utterance is in progress. A pending,
// unconfirmed start is discarded silently.
func (g *Gate) Flush() []Event {
	switch g.state {
	case stateSpeaking:
		return []Event{g.endSegment()}
	case statePending:
		for _, f := range g.pending {
			g.pushPrePad(f)
		}
		g.pending = g.pending[:0]
		g.state = stateIdle
		g.speechFrames = 0
		g.redemption = 0
	}
	return nil
}

// Active reports whether a confirmed utterance is in progress, i.e. a
// speech-start was emitted without its speech-end yet.
func (g *Gate) Active() bool {
	return g.state == stateSpeaking
}

// Reset clears all buffered audio and state and resets the model. Used when
// a peer track is rebound after reconnect.
func (g *Gate) Reset() {
	g.model.Reset()
	g.state = stateIdle
	g.buf = g.buf[:0]
	g.prePad = g.prePad[:0]
	g.pending = g.pending[:0]
	g.segment = g.segment[:0]
	g.speechFrames = 0
	g.redemption = 0
}
