// Package mock provides an in-memory [peer.Adaptor] for unit tests.
//
// The mock records every outbound frame and control message so tests can
// assert on them, and exposes the inbound channels directly so tests can
// script microphone audio, data-channel traffic, and lifecycle events:
//
//	a := mock.New()
//	a.EventsCh <- peer.Event{Kind: peer.EventTrackUp}
//	a.FramesCh <- audio.Frame{Data: frame, SampleRate: 48000, Channels: 1}
//	got := a.WrittenFrames()
package mock

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/parley-ai/parley/pkg/audio"
	"github.com/parley-ai/parley/pkg/audio/peer"
)

// Adaptor is a scripted in-memory peer adaptor. Safe for concurrent use.
type Adaptor struct {
	// OfferAnswer is returned by HandleOffer. OfferErr, SignalErr and
	// WriteErr, when set, are returned by the corresponding methods.
	OfferAnswer string
	OfferErr    error
	SignalErr   error
	WriteErr    error

	// TrackDown makes WriteFrame return [peer.ErrNoOutboundTrack].
	TrackDown bool

	// Inbound channels, written by the test.
	FramesCh  chan audio.Frame
	ControlCh chan []byte
	EventsCh  chan peer.Event

	mu            sync.Mutex
	writtenFrames [][]byte
	sentControl   [][]byte
	offers        []string
	signals       []json.RawMessage
	closed        bool
}

var _ peer.Adaptor = (*Adaptor)(nil)

// New returns a mock adaptor with buffered inbound channels.
func New() *Adaptor {
	return &Adaptor{
		FramesCh:  make(chan audio.Frame, 64),
		ControlCh: make(chan []byte, 16),
		EventsCh:  make(chan peer.Event, 16),
	}
}

func (a *Adaptor) HandleOffer(_ context.Context, sdp string) (string, error) {
	a.mu.Lock()
	a.offers = append(a.offers, sdp)
	a.mu.Unlock()
	if a.OfferErr != nil {
		return "", a.OfferErr
	}
	if a.OfferAnswer != "" {
		return a.OfferAnswer, nil
	}
	return "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=Parley Audio\r\n", nil
}

func (a *Adaptor) HandleSignal(_ context.Context, payload json.RawMessage) error {
	a.mu.Lock()
	a.signals = append(a.signals, payload)
	a.mu.Unlock()
	return a.SignalErr
}

func (a *Adaptor) Frames() <-chan audio.Frame { return a.FramesCh }

func (a *Adaptor) WriteFrame(_ context.Context, pcm []byte) error {
	if a.WriteErr != nil {
		return a.WriteErr
	}
	if a.TrackDown {
		return peer.ErrNoOutboundTrack
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	a.mu.Lock()
	a.writtenFrames = append(a.writtenFrames, cp)
	a.mu.Unlock()
	return nil
}

func (a *Adaptor) SendControl(_ context.Context, msg []byte) error {
	cp := make([]byte, len(msg))
	copy(cp, msg)
	a.mu.Lock()
	a.sentControl = append(a.sentControl, cp)
	a.mu.Unlock()
	return nil
}

func (a *Adaptor) Control() <-chan []byte { return a.ControlCh }

func (a *Adaptor) Events() <-chan peer.Event { return a.EventsCh }

// Close closes the inbound channels exactly once.
func (a *Adaptor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	close(a.FramesCh)
	close(a.ControlCh)
	close(a.EventsCh)
	return nil
}

// WrittenFrames returns a copy of all frames sent to the peer.
func (a *Adaptor) WrittenFrames() [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([][]byte, len(a.writtenFrames))
	copy(out, a.writtenFrames)
	return out
}

// SentControl returns a copy of all control messages mirrored to the peer.
func (a *Adaptor) SentControl() [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([][]byte, len(a.sentControl))
	copy(out, a.sentControl)
	return out
}

// Offers returns the SDP offers received.
func (a *Adaptor) Offers() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.offers...)
}

// Factory hands out a fixed adaptor (or a fresh one per call when Adaptor
// is nil).
type Factory struct {
	Adaptor *Adaptor
	Err     error

	mu      sync.Mutex
	created []*Adaptor
}

var _ peer.Factory = (*Factory)(nil)

func (f *Factory) Name() string { return "mock" }

func (f *Factory) NewAdaptor(_ context.Context, _ string) (peer.Adaptor, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	a := f.Adaptor
	if a == nil {
		a = New()
	}
	f.mu.Lock()
	f.created = append(f.created, a)
	f.mu.Unlock()
	return a, nil
}

// Created returns every adaptor the factory has handed out.
func (f *Factory) Created() []*Adaptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Adaptor(nil), f.created...)
}
