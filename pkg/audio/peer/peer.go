// Package peer defines the contract between the gateway and a peer-media
// adaptor: the component that terminates the actual media transport (WebRTC,
// Discord voice, a test harness) and hands the gateway plain PCM.
//
// An [Adaptor] exposes exactly four things — inbound PCM frames, an outbound
// PCM sink, a bidirectional control-message side channel, and lifecycle
// events. Negotiation, ICE and codec handling stay behind the interface; the
// gateway only relays SDP blobs through [Adaptor.HandleOffer] and
// [Adaptor.HandleSignal] without interpreting them.
//
// This package lives under pkg/ because transport integrations are expected
// to implement [Adaptor] out of tree.
package peer

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/parley-ai/parley/pkg/audio"
)

// Signaling/transport capability errors. Adaptors return these so the
// gateway can respond with the right wire error instead of guessing.
var (
	// ErrSignalingUnsupported is returned by adaptors that have no SDP
	// exchange (e.g. Discord voice, test adaptors).
	ErrSignalingUnsupported = errors.New("peer: adaptor does not support SDP signaling")

	// ErrNoOutboundTrack is returned by WriteFrame while the outbound
	// audio track is not established. The gateway then mirrors TTS chunks
	// over the control channel instead.
	ErrNoOutboundTrack = errors.New("peer: outbound audio track unavailable")
)

// EventKind classifies adaptor lifecycle events.
type EventKind int

const (
	// EventTrackUp is emitted when the inbound audio track is live and
	// Frames() will start delivering microphone PCM.
	EventTrackUp EventKind = iota

	// EventTrackDown is emitted when the media track drops while the
	// adaptor itself stays open.
	EventTrackDown

	// EventControlOpen is emitted when the peer data channel opens.
	EventControlOpen

	// EventClosed is emitted once when the adaptor shuts down; no further
	// events follow.
	EventClosed
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventTrackUp:
		return "track_up"
	case EventTrackDown:
		return "track_down"
	case EventControlOpen:
		return "control_open"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is a lifecycle notification from an adaptor.
type Event struct {
	Kind EventKind
}

// Adaptor is a single peer's media transport, owned by one connection
// supervisor. All channels are closed by the adaptor when it shuts down.
type Adaptor interface {
	// HandleOffer ingests the client's SDP offer and returns the answer.
	// Adaptors without SDP signaling return [ErrSignalingUnsupported].
	// The context carries the ICE gathering budget; implementations should
	// return their best answer when it expires rather than fail.
	HandleOffer(ctx context.Context, sdp string) (answer string, err error)

	// HandleSignal ingests a follow-up signaling payload (trickled ICE
	// candidate, renegotiation).
	HandleSignal(ctx context.Context, payload json.RawMessage) error

	// Frames delivers inbound microphone PCM normalized to 48 kHz mono
	// 16-bit. The channel closes when the adaptor closes.
	Frames() <-chan audio.Frame

	// WriteFrame sends one 10 ms sink frame (960 bytes, 48 kHz mono
	// 16-bit) to the peer. Returns [ErrNoOutboundTrack] while no track
	// is up.
	WriteFrame(ctx context.Context, pcm []byte) error

	// SendControl mirrors a control-plane message onto the peer data
	// channel. A nil error with no delivery guarantee is acceptable;
	// the control WebSocket remains the authoritative channel.
	SendControl(ctx context.Context, msg []byte) error

	// Control delivers messages the peer sent on the data channel
	// (e.g. vision attachments). May be a nil channel when the adaptor
	// has no data channel.
	Control() <-chan []byte

	// Events delivers lifecycle notifications. The channel closes after
	// [EventClosed].
	Events() <-chan Event

	// Close tears the transport down. Safe to call more than once.
	Close() error
}

// Factory creates one Adaptor per gateway connection.
type Factory interface {
	// Name identifies the transport ("webrtc", "discord", "mock").
	Name() string

	// NewAdaptor builds the adaptor for a new connection.
	NewAdaptor(ctx context.Context, connectionID string) (Adaptor, error)
}

var _ audio.FrameWriter = (Adaptor)(nil)
