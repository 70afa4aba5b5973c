package wire

import (
	"encoding/json"
	"fmt"
)

// Message is the closed union of client → server control messages returned
// by [Decode].
type Message interface {
	messageType() string
}

// Ping keeps the connection's heartbeat alive.
type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

// Reconnect asks to resume an existing session after a dropped connection.
type Reconnect struct {
	SessionID string `json:"sessionId"`
}

// Offer carries the client's SDP offer for the peer-media adaptor.
type Offer struct {
	Signal string `json:"signal"`
}

// Signal carries a follow-up signaling payload (trickled ICE candidate or
// renegotiation). The payload is opaque to the gateway and handed to the
// adaptor verbatim.
type Signal struct {
	Signal json.RawMessage `json:"signal"`
}

// Audio delivers a complete utterance over the control channel, bypassing
// the VAD gate. Used as the fallback when peer media is unavailable.
type Audio struct {
	Data        []byte       `json:"data"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachments queues vision attachments for the next utterance. Arrives on
// the peer data channel.
type Attachments struct {
	Attachments []Attachment `json:"attachments"`
}

func (Ping) messageType() string        { return TypePing }
func (Reconnect) messageType() string   { return TypeReconnect }
func (Offer) messageType() string       { return TypeOffer }
func (Signal) messageType() string      { return TypeSignal }
func (Audio) messageType() string       { return TypeAudio }
func (Attachments) messageType() string { return TypeAttachments }

// Decode parses a client control message. Unknown types and malformed JSON
// are both INVALID_MESSAGE conditions; the caller answers with
// [NewError](CodeInvalidMessage, ...) rather than closing the connection.
func Decode(data []byte) (Message, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("wire: decode: %w", err)
	}

	switch env.Type {
	case TypePing:
		var m Ping
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("wire: decode %s: %w", env.Type, err)
		}
		return m, nil
	case TypeReconnect:
		var m Reconnect
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("wire: decode %s: %w", env.Type, err)
		}
		return m, nil
	case TypeOffer:
		var m Offer
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("wire: decode %s: %w", env.Type, err)
		}
		return m, nil
	case TypeSignal:
		var m Signal
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("wire: decode %s: %w", env.Type, err)
		}
		return m, nil
	case TypeAudio:
		var m Audio
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("wire: decode %s: %w", env.Type, err)
		}
		return m, nil
	case TypeAttachments:
		var m Attachments
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("wire: decode %s: %w", env.Type, err)
		}
		return m, nil
	case "":
		return nil, fmt.Errorf("wire: message has no type")
	default:
		return nil, fmt.Errorf("wire: unknown message type %q", env.Type)
	}
}
