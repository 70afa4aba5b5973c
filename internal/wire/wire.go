// Package wire defines the JSON control-channel protocol between gateway and
// client: message types in both directions, the error code taxonomy, and the
// decode/encode helpers the supervisor uses. Messages travel over the control
// WebSocket and are mirrored onto the peer data channel when it is open.
//
// All payload keys are camelCase on the wire. Binary payloads (audio, vision
// attachments, TTS chunks) ride as base64 strings, which encoding/json maps
// to []byte fields automatically.
package wire

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is sent in the ready message. Clients refuse to talk to a
// gateway speaking a version they do not know.
const ProtocolVersion = 1

// Client → server message types.
const (
	TypePing        = "ping"
	TypeReconnect   = "reconnect"
	TypeOffer       = "offer"
	TypeSignal      = "signal"
	TypeAudio       = "audio"
	TypeAttachments = "attachments"
)

// Server → client message types.
const (
	TypeReady         = "ready"
	TypePong          = "pong"
	TypeReconnectAck  = "reconnect-ack"
	TypeTranscript    = "transcript"
	TypeLLMChunk      = "llm-chunk"
	TypeLLM           = "llm"
	TypeTTSStart      = "tts-start"
	TypeTTSChunk      = "tts-chunk"
	TypeTTS           = "tts"
	TypeTTSComplete   = "tts-complete"
	TypeTTSCancelled  = "tts-cancelled"
	TypeSpeechStart   = "speech-start"
	TypeSpeechEnd     = "speech-end"
	TypeToolCallStart = "tool-call-start"
	TypeToolCallEnd   = "tool-call-end"
	TypeStageChange   = "stage-change"
	TypeError         = "error"
)

// ErrorCode classifies terminal errors sent to the client. Every terminal
// error emits its code exactly once and increments the per-component error
// counter.
type ErrorCode string

const (
	CodeWebRTCUnavailable    ErrorCode = "WEBRTC_UNAVAILABLE"
	CodeAudioProcessingError ErrorCode = "AUDIO_PROCESSING_ERROR"
	CodeSTTError             ErrorCode = "STT_ERROR"
	CodeLLMError             ErrorCode = "LLM_ERROR"
	CodeTTSError             ErrorCode = "TTS_ERROR"
	CodeInvalidMessage       ErrorCode = "INVALID_MESSAGE"
	CodeSessionNotFound      ErrorCode = "SESSION_NOT_FOUND"
	CodeInternalError        ErrorCode = "INTERNAL_ERROR"
)

// Component returns the error-counter label for the code.
func (c ErrorCode) Component() string {
	switch c {
	case CodeWebRTCUnavailable:
		return "peer"
	case CodeAudioProcessingError:
		return "audio"
	case CodeSTTError:
		return "stt"
	case CodeLLMError:
		return "llm"
	case CodeTTSError:
		return "tts"
	case CodeInvalidMessage:
		return "wire"
	case CodeSessionNotFound:
		return "session"
	default:
		return "internal"
	}
}

// Attachment is a vision attachment as it appears on the wire.
type Attachment struct {
	MIMEType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

// Encode marshals an outbound message. It exists so call sites read
// symmetrically with Decode; any marshal failure here is a programming error
// surfaced as one.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	return data, nil
}
