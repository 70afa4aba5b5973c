package wire

import "encoding/json"

// Outbound message structs carry their own type tag so a marshalled value is
// a complete wire message. Use the New* constructors; they fill the tag and
// any protocol constants.

// Ready announces the connection id and protocol version after accept.
type Ready struct {
	Type            string `json:"type"`
	ID              string `json:"id"`
	ProtocolVersion int    `json:"protocolVersion"`
}

// NewReady builds the ready message for a fresh connection.
func NewReady(id string) Ready {
	return Ready{Type: TypeReady, ID: id, ProtocolVersion: ProtocolVersion}
}

// Pong answers a ping with the client's own timestamp.
type Pong struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// NewPong echoes the ping timestamp.
func NewPong(timestamp int64) Pong {
	return Pong{Type: TypePong, Timestamp: timestamp}
}

// AnswerSignal carries the SDP answer back to the client.
type AnswerSignal struct {
	Type   string `json:"type"`
	Signal string `json:"signal"`
}

// NewAnswerSignal wraps an SDP answer.
func NewAnswerSignal(sdp string) AnswerSignal {
	return AnswerSignal{Type: TypeSignal, Signal: sdp}
}

// ReconnectAck reports the outcome of a reconnect attempt.
type ReconnectAck struct {
	Type             string `json:"type"`
	Success          bool   `json:"success"`
	SessionID        string `json:"sessionId"`
	HistoryRecovered bool   `json:"historyRecovered"`
}

// NewReconnectAck builds a reconnect acknowledgement.
func NewReconnectAck(success bool, sessionID string, historyRecovered bool) ReconnectAck {
	return ReconnectAck{
		Type:             TypeReconnectAck,
		Success:          success,
		SessionID:        sessionID,
		HistoryRecovered: historyRecovered,
	}
}

// Transcript delivers the STT result for an utterance.
type Transcript struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"isFinal"`
}

// NewTranscript builds a transcript message.
func NewTranscript(text string, isFinal bool) Transcript {
	return Transcript{Type: TypeTranscript, Text: text, IsFinal: isFinal}
}

// LLMChunk streams one delta of the assistant reply.
type LLMChunk struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Done    bool   `json:"done"`
}

// NewLLMChunk builds a streamed reply delta.
func NewLLMChunk(content string, done bool) LLMChunk {
	return LLMChunk{Type: TypeLLMChunk, Content: content, Done: done}
}

// LLMFinal delivers the complete assistant reply when the provider did not
// stream.
type LLMFinal struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// NewLLMFinal builds a whole-reply message.
func NewLLMFinal(text string) LLMFinal {
	return LLMFinal{Type: TypeLLM, Text: text}
}

// Bare is a payload-free server message (tts-start, tts-complete,
// tts-cancelled, speech-start, speech-end).
type Bare struct {
	Type string `json:"type"`
}

// NewTTSStart marks the first synthesized sentence of a turn.
func NewTTSStart() Bare { return Bare{Type: TypeTTSStart} }

// NewTTSComplete marks normal end of synthesis for a turn.
func NewTTSComplete() Bare { return Bare{Type: TypeTTSComplete} }

// NewTTSCancelled marks a barge-in or shutdown interruption.
func NewTTSCancelled() Bare { return Bare{Type: TypeTTSCancelled} }

// NewSpeechStart reports the VAD gate opening.
func NewSpeechStart() Bare { return Bare{Type: TypeSpeechStart} }

// NewSpeechEnd reports the VAD gate closing.
func NewSpeechEnd() Bare { return Bare{Type: TypeSpeechEnd} }

// TTSChunk carries synthesized PCM over the control channel. Sent only while
// the outbound audio track is unavailable; otherwise audio goes through the
// peer track and the control channel stays quiet.
type TTSChunk struct {
	Type       string `json:"type"`
	Format     string `json:"format"`
	SampleRate int    `json:"sampleRate"`
	Data       []byte `json:"data"`
}

// NewTTSChunk builds a control-channel audio chunk.
func NewTTSChunk(sampleRate int, pcm []byte) TTSChunk {
	return TTSChunk{Type: TypeTTSChunk, Format: "pcm", SampleRate: sampleRate, Data: pcm}
}

// TTSWhole carries a complete synthesized utterance in one message, the
// non-streaming counterpart of TTSChunk.
type TTSWhole struct {
	Type   string `json:"type"`
	Format string `json:"format"`
	Data   []byte `json:"data"`
}

// NewTTSWhole builds a whole-utterance audio message.
func NewTTSWhole(format string, data []byte) TTSWhole {
	return TTSWhole{Type: TypeTTS, Format: format, Data: data}
}

// ToolCallStart announces a tool invocation within a turn.
type ToolCallStart struct {
	Type      string          `json:"type"`
	Name      string          `json:"name"`
	CallID    string          `json:"callId"`
	Arguments json.RawMessage `json:"arguments"`
}

// NewToolCallStart builds a tool start notice. arguments must be a JSON
// object (the model's argument payload verbatim).
func NewToolCallStart(name, callID string, arguments json.RawMessage) ToolCallStart {
	return ToolCallStart{Type: TypeToolCallStart, Name: name, CallID: callID, Arguments: arguments}
}

// ToolCallEnd reports a tool result or failure.
type ToolCallEnd struct {
	Type       string `json:"type"`
	CallID     string `json:"callId"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// NewToolCallEnd builds a tool end notice. Exactly one of result and errMsg
// should be set.
func NewToolCallEnd(callID string, result any, errMsg string, durationMs int64) ToolCallEnd {
	return ToolCallEnd{Type: TypeToolCallEnd, CallID: callID, Result: result, Error: errMsg, DurationMs: durationMs}
}

// StageChange reports a playbook stage transition.
type StageChange struct {
	Type   string `json:"type"`
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
}

// NewStageChange builds a stage transition notice.
func NewStageChange(from, to, reason string) StageChange {
	return StageChange{Type: TypeStageChange, From: from, To: to, Reason: reason}
}

// Error is the structured terminal error; silent failure is prohibited, so
// every error a client observes arrives as one of these.
type Error struct {
	Type    string    `json:"type"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// NewError builds a wire error.
func NewError(code ErrorCode, message string) Error {
	return Error{Type: TypeError, Code: code, Message: message}
}
