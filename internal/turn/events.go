package turn

import "github.com/parley-ai/parley/internal/wire"

// Event is one item on a turn's event stream. The set of implementations is
// closed; consumers switch on the concrete type and map each to its wire
// message.
type Event interface {
	isEvent()
}

// Transcript carries the recognized text of the caller's utterance.
type Transcript struct {
	Text  string
	Final bool
}

// LLMDelta is one increment of the assistant's streamed reply. Done marks
// the end of the delta sequence on turns that signal it explicitly.
type LLMDelta struct {
	Content string
	Done    bool
}

// LLMFinal carries the complete assistant reply.
type LLMFinal struct {
	Text string
}

// TTSStart marks the first sentence entering synthesis.
type TTSStart struct{}

// TTSChunk is one increment of synthesized audio.
type TTSChunk struct {
	// PCM is 16-bit little-endian mono audio at SampleRate.
	PCM        []byte
	SampleRate int

	// Sentence is the text this audio renders.
	Sentence string
}

// TTSComplete marks a synthesis phase that ran to its natural end. It is
// also emitted on turns that never reached synthesis, so clients can treat
// it as the clean end of speech either way.
type TTSComplete struct{}

// TTSCancelled marks a synthesis phase aborted by barge-in or disconnect.
// No TTSChunk or TTSComplete follows it within the same turn.
type TTSCancelled struct{}

// ToolCallStart marks a tool invocation leaving for execution.
type ToolCallStart struct {
	Name   string
	CallID string

	// Arguments is the raw JSON argument payload the model produced.
	Arguments string
}

// ToolCallEnd carries a tool invocation's outcome. Every ToolCallStart is
// followed by exactly one ToolCallEnd with the same CallID.
type ToolCallEnd struct {
	Name   string
	CallID string

	// Result is the handler's JSON payload; empty when the call failed.
	Result string

	// Error describes the failure; empty on success.
	Error string

	DurationMS int64
}

// StageChange reports an executed playbook transition.
type StageChange struct {
	From   string
	To     string
	Reason string
}

// ErrorEvent terminates a turn with a classified failure.
type ErrorEvent struct {
	Code    wire.ErrorCode
	Message string
}

func (Transcript) isEvent()    {}
func (LLMDelta) isEvent()      {}
func (LLMFinal) isEvent()      {}
func (TTSStart) isEvent()      {}
func (TTSChunk) isEvent()      {}
func (TTSComplete) isEvent()   {}
func (TTSCancelled) isEvent()  {}
func (ToolCallStart) isEvent() {}
func (ToolCallEnd) isEvent()   {}
func (StageChange) isEvent()   {}
func (ErrorEvent) isEvent()    {}
