// Package llm defines the provider-agnostic interface for large language
// model backends, plus the request/response types shared by all adapters.
//
// Two call shapes are supported: [Provider.Complete] for blocking requests
// (used by the playbook resolution loop, where tool calls must be gathered
// whole) and [Provider.StreamCompletion] for incremental delivery (used for
// the spoken reply, where sentences are cut for synthesis as they arrive).
package llm

import "context"

// CompletionRequest is a request for an LLM completion.
type CompletionRequest struct {
	// Messages is the conversation history, oldest first. A leading system
	// message is permitted; SystemPrompt below takes precedence if both are set.
	Messages []Message

	// SystemPrompt, if non-empty, is injected as the system message.
	SystemPrompt string

	// Model overrides the provider's configured default model for this
	// request. Empty means use the default.
	Model string

	// Tools available for the model to call. Empty means no tool calling.
	Tools []ToolDefinition

	// ToolChoice constrains tool usage. Zero value means [ToolChoiceAuto].
	// Ignored when Tools is empty.
	ToolChoice ToolChoice

	// Temperature controls randomness (0.0 to 2.0, provider-dependent).
	Temperature float64

	// MaxTokens caps the response length. 0 means provider default.
	MaxTokens int
}

// CompletionResponse is a complete (non-streamed) LLM response.
type CompletionResponse struct {
	// Content is the text of the response. May be empty when the model
	// answers purely with tool calls.
	Content string

	// ToolCalls contains any tool invocations the model requested.
	ToolCalls []ToolCall

	// StopReason records why generation ended.
	StopReason StopReason

	// Usage holds token accounting, if the backend reported it.
	Usage Usage
}

// Chunk is a single increment of a streamed completion.
type Chunk struct {
	// Text is the incremental text content. May be empty on chunks that
	// only carry tool call fragments or the terminal marker.
	Text string

	// ToolCalls, when non-nil on the final chunk, contains the complete
	// accumulated tool invocations for this turn.
	ToolCalls []ToolCall

	// FinishReason is non-empty on the final chunk of a stream
	// ("stop", "tool_calls", "length", ...). Adapters pass the backend's
	// value through verbatim; use [Chunk.StopReason] for the normalized form.
	FinishReason string

	// Err is set when the stream failed mid-flight. A chunk with Err set
	// is always the last chunk on the channel.
	Err error
}

// StopReason maps the chunk's finish reason onto the normalized [StopReason]
// values. Unknown reasons map to [StopEndTurn].
func (c Chunk) StopReason() StopReason {
	switch c.FinishReason {
	case "tool_calls", "tool_use":
		return StopToolUse
	case "length", "max_tokens":
		return StopMaxTokens
	default:
		return StopEndTurn
	}
}

// Provider is the interface all LLM backends implement.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name returns the provider identifier, e.g. "openai" or "anyllm/anthropic".
	Name() string

	// Complete performs a blocking completion request.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// StreamCompletion streams a completion. The returned channel is closed
	// when the stream ends; a mid-stream failure is delivered as a final
	// chunk with Err set. Cancelling ctx aborts the stream.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Capabilities describes what the configured model supports.
	Capabilities() ModelCapabilities
}
