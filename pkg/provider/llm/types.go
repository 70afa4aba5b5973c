package llm

// Role identifies the author of a conversation message.
type Role string

// Conversation roles. These are the canonical wire values; adapters translate
// them into whatever the backing SDK expects.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// VisionAttachment is a MIME-tagged image payload carried on a user message.
// Attachments queue on the session until the next utterance consumes them.
type VisionAttachment struct {
	// MIMEType of the payload, e.g. "image/png".
	MIMEType string

	// Data is the raw image bytes.
	Data []byte
}

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of [RoleSystem], [RoleUser], [RoleAssistant], [RoleTool].
	Role Role

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name (for multi-speaker contexts).
	Name string

	// Attachments holds vision payloads. Only valid on user messages.
	Attachments []VisionAttachment

	// ToolCalls contains any tool invocations requested by the assistant.
	// Only valid on assistant messages.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is [RoleTool], identifying which tool
	// call this message responds to.
	ToolCallID string

	// ToolName is set when Role is [RoleTool]: the name of the tool that
	// produced this result.
	ToolName string
}

// ToolCall represents a tool/function invocation requested by the LLM.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned).
	ID string

	// Name is the tool/function name.
	Name string

	// Arguments is the JSON-encoded arguments string.
	Arguments string
}

// ToolDefinition describes a tool that can be offered to an LLM.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any
}

// ToolChoice constrains how the model may use the offered tools.
type ToolChoice string

const (
	// ToolChoiceAuto lets the model decide (default).
	ToolChoiceAuto ToolChoice = "auto"

	// ToolChoiceNone forbids tool calls for this request.
	ToolChoiceNone ToolChoice = "none"

	// ToolChoiceRequired forces the model to call at least one tool.
	ToolChoiceRequired ToolChoice = "required"
)

// StopReason indicates why the model stopped generating.
type StopReason string

const (
	// StopEndTurn is a natural end of the reply.
	StopEndTurn StopReason = "end_turn"

	// StopToolUse means the model wants tool results before continuing.
	StopToolUse StopReason = "tool_use"

	// StopMaxTokens means the output hit the token cap.
	StopMaxTokens StopReason = "max_tokens"
)

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsToolCalling indicates native function/tool calling support.
	SupportsToolCalling bool

	// SupportsVision indicates the model can process image inputs.
	SupportsVision bool

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}

// Usage holds token accounting information returned by the LLM backend.
// All counts are in the model's native token unit and may differ between
// providers for the same textual content.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages
	// and system prompt.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens.
	TotalTokens int
}
