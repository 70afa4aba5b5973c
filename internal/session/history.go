package session

import (
	"sync"

	"github.com/parley-ai/parley/pkg/provider/llm"
)

// DefaultHistoryWindow is the number of non-system messages included in a
// windowed request when no explicit limit is configured.
const DefaultHistoryWindow = 8

// History is the ordered conversation record of one session.
//
// The system prompt, when present, sits at index 0 and survives both
// trimming and [History.Clear]. Trimming never splits a tool group: an
// assistant message carrying tool calls stays together with the tool
// results that answer it, because LLM backends reject histories where a
// tool message has no matching assistant predecessor.
//
// All methods are safe for concurrent use, though writes normally arrive
// serialized through the session's turn slot.
type History struct {
	limit int

	mu       sync.Mutex
	messages []llm.Message
}

// NewHistory creates an empty History. limit is the windowed-request size
// (number of non-system messages); zero or negative selects
// [DefaultHistoryWindow]. The retained record may exceed the window by two
// messages before trimming kicks in.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistoryWindow
	}
	return &History{limit: limit}
}

// Append adds messages to the end of the record, then trims from the front
// once the total exceeds limit+2, preserving an index-0 system message and
// whole tool groups.
func (h *History) Append(msgs ...llm.Message) {
	if len(msgs) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msgs...)
	h.trim()
}

// EnsureSystem prepends a system message with the given prompt unless the
// record already starts with one. An empty prompt is a no-op.
func (h *History) EnsureSystem(prompt string) {
	if prompt == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.messages) > 0 && h.messages[0].Role == llm.RoleSystem {
		return
	}
	h.messages = append([]llm.Message{{Role: llm.RoleSystem, Content: prompt}}, h.messages...)
}

// Window returns the request view of the record: the system message (if
// any) followed by the last limit non-system messages. Like trimming, the
// cut never lands inside a tool group. The returned slice is a copy.
func (h *History) Window() []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	start := 0
	if len(h.messages) > 0 && h.messages[0].Role == llm.RoleSystem {
		start = 1
	}
	b := len(h.messages) - h.limit
	if b < start {
		b = start
	}
	b = h.groupBoundary(b)

	out := make([]llm.Message, 0, start+len(h.messages)-b)
	out = append(out, h.messages[:start]...)
	out = append(out, h.messages[b:]...)
	return out
}

// All returns a copy of the full record.
func (h *History) All() []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]llm.Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// Len returns the number of stored messages, system message included.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

// Clear drops every message except an index-0 system message. Playbook
// transitions flagged clear_history call this between turns.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.messages) > 0 && h.messages[0].Role == llm.RoleSystem {
		h.messages = h.messages[:1]
		return
	}
	h.messages = nil
}

// trim removes messages from the front once the record exceeds limit+2.
// Must be called with h.mu held.
func (h *History) trim() {
	max := h.limit + 2
	if len(h.messages) <= max {
		return
	}
	start := 0
	if h.messages[0].Role == llm.RoleSystem {
		start = 1
	}
	b := len(h.messages) - max + start
	if b <= start {
		return
	}
	b = h.groupBoundary(b)
	if b >= len(h.messages) {
		h.messages = h.messages[:start]
		return
	}
	h.messages = append(h.messages[:start], h.messages[b:]...)
}

// groupBoundary advances b until h.messages[b] is a valid cut point:
// neither a tool result nor the direct successor of an assistant message
// that requested tool calls. Must be called with h.mu held.
func (h *History) groupBoundary(b int) int {
	for b < len(h.messages) {
		if h.messages[b].Role == llm.RoleTool {
			b++
			continue
		}
		if b > 0 && h.messages[b-1].Role == llm.RoleAssistant && len(h.messages[b-1].ToolCalls) > 0 {
			b++
			continue
		}
		break
	}
	return b
}
