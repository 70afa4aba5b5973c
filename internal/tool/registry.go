// Package tool holds the gateway's tool registry and the executor that
// runs LLM-requested tool calls against it.
//
// The registry maps tool names to their JSON-Schema definition, handler
// and execution policy. It is populated at startup, from built-in Go
// functions and from imported MCP servers, and is read-mostly afterwards.
// The executor takes the tool calls of one LLM response, validates their
// arguments, runs sequential tools first and parallel tools under bounded
// concurrency, and returns one result per call in input order.
package tool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/parley-ai/parley/pkg/provider/llm"
)

// ErrDuplicateTool is returned by [Registry.Register] when a tool with the
// same name is already registered.
var ErrDuplicateTool = errors.New("tool already registered")

// Handler executes a tool call. args is the raw JSON arguments object as
// the LLM produced it ("" is treated like "{}"). The returned string is
// the tool output, JSON or plain text.
type Handler func(ctx context.Context, args string) (string, error)

// Policy controls how the executor schedules a tool's calls within one
// batch.
type Policy string

const (
	// PolicyParallel lets calls run concurrently with other parallel
	// tools. This is the default.
	PolicyParallel Policy = "parallel"

	// PolicySequential forces calls to run one at a time, in input order,
	// before any parallel calls start.
	PolicySequential Policy = "sequential"
)

// Tool bundles a definition with its handler and scheduling behavior.
type Tool struct {
	// Definition is the schema offered to the LLM. Definition.Name keys
	// the registry.
	Definition llm.ToolDefinition

	// Handler runs the tool.
	Handler Handler

	// Policy defaults to [PolicyParallel] when empty.
	Policy Policy

	// Timeout overrides the executor's per-call timeout for this tool.
	// Zero means use the executor default.
	Timeout time.Duration
}

// Registry maps tool names to registered tools. Registration normally
// happens before the server accepts connections; lookups dominate
// afterwards.
//
// All methods are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds t to the registry. The tool must have a non-empty name
// and a handler; registering a name twice fails with [ErrDuplicateTool].
func (r *Registry) Register(t Tool) error {
	if t.Definition.Name == "" {
		return errors.New("tool: definition must have a non-empty name")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool: %q has no handler", t.Definition.Name)
	}
	if t.Policy == "" {
		t.Policy = PolicyParallel
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Definition.Name]; ok {
		return fmt.Errorf("tool: %q: %w", t.Definition.Name, ErrDuplicateTool)
	}
	r.tools[t.Definition.Name] = t
	return nil
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions resolves names to their registered definitions, preserving
// the requested order and skipping unknown names. With no names it
// returns every registered definition sorted by name.
func (r *Registry) Definitions(names ...string) []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(names) == 0 {
		defs := make([]llm.ToolDefinition, 0, len(r.tools))
		for _, name := range sortedNames(r.tools) {
			defs = append(defs, r.tools[name].Definition)
		}
		return defs
	}

	defs := make([]llm.ToolDefinition, 0, len(names))
	for _, name := range names {
		if t, ok := r.tools[name]; ok {
			defs = append(defs, t.Definition)
		}
	}
	return defs
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedNames(r.tools)
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

func sortedNames(tools map[string]Tool) []string {
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
