package mcpbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/parley-ai/parley/internal/tool"
	"github.com/parley-ai/parley/pkg/provider/llm"
)

// caller invokes a remote tool by its server-side name with raw JSON args.
type caller func(ctx context.Context, name, args string) (string, error)

// registerServer adds one server's tools to the registry. The handler always
// calls the server-side name, so a collision-prefixed registry name still
// reaches the right remote tool. Tools that cannot be registered even with
// the prefix are skipped with a warning. Returns the number registered.
func (b *Bridge) registerServer(serverName string, defs []llm.ToolDefinition, call caller) int {
	registered := 0
	for _, def := range defs {
		remote := def.Name
		t := tool.Tool{
			Definition: def,
			Handler: func(ctx context.Context, args string) (string, error) {
				return call(ctx, remote, args)
			},
			Timeout: b.callTimeout,
		}

		err := b.registry.Register(t)
		if errors.Is(err, tool.ErrDuplicateTool) {
			t.Definition.Name = serverName + "_" + remote
			b.log.Debug("mcp tool name collision",
				"server", serverName, "tool", remote, "registered_as", t.Definition.Name)
			err = b.registry.Register(t)
		}
		if err != nil {
			b.log.Warn("skipping mcp tool",
				"server", serverName, "tool", remote, "error", err)
			continue
		}
		registered++
	}
	return registered
}

// callTool executes one tool call against a live session. An IsError result
// comes back as a Go error so the executor reports it to the LLM the same
// way a failed built-in does.
func callTool(ctx context.Context, session *mcpsdk.ClientSession, name, args string) (string, error) {
	argsMap, err := decodeArgs(args)
	if err != nil {
		return "", fmt.Errorf("mcpbridge: tool %q: %w", name, err)
	}

	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: argsMap,
	})
	if err != nil {
		return "", fmt.Errorf("mcpbridge: call to tool %q failed: %w", name, err)
	}

	text := resultText(result)
	if result.IsError {
		if text == "" {
			text = "tool execution failed"
		}
		return "", errors.New(text)
	}
	return text, nil
}

// decodeArgs parses the raw JSON arguments object the LLM produced. Empty
// input means no arguments.
func decodeArgs(args string) (map[string]any, error) {
	if args == "" || args == "{}" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(args), &m); err != nil {
		return nil, fmt.Errorf("invalid args JSON: %w", err)
	}
	return m, nil
}

// resultText concatenates all text content blocks of a tool result.
func resultText(result *mcpsdk.CallToolResult) string {
	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

// schemaToMap converts a tool's input schema to the map shape the LLM
// providers expect. Anything unusable degrades to a bare object schema.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
