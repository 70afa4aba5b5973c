package mcpbridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/parley-ai/parley/internal/tool"
	"github.com/parley-ai/parley/pkg/provider/llm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBridge(reg *tool.Registry) *Bridge {
	return &Bridge{
		registry:    reg,
		log:         discardLogger(),
		callTimeout: 5 * time.Second,
		sessions:    make(map[string]*mcpsdk.ClientSession),
	}
}

// recordingCaller returns a caller that records every invocation and returns
// the fixed result.
func recordingCaller(result string, err error) (caller, *[]string) {
	var calls []string
	fn := func(_ context.Context, name, args string) (string, error) {
		calls = append(calls, name+" "+args)
		return result, err
	}
	return fn, &calls
}

func toolDef(name string) llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        name,
		Description: "test tool " + name,
		Parameters:  map[string]any{"type": "object"},
	}
}

func TestServerConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr string
	}{
		{
			name: "valid stdio",
			cfg:  ServerConfig{Name: "dice", Transport: TransportStdio, Command: "mcp-dice --seed 7"},
		},
		{
			name: "valid streamable http",
			cfg:  ServerConfig{Name: "search", Transport: TransportStreamableHTTP, URL: "http://localhost:8931/mcp"},
		},
		{
			name:    "missing name",
			cfg:     ServerConfig{Transport: TransportStdio, Command: "x"},
			wantErr: "name is required",
		},
		{
			name:    "stdio without command",
			cfg:     ServerConfig{Name: "dice", Transport: TransportStdio, Command: "   "},
			wantErr: "requires a command",
		},
		{
			name:    "http without url",
			cfg:     ServerConfig{Name: "search", Transport: TransportStreamableHTTP},
			wantErr: "requires a url",
		},
		{
			name:    "unknown transport",
			cfg:     ServerConfig{Name: "x", Transport: "carrier-pigeon"},
			wantErr: "unknown transport",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate: want error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestRegisterServer_ImportsTools(t *testing.T) {
	t.Parallel()
	reg := tool.NewRegistry()
	b := newTestBridge(reg)
	call, calls := recordingCaller(`{"temp":21}`, nil)

	n := b.registerServer("weather", []llm.ToolDefinition{toolDef("get_weather"), toolDef("get_forecast")}, call)
	if n != 2 {
		t.Fatalf("registered: want 2, got %d", n)
	}

	imported, ok := reg.Lookup("get_weather")
	if !ok {
		t.Fatal("get_weather not in registry")
	}
	if imported.Timeout != b.callTimeout {
		t.Errorf("Timeout: want %v, got %v", b.callTimeout, imported.Timeout)
	}

	out, err := imported.Handler(context.Background(), `{"city":"Berlin"}`)
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	if out != `{"temp":21}` {
		t.Errorf("Handler output: got %q", out)
	}
	if len(*calls) != 1 || (*calls)[0] != `get_weather {"city":"Berlin"}` {
		t.Errorf("caller invocations: got %v", *calls)
	}
}

func TestRegisterServer_CollisionPrefixedWithServerName(t *testing.T) {
	t.Parallel()
	reg := tool.NewRegistry()
	if err := reg.Register(tool.Tool{
		Definition: toolDef("search"),
		Handler:    func(context.Context, string) (string, error) { return "builtin", nil },
	}); err != nil {
		t.Fatalf("Register builtin: %v", err)
	}

	b := newTestBridge(reg)
	call, calls := recordingCaller("remote result", nil)

	n := b.registerServer("web", []llm.ToolDefinition{toolDef("search"), toolDef("fetch")}, call)
	if n != 2 {
		t.Fatalf("registered: want 2, got %d", n)
	}

	// The colliding tool lives under the prefixed name.
	prefixed, ok := reg.Lookup("web_search")
	if !ok {
		t.Fatalf("web_search not in registry; names: %v", reg.Names())
	}
	if _, ok := reg.Lookup("fetch"); !ok {
		t.Error("fetch should keep its plain name")
	}

	// The handler still calls the server-side name.
	if _, err := prefixed.Handler(context.Background(), "{}"); err != nil {
		t.Fatalf("Handler: %v", err)
	}
	if len(*calls) != 1 || !strings.HasPrefix((*calls)[0], "search ") {
		t.Errorf("remote name: want %q, got %v", "search", *calls)
	}

	// The builtin is untouched.
	builtin, _ := reg.Lookup("search")
	out, _ := builtin.Handler(context.Background(), "{}")
	if out != "builtin" {
		t.Errorf("builtin handler overwritten: got %q", out)
	}
}

func TestRegisterServer_SkipsToolItCannotPlace(t *testing.T) {
	t.Parallel()
	reg := tool.NewRegistry()
	for _, name := range []string{"search", "web_search"} {
		if err := reg.Register(tool.Tool{
			Definition: toolDef(name),
			Handler:    func(context.Context, string) (string, error) { return "", nil },
		}); err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
	}

	b := newTestBridge(reg)
	call, _ := recordingCaller("", nil)

	n := b.registerServer("web", []llm.ToolDefinition{toolDef("search"), toolDef("fetch")}, call)
	if n != 1 {
		t.Errorf("registered: want 1 (search unplaceable), got %d", n)
	}
	if _, ok := reg.Lookup("fetch"); !ok {
		t.Error("fetch should still be imported")
	}
}

func TestRegisterServer_CallerErrorPropagates(t *testing.T) {
	t.Parallel()
	reg := tool.NewRegistry()
	b := newTestBridge(reg)
	call, _ := recordingCaller("", errors.New("server unreachable"))

	b.registerServer("web", []llm.ToolDefinition{toolDef("fetch")}, call)
	imported, _ := reg.Lookup("fetch")

	_, err := imported.Handler(context.Background(), "{}")
	if err == nil || !strings.Contains(err.Error(), "server unreachable") {
		t.Fatalf("want caller error, got %v", err)
	}
}

func TestDecodeArgs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		args    string
		want    map[string]any
		wantErr bool
	}{
		{name: "empty string", args: "", want: nil},
		{name: "empty object", args: "{}", want: nil},
		{name: "object", args: `{"city":"Berlin","days":3}`, want: map[string]any{"city": "Berlin", "days": float64(3)}},
		{name: "truncated", args: `{"city":"Ber`, wantErr: true},
		{name: "not an object", args: `[1,2]`, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := decodeArgs(tc.args)
			if tc.wantErr {
				if err == nil {
					t.Fatal("want error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeArgs: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("want %v, got %v", tc.want, got)
			}
			for k, v := range tc.want {
				if got[k] != v {
					t.Errorf("key %q: want %v, got %v", k, v, got[k])
				}
			}
		})
	}
}

func TestResultText(t *testing.T) {
	t.Parallel()

	got := resultText(&mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{
			&mcpsdk.TextContent{Text: "It is "},
			&mcpsdk.TextContent{Text: "21 degrees."},
		},
	})
	if got != "It is 21 degrees." {
		t.Errorf("resultText: got %q", got)
	}

	if got := resultText(&mcpsdk.CallToolResult{}); got != "" {
		t.Errorf("empty result: want empty string, got %q", got)
	}
}

func TestSchemaToMap(t *testing.T) {
	t.Parallel()

	// nil degrades to a bare object schema.
	if got := schemaToMap(nil); got["type"] != "object" {
		t.Errorf("nil schema: got %v", got)
	}

	// Maps pass through unchanged.
	in := map[string]any{"type": "object", "required": []any{"city"}}
	if got := schemaToMap(in); got["type"] != "object" || got["required"] == nil {
		t.Errorf("map schema: got %v", got)
	}

	// Structured schemas round-trip through JSON.
	structured := struct {
		Type       string         `json:"type"`
		Properties map[string]any `json:"properties"`
	}{Type: "object", Properties: map[string]any{"city": map[string]any{"type": "string"}}}
	got := schemaToMap(structured)
	if got["type"] != "object" {
		t.Errorf("structured schema type: got %v", got["type"])
	}
	if _, ok := got["properties"].(map[string]any); !ok {
		t.Errorf("structured schema properties: got %v", got["properties"])
	}
}

func TestConnect_Validation(t *testing.T) {
	t.Parallel()

	_, err := Connect(context.Background(), Config{
		Servers: []ServerConfig{
			{Transport: "bogus"},
			{Name: "twin", Transport: TransportStdio, Command: "a"},
			{Name: "twin", Transport: TransportStdio, Command: "b"},
		},
	})
	if err == nil {
		t.Fatal("want validation error, got nil")
	}
	for _, want := range []string{"registry is required", "unknown transport", "duplicate server name"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestConnect_NoServers(t *testing.T) {
	t.Parallel()

	b, err := Connect(context.Background(), Config{Registry: tool.NewRegistry(), Logger: discardLogger()})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
