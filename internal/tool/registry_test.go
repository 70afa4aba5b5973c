package tool

import (
	"context"
	"errors"
	"testing"

	"github.com/parley-ai/parley/pkg/provider/llm"
)

func noopHandler(context.Context, string) (string, error) {
	return "{}", nil
}

func namedTool(name string) Tool {
	return Tool{
		Definition: llm.ToolDefinition{Name: name, Description: name},
		Handler:    noopHandler,
	}
}

func mustRegister(t *testing.T, r *Registry, tools ...Tool) {
	t.Helper()
	for _, tl := range tools {
		if err := r.Register(tl); err != nil {
			t.Fatalf("Register(%s): %v", tl.Definition.Name, err)
		}
	}
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, namedTool("get_weather"))

	got, ok := r.Lookup("get_weather")
	if !ok {
		t.Fatal("Lookup = false for a registered tool")
	}
	if got.Definition.Name != "get_weather" {
		t.Errorf("Definition.Name = %q", got.Definition.Name)
	}
	if got.Policy != PolicyParallel {
		t.Errorf("Policy = %q, want the parallel default", got.Policy)
	}

	if _, ok := r.Lookup("nope"); ok {
		t.Error("Lookup = true for an unregistered tool")
	}
}

func TestRegistry_DuplicateRejected(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, namedTool("get_weather"))

	err := r.Register(namedTool("get_weather"))
	if !errors.Is(err, ErrDuplicateTool) {
		t.Fatalf("second Register error = %v, want ErrDuplicateTool", err)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestRegistry_RejectsInvalidTools(t *testing.T) {
	tests := []struct {
		name string
		tool Tool
	}{
		{
			name: "empty name",
			tool: Tool{Handler: noopHandler},
		},
		{
			name: "nil handler",
			tool: Tool{Definition: llm.ToolDefinition{Name: "broken"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			if err := r.Register(tt.tool); err == nil {
				t.Fatal("Register accepted an invalid tool")
			}
		})
	}
}

func TestRegistry_DefinitionsSubsetKeepsRequestOrder(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, namedTool("alpha"), namedTool("beta"), namedTool("gamma"))

	defs := r.Definitions("gamma", "missing", "alpha")
	if len(defs) != 2 {
		t.Fatalf("Definitions returned %d entries, want 2", len(defs))
	}
	if defs[0].Name != "gamma" || defs[1].Name != "alpha" {
		t.Errorf("Definitions order = [%s %s], want [gamma alpha]", defs[0].Name, defs[1].Name)
	}
}

func TestRegistry_DefinitionsAllSorted(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, namedTool("zeta"), namedTool("alpha"))

	defs := r.Definitions()
	if len(defs) != 2 || defs[0].Name != "alpha" || defs[1].Name != "zeta" {
		t.Fatalf("Definitions() = %v, want alpha then zeta", defs)
	}

	names := r.Names()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "zeta" {
		t.Fatalf("Names() = %v", names)
	}
}
