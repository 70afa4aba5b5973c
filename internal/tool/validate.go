package tool

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/parley-ai/parley/pkg/provider/llm"
)

// schemaCache compiles tool parameter schemas on first use and reuses
// them across calls. Safe for concurrent use.
type schemaCache struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{compiled: make(map[string]*jsonschema.Schema)}
}

// validate checks args against the tool's parameter schema. An empty args
// string is treated as an empty object.
func (c *schemaCache) validate(def llm.ToolDefinition, args string) error {
	schema, err := c.schemaFor(def)
	if err != nil {
		return err
	}
	if args == "" {
		args = "{}"
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(args))
	if err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	return schema.Validate(inst)
}

// schemaFor returns the compiled schema for the tool, compiling and
// caching it on first use. A tool without declared parameters gets the
// permissive {"type":"object"}.
func (c *schemaCache) schemaFor(def llm.ToolDefinition) (*jsonschema.Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.compiled[def.Name]; ok {
		return s, nil
	}

	params := def.Parameters
	if params == nil {
		params = map[string]any{"type": "object"}
	}

	// Round-trip through JSON so the compiler sees json.Number values
	// rather than Go ints from hand-written schema literals.
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal schema for %q: %w", def.Name, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema for %q: %w", def.Name, err)
	}

	compiler := jsonschema.NewCompiler()
	resource := def.Name + ".json"
	if err := compiler.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add schema for %q: %w", def.Name, err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", def.Name, err)
	}

	c.compiled[def.Name] = schema
	return schema, nil
}
