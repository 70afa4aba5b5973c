package playbook

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads and validates a playbook YAML file from disk.
//
// Example:
//
//	name: support
//	initial_stage: greeting
//	global_prompt: "You are a friendly support agent."
//	stages:
//	  - id: greeting
//	    prompt: "Greet the caller and find out what they need."
//	  - id: troubleshooting
//	    prompt: "Work through the problem step by step."
//	    tools: [lookup_order]
//	transitions:
//	  - id: to-troubleshooting
//	    from: greeting
//	    to: troubleshooting
//	    description: "The caller described a concrete problem."
//	    condition:
//	      kind: llm_decision
func Load(path string) (*Playbook, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("playbook: open %q: %w", path, err)
	}
	defer f.Close()

	pb, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("playbook: load %q: %w", path, err)
	}
	return pb, nil
}

// LoadFromReader parses and validates playbook YAML from an [io.Reader].
// The reader is consumed entirely; the caller closes it. Unknown YAML keys
// are rejected to catch typos.
func LoadFromReader(r io.Reader) (*Playbook, error) {
	var pb Playbook
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&pb); err != nil {
		return nil, fmt.Errorf("decode playbook yaml: %w", err)
	}
	if err := pb.Validate(); err != nil {
		return nil, err
	}
	return &pb, nil
}
