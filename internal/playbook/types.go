// Package playbook implements staged conversation flows. A [Playbook] is a
// read-only definition of stages and the transitions between them; a
// [Runtime] tracks where one session currently is inside that definition;
// the [Engine] derives the effective prompt, tool list and model settings
// for each turn and moves the runtime between stages when a transition's
// condition is met.
package playbook

import (
	"errors"
	"fmt"

	"github.com/parley-ai/parley/pkg/provider/llm"
)

// Wildcard in a transition's From field matches every stage.
const Wildcard = "*"

// Context keys the intent condition reads from the runtime context. Whoever
// performs intent detection (a tool handler, a stage hook) stores its result
// under these keys.
const (
	ContextKeyIntent           = "detectedIntent"
	ContextKeyIntentConfidence = "intentConfidence"
)

// ModelConfig carries the LLM settings a playbook or a single stage pins
// down. Zero fields mean "no opinion": when a stage config is merged over
// the playbook default, only the fields the stage sets win.
type ModelConfig struct {
	// Model names the model to request, e.g. "gpt-4o-mini". Empty keeps
	// the provider's configured default.
	Model string `yaml:"model,omitempty"`

	// Temperature overrides sampling temperature. A pointer so a stage can
	// explicitly pin 0.
	Temperature *float64 `yaml:"temperature,omitempty"`

	// MaxTokens caps the response length. 0 keeps the provider default.
	MaxTokens int `yaml:"max_tokens,omitempty"`
}

// Merge returns m with every field that override sets replacing m's value.
// A nil override returns m unchanged.
func (m ModelConfig) Merge(override *ModelConfig) ModelConfig {
	if override == nil {
		return m
	}
	out := m
	if override.Model != "" {
		out.Model = override.Model
	}
	if override.Temperature != nil {
		out.Temperature = override.Temperature
	}
	if override.MaxTokens > 0 {
		out.MaxTokens = override.MaxTokens
	}
	return out
}

// Stage is one state of the conversation flow.
type Stage struct {
	// ID uniquely identifies the stage within its playbook.
	ID string `yaml:"id"`

	// Name is an optional display name.
	Name string `yaml:"name,omitempty"`

	// Prompt is the stage's system prompt fragment, appended after the
	// playbook's global prompt.
	Prompt string `yaml:"prompt,omitempty"`

	// Tools lists the names of tools available while in this stage, in
	// addition to the playbook's global tools.
	Tools []string `yaml:"tools,omitempty"`

	// ToolChoice constrains how the model may use the offered tools while
	// in this stage. Zero value means [llm.ToolChoiceAuto].
	ToolChoice llm.ToolChoice `yaml:"tool_choice,omitempty"`

	// Model overrides the playbook's default model config for this stage.
	Model *ModelConfig `yaml:"model,omitempty"`

	// MaxTurns is the fallback turn budget for max_turns transitions out
	// of this stage whose condition does not set its own count. 0 means no
	// stage-level budget.
	MaxTurns int `yaml:"max_turns,omitempty"`

	// TimeoutMS is the fallback dwell budget for timeout transitions out
	// of this stage whose condition does not set its own duration. 0 means
	// no stage-level budget.
	TimeoutMS int `yaml:"timeout_ms,omitempty"`

	// OnEnter and OnExit are fired by [Engine.Execute] when the runtime
	// enters or leaves this stage. They cannot be expressed in YAML; attach
	// them on the loaded playbook before creating runtimes.
	OnEnter func(rt *Runtime) `yaml:"-"`
	OnExit  func(rt *Runtime) `yaml:"-"`
}

// ConditionKind discriminates the ways a transition can fire.
type ConditionKind string

const (
	// CondToolCall matches when the last turn called a named tool.
	CondToolCall ConditionKind = "tool_call"

	// CondIntent matches when the runtime context carries a detected
	// intent with sufficient confidence.
	CondIntent ConditionKind = "intent"

	// CondKeyword matches when the last assistant text contains any of a
	// list of keywords, case-insensitively.
	CondKeyword ConditionKind = "keyword"

	// CondLLMDecision matches when the last turn called the built-in
	// transition tool; the model itself decided to move on.
	CondLLMDecision ConditionKind = "llm_decision"

	// CondMaxTurns matches once the stage has hosted a number of turns.
	CondMaxTurns ConditionKind = "max_turns"

	// CondTimeout matches once the runtime has dwelt in the stage for a
	// wall-clock duration.
	CondTimeout ConditionKind = "timeout"

	// CondCustom matches when a user-supplied predicate says so.
	CondCustom ConditionKind = "custom"
)

// Condition decides whether a transition fires. Exactly the fields for its
// Kind are consulted; the rest are ignored.
type Condition struct {
	Kind ConditionKind `yaml:"kind"`

	// Tool is the tool name a tool_call condition looks for.
	Tool string `yaml:"tool,omitempty"`

	// Intent and MinConfidence parameterize an intent condition.
	// MinConfidence 0 accepts any confidence.
	Intent        string  `yaml:"intent,omitempty"`
	MinConfidence float64 `yaml:"min_confidence,omitempty"`

	// Keywords for a keyword condition. Matching is case-insensitive.
	Keywords []string `yaml:"keywords,omitempty"`

	// Turns for a max_turns condition. 0 falls back to the current
	// stage's MaxTurns; when both are 0 the condition never matches.
	Turns int `yaml:"turns,omitempty"`

	// TimeoutMS for a timeout condition. 0 falls back to the current
	// stage's TimeoutMS; when both are 0 the condition never matches.
	TimeoutMS int `yaml:"timeout_ms,omitempty"`

	// Predicate backs a custom condition. Like stage hooks it cannot be
	// expressed in YAML and is attached after load; a custom condition
	// with a nil predicate never matches.
	Predicate func(rt *Runtime, tc TurnContext) bool `yaml:"-"`
}

// Transition moves the conversation from one stage to another.
type Transition struct {
	// ID uniquely identifies the transition. Optional but recommended;
	// it shows up in the runtime's transition history.
	ID string `yaml:"id,omitempty"`

	// From is the source stage ID, or [Wildcard] to apply in every stage.
	From string `yaml:"from"`

	// To is the target stage ID.
	To string `yaml:"to"`

	// Condition decides when the transition fires.
	Condition Condition `yaml:"condition"`

	// Description is shown to the model for llm_decision transitions so
	// it knows what moving to the target means.
	Description string `yaml:"description,omitempty"`

	// Data is merged into the runtime context when the transition
	// executes.
	Data map[string]any `yaml:"data,omitempty"`

	// ClearHistory tells the turn runner to drop the session's
	// conversation history when this transition executes, so the target
	// stage starts from a clean context. The playbook engine itself does
	// not touch conversation state.
	ClearHistory bool `yaml:"clear_history,omitempty"`

	// Priority orders evaluation; higher fires first. Ties keep
	// declaration order.
	Priority int `yaml:"priority,omitempty"`
}

// Playbook is a complete staged-conversation definition. It is read-only
// after [Playbook.Validate]; per-session state lives in [Runtime].
type Playbook struct {
	// Name identifies the playbook in logs and config.
	Name string `yaml:"name,omitempty"`

	// InitialStage is the stage every new runtime starts in.
	InitialStage string `yaml:"initial_stage"`

	// GlobalPrompt is prepended to every stage's effective system prompt.
	GlobalPrompt string `yaml:"global_prompt,omitempty"`

	// GlobalTools are available in every stage.
	GlobalTools []string `yaml:"global_tools,omitempty"`

	// DefaultModel is the model config stages merge their overrides onto.
	DefaultModel ModelConfig `yaml:"default_model,omitempty"`

	Stages      []Stage      `yaml:"stages"`
	Transitions []Transition `yaml:"transitions,omitempty"`
}

// Stage returns the stage with the given ID, or nil. The pointer aims into
// the playbook's stage slice so hooks can be attached through it.
func (p *Playbook) Stage(id string) *Stage {
	for i := range p.Stages {
		if p.Stages[i].ID == id {
			return &p.Stages[i]
		}
	}
	return nil
}

// Validate checks the playbook's structural invariants:
//
//   - the initial stage is set and defined;
//   - stage IDs are unique and non-empty;
//   - transition IDs are unique when set;
//   - every transition's From is a stage or [Wildcard] and its To is a stage;
//   - every condition kind is known and carries the fields it needs.
//
// All violations are reported together.
func (p *Playbook) Validate() error {
	var errs []error

	stages := make(map[string]struct{}, len(p.Stages))
	if len(p.Stages) == 0 {
		errs = append(errs, errors.New("playbook defines no stages"))
	}
	for i, s := range p.Stages {
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("stage[%d]: id must not be empty", i))
			continue
		}
		if s.ID == Wildcard {
			errs = append(errs, fmt.Errorf("stage[%d]: id %q is reserved", i, Wildcard))
			continue
		}
		if _, dup := stages[s.ID]; dup {
			errs = append(errs, fmt.Errorf("stage %q: duplicate id", s.ID))
			continue
		}
		stages[s.ID] = struct{}{}
	}

	if p.InitialStage == "" {
		errs = append(errs, errors.New("initial_stage must be set"))
	} else if _, ok := stages[p.InitialStage]; !ok {
		errs = append(errs, fmt.Errorf("initial stage %q is not defined", p.InitialStage))
	}

	transitions := make(map[string]struct{}, len(p.Transitions))
	for i, t := range p.Transitions {
		label := t.ID
		if label == "" {
			label = fmt.Sprintf("transition[%d]", i)
		} else {
			if _, dup := transitions[t.ID]; dup {
				errs = append(errs, fmt.Errorf("transition %q: duplicate id", t.ID))
			}
			transitions[t.ID] = struct{}{}
		}

		if t.From != Wildcard {
			if _, ok := stages[t.From]; !ok {
				errs = append(errs, fmt.Errorf("%s: source stage %q is not defined", label, t.From))
			}
		}
		if _, ok := stages[t.To]; !ok {
			errs = append(errs, fmt.Errorf("%s: target stage %q is not defined", label, t.To))
		}

		errs = append(errs, t.Condition.validate(label)...)
	}

	return errors.Join(errs...)
}

// validate reports the per-kind field requirements of a condition.
func (c Condition) validate(label string) []error {
	var errs []error
	switch c.Kind {
	case CondToolCall:
		if c.Tool == "" {
			errs = append(errs, fmt.Errorf("%s: tool_call condition needs a tool name", label))
		}
	case CondIntent:
		if c.Intent == "" {
			errs = append(errs, fmt.Errorf("%s: intent condition needs an intent", label))
		}
	case CondKeyword:
		if len(c.Keywords) == 0 {
			errs = append(errs, fmt.Errorf("%s: keyword condition needs at least one keyword", label))
		}
	case CondLLMDecision, CondCustom:
		// No required fields. Custom predicates attach after load.
	case CondMaxTurns:
		if c.Turns < 0 {
			errs = append(errs, fmt.Errorf("%s: max_turns count must not be negative", label))
		}
	case CondTimeout:
		if c.TimeoutMS < 0 {
			errs = append(errs, fmt.Errorf("%s: timeout must not be negative", label))
		}
	default:
		errs = append(errs, fmt.Errorf("%s: unknown condition kind %q", label, c.Kind))
	}
	return errs
}
