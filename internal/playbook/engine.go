package playbook

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/parley-ai/parley/pkg/provider/llm"
)

// TransitionToolName is the built-in tool the model calls to move the
// conversation to another stage itself.
const TransitionToolName = "playbook_transition"

// TransitionToolDefinition returns the built-in transition tool offered to
// the model whenever an llm_decision transition applies in the current
// stage.
func TransitionToolDefinition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        TransitionToolName,
		Description: "Move the conversation to a different stage. Call this when the current stage's goal is met or the user asks for something another stage handles.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"target_stage": map[string]any{
					"type":        "string",
					"description": "ID of the stage to move to.",
				},
				"reason": map[string]any{
					"type":        "string",
					"description": "Short explanation of why the stage change is appropriate.",
				},
			},
			"required": []string{"target_stage"},
		},
	}
}

// Change describes an executed transition, ready to surface as a
// stage-change event.
type Change struct {
	From   string
	To     string
	Reason string
}

// Engine derives per-turn settings from a playbook and executes its
// transitions against a [Runtime].
//
// The engine itself is stateless and safe for concurrent use; the runtimes
// it operates on are serialized by their sessions.
type Engine struct {
	pb  *Playbook
	log *slog.Logger
}

// NewEngine creates an engine for a validated playbook. A nil logger uses
// [slog.Default].
func NewEngine(pb *Playbook, log *slog.Logger) (*Engine, error) {
	if pb == nil {
		return nil, fmt.Errorf("playbook: engine needs a playbook")
	}
	if err := pb.Validate(); err != nil {
		return nil, fmt.Errorf("playbook: invalid playbook: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{pb: pb, log: log}, nil
}

// Playbook returns the definition the engine executes.
func (e *Engine) Playbook() *Playbook { return e.pb }

// EffectivePrompt composes the system prompt for the runtime's current
// stage: the playbook's global prompt, the stage prompt, and, when the
// model may decide transitions itself, an appendix listing the stages it
// can reach. Parts are joined by blank lines; empty parts are skipped.
func (e *Engine) EffectivePrompt(rt *Runtime) string {
	var parts []string
	if e.pb.GlobalPrompt != "" {
		parts = append(parts, e.pb.GlobalPrompt)
	}
	if stage := rt.StageDefinition(); stage != nil && stage.Prompt != "" {
		parts = append(parts, stage.Prompt)
	}
	if appendix := e.decisionAppendix(rt); appendix != "" {
		parts = append(parts, appendix)
	}
	return strings.Join(parts, "\n\n")
}

// decisionAppendix renders the llm_decision transitions reachable from the
// current stage, one "target: description" line each. Empty when the model
// has no transitions to decide.
func (e *Engine) decisionAppendix(rt *Runtime) string {
	decisions := e.decisionTransitions(rt)
	if len(decisions) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("You may move the conversation to another stage by calling the ")
	sb.WriteString(TransitionToolName)
	sb.WriteString(" tool. Available stages:")
	for _, t := range decisions {
		sb.WriteString("\n- ")
		sb.WriteString(t.To)
		if t.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(t.Description)
		}
	}
	return sb.String()
}

// EffectiveTools returns the tool names available in the runtime's current
// stage: the playbook's global tools, the stage's tools, and
// [TransitionToolName] when an llm_decision transition applies. Order is
// stable (globals first) and duplicates are dropped.
func (e *Engine) EffectiveTools(rt *Runtime) []string {
	var names []string
	seen := make(map[string]struct{})
	add := func(name string) {
		if name == "" {
			return
		}
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	for _, n := range e.pb.GlobalTools {
		add(n)
	}
	if stage := rt.StageDefinition(); stage != nil {
		for _, n := range stage.Tools {
			add(n)
		}
	}
	if len(e.decisionTransitions(rt)) > 0 {
		add(TransitionToolName)
	}
	return names
}

// EffectiveModel merges the current stage's model overrides onto the
// playbook default.
func (e *Engine) EffectiveModel(rt *Runtime) ModelConfig {
	stage := rt.StageDefinition()
	if stage == nil {
		return e.pb.DefaultModel
	}
	return e.pb.DefaultModel.Merge(stage.Model)
}

// ToolChoice returns the current stage's tool-choice policy.
func (e *Engine) ToolChoice(rt *Runtime) llm.ToolChoice {
	if stage := rt.StageDefinition(); stage != nil && stage.ToolChoice != "" {
		return stage.ToolChoice
	}
	return llm.ToolChoiceAuto
}

// Evaluate returns the highest-priority transition out of the runtime's
// current stage whose condition matches the turn context, or false when
// none fires. Priority ties keep declaration order.
func (e *Engine) Evaluate(rt *Runtime, tc TurnContext) (*Transition, bool) {
	candidates := e.applicable(rt.Stage())
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority > candidates[j].Priority
	})
	for _, t := range candidates {
		if e.conditionMatches(rt, t.Condition, tc) {
			return t, true
		}
	}
	return nil, false
}

// ResolveExplicit maps a model-requested stage change (from the built-in
// tool) to a transition. The target must be a defined stage. When a
// matching llm_decision transition exists it is used, so its data and
// clear-context settings apply; otherwise an implicit transition is
// synthesized.
func (e *Engine) ResolveExplicit(rt *Runtime, target string) (*Transition, error) {
	if e.pb.Stage(target) == nil {
		return nil, fmt.Errorf("playbook: stage %q is not defined", target)
	}
	for _, t := range e.applicable(rt.Stage()) {
		if t.Condition.Kind == CondLLMDecision && t.To == target {
			return t, nil
		}
	}
	return &Transition{
		ID:        "implicit:" + target,
		From:      rt.Stage(),
		To:        target,
		Condition: Condition{Kind: CondLLMDecision},
	}, nil
}

// Execute moves the runtime through a transition: the source stage's
// OnExit fires, the record is appended to the history, the stage switches
// with fresh counters, the transition's data merges into the context, and
// the target stage's OnEnter fires. Clearing conversation history on
// [Transition.ClearHistory] is the turn runner's job; the engine only
// owns the runtime.
//
// A zero now means time.Now().
func (e *Engine) Execute(rt *Runtime, t *Transition, now time.Time) Change {
	if now.IsZero() {
		now = time.Now()
	}
	from := rt.stage
	reason := string(t.Condition.Kind)

	if prev := e.pb.Stage(from); prev != nil && prev.OnExit != nil {
		prev.OnExit(rt)
	}

	rt.history = append(rt.history, TransitionRecord{
		TransitionID: t.ID,
		From:         from,
		To:           t.To,
		Reason:       reason,
		At:           now,
	})

	rt.stage = t.To
	rt.turnCount = 0
	rt.enteredAt = now

	for k, v := range t.Data {
		rt.context[k] = v
	}

	if next := e.pb.Stage(t.To); next != nil && next.OnEnter != nil {
		next.OnEnter(rt)
	}

	e.log.Debug("playbook stage change",
		"playbook", e.pb.Name,
		"from", from,
		"to", t.To,
		"reason", reason,
	)

	return Change{From: from, To: t.To, Reason: reason}
}

// applicable returns pointers to the transitions whose From is the given
// stage or the wildcard, in declaration order.
func (e *Engine) applicable(stage string) []*Transition {
	var out []*Transition
	for i := range e.pb.Transitions {
		t := &e.pb.Transitions[i]
		if t.From == Wildcard || t.From == stage {
			out = append(out, t)
		}
	}
	return out
}

// conditionMatches evaluates one condition against the runtime and the
// turn context.
func (e *Engine) conditionMatches(rt *Runtime, c Condition, tc TurnContext) bool {
	switch c.Kind {
	case CondToolCall:
		for _, call := range tc.ToolCalls {
			if call.Name == c.Tool {
				return true
			}
		}
		return false

	case CondIntent:
		intent, _ := rt.Value(ContextKeyIntent)
		if intent != c.Intent {
			return false
		}
		if c.MinConfidence > 0 {
			conf, ok := rt.Value(ContextKeyIntentConfidence)
			f, isFloat := conf.(float64)
			if !ok || !isFloat || f < c.MinConfidence {
				return false
			}
		}
		return true

	case CondKeyword:
		text := strings.ToLower(tc.AssistantText)
		for _, kw := range c.Keywords {
			if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
				return true
			}
		}
		return false

	case CondLLMDecision:
		for _, call := range tc.ToolCalls {
			if call.Name == TransitionToolName {
				return true
			}
		}
		return false

	case CondMaxTurns:
		limit := c.Turns
		if limit == 0 {
			if stage := rt.StageDefinition(); stage != nil {
				limit = stage.MaxTurns
			}
		}
		return limit > 0 && rt.TurnCount() >= limit

	case CondTimeout:
		ms := c.TimeoutMS
		if ms == 0 {
			if stage := rt.StageDefinition(); stage != nil {
				ms = stage.TimeoutMS
			}
		}
		return ms > 0 && tc.now().Sub(rt.StageEnteredAt()) >= time.Duration(ms)*time.Millisecond

	case CondCustom:
		return c.Predicate != nil && c.Predicate(rt, tc)

	default:
		return false
	}
}

// decisionTransitions returns the llm_decision transitions applicable in
// the runtime's current stage.
func (e *Engine) decisionTransitions(rt *Runtime) []*Transition {
	var out []*Transition
	for _, t := range e.applicable(rt.Stage()) {
		if t.Condition.Kind == CondLLMDecision {
			out = append(out, t)
		}
	}
	return out
}
