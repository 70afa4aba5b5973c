package playbook

import (
	"fmt"
	"time"

	"github.com/parley-ai/parley/pkg/provider/llm"
)

// TransitionRecord is one executed transition in a runtime's history.
type TransitionRecord struct {
	// TransitionID is the ID of the transition that fired, or the
	// synthetic ID of an implicit llm_decision transition.
	TransitionID string

	From   string
	To     string
	Reason string
	At     time.Time
}

// TurnContext is the post-turn evidence conditions are evaluated against.
type TurnContext struct {
	// AssistantText is the final assistant reply of the turn.
	AssistantText string

	// ToolCalls are the tool invocations the model made during the turn.
	ToolCalls []llm.ToolCall

	// Now anchors time-based conditions. The zero value means time.Now().
	Now time.Time
}

func (tc TurnContext) now() time.Time {
	if tc.Now.IsZero() {
		return time.Now()
	}
	return tc.Now
}

// Runtime is one session's position inside a playbook: the current stage,
// how long and how many turns it has been there, a free-form context map,
// and the history of executed transitions.
//
// Runtime is not internally synchronized. It is created with its session
// and mutated only by the turn runner while holding the session's turn
// slot, which already serializes all access.
type Runtime struct {
	pb        *Playbook
	stage     string
	turnCount int
	enteredAt time.Time
	context   map[string]any
	history   []TransitionRecord
}

// NewRuntime places a fresh runtime in the playbook's initial stage.
// The playbook must have passed [Playbook.Validate].
func NewRuntime(pb *Playbook) (*Runtime, error) {
	if pb == nil {
		return nil, fmt.Errorf("playbook: runtime needs a playbook")
	}
	if pb.Stage(pb.InitialStage) == nil {
		return nil, fmt.Errorf("playbook: initial stage %q is not defined", pb.InitialStage)
	}
	return &Runtime{
		pb:        pb,
		stage:     pb.InitialStage,
		enteredAt: time.Now(),
		context:   make(map[string]any),
	}, nil
}

// Playbook returns the definition this runtime executes.
func (rt *Runtime) Playbook() *Playbook { return rt.pb }

// Stage returns the current stage ID.
func (rt *Runtime) Stage() string { return rt.stage }

// StageDefinition returns the current stage's definition.
func (rt *Runtime) StageDefinition() *Stage { return rt.pb.Stage(rt.stage) }

// TurnCount returns the number of completed turns in the current stage.
func (rt *Runtime) TurnCount() int { return rt.turnCount }

// StageEnteredAt returns when the runtime entered the current stage.
func (rt *Runtime) StageEnteredAt() time.Time { return rt.enteredAt }

// IncrementTurn records one completed turn in the current stage. The turn
// runner calls this after every turn, before evaluating transitions.
func (rt *Runtime) IncrementTurn() { rt.turnCount++ }

// Set stores a value in the runtime context.
func (rt *Runtime) Set(key string, value any) { rt.context[key] = value }

// Value reads a value from the runtime context.
func (rt *Runtime) Value(key string) (any, bool) {
	v, ok := rt.context[key]
	return v, ok
}

// Context returns the live context map. Callers follow the same
// serialization rule as the rest of the runtime.
func (rt *Runtime) Context() map[string]any { return rt.context }

// History returns the executed transitions, oldest first.
func (rt *Runtime) History() []TransitionRecord { return rt.history }
