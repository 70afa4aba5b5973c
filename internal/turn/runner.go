package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/parley-ai/parley/internal/observe"
	"github.com/parley-ai/parley/internal/playbook"
	"github.com/parley-ai/parley/internal/resilience"
	"github.com/parley-ai/parley/internal/tool"
	"github.com/parley-ai/parley/internal/utterance"
	"github.com/parley-ai/parley/internal/wire"
	"github.com/parley-ai/parley/pkg/provider/llm"
)

const (
	// DefaultMaxToolCalls caps how many tool calls one turn's reasoning
	// phase may spend before the runner forces a final answer.
	DefaultMaxToolCalls = 10

	// DefaultPhase1Timeout bounds the reasoning phase's wall clock.
	DefaultPhase1Timeout = 60 * time.Second
)

// PlaybookConfig assembles a [PlaybookRunner].
type PlaybookConfig struct {
	Config

	// Engine derives per-stage prompts, tool exposure and model settings,
	// and executes transitions. Required.
	Engine *playbook.Engine

	// Tools runs the model's tool calls. Required.
	Tools *tool.Executor

	// MaxToolCalls caps tool calls per turn. Defaults to
	// [DefaultMaxToolCalls].
	MaxToolCalls int

	// Phase1Timeout bounds the reasoning phase. Defaults to
	// [DefaultPhase1Timeout].
	Phase1Timeout time.Duration
}

// PlaybookRunner runs staged turns in two phases: a reasoning phase where
// the model may call tools and request stage changes, and a voicing phase
// that produces the spoken reply. The stage prompt travels as the
// request's system prompt, never through history, so stage changes take
// effect without rewriting the conversation.
type PlaybookRunner struct {
	pipe     *Pipeline
	engine   *playbook.Engine
	tools    *tool.Executor
	maxCalls int
	phase1   time.Duration
}

var _ Runner = (*PlaybookRunner)(nil)

// NewPlaybookRunner creates a PlaybookRunner. On top of the pipeline's
// requirements, the engine and the tool executor are required, and the
// session must carry a playbook runtime.
func NewPlaybookRunner(cfg PlaybookConfig) (*PlaybookRunner, error) {
	var errs []error
	if cfg.Engine == nil {
		errs = append(errs, errors.New("turn: playbook engine is required"))
	}
	if cfg.Tools == nil {
		errs = append(errs, errors.New("turn: tool executor is required"))
	}
	if cfg.Session != nil && cfg.Session.Playbook() == nil {
		errs = append(errs, errors.New("turn: session has no playbook runtime"))
	}
	pipe, err := New(cfg.Config)
	if err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	maxCalls := cfg.MaxToolCalls
	if maxCalls <= 0 {
		maxCalls = DefaultMaxToolCalls
	}
	phase1 := cfg.Phase1Timeout
	if phase1 <= 0 {
		phase1 = DefaultPhase1Timeout
	}

	return &PlaybookRunner{
		pipe:     pipe,
		engine:   cfg.Engine,
		tools:    cfg.Tools,
		maxCalls: maxCalls,
		phase1:   phase1,
	}, nil
}

// RunTurn implements [Runner].
func (r *PlaybookRunner) RunTurn(ctx context.Context, utt *utterance.Utterance) (<-chan Event, error) {
	if utt == nil {
		return nil, errors.New("turn: nil utterance")
	}
	out := make(chan Event, defaultEventBuf)
	go r.pipe.runShell(ctx, out, modePlaybook, func(ctx context.Context) error {
		return r.turn(ctx, utt, out)
	})
	return out, nil
}

// turn funnels every exit through the cancellation check, mirroring
// [Pipeline.turn].
func (r *PlaybookRunner) turn(ctx context.Context, utt *utterance.Utterance, out chan<- Event) error {
	sp := r.pipe.newSpeaker(out)
	err := r.process(ctx, utt, out, sp)
	if ctx.Err() != nil {
		sp.cancelled()
		return ctx.Err()
	}
	return err
}

func (r *PlaybookRunner) process(ctx context.Context, utt *utterance.Utterance, out chan<- Event, sp *speaker) error {
	p := r.pipe

	text, err := p.stepSTT(ctx, utt, out)
	if err != nil || text == "" {
		return err
	}

	rt := p.sess.Playbook()
	hist := p.sess.History()
	hist.Append(p.userMessage(ctx, text, utt.Attachments))

	res, err := r.reason(ctx, rt, out)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return failTurn(p.fabric, p.sess.ID, out, wire.CodeLLMError, err)
	}

	rt.IncrementTurn()
	now := time.Now()

	// A stage change the model asked for wins; otherwise the turn's tool
	// calls may satisfy an automatic transition.
	tr := res.pending
	if tr == nil {
		if t, ok := r.engine.Evaluate(rt, playbook.TurnContext{ToolCalls: res.calls, Now: now}); ok {
			tr = t
		}
	}
	if tr != nil {
		if err := r.applyTransition(ctx, rt, tr, now, out); err != nil {
			return err
		}
	}

	final, err := r.voice(ctx, rt, res.finalText, out, sp)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var tf *ttsFailure
		if errors.As(err, &tf) {
			return failTurn(p.fabric, p.sess.ID, out, wire.CodeTTSError, err)
		}
		return failTurn(p.fabric, p.sess.ID, out, wire.CodeLLMError, err)
	}

	// The spoken reply can itself satisfy a transition, e.g. a keyword
	// condition on the assistant's wording.
	now = time.Now()
	if t, ok := r.engine.Evaluate(rt, playbook.TurnContext{AssistantText: final, Now: now}); ok {
		if err := r.applyTransition(ctx, rt, t, now, out); err != nil {
			return err
		}
	}
	return nil
}

// phase1Result carries what the reasoning phase learned.
type phase1Result struct {
	// finalText is set when the model answered without (more) tools; the
	// voicing phase replays it instead of calling the model again.
	finalText string

	// calls accumulates every tool call the model made this turn, for
	// automatic transition evaluation.
	calls []llm.ToolCall

	// pending is the stage change the model requested, already resolved
	// against the playbook.
	pending *playbook.Transition
}

// reason runs the phase-1 tool loop: completion with the stage's tools,
// execute the returned calls, feed the results back, repeat. It exits
// with a final text, a pending transition, or an exhausted budget, and
// leaves the history positioned for the voicing phase.
func (r *PlaybookRunner) reason(ctx context.Context, rt *playbook.Runtime, out chan<- Event) (phase1Result, error) {
	p := r.pipe
	hist := p.sess.History()

	p1ctx, cancel := context.WithTimeout(ctx, r.phase1)
	defer cancel()

	turnID := uuid.New().String()
	var res phase1Result
	used := 0

	for {
		if p1ctx.Err() != nil && ctx.Err() == nil {
			p.log.Warn("reasoning budget exhausted, forcing final answer",
				"session_id", p.sess.ID, "stage", rt.Stage(), "tool_calls", used)
			return res, nil
		}

		req := r.buildRequest(rt, r.toolDefinitions(rt), r.engine.ToolChoice(rt))
		resp, err := resilience.Retry(p1ctx, p.retry, "complete", func(ctx context.Context) (*llm.CompletionResponse, error) {
			return p.llm.Complete(ctx, req)
		})
		if err != nil {
			if p1ctx.Err() != nil && ctx.Err() == nil {
				p.log.Warn("reasoning budget exhausted, forcing final answer",
					"session_id", p.sess.ID, "stage", rt.Stage(), "tool_calls", used)
				return res, nil
			}
			return res, fmt.Errorf("turn: reasoning: %w", err)
		}

		// A tool_use stop with an empty call list counts as an answer, or
		// the loop would never end.
		if resp.StopReason != llm.StopToolUse || len(resp.ToolCalls) == 0 {
			res.finalText = resp.Content
			return res, nil
		}

		// Tool messages must follow an assistant message carrying the
		// calls, or the next request is rejected upstream.
		hist.Append(llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})

		// Automatic evaluation sees real tool calls only. Explicit stage
		// requests are resolved where they are intercepted; a rejected one
		// is not evidence for a declared llm_decision transition.
		for _, c := range resp.ToolCalls {
			if c.Name != playbook.TransitionToolName {
				res.calls = append(res.calls, c)
			}
		}

		pending, err := r.runCalls(ctx, rt, resp.ToolCalls, turnID, out)
		if err != nil {
			return res, err
		}
		if pending != nil {
			res.pending = pending
			return res, nil
		}

		used += len(resp.ToolCalls)
		if used >= r.maxCalls {
			p.log.Warn("tool call budget exhausted, forcing final answer",
				"session_id", p.sess.ID, "stage", rt.Stage(), "tool_calls", used)
			return res, nil
		}
	}
}

// runCalls executes one response's tool calls. A playbook_transition call
// cuts the batch: calls before it run normally, the transition becomes
// pending, and calls after it are answered with a synthetic skip result
// so every call id still gets its tool message.
func (r *PlaybookRunner) runCalls(ctx context.Context, rt *playbook.Runtime, calls []llm.ToolCall, turnID string, out chan<- Event) (*playbook.Transition, error) {
	p := r.pipe
	hist := p.sess.History()

	cut := len(calls)
	for i, c := range calls {
		if c.Name == playbook.TransitionToolName {
			cut = i
			break
		}
	}

	if live := calls[:cut]; len(live) > 0 {
		for _, c := range live {
			if !emit(ctx, out, ToolCallStart{Name: c.Name, CallID: c.ID, Arguments: c.Arguments}) {
				return nil, ctx.Err()
			}
		}

		meta := tool.Meta{SessionID: p.sess.ID, TurnID: turnID, Values: rt.Context()}
		for _, result := range r.tools.Execute(ctx, meta, live) {
			r.recordResult(ctx, result, out)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	if cut == len(calls) {
		return nil, nil
	}

	tc := calls[cut]
	if !emit(ctx, out, ToolCallStart{Name: tc.Name, CallID: tc.ID, Arguments: tc.Arguments}) {
		return nil, ctx.Err()
	}
	pending, result := r.resolveTransitionCall(rt, tc)
	r.recordResult(ctx, result, out)

	// Calls past the stage change never run, but each still needs a tool
	// message so the next request pairs every call id.
	for _, c := range calls[cut+1:] {
		hist.Append(llm.Message{
			Role:       llm.RoleTool,
			ToolCallID: c.ID,
			ToolName:   c.Name,
			Content:    `{"status":"skipped","reason":"stage change"}`,
		})
	}
	return pending, nil
}

// recordResult turns one executor result into its tool message, its
// ToolCallEnd event and its fabric observation.
func (r *PlaybookRunner) recordResult(ctx context.Context, result tool.Result, out chan<- Event) {
	p := r.pipe

	p.sess.History().Append(llm.Message{
		Role:       llm.RoleTool,
		ToolCallID: result.CallID,
		ToolName:   result.ToolName,
		Content:    toolPayload(result),
	})

	var callErr error
	if !result.Success {
		callErr = errors.New(result.Error)
	}
	p.fabric.ToolCall(observe.ToolCallInfo{
		SessionID: p.sess.ID,
		Tool:      result.ToolName,
		CallID:    result.CallID,
		Duration:  time.Duration(result.DurationMS) * time.Millisecond,
		Err:       callErr,
	})

	emit(ctx, out, ToolCallEnd{
		Name:       result.ToolName,
		CallID:     result.CallID,
		Result:     result.Result,
		Error:      result.Error,
		DurationMS: result.DurationMS,
	})
}

// toolPayload renders the JSON body of a tool message: the handler's own
// JSON on success, a wrapped error otherwise.
func toolPayload(result tool.Result) string {
	if result.Success {
		if result.Result == "" {
			return "{}"
		}
		return result.Result
	}
	b, err := json.Marshal(map[string]string{"error": result.Error})
	if err != nil {
		return `{"error":"tool failed"}`
	}
	return string(b)
}

// resolveTransitionCall validates a model-requested stage change. An
// invalid target is answered as a failed tool call so the model can
// recover on its next attempt; it never fails the turn.
func (r *PlaybookRunner) resolveTransitionCall(rt *playbook.Runtime, call llm.ToolCall) (*playbook.Transition, tool.Result) {
	start := time.Now()
	fail := func(msg string) tool.Result {
		return tool.Result{
			CallID:     call.ID,
			ToolName:   call.Name,
			Success:    false,
			Error:      msg,
			DurationMS: time.Since(start).Milliseconds(),
		}
	}

	raw := call.Arguments
	if raw == "" {
		raw = "{}"
	}
	var args struct {
		TargetStage string `json:"target_stage"`
		Reason      string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fail(fmt.Sprintf("bad arguments: %v", err))
	}

	tr, err := r.engine.ResolveExplicit(rt, args.TargetStage)
	if err != nil {
		return nil, fail(err.Error())
	}

	payload, _ := json.Marshal(map[string]string{"status": "ok", "stage": args.TargetStage})
	return tr, tool.Result{
		CallID:     call.ID,
		ToolName:   call.Name,
		Success:    true,
		Result:     string(payload),
		DurationMS: time.Since(start).Milliseconds(),
	}
}

// applyTransition executes a stage change, surfaces it, and honors the
// transition's clear_history flag.
func (r *PlaybookRunner) applyTransition(ctx context.Context, rt *playbook.Runtime, tr *playbook.Transition, now time.Time, out chan<- Event) error {
	p := r.pipe

	change := r.engine.Execute(rt, tr, now)
	p.fabric.StageChange(observe.StageChangeInfo{
		SessionID: p.sess.ID,
		From:      change.From,
		To:        change.To,
		Reason:    change.Reason,
	})
	if !emit(ctx, out, StageChange{From: change.From, To: change.To, Reason: change.Reason}) {
		return ctx.Err()
	}
	if tr.ClearHistory {
		p.sess.History().Clear()
	}
	return nil
}

// voice runs phase 2. A reply the reasoning phase already produced is
// replayed to the client verbatim; otherwise a fresh completion without
// tools is drawn from the now-current stage.
func (r *PlaybookRunner) voice(ctx context.Context, rt *playbook.Runtime, phase1Text string, out chan<- Event, sp *speaker) (string, error) {
	p := r.pipe
	hist := p.sess.History()

	if phase1Text != "" {
		if !emit(ctx, out, LLMDelta{Content: phase1Text}) {
			return phase1Text, ctx.Err()
		}
		if !emit(ctx, out, LLMDelta{Done: true}) {
			return phase1Text, ctx.Err()
		}
		hist.Append(llm.Message{Role: llm.RoleAssistant, Content: phase1Text})
		if !emit(ctx, out, LLMFinal{Text: phase1Text}) {
			return phase1Text, ctx.Err()
		}
		if err := speakAll(ctx, sp, p.chunker, phase1Text); err != nil {
			return phase1Text, err
		}
		return phase1Text, sp.finish(ctx)
	}

	req := r.buildRequest(rt, nil, "")
	llmStart := time.Now()

	var assembled string
	if p.llm.Capabilities().SupportsStreaming {
		text, err := r.streamDeltas(ctx, req, out, llmStart)
		assembled = text
		if err != nil {
			if assembled != "" {
				hist.Append(llm.Message{Role: llm.RoleAssistant, Content: assembled})
			}
			return assembled, err
		}
	} else {
		resp, err := resilience.Retry(ctx, p.retry, "complete", func(ctx context.Context) (*llm.CompletionResponse, error) {
			return p.llm.Complete(ctx, req)
		})
		if err != nil {
			return "", fmt.Errorf("turn: llm: %w", err)
		}
		assembled = resp.Content
		if !emit(ctx, out, LLMDelta{Content: assembled}) {
			return assembled, ctx.Err()
		}
		if !emit(ctx, out, LLMDelta{Done: true}) {
			return assembled, ctx.Err()
		}
	}

	p.fabric.LLMComplete(observe.LLMCompleteInfo{
		SessionID: p.sess.ID,
		Text:      assembled,
		Duration:  time.Since(llmStart),
	})

	err := speakAll(ctx, sp, p.chunker, assembled)
	// Whatever was voiced, even partially, stays in context.
	hist.Append(llm.Message{Role: llm.RoleAssistant, Content: assembled})
	if err != nil {
		return assembled, err
	}
	if !emit(ctx, out, LLMFinal{Text: assembled}) {
		return assembled, ctx.Err()
	}
	return assembled, sp.finish(ctx)
}

// streamDeltas consumes a completion stream emitting deltas only; the
// caller owns synthesis and the terminal events. Returns the assembled
// text, also on error.
func (r *PlaybookRunner) streamDeltas(ctx context.Context, req llm.CompletionRequest, out chan<- Event, llmStart time.Time) (string, error) {
	p := r.pipe

	ch, err := resilience.Retry(ctx, p.retry, "stream", func(ctx context.Context) (<-chan llm.Chunk, error) {
		return p.llm.StreamCompletion(ctx, req)
	})
	if err != nil {
		return "", fmt.Errorf("turn: llm stream: %w", err)
	}

	var assembled string
	sawToken := false

stream:
	for {
		select {
		case <-ctx.Done():
			go drain(ch)
			return assembled, ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				break stream
			}
			if chunk.Err != nil {
				return assembled, fmt.Errorf("turn: llm stream: %w", chunk.Err)
			}
			if chunk.Text != "" {
				if !sawToken {
					sawToken = true
					p.fabric.LLMFirstToken(observe.LLMFirstTokenInfo{
						SessionID: p.sess.ID,
						Latency:   time.Since(llmStart),
					})
				}
				assembled += chunk.Text
				if !emit(ctx, out, LLMDelta{Content: chunk.Text}) {
					go drain(ch)
					return assembled, ctx.Err()
				}
			}
			if chunk.FinishReason != "" {
				go drain(ch)
				break stream
			}
		}
	}

	if !emit(ctx, out, LLMDelta{Done: true}) {
		return assembled, ctx.Err()
	}
	return assembled, nil
}

// buildRequest assembles a completion request for the runtime's current
// stage. The stage prompt rides as the request's system prompt so history
// stays prompt-free across stage changes; pipeline-level model settings
// back-fill whatever the stage leaves open.
func (r *PlaybookRunner) buildRequest(rt *playbook.Runtime, tools []llm.ToolDefinition, choice llm.ToolChoice) llm.CompletionRequest {
	p := r.pipe
	mc := r.engine.EffectiveModel(rt)

	req := llm.CompletionRequest{
		Messages:     p.sess.History().Window(),
		SystemPrompt: r.engine.EffectivePrompt(rt),
		Model:        mc.Model,
		Temperature:  p.temperature,
		MaxTokens:    mc.MaxTokens,
		Tools:        tools,
		ToolChoice:   choice,
	}
	if req.Model == "" {
		req.Model = p.model
	}
	if mc.Temperature != nil {
		req.Temperature = *mc.Temperature
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = p.maxTokens
	}
	return req
}

// toolDefinitions resolves the stage's tool names against the registry.
// The built-in transition tool is not registered; its definition is
// appended when the stage exposes it.
func (r *PlaybookRunner) toolDefinitions(rt *playbook.Runtime) []llm.ToolDefinition {
	var (
		names      []string
		transition bool
	)
	for _, name := range r.engine.EffectiveTools(rt) {
		if name == playbook.TransitionToolName {
			transition = true
			continue
		}
		names = append(names, name)
	}

	var defs []llm.ToolDefinition
	if len(names) > 0 {
		defs = r.tools.Registry().Definitions(names...)
	}
	if transition {
		defs = append(defs, playbook.TransitionToolDefinition())
	}
	return defs
}
