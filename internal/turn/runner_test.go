package turn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/parley-ai/parley/internal/playbook"
	"github.com/parley-ai/parley/internal/resilience"
	"github.com/parley-ai/parley/internal/session"
	"github.com/parley-ai/parley/internal/tool"
	"github.com/parley-ai/parley/pkg/provider/llm"
	llmmock "github.com/parley-ai/parley/pkg/provider/llm/mock"
	sttmock "github.com/parley-ai/parley/pkg/provider/stt/mock"
	"github.com/parley-ai/parley/pkg/provider/tts"
	ttsmock "github.com/parley-ai/parley/pkg/provider/tts/mock"
)

const weatherResult = `{"temp":72,"city":"NYC"}`

func weatherTools(t *testing.T) *tool.Executor {
	t.Helper()
	reg := tool.NewRegistry()
	err := reg.Register(tool.Tool{
		Definition: llm.ToolDefinition{
			Name:        "get_weather",
			Description: "Current weather for a city.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"city": map[string]any{"type": "string"}},
				"required":   []string{"city"},
			},
		},
		Handler: func(ctx context.Context, args string) (string, error) {
			return weatherResult, nil
		},
	})
	if err != nil {
		t.Fatalf("register get_weather: %v", err)
	}
	return tool.NewExecutor(tool.ExecutorConfig{Registry: reg})
}

// newStagedRunner wires a PlaybookRunner around pb with standard mocks.
func newStagedRunner(t *testing.T, pb *playbook.Playbook, llmP *llmmock.Provider) (*PlaybookRunner, *session.Session) {
	t.Helper()
	eng, err := playbook.NewEngine(pb, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	rt, err := playbook.NewRuntime(pb)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	sess := session.NewStore(session.StoreConfig{}).Create(rt)

	r, err := NewPlaybookRunner(PlaybookConfig{
		Config: Config{
			STT:     &sttmock.Provider{Text: "what's the weather in NYC"},
			LLM:     llmP,
			TTS:     &ttsmock.Provider{StreamChunks: []tts.Chunk{{PCM: make([]byte, 480)}}},
			Session: sess,
			Retry:   resilience.RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond},
		},
		Engine: eng,
		Tools:  weatherTools(t),
	})
	if err != nil {
		t.Fatalf("NewPlaybookRunner: %v", err)
	}
	return r, sess
}

func weatherPlaybook() *playbook.Playbook {
	return &playbook.Playbook{
		Name:         "concierge",
		InitialStage: "weather",
		Stages: []playbook.Stage{{
			ID:     "weather",
			Prompt: "You answer weather questions.",
			Tools:  []string{"get_weather"},
		}},
	}
}

func TestNewPlaybookRunner_Validation(t *testing.T) {
	t.Parallel()
	_, err := NewPlaybookRunner(PlaybookConfig{
		Config: Config{
			STT:     &sttmock.Provider{},
			LLM:     &llmmock.Provider{},
			TTS:     &ttsmock.Provider{},
			Session: newTestSession(t), // no playbook runtime
		},
	})
	if err == nil {
		t.Fatal("NewPlaybookRunner accepted a config without engine, tools or runtime")
	}
	for _, want := range []string{"engine", "executor", "runtime"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestPlaybookRunner_ToolCallTurn(t *testing.T) {
	t.Parallel()
	const final = "The weather in NYC is 72 degrees."

	llmP := &llmmock.Provider{
		CompleteFunc: func(_ context.Context, req llm.CompletionRequest, call int) (*llm.CompletionResponse, error) {
			switch call {
			case 0:
				return &llm.CompletionResponse{
					StopReason: llm.StopToolUse,
					ToolCalls:  []llm.ToolCall{{ID: "c1", Name: "get_weather", Arguments: `{"city":"NYC"}`}},
				}, nil
			default:
				return &llm.CompletionResponse{Content: final, StopReason: llm.StopEndTurn}, nil
			}
		},
	}
	r, sess := newStagedRunner(t, weatherPlaybook(), llmP)
	events := runToEnd(t, r)

	// Reasoning went through the tool, and its result came back before
	// any reply text.
	si := firstIndex[ToolCallStart](events)
	ei := firstIndex[ToolCallEnd](events)
	di := firstIndex[LLMDelta](events)
	if si < 0 || ei < 0 || di < 0 || !(si < ei && ei < di) {
		t.Fatalf("want ToolCallStart < ToolCallEnd < LLMDelta, got events %v", events)
	}
	start := events[si].(ToolCallStart)
	if start.Name != "get_weather" || start.CallID != "c1" {
		t.Errorf("ToolCallStart = %+v", start)
	}
	end := events[ei].(ToolCallEnd)
	if end.CallID != "c1" || end.Result != weatherResult || end.Error != "" {
		t.Errorf("ToolCallEnd = %+v", end)
	}

	// A reply produced during reasoning is replayed: final text first,
	// then synthesis.
	deltas := countType[LLMDelta](events)
	if deltas != 2 {
		t.Errorf("LLMDelta count = %d, want content + done marker", deltas)
	}
	fi := firstIndex[LLMFinal](events)
	if f := events[fi].(LLMFinal); f.Text != final {
		t.Errorf("LLMFinal = %q, want %q", f.Text, final)
	}
	if ti := firstIndex[TTSStart](events); ti < fi {
		t.Error("TTSStart arrived before LLMFinal on a replayed reply")
	}
	if _, ok := events[len(events)-1].(TTSComplete); !ok {
		t.Errorf("last event = %#v, want TTSComplete", events[len(events)-1])
	}

	// Exactly the two reasoning calls; the replay makes no third call.
	if n := len(llmP.CompleteCalls); n != 2 {
		t.Fatalf("Complete called %d times, want 2", n)
	}
	if n := len(llmP.StreamCalls); n != 0 {
		t.Errorf("StreamCompletion called %d times, want 0", n)
	}
	req := llmP.CompleteCalls[0].Req
	if !strings.Contains(req.SystemPrompt, "weather questions") {
		t.Errorf("request system prompt = %q, want the stage prompt", req.SystemPrompt)
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != "get_weather" {
		t.Errorf("request tools = %+v, want get_weather only", req.Tools)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != llm.RoleUser {
		t.Errorf("request messages = %+v, want the bare user turn", req.Messages)
	}

	// History holds the full tool group: user, assistant with calls, tool
	// result, final assistant.
	hist := sess.History().All()
	if len(hist) != 4 {
		t.Fatalf("history = %d messages, want 4", len(hist))
	}
	wantRoles := []llm.Role{llm.RoleUser, llm.RoleAssistant, llm.RoleTool, llm.RoleAssistant}
	for i, want := range wantRoles {
		if hist[i].Role != want {
			t.Errorf("history[%d].Role = %s, want %s", i, hist[i].Role, want)
		}
	}
	if len(hist[1].ToolCalls) != 1 || hist[1].ToolCalls[0].ID != "c1" {
		t.Errorf("history[1].ToolCalls = %+v, want the c1 call", hist[1].ToolCalls)
	}
	if hist[2].ToolCallID != "c1" || hist[2].Content != weatherResult {
		t.Errorf("history[2] = %+v, want the c1 result", hist[2])
	}
	if hist[3].Content != final {
		t.Errorf("history[3].Content = %q, want %q", hist[3].Content, final)
	}
}

func TestPlaybookRunner_ModelRequestedTransition(t *testing.T) {
	t.Parallel()
	const final = "How can I support you today?"

	pb := &playbook.Playbook{
		Name:         "concierge",
		InitialStage: "greeting",
		Stages: []playbook.Stage{
			{ID: "greeting", Prompt: "Greet the caller."},
			{ID: "support", Prompt: "Resolve support issues."},
		},
		Transitions: []playbook.Transition{{
			ID:           "to-support",
			From:         "greeting",
			To:           "support",
			Condition:    playbook.Condition{Kind: playbook.CondLLMDecision},
			Description:  "the caller needs help with a problem",
			Data:         map[string]any{"priority": "high"},
			ClearHistory: true,
		}},
	}
	llmP := &llmmock.Provider{
		CompleteFunc: func(_ context.Context, req llm.CompletionRequest, call int) (*llm.CompletionResponse, error) {
			switch call {
			case 0:
				return &llm.CompletionResponse{
					StopReason: llm.StopToolUse,
					ToolCalls: []llm.ToolCall{{
						ID:        "t1",
						Name:      playbook.TransitionToolName,
						Arguments: `{"target_stage":"support","reason":"caller has an issue"}`,
					}},
				}, nil
			default:
				return &llm.CompletionResponse{Content: final, StopReason: llm.StopEndTurn}, nil
			}
		},
	}
	r, sess := newStagedRunner(t, pb, llmP)

	// The transition tool must be offered alongside the stage prompt
	// appendix.
	events := runToEnd(t, r)
	req := llmP.CompleteCalls[0].Req
	foundTransitionTool := false
	for _, def := range req.Tools {
		if def.Name == playbook.TransitionToolName {
			foundTransitionTool = true
		}
	}
	if !foundTransitionTool {
		t.Error("first request did not offer the transition tool")
	}

	ei := firstIndex[ToolCallEnd](events)
	if ei < 0 {
		t.Fatalf("no ToolCallEnd in %v", events)
	}
	end := events[ei].(ToolCallEnd)
	if end.Error != "" || !strings.Contains(end.Result, "support") {
		t.Errorf("transition ToolCallEnd = %+v, want synthetic success", end)
	}

	ci := firstIndex[StageChange](events)
	if ci < 0 {
		t.Fatal("no StageChange emitted")
	}
	change := events[ci].(StageChange)
	if change.From != "greeting" || change.To != "support" || change.Reason != "llm_decision" {
		t.Errorf("StageChange = %+v", change)
	}
	if di := firstIndex[LLMDelta](events); di >= 0 && ci > di {
		t.Error("stage change arrived after the reply started")
	}
	if _, ok := events[len(events)-1].(TTSComplete); !ok {
		t.Errorf("last event = %#v, want TTSComplete", events[len(events)-1])
	}

	if got := sess.Playbook().Stage(); got != "support" {
		t.Errorf("stage = %q, want support", got)
	}
	if v, ok := sess.Playbook().Value("priority"); !ok || v != "high" {
		t.Errorf("transition data not merged: priority = %v", v)
	}

	// clear_history dropped the pre-transition exchange; the new stage
	// answered from its own prompt.
	p2 := llmP.CompleteCalls[1].Req
	if len(p2.Messages) != 0 {
		t.Errorf("post-clear request carried %d messages, want 0", len(p2.Messages))
	}
	if !strings.Contains(p2.SystemPrompt, "support issues") {
		t.Errorf("post-transition system prompt = %q, want the support stage prompt", p2.SystemPrompt)
	}
	if len(p2.Tools) != 0 {
		t.Errorf("voicing request offered %d tools, want none", len(p2.Tools))
	}
	hist := sess.History().All()
	if len(hist) != 1 || hist[0].Role != llm.RoleAssistant || hist[0].Content != final {
		t.Errorf("history after clear = %+v, want only the new reply", hist)
	}
}

func TestPlaybookRunner_AutomaticTransitionOnToolCall(t *testing.T) {
	t.Parallel()
	pb := weatherPlaybook()
	pb.Stages = append(pb.Stages, playbook.Stage{ID: "report", Prompt: "Summarize the forecast."})
	pb.Transitions = []playbook.Transition{{
		ID:        "after-lookup",
		From:      "weather",
		To:        "report",
		Condition: playbook.Condition{Kind: playbook.CondToolCall, Tool: "get_weather"},
	}}

	llmP := &llmmock.Provider{
		CompleteFunc: func(_ context.Context, req llm.CompletionRequest, call int) (*llm.CompletionResponse, error) {
			switch call {
			case 0:
				return &llm.CompletionResponse{
					StopReason: llm.StopToolUse,
					ToolCalls:  []llm.ToolCall{{ID: "c1", Name: "get_weather", Arguments: `{"city":"NYC"}`}},
				}, nil
			default:
				return &llm.CompletionResponse{Content: "It is 72 and sunny.", StopReason: llm.StopEndTurn}, nil
			}
		},
	}
	r, sess := newStagedRunner(t, pb, llmP)
	events := runToEnd(t, r)

	ci := firstIndex[StageChange](events)
	if ci < 0 {
		t.Fatal("tool_call transition did not fire")
	}
	change := events[ci].(StageChange)
	if change.From != "weather" || change.To != "report" || change.Reason != "tool_call" {
		t.Errorf("StageChange = %+v", change)
	}
	if di := firstIndex[LLMDelta](events); di >= 0 && ci > di {
		t.Error("stage change arrived after the replayed reply")
	}
	if got := sess.Playbook().Stage(); got != "report" {
		t.Errorf("stage = %q, want report", got)
	}
}

func TestPlaybookRunner_ToolUseStopWithoutCalls(t *testing.T) {
	t.Parallel()
	llmP := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content:    "Plain answer.",
			StopReason: llm.StopToolUse, // no calls attached
		},
	}
	r, _ := newStagedRunner(t, weatherPlaybook(), llmP)
	events := runToEnd(t, r)

	if n := countType[ToolCallStart](events); n != 0 {
		t.Errorf("%d tool events on a call-less response", n)
	}
	fi := firstIndex[LLMFinal](events)
	if fi < 0 {
		t.Fatal("no LLMFinal emitted")
	}
	if f := events[fi].(LLMFinal); f.Text != "Plain answer." {
		t.Errorf("LLMFinal = %q", f.Text)
	}
	if n := len(llmP.CompleteCalls); n != 1 {
		t.Errorf("Complete called %d times, want 1 (no loop)", n)
	}
	if _, ok := events[len(events)-1].(TTSComplete); !ok {
		t.Errorf("last event = %#v, want TTSComplete", events[len(events)-1])
	}
}

func TestPlaybookRunner_ToolBudgetForcesFinalAnswer(t *testing.T) {
	t.Parallel()
	const budget = 2

	llmP := &llmmock.Provider{
		CompleteFunc: func(_ context.Context, req llm.CompletionRequest, call int) (*llm.CompletionResponse, error) {
			if call < budget {
				return &llm.CompletionResponse{
					StopReason: llm.StopToolUse,
					ToolCalls:  []llm.ToolCall{{ID: fmt.Sprintf("c%d", call), Name: "get_weather", Arguments: `{"city":"NYC"}`}},
				}, nil
			}
			return &llm.CompletionResponse{Content: "Done looking things up.", StopReason: llm.StopEndTurn}, nil
		},
	}

	pb := weatherPlaybook()
	eng, err := playbook.NewEngine(pb, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	rt, err := playbook.NewRuntime(pb)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	sess := session.NewStore(session.StoreConfig{}).Create(rt)
	r, err := NewPlaybookRunner(PlaybookConfig{
		Config: Config{
			STT:     &sttmock.Provider{Text: "weather please"},
			LLM:     llmP,
			TTS:     &ttsmock.Provider{StreamChunks: []tts.Chunk{{PCM: make([]byte, 480)}}},
			Session: sess,
		},
		Engine:       eng,
		Tools:        weatherTools(t),
		MaxToolCalls: budget,
	})
	if err != nil {
		t.Fatalf("NewPlaybookRunner: %v", err)
	}
	events := runToEnd(t, r)

	if n := countType[ToolCallStart](events); n != budget {
		t.Errorf("ToolCallStart count = %d, want the budget of %d", n, budget)
	}
	// Two reasoning calls, then the forced tool-free voicing call.
	if n := len(llmP.CompleteCalls); n != budget+1 {
		t.Fatalf("Complete called %d times, want %d", n, budget+1)
	}
	voicing := llmP.CompleteCalls[budget].Req
	if len(voicing.Tools) != 0 {
		t.Errorf("voicing request offered %d tools, want none", len(voicing.Tools))
	}
	fi := firstIndex[LLMFinal](events)
	if fi < 0 {
		t.Fatal("no LLMFinal emitted")
	}
	if f := events[fi].(LLMFinal); f.Text != "Done looking things up." {
		t.Errorf("LLMFinal = %q", f.Text)
	}
	if _, ok := events[len(events)-1].(TTSComplete); !ok {
		t.Errorf("last event = %#v, want TTSComplete", events[len(events)-1])
	}
}

func TestPlaybookRunner_RetriesRateLimitedCompletion(t *testing.T) {
	t.Parallel()
	rateLimited := &llm.ProviderError{Provider: "mock", StatusCode: 429, Err: errors.New("rate limited")}

	llmP := &llmmock.Provider{
		CompleteFunc: func(_ context.Context, req llm.CompletionRequest, call int) (*llm.CompletionResponse, error) {
			if call == 0 {
				return nil, rateLimited
			}
			return &llm.CompletionResponse{Content: "Recovered fine.", StopReason: llm.StopEndTurn}, nil
		},
	}
	r, _ := newStagedRunner(t, weatherPlaybook(), llmP)

	start := time.Now()
	events := runToEnd(t, r)
	elapsed := time.Since(start)

	if _, ok := events[len(events)-1].(TTSComplete); !ok {
		t.Fatalf("last event = %#v, want TTSComplete after a successful retry", events[len(events)-1])
	}
	if n := len(llmP.CompleteCalls); n != 2 {
		t.Errorf("Complete called %d times, want failure + retry", n)
	}
	if elapsed < time.Millisecond {
		t.Errorf("turn finished in %v, want at least one backoff interval", elapsed)
	}
	if n := countType[ErrorEvent](events); n != 0 {
		t.Errorf("%d Error events on a recovered turn", n)
	}
}

func TestPlaybookRunner_InvalidTransitionTarget(t *testing.T) {
	t.Parallel()
	pb := &playbook.Playbook{
		Name:         "concierge",
		InitialStage: "greeting",
		Stages: []playbook.Stage{
			{ID: "greeting", Prompt: "Greet the caller."},
			{ID: "support", Prompt: "Resolve support issues."},
		},
		Transitions: []playbook.Transition{{
			From:      "greeting",
			To:        "support",
			Condition: playbook.Condition{Kind: playbook.CondLLMDecision},
		}},
	}
	llmP := &llmmock.Provider{
		CompleteFunc: func(_ context.Context, req llm.CompletionRequest, call int) (*llm.CompletionResponse, error) {
			switch call {
			case 0:
				return &llm.CompletionResponse{
					StopReason: llm.StopToolUse,
					ToolCalls: []llm.ToolCall{{
						ID:        "t1",
						Name:      playbook.TransitionToolName,
						Arguments: `{"target_stage":"nowhere"}`,
					}},
				}, nil
			default:
				return &llm.CompletionResponse{Content: "Sorry, how can I help?", StopReason: llm.StopEndTurn}, nil
			}
		},
	}
	r, sess := newStagedRunner(t, pb, llmP)
	events := runToEnd(t, r)

	ei := firstIndex[ToolCallEnd](events)
	if ei < 0 {
		t.Fatal("no ToolCallEnd for the rejected transition")
	}
	end := events[ei].(ToolCallEnd)
	if end.Error == "" || !strings.Contains(end.Error, "not defined") {
		t.Errorf("ToolCallEnd = %+v, want a rejection", end)
	}
	if n := countType[StageChange](events); n != 0 {
		t.Errorf("%d StageChange events for an invalid target", n)
	}
	if got := sess.Playbook().Stage(); got != "greeting" {
		t.Errorf("stage = %q, want unchanged greeting", got)
	}
	// The model saw the rejection and answered on its next attempt.
	if _, ok := events[len(events)-1].(TTSComplete); !ok {
		t.Errorf("last event = %#v, want TTSComplete", events[len(events)-1])
	}
	hist := sess.History().All()
	found := false
	for _, msg := range hist {
		if msg.Role == llm.RoleTool && strings.Contains(msg.Content, "not defined") {
			found = true
		}
	}
	if !found {
		t.Error("rejection never reached the conversation history")
	}
}
