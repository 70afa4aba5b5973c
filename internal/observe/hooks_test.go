package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/parley-ai/parley/internal/wire"
)

func TestFabric_InvokesRegisteredHooks(t *testing.T) {
	f := NewFabric(nil)

	var got []TurnStartInfo
	f.OnTurnStart(func(info TurnStartInfo) { got = append(got, info) })

	f.TurnStart(TurnStartInfo{SessionID: "s1", Mode: "simple"})
	f.TurnStart(TurnStartInfo{SessionID: "s2", Mode: "playbook"})

	if len(got) != 2 {
		t.Fatalf("hook invoked %d times, want 2", len(got))
	}
	if got[0].SessionID != "s1" || got[0].Mode != "simple" {
		t.Errorf("first invocation = %+v", got[0])
	}
	if got[1].SessionID != "s2" || got[1].Mode != "playbook" {
		t.Errorf("second invocation = %+v", got[1])
	}
}

func TestFabric_MultipleSubscribersAllRun(t *testing.T) {
	f := NewFabric(nil)

	calls := 0
	f.OnTranscript(func(TranscriptInfo) { calls++ })
	f.OnTranscript(func(TranscriptInfo) { calls++ })
	f.OnTranscript(func(TranscriptInfo) { calls++ })

	f.Transcript(TranscriptInfo{SessionID: "s1", Text: "hello", Final: true})

	if calls != 3 {
		t.Errorf("subscribers invoked %d times, want 3", calls)
	}
}

func TestFabric_PanickingHookIsIsolated(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	f := NewFabric(log)

	ran := false
	f.OnTurnEnd(func(TurnEndInfo) { panic("observer bug") })
	f.OnTurnEnd(func(TurnEndInfo) { ran = true })

	f.TurnEnd(TurnEndInfo{SessionID: "s1", Duration: time.Second})

	if !ran {
		t.Error("hook after the panicking one did not run")
	}
	if !bytes.Contains(buf.Bytes(), []byte("hook panicked")) {
		t.Errorf("panic not logged, log output: %s", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte("turn_end")) {
		t.Errorf("log output missing hook point name: %s", buf.String())
	}
}

func TestFabric_EmitWithoutSubscribersIsNoop(t *testing.T) {
	f := NewFabric(nil)

	// None of these should panic or block.
	f.TurnStart(TurnStartInfo{})
	f.TurnEnd(TurnEndInfo{})
	f.Transcript(TranscriptInfo{})
	f.LLMFirstToken(LLMFirstTokenInfo{})
	f.LLMComplete(LLMCompleteInfo{})
	f.TTSStart(TTSStartInfo{})
	f.TTSComplete(TTSCompleteInfo{})
	f.TTSCancelled(TTSCancelledInfo{})
	f.ToolCall(ToolCallInfo{})
	f.StageChange(StageChangeInfo{})
	f.Error(ErrorInfo{})
}

func TestFabric_AllPointsDeliver(t *testing.T) {
	f := NewFabric(nil)

	seen := map[string]bool{}
	f.OnTurnStart(func(TurnStartInfo) { seen["turn_start"] = true })
	f.OnTurnEnd(func(TurnEndInfo) { seen["turn_end"] = true })
	f.OnTranscript(func(TranscriptInfo) { seen["transcript"] = true })
	f.OnLLMFirstToken(func(LLMFirstTokenInfo) { seen["llm_first_token"] = true })
	f.OnLLMComplete(func(LLMCompleteInfo) { seen["llm_complete"] = true })
	f.OnTTSStart(func(TTSStartInfo) { seen["tts_start"] = true })
	f.OnTTSComplete(func(TTSCompleteInfo) { seen["tts_complete"] = true })
	f.OnTTSCancelled(func(TTSCancelledInfo) { seen["tts_cancelled"] = true })
	f.OnToolCall(func(ToolCallInfo) { seen["tool_call"] = true })
	f.OnStageChange(func(StageChangeInfo) { seen["stage_change"] = true })
	f.OnError(func(ErrorInfo) { seen["error"] = true })

	f.TurnStart(TurnStartInfo{})
	f.TurnEnd(TurnEndInfo{})
	f.Transcript(TranscriptInfo{})
	f.LLMFirstToken(LLMFirstTokenInfo{})
	f.LLMComplete(LLMCompleteInfo{})
	f.TTSStart(TTSStartInfo{})
	f.TTSComplete(TTSCompleteInfo{})
	f.TTSCancelled(TTSCancelledInfo{})
	f.ToolCall(ToolCallInfo{})
	f.StageChange(StageChangeInfo{})
	f.Error(ErrorInfo{})

	points := []string{
		"turn_start", "turn_end", "transcript", "llm_first_token",
		"llm_complete", "tts_start", "tts_complete", "tts_cancelled",
		"tool_call", "stage_change", "error",
	}
	for _, p := range points {
		if !seen[p] {
			t.Errorf("point %q never delivered", p)
		}
	}
}

func TestWireMetrics_RecordsTurnLifecycle(t *testing.T) {
	m, reader := newTestMetrics(t)
	f := NewFabric(nil)
	WireMetrics(f, m)

	f.TurnStart(TurnStartInfo{SessionID: "s1", Mode: "simple"})
	f.TurnEnd(TurnEndInfo{SessionID: "s1", Mode: "simple", Duration: 1200 * time.Millisecond})

	rm := collect(t, reader)

	turns := findMetric(rm, "parley.turns")
	if turns == nil {
		t.Fatal("turns metric not found")
	}
	sum := turns.Data.(metricdata.Sum[int64])
	if sum.DataPoints[0].Value != 1 {
		t.Errorf("turns = %d, want 1", sum.DataPoints[0].Value)
	}

	active := findMetric(rm, "parley.active_turns")
	if active == nil {
		t.Fatal("active_turns metric not found")
	}
	activeSum := active.Data.(metricdata.Sum[int64])
	if activeSum.DataPoints[0].Value != 0 {
		t.Errorf("active_turns = %d, want 0 after start+end", activeSum.DataPoints[0].Value)
	}

	dur := findMetric(rm, "parley.turn.duration")
	if dur == nil {
		t.Fatal("turn.duration metric not found")
	}
	hist := dur.Data.(metricdata.Histogram[float64])
	if hist.DataPoints[0].Count != 1 {
		t.Errorf("turn.duration count = %d, want 1", hist.DataPoints[0].Count)
	}
	if got := hist.DataPoints[0].Sum; got < 1.19 || got > 1.21 {
		t.Errorf("turn.duration sum = %v, want ~1.2", got)
	}
}

func TestWireMetrics_RecordsToolAndError(t *testing.T) {
	m, reader := newTestMetrics(t)
	f := NewFabric(nil)
	WireMetrics(f, m)

	f.ToolCall(ToolCallInfo{Tool: "get_weather", Duration: 30 * time.Millisecond})
	f.ToolCall(ToolCallInfo{Tool: "get_weather", Duration: 10 * time.Millisecond, Err: errors.New("boom")})
	f.Error(ErrorInfo{Code: wire.CodeTTSError, Message: "synthesis failed"})

	rm := collect(t, reader)

	tools := findMetric(rm, "parley.tool.calls")
	if tools == nil {
		t.Fatal("tool.calls metric not found")
	}
	sum := tools.Data.(metricdata.Sum[int64])
	var okCount, errCount int64
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == "outcome" {
				switch kv.Value.AsString() {
				case "ok":
					okCount = dp.Value
				case "error":
					errCount = dp.Value
				}
			}
		}
	}
	if okCount != 1 || errCount != 1 {
		t.Errorf("tool calls ok/error = %d/%d, want 1/1", okCount, errCount)
	}

	errs := findMetric(rm, "parley.errors")
	if errs == nil {
		t.Fatal("errors metric not found")
	}
	errSum := errs.Data.(metricdata.Sum[int64])
	dp := errSum.DataPoints[0]
	if dp.Value != 1 {
		t.Errorf("errors = %d, want 1", dp.Value)
	}
	foundComponent := false
	for _, kv := range dp.Attributes.ToSlice() {
		if string(kv.Key) == "component" && kv.Value.AsString() == "tts" {
			foundComponent = true
		}
	}
	if !foundComponent {
		t.Error("errors counter missing component=tts attribute")
	}
}

func TestWireLogging_EmitsRecords(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	f := NewFabric(nil)
	WireLogging(f, log)

	f.TurnStart(TurnStartInfo{SessionID: "s1", Mode: "simple"})
	f.StageChange(StageChangeInfo{SessionID: "s1", From: "greeting", To: "triage", Reason: "intent matched"})
	f.TurnEnd(TurnEndInfo{SessionID: "s1", Mode: "simple", Duration: time.Second})

	out := buf.String()
	for _, want := range []string{"turn started", "stage change", "turn finished", "session_id=s1"} {
		if !bytes.Contains([]byte(out), []byte(want)) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}

// Hooks fire synchronously on the turn goroutine, so a metric hook must not
// require a live context.
func TestWireMetrics_WorksWithoutRequestContext(t *testing.T) {
	m, reader := newTestMetrics(t)
	f := NewFabric(nil)
	WireMetrics(f, m)

	f.ToolCall(ToolCallInfo{Tool: "get_weather", Duration: 80 * time.Millisecond})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if findMetric(rm, "parley.tool_execution.duration") == nil {
		t.Error("tool execution histogram not recorded")
	}
}
