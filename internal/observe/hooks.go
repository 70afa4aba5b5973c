package observe

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/parley-ai/parley/internal/wire"
)

// TurnStartInfo describes a turn that just began.
type TurnStartInfo struct {
	SessionID string
	// Mode is "simple" or "playbook".
	Mode string
}

// TurnEndInfo describes a finished turn, successful or not.
type TurnEndInfo struct {
	SessionID string
	Mode      string
	Duration  time.Duration
	// Err is nil for a clean turn, context.Canceled for a barge-in, or the
	// capability error that terminated the turn.
	Err error
}

// TranscriptInfo carries one STT result.
type TranscriptInfo struct {
	SessionID string
	Text      string
	Final     bool
}

// LLMFirstTokenInfo marks the arrival of the first streamed LLM token.
type LLMFirstTokenInfo struct {
	SessionID string
	Latency   time.Duration
}

// LLMCompleteInfo carries the assembled LLM reply.
type LLMCompleteInfo struct {
	SessionID string
	Text      string
	Duration  time.Duration
}

// TTSStartInfo marks the beginning of the synthesis phase.
type TTSStartInfo struct {
	SessionID string
}

// TTSCompleteInfo describes a finished synthesis phase.
type TTSCompleteInfo struct {
	SessionID string
	// Duration spans the whole phase, first sentence dispatch to last chunk.
	Duration time.Duration
	// FirstChunkLatency is the wait before the first audible chunk.
	FirstChunkLatency time.Duration
}

// TTSCancelledInfo marks a synthesis phase aborted mid-flight.
type TTSCancelledInfo struct {
	SessionID string
}

// ToolCallInfo describes one completed tool invocation.
type ToolCallInfo struct {
	SessionID string
	Tool      string
	CallID    string
	Duration  time.Duration
	Err       error
}

// StageChangeInfo describes a playbook stage transition.
type StageChangeInfo struct {
	SessionID string
	From      string
	To        string
	Reason    string
}

// ErrorInfo describes a terminal turn error.
type ErrorInfo struct {
	SessionID string
	Code      wire.ErrorCode
	Message   string
}

// Fabric is the publish side of turn observability. The supervisor emits one
// call per lifecycle point; subscribers (metric recording, logging, external
// integrations) register interest per point. A subscriber that panics is
// logged and skipped, so a broken observer can never take down a turn.
//
// Registration is expected at startup; emitting and registering concurrently
// is safe but late subscribers miss earlier events.
type Fabric struct {
	log *slog.Logger

	mu            sync.RWMutex
	turnStart     []func(TurnStartInfo)
	turnEnd       []func(TurnEndInfo)
	transcript    []func(TranscriptInfo)
	llmFirstToken []func(LLMFirstTokenInfo)
	llmComplete   []func(LLMCompleteInfo)
	ttsStart      []func(TTSStartInfo)
	ttsComplete   []func(TTSCompleteInfo)
	ttsCancelled  []func(TTSCancelledInfo)
	toolCall      []func(ToolCallInfo)
	stageChange   []func(StageChangeInfo)
	turnError     []func(ErrorInfo)
}

// NewFabric creates an empty fabric. A nil logger falls back to
// [slog.Default].
func NewFabric(logger *slog.Logger) *Fabric {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fabric{log: logger}
}

// dispatch invokes every hook with v, isolating panics per hook.
func dispatch[T any](log *slog.Logger, point string, hooks []func(T), v T) {
	for _, h := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("hook panicked", "hook", point, "panic", r)
				}
			}()
			h(v)
		}()
	}
}

// snapshot returns the current hook slice for one point under the read lock.
func snapshot[T any](f *Fabric, hooks *[]func(T)) []func(T) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return *hooks
}

// OnTurnStart registers a hook for turn begin.
func (f *Fabric) OnTurnStart(fn func(TurnStartInfo)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turnStart = append(f.turnStart, fn)
}

// OnTurnEnd registers a hook for turn completion.
func (f *Fabric) OnTurnEnd(fn func(TurnEndInfo)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turnEnd = append(f.turnEnd, fn)
}

// OnTranscript registers a hook for STT results.
func (f *Fabric) OnTranscript(fn func(TranscriptInfo)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcript = append(f.transcript, fn)
}

// OnLLMFirstToken registers a hook for first-token arrival.
func (f *Fabric) OnLLMFirstToken(fn func(LLMFirstTokenInfo)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.llmFirstToken = append(f.llmFirstToken, fn)
}

// OnLLMComplete registers a hook for assembled LLM replies.
func (f *Fabric) OnLLMComplete(fn func(LLMCompleteInfo)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.llmComplete = append(f.llmComplete, fn)
}

// OnTTSStart registers a hook for synthesis begin.
func (f *Fabric) OnTTSStart(fn func(TTSStartInfo)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ttsStart = append(f.ttsStart, fn)
}

// OnTTSComplete registers a hook for synthesis completion.
func (f *Fabric) OnTTSComplete(fn func(TTSCompleteInfo)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ttsComplete = append(f.ttsComplete, fn)
}

// OnTTSCancelled registers a hook for aborted synthesis.
func (f *Fabric) OnTTSCancelled(fn func(TTSCancelledInfo)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ttsCancelled = append(f.ttsCancelled, fn)
}

// OnToolCall registers a hook for completed tool invocations.
func (f *Fabric) OnToolCall(fn func(ToolCallInfo)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toolCall = append(f.toolCall, fn)
}

// OnStageChange registers a hook for playbook stage transitions.
func (f *Fabric) OnStageChange(fn func(StageChangeInfo)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stageChange = append(f.stageChange, fn)
}

// OnError registers a hook for terminal turn errors.
func (f *Fabric) OnError(fn func(ErrorInfo)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turnError = append(f.turnError, fn)
}

// TurnStart publishes a turn begin.
func (f *Fabric) TurnStart(info TurnStartInfo) {
	dispatch(f.log, "turn_start", snapshot(f, &f.turnStart), info)
}

// TurnEnd publishes a turn completion.
func (f *Fabric) TurnEnd(info TurnEndInfo) {
	dispatch(f.log, "turn_end", snapshot(f, &f.turnEnd), info)
}

// Transcript publishes an STT result.
func (f *Fabric) Transcript(info TranscriptInfo) {
	dispatch(f.log, "transcript", snapshot(f, &f.transcript), info)
}

// LLMFirstToken publishes first-token arrival.
func (f *Fabric) LLMFirstToken(info LLMFirstTokenInfo) {
	dispatch(f.log, "llm_first_token", snapshot(f, &f.llmFirstToken), info)
}

// LLMComplete publishes the assembled LLM reply.
func (f *Fabric) LLMComplete(info LLMCompleteInfo) {
	dispatch(f.log, "llm_complete", snapshot(f, &f.llmComplete), info)
}

// TTSStart publishes synthesis begin.
func (f *Fabric) TTSStart(info TTSStartInfo) {
	dispatch(f.log, "tts_start", snapshot(f, &f.ttsStart), info)
}

// TTSComplete publishes synthesis completion.
func (f *Fabric) TTSComplete(info TTSCompleteInfo) {
	dispatch(f.log, "tts_complete", snapshot(f, &f.ttsComplete), info)
}

// TTSCancelled publishes an aborted synthesis.
func (f *Fabric) TTSCancelled(info TTSCancelledInfo) {
	dispatch(f.log, "tts_cancelled", snapshot(f, &f.ttsCancelled), info)
}

// ToolCall publishes a completed tool invocation.
func (f *Fabric) ToolCall(info ToolCallInfo) {
	dispatch(f.log, "tool_call", snapshot(f, &f.toolCall), info)
}

// StageChange publishes a playbook stage transition.
func (f *Fabric) StageChange(info StageChangeInfo) {
	dispatch(f.log, "stage_change", snapshot(f, &f.stageChange), info)
}

// Error publishes a terminal turn error.
func (f *Fabric) Error(info ErrorInfo) {
	dispatch(f.log, "error", snapshot(f, &f.turnError), info)
}

// WireMetrics registers hooks on f that record turn-level metrics to m.
// Provider-path histograms (stt/llm/tts durations, first token, first chunk)
// belong to the instrumentation wrappers so each quantity has one owner.
// BargeIns is not wired here either: a cancelled synthesis can also come
// from a disconnect, so the supervisor counts barge-ins explicitly.
func WireMetrics(f *Fabric, m *Metrics) {
	ctx := context.Background()

	f.OnTurnStart(func(info TurnStartInfo) {
		m.ActiveTurns.Add(ctx, 1)
	})
	f.OnTurnEnd(func(info TurnEndInfo) {
		m.ActiveTurns.Add(ctx, -1)
		m.TurnDuration.Record(ctx, info.Duration.Seconds())
		m.RecordTurn(ctx, info.Mode)
	})
	f.OnToolCall(func(info ToolCallInfo) {
		m.ToolExecutionDuration.Record(ctx, info.Duration.Seconds())
		outcome := "ok"
		if info.Err != nil {
			outcome = "error"
		}
		m.RecordToolCall(ctx, info.Tool, outcome)
	})
	f.OnError(func(info ErrorInfo) {
		m.RecordError(ctx, info.Code.Component())
	})
}

// WireLogging registers hooks on f that write one debug or info record per
// observation point, giving a complete turn trace at debug level.
func WireLogging(f *Fabric, log *slog.Logger) {
	f.OnTurnStart(func(info TurnStartInfo) {
		log.Debug("turn started", "session_id", info.SessionID, "mode", info.Mode)
	})
	f.OnTurnEnd(func(info TurnEndInfo) {
		log.Info("turn finished",
			"session_id", info.SessionID,
			"mode", info.Mode,
			"duration", info.Duration,
			"error", info.Err)
	})
	f.OnTranscript(func(info TranscriptInfo) {
		log.Debug("transcript", "session_id", info.SessionID, "text", info.Text, "final", info.Final)
	})
	f.OnLLMFirstToken(func(info LLMFirstTokenInfo) {
		log.Debug("llm first token", "session_id", info.SessionID, "latency", info.Latency)
	})
	f.OnLLMComplete(func(info LLMCompleteInfo) {
		log.Debug("llm complete", "session_id", info.SessionID, "duration", info.Duration)
	})
	f.OnTTSCancelled(func(info TTSCancelledInfo) {
		log.Debug("tts cancelled", "session_id", info.SessionID)
	})
	f.OnToolCall(func(info ToolCallInfo) {
		log.Debug("tool call finished",
			"session_id", info.SessionID,
			"tool", info.Tool,
			"call_id", info.CallID,
			"duration", info.Duration,
			"error", info.Err)
	})
	f.OnStageChange(func(info StageChangeInfo) {
		log.Info("stage change",
			"session_id", info.SessionID,
			"from", info.From,
			"to", info.To,
			"reason", info.Reason)
	})
	f.OnError(func(info ErrorInfo) {
		log.Warn("turn error",
			"session_id", info.SessionID,
			"code", string(info.Code),
			"message", info.Message)
	})
}
