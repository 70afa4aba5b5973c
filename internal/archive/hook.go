package archive

import (
	"context"

	"github.com/parley-ai/parley/internal/observe"
)

// turnDraft accumulates one in-flight turn per session between the turn's
// start and end hooks.
type turnDraft struct {
	mode       string
	transcript string
	reply      string
	toolCalls  int
}

// Attach subscribes the archive to the observation fabric. Each finished
// turn with a final transcript is written in a background goroutine bounded
// by the configured record timeout; failures are logged, never surfaced to
// the turn. Call before the fabric starts publishing.
func (a *Archive) Attach(fabric *observe.Fabric) {
	fabric.OnTurnStart(func(info observe.TurnStartInfo) {
		a.draftMu.Lock()
		a.drafts[info.SessionID] = &turnDraft{mode: info.Mode}
		a.draftMu.Unlock()
	})

	fabric.OnTranscript(func(info observe.TranscriptInfo) {
		if !info.Final {
			return
		}
		a.draftMu.Lock()
		if d := a.drafts[info.SessionID]; d != nil {
			d.transcript = info.Text
		}
		a.draftMu.Unlock()
	})

	fabric.OnLLMComplete(func(info observe.LLMCompleteInfo) {
		a.draftMu.Lock()
		if d := a.drafts[info.SessionID]; d != nil {
			d.reply = info.Text
		}
		a.draftMu.Unlock()
	})

	fabric.OnToolCall(func(info observe.ToolCallInfo) {
		a.draftMu.Lock()
		if d := a.drafts[info.SessionID]; d != nil {
			d.toolCalls++
		}
		a.draftMu.Unlock()
	})

	fabric.OnTurnEnd(func(info observe.TurnEndInfo) {
		a.draftMu.Lock()
		d := a.drafts[info.SessionID]
		delete(a.drafts, info.SessionID)
		a.draftMu.Unlock()

		// Turns that never produced a transcript (gate noise, STT
		// failure, barge-in before recognition) leave nothing worth
		// archiving.
		if d == nil || d.transcript == "" {
			return
		}

		turn := Turn{
			SessionID:  info.SessionID,
			Mode:       d.mode,
			Transcript: d.transcript,
			Reply:      d.reply,
			ToolCalls:  d.toolCalls,
			Duration:   info.Duration,
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
			defer cancel()
			if err := a.RecordTurn(ctx, turn); err != nil {
				a.log.Warn("turn archive write failed",
					"session_id", turn.SessionID, "error", err)
			}
		}()
	})
}
