// Package turn drives one captured utterance end to end: transcription,
// model completion with sentence-boundary synthesis dispatch, and paced
// audio delivery. [Pipeline] is the plain conversational runner;
// [PlaybookRunner] wraps the same machinery in a staged tool-calling loop.
//
// Both runners emit their progress as a stream of [Event] values. A turn's
// stream always terminates: cleanly with TTSComplete, aborted with
// TTSCancelled, or failed with ErrorEvent, and the channel closes
// afterward. Turns on the same session are serialized by the session's
// turn slot, so a second utterance waits for the first to unwind instead
// of being dropped.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/parley-ai/parley/internal/observe"
	"github.com/parley-ai/parley/internal/resilience"
	"github.com/parley-ai/parley/internal/session"
	"github.com/parley-ai/parley/internal/transcript"
	"github.com/parley-ai/parley/internal/utterance"
	"github.com/parley-ai/parley/internal/wire"
	"github.com/parley-ai/parley/pkg/audio"
	"github.com/parley-ai/parley/pkg/provider/llm"
	"github.com/parley-ai/parley/pkg/provider/stt"
	"github.com/parley-ai/parley/pkg/provider/tts"
	"github.com/parley-ai/parley/pkg/provider/vision"
)

// defaultEventBuf is the depth of a turn's event channel. Sized to absorb
// a sentence of audio chunks without blocking the producer on a slow
// forwarder.
const defaultEventBuf = 32

// Turn modes as they appear in observations and metrics.
const (
	modeSimple   = "simple"
	modePlaybook = "playbook"
)

// Runner is the session-facing entry point shared by the simple pipeline
// and the playbook runner.
type Runner interface {
	// RunTurn processes one utterance. The returned channel carries the
	// turn's events and is closed when the turn completes, fails, or is
	// cancelled. The caller must drain the channel until it closes, even
	// after cancelling ctx, or the producer goroutine leaks.
	RunTurn(ctx context.Context, utt *utterance.Utterance) (<-chan Event, error)
}

// Config assembles a [Pipeline]'s collaborators.
type Config struct {
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider

	// Session supplies the conversation history, turn serialization and
	// the barge-in cancel slot.
	Session *session.Session

	// SystemPrompt seeds the history's system message. The playbook
	// runner ignores it and derives the prompt per stage instead.
	SystemPrompt string

	// Model, Temperature and MaxTokens shape completion requests. Zero
	// values keep the provider defaults. In playbook mode they act as
	// fallbacks beneath stage overrides.
	Model       string
	Temperature float64
	MaxTokens   int

	// Corrector rewrites recognized text before it reaches the model.
	// Optional.
	Corrector *transcript.Corrector

	// Chunker overrides the default sentence-boundary rule. Optional.
	Chunker Chunker

	// Describer renders image attachments as text for models without
	// native vision. Optional; without it such attachments are dropped.
	Describer vision.Describer

	// Sink receives the paced outbound frames. Nil skips the feed; audio
	// still reaches the client through TTSChunk events.
	Sink audio.FrameWriter

	// Fabric receives lifecycle observations. Nil means unobserved.
	Fabric *observe.Fabric

	// Retry tunes the LLM retry envelope. Zero values use the resilience
	// defaults.
	Retry resilience.RetryConfig

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Pipeline runs plain conversational turns: transcript in, one streamed
// assistant reply out, sentences cut for synthesis as they complete.
//
// A Pipeline is safe for concurrent use; overlapping RunTurn calls on the
// same session serialize on the session's turn slot.
type Pipeline struct {
	stt  stt.Provider
	llm  llm.Provider
	tts  tts.Provider
	sess *session.Session

	systemPrompt string
	model        string
	temperature  float64
	maxTokens    int

	corrector *transcript.Corrector
	chunker   Chunker
	describer vision.Describer
	sink      audio.FrameWriter
	fabric    *observe.Fabric
	retry     resilience.RetryConfig
	log       *slog.Logger
}

var _ Runner = (*Pipeline)(nil)

// New creates a Pipeline. STT, LLM, TTS and Session are required; all
// violations are reported together.
func New(cfg Config) (*Pipeline, error) {
	var errs []error
	if cfg.STT == nil {
		errs = append(errs, errors.New("turn: stt provider is required"))
	}
	if cfg.LLM == nil {
		errs = append(errs, errors.New("turn: llm provider is required"))
	}
	if cfg.TTS == nil {
		errs = append(errs, errors.New("turn: tts provider is required"))
	}
	if cfg.Session == nil {
		errs = append(errs, errors.New("turn: session is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	fabric := cfg.Fabric
	if fabric == nil {
		fabric = observe.NewFabric(log)
	}
	retry := cfg.Retry
	if retry.Logger == nil {
		retry.Logger = log
	}

	return &Pipeline{
		stt:          cfg.STT,
		llm:          cfg.LLM,
		tts:          cfg.TTS,
		sess:         cfg.Session,
		systemPrompt: cfg.SystemPrompt,
		model:        cfg.Model,
		temperature:  cfg.Temperature,
		maxTokens:    cfg.MaxTokens,
		corrector:    cfg.Corrector,
		chunker:      cfg.Chunker,
		describer:    cfg.Describer,
		sink:         cfg.Sink,
		fabric:       fabric,
		retry:        retry,
		log:          log,
	}, nil
}

// RunTurn implements [Runner].
func (p *Pipeline) RunTurn(ctx context.Context, utt *utterance.Utterance) (<-chan Event, error) {
	if utt == nil {
		return nil, errors.New("turn: nil utterance")
	}
	out := make(chan Event, defaultEventBuf)
	go p.runShell(ctx, out, modeSimple, func(ctx context.Context) error {
		return p.turn(ctx, utt, out)
	})
	return out, nil
}

// runShell wraps one turn with the slot acquisition, cancel registration,
// panic isolation and the begin/end observations shared by both runners.
func (p *Pipeline) runShell(ctx context.Context, out chan<- Event, mode string, body func(ctx context.Context) error) {
	defer close(out)
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("turn panicked", "session_id", p.sess.ID, "panic", r)
			msg := fmt.Sprintf("turn panicked: %v", r)
			p.fabric.Error(observe.ErrorInfo{SessionID: p.sess.ID, Code: wire.CodeInternalError, Message: msg})
			emitTerminal(out, ErrorEvent{Code: wire.CodeInternalError, Message: msg})
		}
	}()

	release, err := p.sess.BeginTurn(ctx)
	if err != nil {
		// Cancelled while queued behind another turn; nothing started.
		return
	}
	defer release()
	p.sess.Touch()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.sess.SetCancelTurn(cancel)
	defer p.sess.SetCancelTurn(nil)
	defer p.sess.SetTTSActive(false)

	start := time.Now()
	p.fabric.TurnStart(observe.TurnStartInfo{SessionID: p.sess.ID, Mode: mode})
	err = body(ctx)
	p.fabric.TurnEnd(observe.TurnEndInfo{
		SessionID: p.sess.ID,
		Mode:      mode,
		Duration:  time.Since(start),
		Err:       err,
	})
}

// turn funnels every exit of the simple flow through the cancellation
// check, so an aborted synthesis closes with exactly one TTSCancelled.
func (p *Pipeline) turn(ctx context.Context, utt *utterance.Utterance, out chan<- Event) error {
	sp := p.newSpeaker(out)
	err := p.process(ctx, utt, out, sp)
	if ctx.Err() != nil {
		sp.cancelled()
		return ctx.Err()
	}
	return err
}

func (p *Pipeline) process(ctx context.Context, utt *utterance.Utterance, out chan<- Event, sp *speaker) error {
	text, err := p.stepSTT(ctx, utt, out)
	if err != nil || text == "" {
		return err
	}

	hist := p.sess.History()
	hist.EnsureSystem(p.systemPrompt)
	hist.Append(p.userMessage(ctx, text, utt.Attachments))

	req := llm.CompletionRequest{
		Messages:    hist.Window(),
		Model:       p.model,
		Temperature: p.temperature,
		MaxTokens:   p.maxTokens,
	}
	llmStart := time.Now()

	if !p.llm.Capabilities().SupportsStreaming {
		return p.blockingReply(ctx, req, out, sp, llmStart)
	}

	assembled, err := p.streamReply(ctx, req, out, sp, llmStart)
	if assembled != "" {
		// Whatever was generated stays in context, even when the turn is
		// cut short; the caller heard at least part of it.
		hist.Append(llm.Message{Role: llm.RoleAssistant, Content: assembled})
	}
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

	p.fabric.LLMComplete(observe.LLMCompleteInfo{
		SessionID: p.sess.ID,
		Text:      assembled,
		Duration:  time.Since(llmStart),
	})
	if !emit(ctx, out, LLMFinal{Text: assembled}) {
		return ctx.Err()
	}
	if err := sp.finish(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return failTurn(p.fabric, p.sess.ID, out, wire.CodeTTSError, err)
	}
	return nil
}

// stepSTT transcribes the utterance, applies hotword correction, and emits
// the transcript. An empty transcript ends the turn early: the event
// stream closes cleanly with TTSComplete and no model call is made.
func (p *Pipeline) stepSTT(ctx context.Context, utt *utterance.Utterance, out chan<- Event) (string, error) {
	text, err := p.stt.Transcribe(ctx, utt.WAV)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", failTurn(p.fabric, p.sess.ID, out, wire.CodeSTTError, fmt.Errorf("turn: transcribe: %w", err))
	}
	if p.corrector != nil {
		corrected, changes := p.corrector.Correct(text)
		if len(changes) > 0 {
			p.log.Debug("hotword corrections applied", "session_id", p.sess.ID, "count", len(changes))
		}
		text = corrected
	}
	text = strings.TrimSpace(text)

	if !emit(ctx, out, Transcript{Text: text, Final: true}) {
		return "", ctx.Err()
	}
	p.fabric.Transcript(observe.TranscriptInfo{SessionID: p.sess.ID, Text: text, Final: true})

	if text == "" {
		emit(ctx, out, TTSComplete{})
	}
	return text, nil
}

// userMessage builds the turn's user entry. Attachments ride the message
// when the model takes images natively. Otherwise each one is rendered to
// a text note by the describer, or dropped when none is configured.
func (p *Pipeline) userMessage(ctx context.Context, text string, atts []llm.VisionAttachment) llm.Message {
	msg := llm.Message{Role: llm.RoleUser, Content: text}
	if len(atts) == 0 {
		return msg
	}
	if vision.Supported(p.llm) {
		msg.Attachments = atts
		return msg
	}
	if p.describer == nil {
		p.log.Warn("dropping image attachments, model has no vision and no describer is configured",
			"session_id", p.sess.ID, "count", len(atts))
		return msg
	}

	var sb strings.Builder
	sb.WriteString(text)
	for _, att := range atts {
		desc, err := p.describer.Describe(ctx, att)
		if err != nil {
			p.log.Warn("image description failed",
				"session_id", p.sess.ID, "describer", p.describer.Name(), "error", err)
			continue
		}
		sb.WriteString("\n[Image: ")
		sb.WriteString(desc)
		sb.WriteString("]")
	}
	msg.Content = sb.String()
	return msg
}

// blockingReply handles providers without a streaming method: one blocking
// completion, then synthesis of the whole reply sentence by sentence.
func (p *Pipeline) blockingReply(ctx context.Context, req llm.CompletionRequest, out chan<- Event, sp *speaker, llmStart time.Time) error {
	resp, err := resilience.Retry(ctx, p.retry, "complete", func(ctx context.Context) (*llm.CompletionResponse, error) {
		return p.llm.Complete(ctx, req)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return failTurn(p.fabric, p.sess.ID, out, wire.CodeLLMError, fmt.Errorf("turn: llm: %w", err))
	}

	p.sess.History().Append(llm.Message{Role: llm.RoleAssistant, Content: resp.Content})
	p.fabric.LLMComplete(observe.LLMCompleteInfo{
		SessionID: p.sess.ID,
		Text:      resp.Content,
		Duration:  time.Since(llmStart),
	})
	if !emit(ctx, out, LLMFinal{Text: resp.Content}) {
		return ctx.Err()
	}

	if err := speakAll(ctx, sp, p.chunker, resp.Content); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return failTurn(p.fabric, p.sess.ID, out, wire.CodeTTSError, err)
	}
	if err := sp.finish(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return failTurn(p.fabric, p.sess.ID, out, wire.CodeTTSError, err)
	}
	return nil
}

// streamReply consumes the completion stream, emitting a delta per chunk
// and cutting completed sentences for synthesis as they arrive. It returns
// the assembled reply so far; the caller owns the history append and the
// terminal events.
func (p *Pipeline) streamReply(ctx context.Context, req llm.CompletionRequest, out chan<- Event, sp *speaker, llmStart time.Time) (string, error) {
	ch, err := resilience.Retry(ctx, p.retry, "stream", func(ctx context.Context) (<-chan llm.Chunk, error) {
		return p.llm.StreamCompletion(ctx, req)
	})
	if err != nil {
		return "", fmt.Errorf("turn: llm stream: %w", err)
	}

	var assembled, pending string
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
				pending += chunk.Text
				if !emit(ctx, out, LLMDelta{Content: chunk.Text}) {
					go drain(ch)
					return assembled, ctx.Err()
				}

				var complete []string
				complete, pending = segment(p.chunker, pending)
				for _, sentence := range complete {
					if t := strings.TrimSpace(sentence); t != "" {
						if err := sp.speak(ctx, t); err != nil {
							go drain(ch)
							return assembled, err
						}
					}
				}
			}
			if chunk.FinishReason != "" {
				go drain(ch)
				break stream
			}
		}
	}

	if t := strings.TrimSpace(pending); t != "" {
		if err := sp.speak(ctx, t); err != nil {
			return assembled, err
		}
	}
	return assembled, nil
}

func (p *Pipeline) newSpeaker(out chan<- Event) *speaker {
	sp := &speaker{
		tts:    p.tts,
		sess:   p.sess,
		fabric: p.fabric,
		log:    p.log,
		out:    out,
	}
	if p.sink != nil {
		sp.feeder = audio.NewFeeder(p.sink)
	}
	return sp
}

// speakAll synthesizes a complete reply sentence by sentence.
func speakAll(ctx context.Context, sp *speaker, chunker Chunker, text string) error {
	for _, sentence := range segmentAll(chunker, text) {
		t := strings.TrimSpace(sentence)
		if t == "" {
			continue
		}
		if err := sp.speak(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// failTurn publishes a terminal classified error on both the fabric and
// the event stream and returns err for the turn record.
func failTurn(fabric *observe.Fabric, sessionID string, out chan<- Event, code wire.ErrorCode, err error) error {
	fabric.Error(observe.ErrorInfo{SessionID: sessionID, Code: code, Message: err.Error()})
	emitTerminal(out, ErrorEvent{Code: code, Message: err.Error()})
	return err
}
