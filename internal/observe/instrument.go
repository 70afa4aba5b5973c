package observe

import (
	"context"
	"time"

	"github.com/parley-ai/parley/pkg/provider/llm"
	"github.com/parley-ai/parley/pkg/provider/stt"
	"github.com/parley-ai/parley/pkg/provider/tts"
)

// InstrumentLLM wraps p so every call records duration histograms and
// request/error counters to m. Streamed completions additionally record
// first-token latency.
func InstrumentLLM(p llm.Provider, m *Metrics) llm.Provider {
	return &instrumentedLLM{next: p, metrics: m}
}

// InstrumentSTT wraps p so every transcription records its duration and
// request/error counters to m.
func InstrumentSTT(p stt.Provider, m *Metrics) stt.Provider {
	return &instrumentedSTT{next: p, metrics: m}
}

// InstrumentTTS wraps p so every synthesis records duration, first-chunk
// latency and request/error counters to m.
func InstrumentTTS(p tts.Provider, m *Metrics) tts.Provider {
	return &instrumentedTTS{next: p, metrics: m}
}

type instrumentedLLM struct {
	next    llm.Provider
	metrics *Metrics
}

var _ llm.Provider = (*instrumentedLLM)(nil)

func (i *instrumentedLLM) Name() string { return i.next.Name() }

func (i *instrumentedLLM) Capabilities() llm.ModelCapabilities { return i.next.Capabilities() }

func (i *instrumentedLLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	start := time.Now()
	resp, err := i.next.Complete(ctx, req)
	i.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		i.metrics.RecordProviderError(ctx, i.next.Name(), "llm")
		i.metrics.RecordProviderRequest(ctx, i.next.Name(), "llm", "error")
		return nil, err
	}
	i.metrics.RecordProviderRequest(ctx, i.next.Name(), "llm", "ok")
	return resp, nil
}

func (i *instrumentedLLM) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	start := time.Now()
	ch, err := i.next.StreamCompletion(ctx, req)
	if err != nil {
		i.metrics.RecordProviderError(ctx, i.next.Name(), "llm")
		i.metrics.RecordProviderRequest(ctx, i.next.Name(), "llm", "error")
		return nil, err
	}

	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		first := true
		status := "ok"
		for chunk := range ch {
			if first {
				i.metrics.LLMFirstTokenDuration.Record(ctx, time.Since(start).Seconds())
				first = false
			}
			if chunk.Err != nil {
				status = "error"
				i.metrics.RecordProviderError(ctx, i.next.Name(), "llm")
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
		i.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
		i.metrics.RecordProviderRequest(ctx, i.next.Name(), "llm", status)
	}()
	return out, nil
}

type instrumentedSTT struct {
	next    stt.Provider
	metrics *Metrics
}

var _ stt.Provider = (*instrumentedSTT)(nil)

func (i *instrumentedSTT) Name() string { return i.next.Name() }

func (i *instrumentedSTT) Transcribe(ctx context.Context, wav []byte) (string, error) {
	start := time.Now()
	text, err := i.next.Transcribe(ctx, wav)
	i.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		i.metrics.RecordProviderError(ctx, i.next.Name(), "stt")
		i.metrics.RecordProviderRequest(ctx, i.next.Name(), "stt", "error")
		return "", err
	}
	i.metrics.RecordProviderRequest(ctx, i.next.Name(), "stt", "ok")
	return text, nil
}

type instrumentedTTS struct {
	next    tts.Provider
	metrics *Metrics
}

var _ tts.Provider = (*instrumentedTTS)(nil)

func (i *instrumentedTTS) Name() string { return i.next.Name() }

func (i *instrumentedTTS) SampleRate() int { return i.next.SampleRate() }

func (i *instrumentedTTS) Speak(ctx context.Context, text string) ([]byte, error) {
	start := time.Now()
	pcm, err := i.next.Speak(ctx, text)
	i.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		i.metrics.RecordProviderError(ctx, i.next.Name(), "tts")
		i.metrics.RecordProviderRequest(ctx, i.next.Name(), "tts", "error")
		return nil, err
	}
	i.metrics.RecordProviderRequest(ctx, i.next.Name(), "tts", "ok")
	return pcm, nil
}

func (i *instrumentedTTS) SpeakStream(ctx context.Context, text string) (<-chan tts.Chunk, error) {
	start := time.Now()
	ch, err := i.next.SpeakStream(ctx, text)
	if err != nil {
		i.metrics.RecordProviderError(ctx, i.next.Name(), "tts")
		i.metrics.RecordProviderRequest(ctx, i.next.Name(), "tts", "error")
		return nil, err
	}

	out := make(chan tts.Chunk)
	go func() {
		defer close(out)
		first := true
		status := "ok"
		for chunk := range ch {
			if first {
				i.metrics.TTSFirstChunkDuration.Record(ctx, time.Since(start).Seconds())
				first = false
			}
			if chunk.Err != nil {
				status = "error"
				i.metrics.RecordProviderError(ctx, i.next.Name(), "tts")
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
		i.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
		i.metrics.RecordProviderRequest(ctx, i.next.Name(), "tts", status)
	}()
	return out, nil
}
