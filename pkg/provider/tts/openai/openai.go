// Package openai provides an OpenAI-backed TTS provider using the speech
// synthesis endpoint. Audio is requested as raw PCM (24 kHz mono 16-bit),
// which matches what the playback pacer expects without transcoding.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/parley-ai/parley/pkg/provider/tts"
)

const (
	defaultModel = "gpt-4o-mini-tts"
	defaultVoice = "alloy"

	// The "pcm" response format is fixed at 24 kHz mono 16-bit.
	pcmSampleRate = 24000

	// streamChunkSize is the read size used when relaying streamed audio.
	streamChunkSize = 4096
)

// Compile-time assertion that Provider implements tts.Provider.
var _ tts.Provider = (*Provider)(nil)

// config holds optional settings applied via Options.
type config struct {
	baseURL string
	voice   string
	speed   float64
}

// Option is a functional option for configuring the OpenAI Provider.
type Option func(*config)

// WithBaseURL overrides the API endpoint, e.g. for a compatible proxy.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithVoice selects the synthesis voice (e.g., "alloy", "nova", "shimmer").
func WithVoice(voice string) Option {
	return func(c *config) {
		c.voice = voice
	}
}

// WithSpeed sets the speaking rate. Valid range is 0.25 to 4.0; zero leaves
// the server default in place.
func WithSpeed(speed float64) Option {
	return func(c *config) {
		c.speed = speed
	}
}

// Provider implements tts.Provider backed by the OpenAI speech API.
type Provider struct {
	client oai.Client
	model  string
	voice  string
	speed  float64
}

// New creates a new OpenAI speech Provider. apiKey and model must be
// non-empty; pass defaultModel-style values such as "gpt-4o-mini-tts" or
// "tts-1".
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	if model == "" {
		model = defaultModel
	}

	cfg := config{voice: defaultVoice}
	for _, o := range opts {
		o(&cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &Provider{
		client: oai.NewClient(reqOpts...),
		model:  model,
		voice:  cfg.voice,
		speed:  cfg.speed,
	}, nil
}

// Name implements tts.Provider.
func (p *Provider) Name() string { return "openai" }

// SampleRate implements tts.Provider.
func (p *Provider) SampleRate() int { return pcmSampleRate }

// buildParams assembles the speech request for the given sentence.
func (p *Provider) buildParams(text string) oai.AudioSpeechNewParams {
	params := oai.AudioSpeechNewParams{
		Input:          text,
		Model:          oai.SpeechModel(p.model),
		Voice:          oai.AudioSpeechNewParamsVoice(p.voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if p.speed > 0 {
		params.Speed = param.NewOpt(p.speed)
	}
	return params
}

// Speak synthesizes the sentence and returns the complete PCM.
func (p *Provider) Speak(ctx context.Context, text string) ([]byte, error) {
	resp, err := p.client.Audio.Speech.New(ctx, p.buildParams(text))
	if err != nil {
		return nil, fmt.Errorf("openai: speech: %w", err)
	}
	defer resp.Body.Close()

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai: read speech body: %w", err)
	}
	return pcm, nil
}

// SpeakStream synthesizes the sentence and relays the response body as PCM
// chunks while it downloads, so playback can start before synthesis finishes.
func (p *Provider) SpeakStream(ctx context.Context, text string) (<-chan tts.Chunk, error) {
	resp, err := p.client.Audio.Speech.New(ctx, p.buildParams(text))
	if err != nil {
		return nil, fmt.Errorf("openai: speech: %w", err)
	}

	ch := make(chan tts.Chunk, 64)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		buf := make([]byte, streamChunkSize)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				pcm := make([]byte, n)
				copy(pcm, buf[:n])
				select {
				case ch <- tts.Chunk{PCM: pcm}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					select {
					case ch <- tts.Chunk{Err: fmt.Errorf("openai: read speech stream: %w", err)}:
					case <-ctx.Done():
					}
				}
				return
			}
		}
	}()

	return ch, nil
}
