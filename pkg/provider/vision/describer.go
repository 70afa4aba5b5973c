package vision

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/parley-ai/parley/pkg/provider/llm"
)

// describePrompt instructs the captioning model. Replies are spoken back
// to the user eventually, so the prompt asks for prose, not markup.
const describePrompt = "Describe this image in one or two plain sentences. " +
	"Mention only what is visible. Do not add any preamble."

// describeMaxTokens caps a caption. Descriptions are injected into the
// conversation as text; a runaway caption would crowd out the history.
const describeMaxTokens = 150

// LLMDescriber captions images through a vision-capable chat model. It is
// the production [Describer]: a deployment without a multimodal primary
// model configures a second, vision-capable provider here.
type LLMDescriber struct {
	provider llm.Provider
	model    string
	prompt   string
}

var _ Describer = (*LLMDescriber)(nil)

// LLMDescriberOption customizes an [LLMDescriber].
type LLMDescriberOption func(*LLMDescriber)

// WithModel overrides the provider's default model for captioning requests.
func WithModel(model string) LLMDescriberOption {
	return func(d *LLMDescriber) { d.model = model }
}

// WithPrompt replaces the captioning instruction.
func WithPrompt(prompt string) LLMDescriberOption {
	return func(d *LLMDescriber) { d.prompt = prompt }
}

// NewLLMDescriber wraps a vision-capable provider as a [Describer]. A
// provider that does not take image input is rejected up front, not at
// the first Describe call.
func NewLLMDescriber(p llm.Provider, opts ...LLMDescriberOption) (*LLMDescriber, error) {
	if p == nil {
		return nil, errors.New("vision: describer provider is required")
	}
	if !Supported(p) {
		return nil, fmt.Errorf("vision: provider %s does not support image input", p.Name())
	}
	d := &LLMDescriber{provider: p, prompt: describePrompt}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Name implements [Describer].
func (d *LLMDescriber) Name() string {
	return "llm/" + d.provider.Name()
}

// Describe implements [Describer]. One blocking completion per image; the
// attachment travels alone so the caption cannot leak conversation state.
func (d *LLMDescriber) Describe(ctx context.Context, att llm.VisionAttachment) (string, error) {
	if err := Validate(att); err != nil {
		return "", err
	}
	resp, err := d.provider.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{{
			Role:        llm.RoleUser,
			Content:     d.prompt,
			Attachments: []llm.VisionAttachment{att},
		}},
		Model:     d.model,
		MaxTokens: describeMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("vision: describe: %w", err)
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", errors.New("vision: describe: model returned no text")
	}
	return text, nil
}
