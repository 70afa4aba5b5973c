package llm_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/parley-ai/parley/pkg/provider/llm"
)

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	status := func(code int) error {
		return &llm.ProviderError{Provider: "test", StatusCode: code, Err: errors.New("boom")}
	}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context cancelled", context.Canceled, false},
		{"context deadline", context.DeadlineExceeded, true},
		{"wrapped cancelled", fmt.Errorf("llm call: %w", context.Canceled), false},
		{"bad request", status(400), false},
		{"unauthorized", status(401), false},
		{"forbidden", status(403), false},
		{"not found", status(404), false},
		{"unprocessable", status(422), false},
		{"request timeout", status(408), true},
		{"rate limited", status(429), true},
		{"server error", status(500), true},
		{"bad gateway", status(502), true},
		{"service unavailable", status(503), true},
		{"wrapped provider error", fmt.Errorf("turn: %w", status(401)), false},
		{"connection reset string", errors.New("read tcp: connection reset by peer"), true},
		{"unknown error", errors.New("something odd"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := llm.IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestProviderErrorUnwrap(t *testing.T) {
	t.Parallel()

	inner := errors.New("inner")
	pe := &llm.ProviderError{Provider: "openai", StatusCode: 503, Err: inner}
	if !errors.Is(pe, inner) {
		t.Error("ProviderError should unwrap to inner error")
	}
	if got := pe.Error(); got != "openai: status 503: inner" {
		t.Errorf("Error() = %q", got)
	}

	noStatus := &llm.ProviderError{Provider: "anyllm", Err: inner}
	if got := noStatus.Error(); got != "anyllm: inner" {
		t.Errorf("Error() without status = %q", got)
	}
}

func TestChunkStopReason(t *testing.T) {
	t.Parallel()

	tests := []struct {
		finish string
		want   llm.StopReason
	}{
		{"stop", llm.StopEndTurn},
		{"", llm.StopEndTurn},
		{"tool_calls", llm.StopToolUse},
		{"tool_use", llm.StopToolUse},
		{"length", llm.StopMaxTokens},
		{"max_tokens", llm.StopMaxTokens},
	}
	for _, tt := range tests {
		c := llm.Chunk{FinishReason: tt.finish}
		if got := c.StopReason(); got != tt.want {
			t.Errorf("Chunk{FinishReason: %q}.StopReason() = %q, want %q", tt.finish, got, tt.want)
		}
	}
}
