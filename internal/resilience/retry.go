package resilience

import (
	"context"
	"log/slog"
	"time"

	"github.com/parley-ai/parley/pkg/provider/llm"
)

// Retry defaults.
const (
	defaultMaxRetries = 3
	defaultBaseDelay  = time.Second
)

// RetryConfig tunes [Retry]. Zero values are replaced with defaults.
type RetryConfig struct {
	// MaxRetries is the number of additional attempts after the first
	// failure (so MaxRetries=3 means at most 4 calls).
	MaxRetries int

	// BaseDelay is the wait before the first retry; each further retry
	// doubles it (1s, 2s, 4s, ...).
	BaseDelay time.Duration

	// Logger receives a warn record per retried attempt. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Retry runs fn with exponential backoff, retrying only errors that
// [llm.IsRetryable] classifies as transient. Client errors (bad request,
// auth, not found) and context cancellation return immediately. The backoff
// sleep aborts as soon as ctx is cancelled.
func Retry[T any](ctx context.Context, cfg RetryConfig, op string, fn func(context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()

	var zero T
	delay := cfg.BaseDelay
	for attempt := 0; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if attempt >= cfg.MaxRetries || !llm.IsRetryable(err) {
			return zero, err
		}

		cfg.Logger.Warn("retrying after transient failure",
			"op", op,
			"attempt", attempt+1,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}
