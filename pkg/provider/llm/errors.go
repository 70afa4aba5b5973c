package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// ProviderError is a classified failure from an LLM backend. Adapters wrap
// transport and API errors in a ProviderError so callers can decide whether a
// retry is worthwhile via [IsRetryable].
type ProviderError struct {
	// Provider is the adapter name, e.g. "openai".
	Provider string

	// StatusCode is the HTTP status returned by the backend, or 0 when the
	// failure happened below the HTTP layer.
	StatusCode int

	// Err is the underlying error.
	Err error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsRetryable reports whether a completion that failed with err is worth
// retrying. Client mistakes (bad request, auth, not found) are terminal;
// rate limits, server errors, timeouts and connection resets are transient.
// Errors this function cannot classify default to retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	// A cancelled context means the caller gave up (barge-in, shutdown).
	// Retrying on their behalf would be wrong.
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pe *ProviderError
	if errors.As(err, &pe) && pe.StatusCode != 0 {
		switch pe.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return false
		case http.StatusRequestTimeout, http.StatusTooManyRequests:
			return true
		}
		if pe.StatusCode >= 500 {
			return true
		}
		// Other 4xx codes are still client-side problems.
		if pe.StatusCode >= 400 {
			return false
		}
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe") {
		return true
	}

	return true
}
