// Package resilience provides the retry and failover primitives the turn
// runners lean on: a smart retry for LLM calls ([Retry]), a three-state
// circuit breaker ([CircuitBreaker]), and an LLM provider chain
// ([LLMFallback]) that skips unhealthy backends. Only the LLM gets these;
// STT and TTS failures terminate the turn immediately.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker is
// open and the reset timeout has not elapsed.
var ErrCircuitOpen = errors.New("resilience: circuit breaker open")

// Breaker defaults.
const (
	defaultMaxFailures  = 5
	defaultResetTimeout = 30 * time.Second
	defaultProbes       = 3
)

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards all calls.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset
	// timeout elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. All
	// probes must succeed before the breaker closes again; any failure
	// re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds tuning knobs for a [CircuitBreaker]. Zero values are
// replaced with defaults.
type BreakerConfig struct {
	// Name labels the breaker in log messages and health reports.
	Name string

	// MaxFailures is the consecutive-failure count that opens the breaker.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration

	// Probes is how many consecutive successful half-open calls are needed
	// to close the breaker.
	Probes int

	// Logger receives state-change records. Defaults to slog.Default().
	Logger *slog.Logger
}

// CircuitBreaker implements the classic closed → open → half-open breaker.
// Safe for concurrent use.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	probes       int
	log          *slog.Logger

	mu           sync.Mutex
	state        State
	failures     int // consecutive failures while closed
	probeSuccess int // consecutive probe successes while half-open
	probeCalls   int // probes admitted in the current half-open window
	openedAt     time.Time
}

// NewCircuitBreaker creates a breaker from cfg.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaultResetTimeout
	}
	if cfg.Probes <= 0 {
		cfg.Probes = defaultProbes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		probes:       cfg.Probes,
		log:          cfg.Logger,
	}
}

// Execute runs fn if the breaker admits the call. In the open state it
// returns [ErrCircuitOpen] without calling fn.
func (b *CircuitBreaker) Execute(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case StateOpen:
		if time.Since(b.openedAt) < b.resetTimeout {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probeSuccess = 0
		b.probeCalls = 0
		b.log.Info("circuit breaker probing", "breaker", b.name)
	case StateHalfOpen:
		if b.probeCalls >= b.probes {
			// Probe budget spent; wait for the in-flight probes.
			b.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	probing := b.state == StateHalfOpen
	if probing {
		b.probeCalls++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure(probing)
	} else {
		b.onSuccess(probing)
	}
	return err
}

// onFailure updates state after a failed call. Caller holds b.mu.
func (b *CircuitBreaker) onFailure(probing bool) {
	if probing {
		b.state = StateOpen
		b.openedAt = time.Now()
		b.failures = b.maxFailures
		b.log.Warn("circuit breaker re-opened", "breaker", b.name)
		return
	}
	b.failures++
	if b.state == StateClosed && b.failures >= b.maxFailures {
		b.state = StateOpen
		b.openedAt = time.Now()
		b.log.Warn("circuit breaker opened",
			"breaker", b.name, "consecutive_failures", b.failures)
	}
}

// onSuccess updates state after a successful call. Caller holds b.mu.
func (b *CircuitBreaker) onSuccess(probing bool) {
	if probing {
		b.probeSuccess++
		if b.probeSuccess >= b.probes {
			b.state = StateClosed
			b.failures = 0
			b.log.Info("circuit breaker closed", "breaker", b.name)
		}
		return
	}
	b.failures = 0
}

// State returns the breaker's current state. An open breaker whose reset
// timeout has elapsed reports half-open; the transition itself happens on
// the next Execute.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.openedAt) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}
