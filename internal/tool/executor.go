package tool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/parley-ai/parley/pkg/provider/llm"
)

// Executor defaults.
const (
	// DefaultMaxParallel bounds how many parallel-policy calls run at
	// once.
	DefaultMaxParallel = 10

	// DefaultCallTimeout is the per-call execution budget.
	DefaultCallTimeout = 30 * time.Second
)

// Result records the outcome of one tool call. The turn runner serializes
// it into the tool message appended to the conversation history.
type Result struct {
	CallID     string `json:"call_id"`
	ToolName   string `json:"tool_name"`
	Success    bool   `json:"success"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Meta identifies the batch a tool call belongs to. Handlers retrieve it
// with [MetaFromContext].
type Meta struct {
	SessionID string
	TurnID    string

	// Values carries arbitrary call-site metadata.
	Values map[string]any
}

type metaKey struct{}

// MetaFromContext returns the [Meta] injected by [Executor.Execute].
func MetaFromContext(ctx context.Context) (Meta, bool) {
	m, ok := ctx.Value(metaKey{}).(Meta)
	return m, ok
}

// ExecutorConfig configures an [Executor].
type ExecutorConfig struct {
	// Registry resolves tool names. Must not be nil.
	Registry *Registry

	// MaxParallel bounds concurrent parallel-policy calls. Defaults to 10
	// if zero.
	MaxParallel int

	// CallTimeout is the per-call budget, combined with the caller's ctx.
	// Defaults to 30s if zero. A tool's own Timeout takes precedence.
	CallTimeout time.Duration

	// ValidateArgs enables JSON-Schema validation of call arguments
	// before the handler runs. A failing call produces an unsuccessful
	// [Result] without invoking the handler.
	ValidateArgs bool
}

// Executor runs the tool calls of one LLM response. Sequential-policy
// calls run first, in input order; the rest run concurrently under the
// parallelism bound. Results always come back in input order.
//
// All methods are safe for concurrent use.
type Executor struct {
	registry    *Registry
	maxParallel int
	timeout     time.Duration
	validate    bool

	schemas *schemaCache
}

// NewExecutor creates a new [Executor] with the given configuration.
func NewExecutor(cfg ExecutorConfig) *Executor {
	maxParallel := cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Executor{
		registry:    cfg.Registry,
		maxParallel: maxParallel,
		timeout:     timeout,
		validate:    cfg.ValidateArgs,
		schemas:     newSchemaCache(),
	}
}

// Registry returns the registry this executor resolves calls against.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Execute runs every call and returns one [Result] per call, in input
// order. An unknown tool, a validation failure, a handler error or a
// timeout all yield an unsuccessful Result; Execute itself only stops
// early when ctx is cancelled, in which case remaining calls come back
// unsuccessful with the context error.
func (e *Executor) Execute(ctx context.Context, meta Meta, calls []llm.ToolCall) []Result {
	if len(calls) == 0 {
		return nil
	}
	ctx = context.WithValue(ctx, metaKey{}, meta)

	results := make([]Result, len(calls))

	// Sequential-policy calls first, in input order.
	var parallel []int
	for i, call := range calls {
		t, ok := e.registry.Lookup(call.Name)
		if ok && t.Policy == PolicySequential {
			results[i] = e.runOne(ctx, t, call)
			continue
		}
		parallel = append(parallel, i)
	}

	if len(parallel) == 0 {
		return results
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxParallel)
	for _, i := range parallel {
		g.Go(func() error {
			call := calls[i]
			t, ok := e.registry.Lookup(call.Name)
			if !ok {
				results[i] = Result{
					CallID:   call.ID,
					ToolName: call.Name,
					Error:    fmt.Sprintf("tool %q not found", call.Name),
				}
				return nil
			}
			results[i] = e.runOne(gctx, t, call)
			return nil
		})
	}
	// Workers never return errors; Wait only orders the writes.
	_ = g.Wait()

	return results
}

// runOne validates and executes a single call under its timeout.
func (e *Executor) runOne(ctx context.Context, t Tool, call llm.ToolCall) Result {
	res := Result{CallID: call.ID, ToolName: call.Name}
	start := time.Now()

	if e.validate {
		if err := e.schemas.validate(t.Definition, call.Arguments); err != nil {
			res.Error = fmt.Sprintf("invalid arguments: %v", err)
			res.DurationMS = time.Since(start).Milliseconds()
			slog.Debug("tool call rejected by schema",
				"tool", call.Name,
				"call_id", call.ID,
				"error", err,
			)
			return res
		}
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := t.Handler(cctx, call.Arguments)
	res.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Success = true
	res.Result = out
	return res
}
