// Package gateway terminates client control connections and supervises the
// per-connection voice pipeline.
//
// A [Server] accepts WebSocket control connections and runs one [Supervisor]
// per connection. The supervisor owns everything scoped to that connection:
// the peer media adaptor, the VAD gate and utterance assembler on the inbound
// track, turn execution against the bound session, and the relay of turn
// events to the control channel and its data-channel mirror. Sessions outlive
// connections; they live in the session store and are re-bound on reconnect.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/parley-ai/parley/internal/observe"
	"github.com/parley-ai/parley/internal/playbook"
	"github.com/parley-ai/parley/internal/resilience"
	"github.com/parley-ai/parley/internal/session"
	"github.com/parley-ai/parley/internal/tool"
	"github.com/parley-ai/parley/internal/transcript"
	"github.com/parley-ai/parley/internal/turn"
	"github.com/parley-ai/parley/internal/vadgate"
	"github.com/parley-ai/parley/pkg/audio/peer"
	"github.com/parley-ai/parley/pkg/provider/llm"
	"github.com/parley-ai/parley/pkg/provider/stt"
	"github.com/parley-ai/parley/pkg/provider/tts"
	"github.com/parley-ai/parley/pkg/provider/vad"
	"github.com/parley-ai/parley/pkg/provider/vision"
)

const (
	// DefaultHeartbeat is how long a connection may go without a ping
	// before the server closes it.
	DefaultHeartbeat = 45 * time.Second

	// DefaultICEWait bounds candidate gathering during offer handling.
	// When it expires the adaptor answers with whatever it has.
	DefaultICEWait = 3 * time.Second
)

// Config assembles a [Server]. Store, STT, LLM and TTS are required;
// everything else is optional or has a usable default.
type Config struct {
	// Store holds sessions across connections and enforces their TTL.
	Store *session.Store

	// Peers creates one media adaptor per connection. Nil disables peer
	// media entirely; clients then use control-channel audio.
	Peers peer.Factory

	// NewVAD builds a fresh speech-probability model for each connection's
	// gate. Required when Peers is set.
	NewVAD func() (vad.Model, error)

	// Gate tunes the VAD gate. Zero values take the gate defaults.
	Gate vadgate.Config

	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider

	// SystemPrompt, Model, Temperature and MaxTokens shape simple-mode
	// turns. In playbook mode the stage config takes precedence.
	SystemPrompt string
	Model        string
	Temperature  float64
	MaxTokens    int

	// Corrector rewrites STT output before it reaches the model. Optional.
	Corrector *transcript.Corrector

	// Chunker overrides sentence-boundary chunking of streamed model text.
	// Nil keeps the default splitter.
	Chunker turn.Chunker

	// Describer renders image attachments as text for models without
	// native vision. Optional; without it attachments are dropped when
	// the model cannot take them.
	Describer vision.Describer

	// Retry tunes the retry envelope around LLM calls.
	Retry resilience.RetryConfig

	// Playbook switches every session to the staged two-phase runner.
	// Tools must be set alongside it.
	Playbook *playbook.Playbook
	Tools    *tool.Executor

	// MaxToolCalls and Phase1Timeout bound the reasoning phase. Zero
	// values take the turn package defaults.
	MaxToolCalls  int
	Phase1Timeout time.Duration

	// Heartbeat closes a connection that stays silent past it. Defaults
	// to DefaultHeartbeat.
	Heartbeat time.Duration

	// ICEWait is the per-offer gathering budget. Defaults to
	// DefaultICEWait.
	ICEWait time.Duration

	// AllowedOrigins feeds the WebSocket origin check. Empty allows
	// same-origin requests only.
	AllowedOrigins []string

	// Fabric receives turn lifecycle observations. Nil means a fresh,
	// unsubscribed fabric.
	Fabric *observe.Fabric

	// Metrics counts connections, sessions and errors. Nil uses the
	// package default instruments.
	Metrics *observe.Metrics

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Server accepts control connections and runs one [Supervisor] per
// connection until the client disconnects or Close is called.
type Server struct {
	cfg     Config
	engine  *playbook.Engine
	log     *slog.Logger
	fabric  *observe.Fabric
	metrics *observe.Metrics

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	closed  bool
}

// NewServer validates cfg and creates a Server. All violations are reported
// together.
func NewServer(cfg Config) (*Server, error) {
	var errs []error
	if cfg.Store == nil {
		errs = append(errs, errors.New("gateway: session store is required"))
	}
	if cfg.STT == nil {
		errs = append(errs, errors.New("gateway: stt provider is required"))
	}
	if cfg.LLM == nil {
		errs = append(errs, errors.New("gateway: llm provider is required"))
	}
	if cfg.TTS == nil {
		errs = append(errs, errors.New("gateway: tts provider is required"))
	}
	if cfg.Playbook != nil && cfg.Tools == nil {
		errs = append(errs, errors.New("gateway: playbook mode requires a tool executor"))
	}
	if cfg.Peers != nil && cfg.NewVAD == nil {
		errs = append(errs, errors.New("gateway: peer media requires a vad model factory"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.ICEWait <= 0 {
		cfg.ICEWait = DefaultICEWait
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	fabric := cfg.Fabric
	if fabric == nil {
		fabric = observe.NewFabric(log)
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	var engine *playbook.Engine
	if cfg.Playbook != nil {
		var err error
		engine, err = playbook.NewEngine(cfg.Playbook, log)
		if err != nil {
			return nil, fmt.Errorf("gateway: playbook: %w", err)
		}
	}

	return &Server{
		cfg:     cfg,
		engine:  engine,
		log:     log,
		fabric:  fabric,
		metrics: metrics,
		cancels: make(map[string]context.CancelFunc),
	}, nil
}

// Handler exposes the control WebSocket at GET /voice.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /voice", s.handleVoice)
	return mux
}

func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sup := s.newSupervisor(newWSConn(ws))
	ctx, ok := s.track(r.Context(), sup.id)
	if !ok {
		_ = ws.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.untrack(sup.id)

	s.metrics.ActiveConnections.Add(ctx, 1)
	defer s.metrics.ActiveConnections.Add(context.Background(), -1)

	s.log.Info("connection opened", "connection_id", sup.id, "remote", r.RemoteAddr)
	if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("supervisor exited", "connection_id", sup.id, "error", err)
	}
}

// track registers a cancelable context for one connection. ok is false once
// the server is closed.
func (s *Server) track(parent context.Context, id string) (context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	ctx, cancel := context.WithCancel(parent)
	s.cancels[id] = cancel
	return ctx, true
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	cancel := s.cancels[id]
	delete(s.cancels, id)
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close stops every running supervisor and refuses new connections. Live
// sessions stay in the store until their TTL runs out, so a restarted
// frontend can still reconnect to them.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	cancels := make([]context.CancelFunc, 0, len(s.cancels))
	for _, cancel := range s.cancels {
		cancels = append(cancels, cancel)
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}
