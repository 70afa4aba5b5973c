// Package mcpbridge imports tools from MCP servers into the gateway's tool
// registry.
//
// At startup the bridge connects to each configured server (stdio subprocess
// or streamable HTTP) using the official MCP Go SDK, lists the server's tool
// catalogue, and registers every tool in the [tool.Registry] with a handler
// that routes execution back to the server. From there on MCP tools are
// indistinguishable from built-in Go tools: the executor validates, schedules
// and times them the same way.
//
// Typical usage:
//
//	bridge, err := mcpbridge.Connect(ctx, mcpbridge.Config{
//	    Registry: registry,
//	    Servers: []mcpbridge.ServerConfig{
//	        {Name: "search", Transport: mcpbridge.TransportStreamableHTTP, URL: "http://localhost:8931/mcp"},
//	        {Name: "dice", Transport: mcpbridge.TransportStdio, Command: "mcp-dice-server --seed 7"},
//	    },
//	})
//	if err != nil { ... }
//	defer bridge.Close()
package mcpbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/parley-ai/parley/internal/tool"
	"github.com/parley-ai/parley/pkg/provider/llm"
)

const (
	// DefaultConnectTimeout bounds the connect-and-list handshake per server.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultCallTimeout is the per-call deadline registered with each
	// imported tool. The executor enforces it.
	DefaultCallTimeout = 30 * time.Second
)

// Transport selects the connection mechanism for an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP communicates via the MCP Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes one MCP server to import tools from.
type ServerConfig struct {
	// Name identifies the server and prefixes its tool names on collision.
	// Must be unique across the configured servers.
	Name string

	Transport Transport

	// Command is the subprocess invocation for TransportStdio, split on
	// whitespace into executable and arguments.
	Command string

	// URL is the endpoint for TransportStreamableHTTP.
	URL string

	// Env adds environment variables to the stdio subprocess on top of the
	// gateway's own environment.
	Env map[string]string
}

// Validate reports all configuration violations.
func (c ServerConfig) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("mcpbridge: server name is required"))
	}
	switch c.Transport {
	case TransportStdio:
		if strings.TrimSpace(c.Command) == "" {
			errs = append(errs, fmt.Errorf("mcpbridge: stdio server %q requires a command", c.Name))
		}
	case TransportStreamableHTTP:
		if c.URL == "" {
			errs = append(errs, fmt.Errorf("mcpbridge: streamable-http server %q requires a url", c.Name))
		}
	default:
		errs = append(errs, fmt.Errorf("mcpbridge: unknown transport %q for server %q", c.Transport, c.Name))
	}
	return errors.Join(errs...)
}

// transport builds the SDK transport for this server. Stdio subprocesses are
// deliberately not tied to the connect context: their lifetime is managed by
// closing the session, not by the startup deadline.
func (c ServerConfig) transport() (mcpsdk.Transport, error) {
	switch c.Transport {
	case TransportStdio:
		executable, args := splitCommand(c.Command)
		cmd := exec.Command(executable, args...)
		if len(c.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range c.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		return &mcpsdk.CommandTransport{Command: cmd}, nil
	case TransportStreamableHTTP:
		return &mcpsdk.StreamableClientTransport{Endpoint: c.URL}, nil
	default:
		return nil, fmt.Errorf("mcpbridge: unknown transport %q for server %q", c.Transport, c.Name)
	}
}

// Config assembles a [Bridge].
type Config struct {
	// Registry receives the imported tools. Required.
	Registry *tool.Registry

	// Servers to connect to. An empty list yields an empty bridge.
	Servers []ServerConfig

	// ConnectTimeout bounds each server's connect-and-list handshake.
	// Defaults to DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// CallTimeout is registered as the per-call deadline of every imported
	// tool. Defaults to DefaultCallTimeout.
	CallTimeout time.Duration

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Bridge holds the live MCP server sessions backing the imported tools.
// Close it on shutdown; afterwards calls to imported tools fail.
type Bridge struct {
	registry    *tool.Registry
	log         *slog.Logger
	callTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*mcpsdk.ClientSession
}

// Connect validates cfg, connects to all configured servers in parallel, and
// registers their tools. A tool whose name is already taken is re-registered
// as <server>_<tool>. Any server failing to connect or list fails the whole
// call; sessions already established are closed.
func Connect(ctx context.Context, cfg Config) (*Bridge, error) {
	var errs []error
	if cfg.Registry == nil {
		errs = append(errs, errors.New("mcpbridge: registry is required"))
	}
	seen := make(map[string]bool, len(cfg.Servers))
	for _, sc := range cfg.Servers {
		if err := sc.Validate(); err != nil {
			errs = append(errs, err)
		}
		if seen[sc.Name] {
			errs = append(errs, fmt.Errorf("mcpbridge: duplicate server name %q", sc.Name))
		}
		seen[sc.Name] = true
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	b := &Bridge{
		registry:    cfg.Registry,
		log:         log,
		callTimeout: cfg.CallTimeout,
		sessions:    make(map[string]*mcpsdk.ClientSession, len(cfg.Servers)),
	}

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "parley", Version: "1.0.0"}, nil)

	type connected struct {
		session *mcpsdk.ClientSession
		defs    []llm.ToolDefinition
	}
	results := make([]connected, len(cfg.Servers))

	g, gctx := errgroup.WithContext(ctx)
	for i, sc := range cfg.Servers {
		g.Go(func() error {
			session, defs, err := connectServer(gctx, client, sc, cfg.ConnectTimeout)
			if err != nil {
				return err
			}
			results[i] = connected{session: session, defs: defs}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, r := range results {
			if r.session != nil {
				_ = r.session.Close()
			}
		}
		return nil, err
	}

	// Register in config order so collision prefixes are deterministic.
	for i, sc := range cfg.Servers {
		session := results[i].session
		b.sessions[sc.Name] = session
		call := func(ctx context.Context, name, args string) (string, error) {
			return callTool(ctx, session, name, args)
		}
		n := b.registerServer(sc.Name, results[i].defs, call)
		log.Info("mcp tools imported", "server", sc.Name, "tools", n)
	}

	return b, nil
}

// connectServer establishes one session and lists its tools, bounded by
// timeout.
func connectServer(ctx context.Context, client *mcpsdk.Client, sc ServerConfig, timeout time.Duration) (*mcpsdk.ClientSession, []llm.ToolDefinition, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	transport, err := sc.transport()
	if err != nil {
		return nil, nil, err
	}

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("mcpbridge: connect to server %q: %w", sc.Name, err)
	}

	var defs []llm.ToolDefinition
	for t, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return nil, nil, fmt.Errorf("mcpbridge: list tools for server %q: %w", sc.Name, err)
		}
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schemaToMap(t.InputSchema),
		})
	}
	return session, defs, nil
}

// Close shuts down all server sessions. Imported tools remain registered but
// fail on call.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	for name, session := range b.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcpbridge: close server %q: %w", name, err)
		}
		delete(b.sessions, name)
	}
	return firstErr
}

// splitCommand splits a command string into executable and arguments.
// e.g. "/bin/foo --bar baz" → ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
