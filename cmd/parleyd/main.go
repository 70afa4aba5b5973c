// Command parleyd is the Parley voice gateway server: it terminates browser
// control connections, runs the VAD → STT → LLM → TTS turn pipeline per
// session and streams synthesized speech back over the peer media track.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parley-ai/parley/internal/archive"
	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/gateway"
	"github.com/parley-ai/parley/internal/health"
	"github.com/parley-ai/parley/internal/mcpbridge"
	"github.com/parley-ai/parley/internal/observe"
	"github.com/parley-ai/parley/internal/playbook"
	"github.com/parley-ai/parley/internal/resilience"
	"github.com/parley-ai/parley/internal/session"
	"github.com/parley-ai/parley/internal/tool"
	"github.com/parley-ai/parley/internal/transcript"
	"github.com/parley-ai/parley/internal/turn"
	"github.com/parley-ai/parley/internal/vadgate"
	discordpeer "github.com/parley-ai/parley/pkg/audio/discord"
	"github.com/parley-ai/parley/pkg/audio/peer"
	"github.com/parley-ai/parley/pkg/provider/embeddings"
	ollamaembed "github.com/parley-ai/parley/pkg/provider/embeddings/ollama"
	oaembed "github.com/parley-ai/parley/pkg/provider/embeddings/openai"
	"github.com/parley-ai/parley/pkg/provider/llm"
	"github.com/parley-ai/parley/pkg/provider/llm/anyllm"
	oallm "github.com/parley-ai/parley/pkg/provider/llm/openai"
	"github.com/parley-ai/parley/pkg/provider/stt"
	oastt "github.com/parley-ai/parley/pkg/provider/stt/openai"
	"github.com/parley-ai/parley/pkg/provider/stt/whisper"
	"github.com/parley-ai/parley/pkg/provider/tts"
	"github.com/parley-ai/parley/pkg/provider/tts/elevenlabs"
	oatts "github.com/parley-ai/parley/pkg/provider/tts/openai"
	"github.com/parley-ai/parley/pkg/provider/vad"
	"github.com/parley-ai/parley/pkg/provider/vad/energy"
	"github.com/parley-ai/parley/pkg/provider/vision"
)

// version is stamped by the release build; "dev" otherwise.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parleyd: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parleyd: %v\n", err)
		}
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(slogLevel(cfg.Log.Level))
	logger := newLogger(cfg.Log.Format, logLevel)
	slog.SetDefault(logger)

	slog.Info("parleyd starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Log.Level,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownOtel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "parley",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("telemetry init failed", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics := observe.DefaultMetrics()
	fabric := observe.NewFabric(logger)
	observe.WireMetrics(fabric, metrics)
	observe.WireLogging(fabric, logger)

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	llmProvider, err := buildLLM(cfg, reg, logger)
	if err != nil {
		slog.Error("failed to build llm provider", "err", err)
		return 1
	}
	sttProvider, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		slog.Error("failed to build stt provider", "err", err)
		return 1
	}
	ttsProvider, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		slog.Error("failed to build tts provider", "err", err)
		return 1
	}
	llmProvider = observe.InstrumentLLM(llmProvider, metrics)
	sttProvider = observe.InstrumentSTT(sttProvider, metrics)
	ttsProvider = observe.InstrumentTTS(ttsProvider, metrics)

	var embedder embeddings.Provider
	if cfg.Providers.Embeddings.Name != "" {
		embedder, err = reg.CreateEmbeddings(cfg.Providers.Embeddings)
		if err != nil {
			slog.Error("failed to build embeddings provider", "err", err)
			return 1
		}
	}

	var describer vision.Describer
	if cfg.Providers.Vision.Name != "" {
		describer, err = reg.CreateVision(cfg.Providers.Vision)
		if err != nil {
			slog.Error("failed to build vision describer", "err", err)
			return 1
		}
	}

	// ── Tools ─────────────────────────────────────────────────────────────────
	toolRegistry := tool.NewRegistry()
	executor := tool.NewExecutor(tool.ExecutorConfig{
		Registry:     toolRegistry,
		MaxParallel:  cfg.Tools.MaxParallel,
		CallTimeout:  time.Duration(cfg.Tools.CallTimeoutSeconds) * time.Second,
		ValidateArgs: cfg.Tools.ValidateArgs,
	})

	var bridge *mcpbridge.Bridge
	if len(cfg.MCP.Servers) > 0 {
		servers := make([]mcpbridge.ServerConfig, 0, len(cfg.MCP.Servers))
		for _, sc := range cfg.MCP.Servers {
			servers = append(servers, sc.Bridge())
		}
		bridge, err = mcpbridge.Connect(ctx, mcpbridge.Config{
			Registry:    toolRegistry,
			Servers:     servers,
			CallTimeout: time.Duration(cfg.Tools.CallTimeoutSeconds) * time.Second,
			Logger:      logger,
		})
		if err != nil {
			slog.Error("mcp server import failed", "err", err)
			return 1
		}
		defer func() {
			if err := bridge.Close(); err != nil {
				slog.Warn("mcp bridge close error", "err", err)
			}
		}()
	}

	// ── Playbook ──────────────────────────────────────────────────────────────
	var pb *playbook.Playbook
	if cfg.Playbook.Path != "" {
		pb, err = playbook.Load(cfg.Playbook.Path)
		if err != nil {
			slog.Error("failed to load playbook", "path", cfg.Playbook.Path, "err", err)
			return 1
		}
		slog.Info("playbook loaded", "path", cfg.Playbook.Path, "stages", len(pb.Stages))
	}

	// ── Archive ───────────────────────────────────────────────────────────────
	var checkers []health.Checker
	if cfg.Archive.Enabled {
		arCfg := archive.Config{DSN: cfg.Archive.DSN, Logger: logger}
		if cfg.Archive.Embed {
			arCfg.Embedder = embedder
		}
		ar, err := archive.Open(ctx, arCfg)
		if err != nil {
			slog.Error("failed to open turn archive", "err", err)
			return 1
		}
		defer ar.Close()
		ar.Attach(fabric)
		checkers = append(checkers, health.Checker{Name: "archive", Check: ar.Ping})
		slog.Info("turn archive enabled", "embed", cfg.Archive.Embed)
	}

	// ── Sessions ──────────────────────────────────────────────────────────────
	store := session.NewStore(session.StoreConfig{
		TTL:           time.Duration(cfg.Session.TTLSeconds) * time.Second,
		SweepInterval: time.Duration(cfg.Session.SweepIntervalSeconds) * time.Second,
		HistoryLimit:  cfg.Pipeline.HistoryWindow,
	})
	store.Start(ctx)
	defer store.Destroy()

	// ── Peer media ────────────────────────────────────────────────────────────
	var peers peer.Factory
	if cfg.Discord.Enabled {
		dg, err := discordgo.New("Bot " + cfg.Discord.Token)
		if err != nil {
			slog.Error("failed to create discord session", "err", err)
			return 1
		}
		dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
		if err := dg.Open(); err != nil {
			slog.Error("failed to connect to discord", "err", err)
			return 1
		}
		defer func() {
			if err := dg.Close(); err != nil {
				slog.Warn("discord close error", "err", err)
			}
		}()
		peers = discordpeer.NewFactory(dg, cfg.Discord.GuildID, cfg.Discord.ChannelID, logger)
		slog.Info("discord voice enabled", "guild_id", cfg.Discord.GuildID, "channel_id", cfg.Discord.ChannelID)
	}

	// ── Gateway ───────────────────────────────────────────────────────────────
	var chunker turn.Chunker
	if cfg.Pipeline.Chunker == config.ChunkerNone {
		// Nothing completes until the stream ends, so the whole reply is
		// synthesized in one piece.
		chunker = func(pending string) []string { return []string{pending} }
	}

	var corrector *transcript.Corrector
	if len(cfg.Hotwords) > 0 {
		corrector = transcript.New(cfg.Hotwords)
	}

	vadEntry := cfg.Providers.VAD
	if vadEntry.Name == "" {
		vadEntry.Name = "energy"
	}

	server, err := gateway.NewServer(gateway.Config{
		Store: store,
		Peers: peers,
		NewVAD: func() (vad.Model, error) {
			return reg.CreateVAD(vadEntry)
		},
		Gate: vadgate.Config{
			PositiveThreshold:  cfg.Pipeline.Gate.PositiveThreshold,
			NegativeThreshold:  cfg.Pipeline.Gate.NegativeThreshold,
			MinSpeechFrames:    cfg.Pipeline.Gate.MinSpeechFrames,
			RedemptionFrames:   cfg.Pipeline.Gate.RedemptionFrames,
			PreSpeechPadFrames: cfg.Pipeline.Gate.PreSpeechPadFrames,
		},
		STT:          sttProvider,
		LLM:          llmProvider,
		TTS:          ttsProvider,
		SystemPrompt: cfg.Pipeline.SystemPrompt,
		Model:        cfg.Providers.LLM.Model,
		Temperature:  cfg.Pipeline.Temperature,
		MaxTokens:    cfg.Pipeline.MaxTokens,
		Corrector:    corrector,
		Chunker:      chunker,
		Describer:    describer,
		Retry: resilience.RetryConfig{
			MaxRetries: cfg.Pipeline.Retry.MaxRetries,
			BaseDelay:  time.Duration(cfg.Pipeline.Retry.BaseDelayMS) * time.Millisecond,
			Logger:     logger,
		},
		Playbook:       pb,
		Tools:          executor,
		MaxToolCalls:   cfg.Playbook.MaxToolCalls,
		Phase1Timeout:  time.Duration(cfg.Playbook.Phase1TimeoutMS) * time.Millisecond,
		Heartbeat:      time.Duration(cfg.Server.HeartbeatSeconds) * time.Second,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Fabric:         fabric,
		Metrics:        metrics,
		Logger:         logger,
	})
	if err != nil {
		slog.Error("failed to assemble gateway", "err", err)
		return 1
	}
	defer server.Close()

	// ── HTTP ──────────────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	mux.Handle("GET /voice", server.Handler())
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(5*time.Second, checkers...).Register(mux)

	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: observe.Middleware(metrics)(mux),
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		diff := config.Diff(old, new)
		if diff.LogLevelChanged {
			logLevel.Set(slogLevel(diff.NewLogLevel))
			slog.Info("log level changed", "level", diff.NewLogLevel)
		}
		if len(diff.RestartNeeded) > 0 {
			slog.Warn("config sections changed that need a restart", "sections", diff.RestartNeeded)
		}
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server ready — press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr)
		if tls := cfg.Server.TLS; tls != nil {
			errCh <- httpServer.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			errCh <- httpServer.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "err", err)
			return 1
		}
	}

	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildLLM creates the primary LLM provider and, when fallbacks are
// configured, wraps the whole set in a breaker-guarded chain.
func buildLLM(cfg *config.Config, reg *config.Registry, logger *slog.Logger) (llm.Provider, error) {
	primary, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	if len(cfg.Providers.LLMFallbacks) == 0 {
		return primary, nil
	}

	chain := resilience.NewLLMFallback(primary, resilience.BreakerConfig{}, logger)
	for _, entry := range cfg.Providers.LLMFallbacks {
		fb, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("create llm fallback %q: %w", entry.Name, err)
		}
		chain.AddFallback(fb)
	}
	slog.Info("llm fallback chain enabled", "fallbacks", len(cfg.Providers.LLMFallbacks))
	return chain, nil
}

// registerBuiltinProviders wires the provider factories that ship with
// Parley into reg. Factories receive the config entry and construct the
// adapter from the pkg/provider implementations.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	// The native OpenAI adapter carries streaming, tool calls and vision.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		p, err := oallm.New(entry.APIKey, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// Everything else goes through any-llm's unified client.
	for _, name := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			p, err := anyllm.New(name, entry.Model, opts...)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}

	// ollama is a local server; BaseURL is the address, no API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		p, err := anyllm.New("ollama", entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []oastt.Option
		if entry.BaseURL != "" {
			opts = append(opts, oastt.WithBaseURL(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, oastt.WithLanguage(lang))
		}
		p, err := oastt.New(entry.APIKey, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		p, err := whisper.New(entry.BaseURL, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		p, err := whisper.NewNative(modelPath, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []oatts.Option
		if entry.BaseURL != "" {
			opts = append(opts, oatts.WithBaseURL(entry.BaseURL))
		}
		if voice := optString(entry.Options, "voice"); voice != "" {
			opts = append(opts, oatts.WithVoice(voice))
		}
		p, err := oatts.New(entry.APIKey, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if format := optString(entry.Options, "output_format"); format != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(format))
		}
		p, err := elevenlabs.New(entry.APIKey, optString(entry.Options, "voice_id"), opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		if dims := optInt(entry.Options, "dimensions"); dims > 0 {
			opts = append(opts, oaembed.WithDimensions(dims))
		}
		p, err := oaembed.New(entry.APIKey, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []ollamaembed.Option
		if dims := optInt(entry.Options, "dimensions"); dims > 0 {
			opts = append(opts, ollamaembed.WithDimensions(dims))
		}
		p, err := ollamaembed.New(entry.BaseURL, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// ── Vision ────────────────────────────────────────────────────────────────

	// Captions attachments through a vision-capable chat model so text-only
	// LLM backends can still consume images.
	reg.RegisterVision("openai", func(entry config.ProviderEntry) (vision.Describer, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		p, err := oallm.New(entry.APIKey, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		d, err := vision.NewLLMDescriber(p)
		if err != nil {
			return nil, err
		}
		return d, nil
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Model, error) {
		var opts []energy.Option
		if pivot := optFloat(entry.Options, "pivot"); pivot > 0 {
			opts = append(opts, energy.WithPivot(pivot))
		}
		m, err := energy.New(opts...)
		if err != nil {
			return nil, err
		}
		return m, nil
	})
}

// ── logging ───────────────────────────────────────────────────────────────────

func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(format config.LogFormat, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// ── option helpers ────────────────────────────────────────────────────────────

func optString(opts map[string]any, key string) string {
	if v, ok := opts[key].(string); ok {
		return v
	}
	return ""
}

func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func optFloat(opts map[string]any, key string) float64 {
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}
