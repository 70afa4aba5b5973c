package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"

	"github.com/parley-ai/parley/internal/mcpbridge"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":        {"openai", "whisper", "whisper-native"},
	"tts":        {"openai", "elevenlabs"},
	"embeddings": {"openai", "ollama"},
	"vision":     {"openai"},
	"vad":        {"energy"},
}

// envRef matches ${VAR} references in the raw config bytes.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. ${ENV_VAR} references anywhere in the file are expanded before
// parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	cfg, err := loadBytes(data)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return loadBytes(data)
}

func loadBytes(data []byte) (*Config, error) {
	data, err := expandEnv(data)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}

	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnv substitutes ${VAR} references with the variable's value. All
// referenced variables must be set; missing ones are reported together so a
// deployment with several unset secrets fails with one complete list.
func expandEnv(data []byte) ([]byte, error) {
	var missing []error
	seen := make(map[string]bool)

	out := envRef.ReplaceAllFunc(data, func(ref []byte) []byte {
		name := string(envRef.FindSubmatch(ref)[1])
		val, ok := os.LookupEnv(name)
		if !ok {
			if !seen[name] {
				seen[name] = true
				missing = append(missing, fmt.Errorf("environment variable %s is referenced but not set", name))
			}
			return ref
		}
		return []byte(val)
	})

	if err := errors.Join(missing...); err != nil {
		return nil, err
	}
	return out, nil
}

// applyDefaults fills the few top-level fields that must not be empty.
// Component-level zeros (gate thresholds, timeouts, limits) are left alone;
// each component substitutes its own defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = LogInfo
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = LogText
	}
	if cfg.Pipeline.Chunker == "" {
		cfg.Pipeline.Chunker = ChunkerDefault
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Suspicious but workable values are logged as warnings instead.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.HeartbeatSeconds < 0 {
		errs = append(errs, fmt.Errorf("server.heartbeat_seconds %d must not be negative", cfg.Server.HeartbeatSeconds))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Log
	if !cfg.Log.Level.IsValid() {
		errs = append(errs, fmt.Errorf("log.level %q is invalid; valid values: debug, info, warn, error", cfg.Log.Level))
	}
	if !cfg.Log.Format.IsValid() {
		errs = append(errs, fmt.Errorf("log.format %q is invalid; valid values: text, json", cfg.Log.Format))
	}

	// Required providers. The pipeline cannot run without all three stages.
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required"))
	}
	for i, entry := range cfg.Providers.LLMFallbacks {
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
		validateProviderName("llm", entry.Name)
	}

	// Provider name advisories. A typo here costs a failed startup later.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	validateProviderName("vision", cfg.Providers.Vision.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)

	// Pipeline
	if !cfg.Pipeline.Chunker.IsValid() {
		errs = append(errs, fmt.Errorf("pipeline.chunker %q is invalid; valid values: default, none", cfg.Pipeline.Chunker))
	}
	if cfg.Pipeline.HistoryWindow < 0 {
		errs = append(errs, fmt.Errorf("pipeline.history_window %d must not be negative", cfg.Pipeline.HistoryWindow))
	}
	if cfg.Pipeline.Temperature < 0 || cfg.Pipeline.Temperature > 2 {
		errs = append(errs, fmt.Errorf("pipeline.temperature %.2f is out of range [0, 2]", cfg.Pipeline.Temperature))
	}
	if cfg.Pipeline.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_tokens %d must not be negative", cfg.Pipeline.MaxTokens))
	}
	errs = append(errs, validateGate(cfg.Pipeline.Gate)...)
	if cfg.Pipeline.Retry.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("pipeline.retry.max_retries %d must not be negative", cfg.Pipeline.Retry.MaxRetries))
	}
	if cfg.Pipeline.Retry.BaseDelayMS < 0 {
		errs = append(errs, fmt.Errorf("pipeline.retry.base_delay_ms %d must not be negative", cfg.Pipeline.Retry.BaseDelayMS))
	}

	// Playbook
	if cfg.Playbook.MaxToolCalls < 0 {
		errs = append(errs, fmt.Errorf("playbook.max_tool_calls %d must not be negative", cfg.Playbook.MaxToolCalls))
	}
	if cfg.Playbook.Phase1TimeoutMS < 0 {
		errs = append(errs, fmt.Errorf("playbook.phase1_timeout_ms %d must not be negative", cfg.Playbook.Phase1TimeoutMS))
	}

	// Session
	if cfg.Session.TTLSeconds < 0 {
		errs = append(errs, fmt.Errorf("session.ttl_seconds %d must not be negative", cfg.Session.TTLSeconds))
	}
	if cfg.Session.SweepIntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("session.sweep_interval_seconds %d must not be negative", cfg.Session.SweepIntervalSeconds))
	}

	// Tools
	if cfg.Tools.MaxParallel < 0 {
		errs = append(errs, fmt.Errorf("tools.max_parallel %d must not be negative", cfg.Tools.MaxParallel))
	}
	if cfg.Tools.CallTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("tools.call_timeout_seconds %d must not be negative", cfg.Tools.CallTimeoutSeconds))
	}

	// MCP servers
	mcpNamesSeen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := mcpNamesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			mcpNamesSeen[srv.Name] = i
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == mcpbridge.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == mcpbridge.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	// Archive
	if cfg.Archive.Enabled && cfg.Archive.DSN == "" {
		errs = append(errs, errors.New("archive.dsn is required when archive is enabled"))
	}
	if cfg.Archive.Enabled && cfg.Archive.Embed && cfg.Providers.Embeddings.Name == "" {
		slog.Warn("archive.embed is set but providers.embeddings is not configured; turns will be archived without embeddings")
	}
	if cfg.Providers.Embeddings.Name != "" && !cfg.Archive.Enabled {
		slog.Warn("providers.embeddings is configured but archive is disabled; the embeddings provider will not be used")
	}

	// Discord
	if cfg.Discord.Enabled {
		if cfg.Discord.Token == "" {
			errs = append(errs, errors.New("discord.token is required when discord is enabled"))
		}
		if cfg.Discord.GuildID == "" {
			errs = append(errs, errors.New("discord.guild_id is required when discord is enabled"))
		}
		if cfg.Discord.ChannelID == "" {
			errs = append(errs, errors.New("discord.channel_id is required when discord is enabled"))
		}
	}

	return errors.Join(errs...)
}

// validateGate checks the voice activity gate block for contradictions the
// gate itself would reject at session start.
func validateGate(g GateConfig) []error {
	var errs []error
	if g.PositiveThreshold < 0 || g.PositiveThreshold > 1 {
		errs = append(errs, fmt.Errorf("pipeline.gate.positive_threshold %.2f is out of range [0, 1]", g.PositiveThreshold))
	}
	if g.NegativeThreshold < 0 || g.NegativeThreshold > 1 {
		errs = append(errs, fmt.Errorf("pipeline.gate.negative_threshold %.2f is out of range [0, 1]", g.NegativeThreshold))
	}
	if g.PositiveThreshold != 0 && g.NegativeThreshold != 0 && g.NegativeThreshold >= g.PositiveThreshold {
		errs = append(errs, fmt.Errorf("pipeline.gate.negative_threshold %.2f must be below positive_threshold %.2f", g.NegativeThreshold, g.PositiveThreshold))
	}
	if g.MinSpeechFrames < 0 {
		errs = append(errs, fmt.Errorf("pipeline.gate.min_speech_frames %d must not be negative", g.MinSpeechFrames))
	}
	if g.RedemptionFrames < 0 {
		errs = append(errs, fmt.Errorf("pipeline.gate.redemption_frames %d must not be negative", g.RedemptionFrames))
	}
	if g.PreSpeechPadFrames < 0 {
		errs = append(errs, fmt.Errorf("pipeline.gate.pre_speech_pad_frames %d must not be negative", g.PreSpeechPadFrames))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
