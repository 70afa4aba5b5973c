package config_test

import (
	"slices"
	"strings"
	"testing"

	"github.com/parley-ai/parley/internal/config"
)

// loadCfg parses minimalYAML plus extra and fails the test on error.
func loadCfg(t *testing.T, extra string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML + extra))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	old := loadCfg(t, "")
	new := loadCfg(t, "")

	d := config.Diff(old, new)
	if d.LogLevelChanged {
		t.Error("LogLevelChanged should be false for identical configs")
	}
	if len(d.RestartNeeded) != 0 {
		t.Errorf("RestartNeeded should be empty, got %v", d.RestartNeeded)
	}
}

func TestDiff_LogLevelIsHotReloadable(t *testing.T) {
	t.Parallel()
	old := loadCfg(t, "")
	new := loadCfg(t, "\nlog:\n  level: debug\n")

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Fatal("LogLevelChanged should be true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel: got %q, want %q", d.NewLogLevel, config.LogDebug)
	}
	if len(d.RestartNeeded) != 0 {
		t.Errorf("log level change should not need a restart, got %v", d.RestartNeeded)
	}
}

func TestDiff_SectionChangesNeedRestart(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		extra string
		want  string
	}{
		{
			name:  "log format",
			extra: "\nlog:\n  format: json\n",
			want:  "log.format",
		},
		{
			name:  "server",
			extra: "\nserver:\n  listen_addr: \":9999\"\n",
			want:  "server",
		},
		{
			name:  "providers",
			extra: "\nproviders:\n  llm:\n    name: anthropic\n  stt:\n    name: whisper\n  tts:\n    name: openai\n",
			want:  "providers",
		},
		{
			name:  "pipeline",
			extra: "\npipeline:\n  chunker: none\n",
			want:  "pipeline",
		},
		{
			name:  "playbook",
			extra: "\nplaybook:\n  path: playbooks/sales.yaml\n",
			want:  "playbook",
		},
		{
			name:  "session",
			extra: "\nsession:\n  ttl_seconds: 60\n",
			want:  "session",
		},
		{
			name:  "tools",
			extra: "\ntools:\n  validate_args: true\n",
			want:  "tools",
		},
		{
			name:  "mcp",
			extra: "\nmcp:\n  servers:\n    - name: tools\n      transport: stdio\n      command: /bin/mcp\n",
			want:  "mcp",
		},
		{
			name:  "archive",
			extra: "\narchive:\n  enabled: true\n  dsn: postgres://localhost/parley\n",
			want:  "archive",
		},
		{
			name:  "discord",
			extra: "\ndiscord:\n  enabled: true\n  token: tok\n  guild_id: \"1\"\n  channel_id: \"2\"\n",
			want:  "discord",
		},
		{
			name:  "hotwords",
			extra: "\nhotwords:\n  - Parley\n",
			want:  "hotwords",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			old := loadCfg(t, "")
			new := loadCfg(t, tc.extra)

			d := config.Diff(old, new)
			if !slices.Contains(d.RestartNeeded, tc.want) {
				t.Errorf("RestartNeeded should contain %q, got %v", tc.want, d.RestartNeeded)
			}
			if d.LogLevelChanged {
				t.Error("LogLevelChanged should be false")
			}
		})
	}
}

func TestDiff_MultipleSections(t *testing.T) {
	t.Parallel()
	old := loadCfg(t, "")
	new := loadCfg(t, `
log:
  level: warn
session:
  ttl_seconds: 120
hotwords:
  - pgvector
`)

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogWarn {
		t.Errorf("log level diff: got changed=%v level=%q", d.LogLevelChanged, d.NewLogLevel)
	}
	want := []string{"session", "hotwords"}
	if !slices.Equal(d.RestartNeeded, want) {
		t.Errorf("RestartNeeded: got %v, want %v", d.RestartNeeded, want)
	}
}
