package config_test

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/parley-ai/parley/internal/config"
)

func TestLoad_ExpandsEnvReferences(t *testing.T) {
	t.Setenv("PARLEY_TEST_LLM_KEY", "sk-from-env")
	t.Setenv("PARLEY_TEST_DSN", "postgres://env/parley")

	yaml := `
providers:
  llm:
    name: openai
    api_key: ${PARLEY_TEST_LLM_KEY}
  stt:
    name: whisper
  tts:
    name: openai
archive:
  enabled: true
  dsn: ${PARLEY_TEST_DSN}
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers.LLM.APIKey != "sk-from-env" {
		t.Errorf("api_key: got %q, want %q", cfg.Providers.LLM.APIKey, "sk-from-env")
	}
	if cfg.Archive.DSN != "postgres://env/parley" {
		t.Errorf("archive.dsn: got %q, want %q", cfg.Archive.DSN, "postgres://env/parley")
	}
}

func TestLoadFromReader_MissingEnvVarsListedTogether(t *testing.T) {
	yaml := `
providers:
  llm:
    name: openai
    api_key: ${PARLEY_DEFINITELY_UNSET_A}
  stt:
    name: whisper
    api_key: ${PARLEY_DEFINITELY_UNSET_B}
  tts:
    name: openai
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unset env references, got nil")
	}
	if !strings.Contains(err.Error(), "PARLEY_DEFINITELY_UNSET_A") {
		t.Errorf("error should name PARLEY_DEFINITELY_UNSET_A, got: %v", err)
	}
	if !strings.Contains(err.Error(), "PARLEY_DEFINITELY_UNSET_B") {
		t.Errorf("error should name PARLEY_DEFINITELY_UNSET_B, got: %v", err)
	}
}

func TestLoadFromReader_RepeatedMissingVarReportedOnce(t *testing.T) {
	yaml := `
providers:
  llm:
    name: openai
    api_key: ${PARLEY_DEFINITELY_UNSET_C}
  stt:
    name: whisper
    api_key: ${PARLEY_DEFINITELY_UNSET_C}
  tts:
    name: openai
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unset env reference, got nil")
	}
	if got := strings.Count(err.Error(), "PARLEY_DEFINITELY_UNSET_C"); got != 1 {
		t.Errorf("variable should be reported once, got %d mentions: %v", got, err)
	}
}

func TestLoadFromReader_RejectsUnknownFields(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm:
    name: openai
  stt:
    name: whisper
  tts:
    name: openai
pipelne:
  chunker: none
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for misspelled top-level key, got nil")
	}
	if !strings.Contains(err.Error(), "pipelne") {
		t.Errorf("error should name the unknown field, got: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	if len(config.ValidProviderNames) == 0 {
		t.Fatal("ValidProviderNames should not be empty")
	}
	for _, kind := range []string{"llm", "stt", "tts", "embeddings", "vision", "vad"} {
		if len(config.ValidProviderNames[kind]) == 0 {
			t.Errorf("ValidProviderNames[%q] should not be empty", kind)
		}
	}
	if !slices.Contains(config.ValidProviderNames["llm"], "openai") {
		t.Error(`ValidProviderNames["llm"] should contain "openai"`)
	}
	if !slices.Contains(config.ValidProviderNames["vad"], "energy") {
		t.Error(`ValidProviderNames["vad"] should contain "energy"`)
	}
}
