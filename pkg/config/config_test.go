package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5, cfg.Orchestrator.MaxIterations)
	assert.True(t, cfg.Container.ReadOnly)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Orchestrator.MaxIterations = 0
	cfg.LLM.Provider = "carrier-pigeon"
	cfg.Container.Image = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_iterations")
	assert.Contains(t, err.Error(), "carrier-pigeon")
	assert.Contains(t, err.Error(), "container.image")
}

func TestValidateRequiresStaleAfterBeyondTaskTimeout(t *testing.T) {
	cfg := Default()
	cfg.Container.TaskTimeout = 45 * time.Minute

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "container.stale_after")

	cfg.Container.StaleAfter = time.Hour
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Container.Image, cfg.Container.Image)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autocoder.yaml")
	content := `
orchestrator:
  max_iterations: 7
  secrets_poll_interval: 45s
container:
  image: node:22
llm:
  provider: ollama
  model: qwen2.5-coder
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	t.Setenv("AUTOCODER_ORCHESTRATOR_MAX_CONCURRENT_PROJECTS", "9")
	t.Setenv("OLLAMA_HOST", "http://gpu-box:11434")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Orchestrator.MaxIterations)
	assert.Equal(t, 45*time.Second, cfg.Orchestrator.SecretsPollInterval)
	assert.Equal(t, 9, cfg.Orchestrator.MaxConcurrentProjects)
	assert.Equal(t, "node:22", cfg.Container.Image)
	assert.Equal(t, "http://gpu-box:11434", cfg.LLM.Host)
	// untouched sections keep defaults
	assert.Equal(t, Default().Verify.TypeScript, cfg.Verify.TypeScript)
}

func TestLoadInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("orchestrator:\n  max_iterations: -1\n"), 0600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation")
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Orchestrator.MaxIterations = 3
	cfg.LLM.APIKey = "sk-should-not-be-written"
	path := filepath.Join(t.TempDir(), "nested", "autocoder.yaml")

	require.NoError(t, Save(&cfg, path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sk-should-not-be-written")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.Orchestrator.MaxIterations)
}

func TestGetModelProvider(t *testing.T) {
	tests := []struct {
		model    string
		provider string
	}{
		{"claude-sonnet-4-5", ProviderAnthropic},
		{"claude-something-new", ProviderAnthropic},
		{"gpt-4.1", ProviderOpenAI},
		{"gemini-2.5-flash", ProviderGoogle},
		{"qwen2.5-coder", ProviderOllama},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			got, err := GetModelProvider(tt.model)
			require.NoError(t, err)
			assert.Equal(t, tt.provider, got)
		})
	}

	_, err := GetModelProvider("mystery")
	assert.Error(t, err)
}

func TestCalculateCost(t *testing.T) {
	cost := CalculateCost("claude-sonnet-4-5", 1_000_000, 1_000_000)
	assert.InDelta(t, 18.0, cost, 1e-9)
	assert.Zero(t, CalculateCost("unknown-model", 1000, 1000))
}

func TestCommandFor(t *testing.T) {
	v := Default().Verify
	assert.Equal(t, v.ESLint, v.CommandFor("eslint"))
	assert.Nil(t, v.CommandFor("other"))
}
