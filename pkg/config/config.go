// Package config defines the autocoder configuration model.
//
// Configuration is loaded once at startup (see Load) from an optional YAML
// file with AUTOCODER_* environment overrides, then passed by value to the
// components that need it. Algorithm constants stay in code; only knobs an
// operator plausibly tunes per deployment live here.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Provider names for the code-generation capability.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"
)

// Environment variables consulted for provider credentials.
const (
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvGoogleAPIKey    = "GOOGLE_GENAI_API_KEY"
	EnvOllamaHost      = "OLLAMA_HOST"
)

// Development modes.
const (
	ModeMVP  = "mvp"
	ModeFull = "full"
)

// ModelInfo contains static information about a known LLM model.
type ModelInfo struct {
	Provider         string  // API provider
	InputCPM         float64 // Cost per million input tokens (USD)
	OutputCPM        float64 // Cost per million output tokens (USD)
	MaxContextTokens int
	MaxOutputTokens  int
}

// KnownModels is the static pricing registry. Unknown models fall back to
// ProviderPatterns and zero cost.
//
//nolint:gochecknoglobals // static registry
var KnownModels = map[string]ModelInfo{
	"claude-sonnet-4-5": {
		Provider: ProviderAnthropic, InputCPM: 3.0, OutputCPM: 15.0,
		MaxContextTokens: 200000, MaxOutputTokens: 8192,
	},
	"claude-opus-4-5": {
		Provider: ProviderAnthropic, InputCPM: 5.0, OutputCPM: 25.0,
		MaxContextTokens: 200000, MaxOutputTokens: 8192,
	},
	"gpt-4o": {
		Provider: ProviderOpenAI, InputCPM: 2.5, OutputCPM: 10.0,
		MaxContextTokens: 128000, MaxOutputTokens: 16384,
	},
	"gpt-5": {
		Provider: ProviderOpenAI, InputCPM: 1.25, OutputCPM: 10.0,
		MaxContextTokens: 400000, MaxOutputTokens: 128000,
	},
	"gemini-2.5-flash": {
		Provider: ProviderGoogle, InputCPM: 0.3, OutputCPM: 2.5,
		MaxContextTokens: 1000000, MaxOutputTokens: 65536,
	},
}

// ProviderPattern maps a model-name prefix to a provider.
type ProviderPattern struct {
	Prefix   string
	Provider string
}

//nolint:gochecknoglobals // static inference rules
var ProviderPatterns = []ProviderPattern{
	{"claude", ProviderAnthropic},
	{"gpt", ProviderOpenAI},
	{"o3", ProviderOpenAI},
	{"o4", ProviderOpenAI},
	{"gemini", ProviderGoogle},
	{"llama", ProviderOllama},
	{"qwen", ProviderOllama},
	{"mistral", ProviderOllama},
	{"codellama", ProviderOllama},
	{"deepseek", ProviderOllama},
	{"ollama:", ProviderOllama},
}

// GetModelProvider returns the provider for modelName from the registry or
// prefix patterns.
func GetModelProvider(modelName string) (string, error) {
	if info, exists := KnownModels[modelName]; exists {
		return info.Provider, nil
	}
	for i := range ProviderPatterns {
		if strings.HasPrefix(modelName, ProviderPatterns[i].Prefix) {
			return ProviderPatterns[i].Provider, nil
		}
	}
	return "", fmt.Errorf("cannot infer provider for model %q", modelName)
}

// CalculateCost returns the USD cost of a request. Unknown models cost 0.
func CalculateCost(modelName string, promptTokens, completionTokens int) float64 {
	info, exists := KnownModels[modelName]
	if !exists {
		return 0
	}
	inputCost := (float64(promptTokens) / 1_000_000.0) * info.InputCPM
	outputCost := (float64(completionTokens) / 1_000_000.0) * info.OutputCPM
	return inputCost + outputCost
}

// Config is the root configuration.
type Config struct {
	Orchestrator OrchestratorConfig `koanf:"orchestrator" yaml:"orchestrator"`
	Container    ContainerConfig    `koanf:"container" yaml:"container"`
	Verify       VerifyConfig       `koanf:"verify" yaml:"verify"`
	LLM          LLMConfig          `koanf:"llm" yaml:"llm"`
	Research     ResearchConfig     `koanf:"research" yaml:"research"`
	Persistence  PersistenceConfig  `koanf:"persistence" yaml:"persistence"`
	Metrics      MetricsConfig      `koanf:"metrics" yaml:"metrics"`
	Events       EventsConfig       `koanf:"events" yaml:"events"`
	Secrets      SecretsConfig      `koanf:"secrets" yaml:"secrets"`
}

// OrchestratorConfig governs project scheduling and the healing budget.
type OrchestratorConfig struct {
	MaxIterations         int           `koanf:"max_iterations" yaml:"max_iterations"`
	MaxConcurrentProjects int           `koanf:"max_concurrent_projects" yaml:"max_concurrent_projects"`
	WorkspaceRoot         string        `koanf:"workspace_root" yaml:"workspace_root"`
	SecretsPollInterval   time.Duration `koanf:"secrets_poll_interval" yaml:"secrets_poll_interval"`
	DefaultMode           string        `koanf:"default_mode" yaml:"default_mode"`
}

// ContainerConfig is the sandbox policy applied to every sub-agent container.
type ContainerConfig struct {
	Command         string        `koanf:"command" yaml:"command"` // docker or podman; empty auto-detects
	Image           string        `koanf:"image" yaml:"image"`
	CPUs            string        `koanf:"cpus" yaml:"cpus"`
	Memory          string        `koanf:"memory" yaml:"memory"`
	PIDs            int64         `koanf:"pids" yaml:"pids"`
	User            string        `koanf:"user" yaml:"user"`
	ReadOnly        bool          `koanf:"read_only" yaml:"read_only"`
	NetworkDisabled bool          `koanf:"network_disabled" yaml:"network_disabled"`
	TmpfsSize       string        `koanf:"tmpfs_size" yaml:"tmpfs_size"`
	StopTimeout     time.Duration `koanf:"stop_timeout" yaml:"stop_timeout"`
	TaskTimeout     time.Duration `koanf:"task_timeout" yaml:"task_timeout"`
	StaleAfter      time.Duration `koanf:"stale_after" yaml:"stale_after"` // idle containers older than this are reaped
}

// VerifyConfig lists the verification commands run inside the tester container.
type VerifyConfig struct {
	Install    []string `koanf:"install" yaml:"install"`
	TypeScript []string `koanf:"typescript" yaml:"typescript"`
	ESLint     []string `koanf:"eslint" yaml:"eslint"`
	Test       []string `koanf:"test" yaml:"test"`
}

// LLMConfig selects and tunes the code-generation provider.
type LLMConfig struct {
	Provider          string        `koanf:"provider" yaml:"provider"`
	Model             string        `koanf:"model" yaml:"model"`
	APIKey            string        `koanf:"api_key" yaml:"-"`
	Host              string        `koanf:"host" yaml:"host"`
	MaxTokens         int           `koanf:"max_tokens" yaml:"max_tokens"`
	Temperature       float64       `koanf:"temperature" yaml:"temperature"`
	MaxPromptTokens   int           `koanf:"max_prompt_tokens" yaml:"max_prompt_tokens"`
	RequestsPerMinute int           `koanf:"requests_per_minute" yaml:"requests_per_minute"`
	MaxAttempts       int           `koanf:"max_attempts" yaml:"max_attempts"`
	RetryBaseDelay    time.Duration `koanf:"retry_base_delay" yaml:"retry_base_delay"`
	RequestTimeout    time.Duration `koanf:"request_timeout" yaml:"request_timeout"`
}

// ResearchConfig tunes research polling and caching.
type ResearchConfig struct {
	CacheTTL      time.Duration `koanf:"cache_ttl" yaml:"cache_ttl"`
	CacheMaxBytes int64         `koanf:"cache_max_bytes" yaml:"cache_max_bytes"`
	PollInterval  time.Duration `koanf:"poll_interval" yaml:"poll_interval"`
	MaxPolls      int           `koanf:"max_polls" yaml:"max_polls"`
	KnowledgeDir  string        `koanf:"knowledge_dir" yaml:"knowledge_dir"`
}

// PersistenceConfig locates durable state.
type PersistenceConfig struct {
	DBPath      string `koanf:"db_path" yaml:"db_path"`
	EventLogDir string `koanf:"event_log_dir" yaml:"event_log_dir"`
}

// MetricsConfig controls the Prometheus endpoint and usage queries.
type MetricsConfig struct {
	Enabled       bool   `koanf:"enabled" yaml:"enabled"`
	ListenAddr    string `koanf:"listen_addr" yaml:"listen_addr"`
	PrometheusURL string `koanf:"prometheus_url" yaml:"prometheus_url"`
}

// EventsConfig controls the NATS event bus. Empty URL disables it.
type EventsConfig struct {
	NATSURL       string `koanf:"nats_url" yaml:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix" yaml:"subject_prefix"`
}

// SecretsConfig declares which credentials each plugin needs.
type SecretsConfig struct {
	File     string              `koanf:"file" yaml:"file"`
	Required map[string][]string `koanf:"required" yaml:"required"` // plugin -> env var names
}

// Default returns a fully populated configuration.
func Default() Config {
	return Config{
		Orchestrator: OrchestratorConfig{
			MaxIterations:         5,
			MaxConcurrentProjects: 4,
			WorkspaceRoot:         "work",
			SecretsPollInterval:   30 * time.Second,
			DefaultMode:           ModeMVP,
		},
		Container: ContainerConfig{
			Image:       "node:20-bookworm",
			CPUs:        "2",
			Memory:      "2g",
			PIDs:        1024,
			User:        "1000:1000",
			ReadOnly:    true,
			TmpfsSize:   "512m",
			StopTimeout: 10 * time.Second,
			TaskTimeout: 10 * time.Minute,
			StaleAfter:  30 * time.Minute,
		},
		Verify: VerifyConfig{
			Install:    []string{"npm", "install", "--no-audit", "--no-fund"},
			TypeScript: []string{"npx", "tsc", "--noEmit", "--pretty", "false"},
			ESLint:     []string{"npx", "eslint", "."},
			Test:       []string{"npm", "test", "--", "--reporter=verbose"},
		},
		LLM: LLMConfig{
			Provider:          ProviderAnthropic,
			Model:             "claude-sonnet-4-5",
			MaxTokens:         8192,
			Temperature:       0.2,
			MaxPromptTokens:   60000,
			RequestsPerMinute: 30,
			MaxAttempts:       3,
			RetryBaseDelay:    2 * time.Second,
			RequestTimeout:    3 * time.Minute,
		},
		Research: ResearchConfig{
			CacheTTL:      time.Hour,
			CacheMaxBytes: 64 << 20,
			PollInterval:  5 * time.Second,
			MaxPolls:      60,
			KnowledgeDir:  "knowledge",
		},
		Persistence: PersistenceConfig{
			DBPath:      "autocoder.db",
			EventLogDir: "logs",
		},
		Metrics: MetricsConfig{
			ListenAddr: ":9108",
		},
		Events: EventsConfig{
			SubjectPrefix: "autocoder",
		},
		Secrets: SecretsConfig{
			File:     "secrets.json.enc",
			Required: map[string][]string{},
		},
	}
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Orchestrator.MaxIterations <= 0 {
		errs = append(errs, fmt.Errorf("orchestrator.max_iterations must be positive, got %d", c.Orchestrator.MaxIterations))
	}
	if c.Orchestrator.MaxConcurrentProjects <= 0 {
		errs = append(errs, fmt.Errorf("orchestrator.max_concurrent_projects must be positive, got %d", c.Orchestrator.MaxConcurrentProjects))
	}
	if c.Orchestrator.WorkspaceRoot == "" {
		errs = append(errs, errors.New("orchestrator.workspace_root is required"))
	}
	switch c.Orchestrator.DefaultMode {
	case ModeMVP, ModeFull:
	default:
		errs = append(errs, fmt.Errorf("orchestrator.default_mode must be %q or %q, got %q", ModeMVP, ModeFull, c.Orchestrator.DefaultMode))
	}

	if c.Container.Image == "" {
		errs = append(errs, errors.New("container.image is required"))
	}
	if c.Container.StopTimeout < 0 || c.Container.TaskTimeout <= 0 {
		errs = append(errs, errors.New("container timeouts must be positive"))
	}
	if c.Container.StaleAfter <= c.Container.TaskTimeout {
		errs = append(errs, fmt.Errorf("container.stale_after (%s) must exceed container.task_timeout (%s)",
			c.Container.StaleAfter, c.Container.TaskTimeout))
	}
	if len(c.Verify.TypeScript) == 0 && len(c.Verify.ESLint) == 0 && len(c.Verify.Test) == 0 {
		errs = append(errs, errors.New("verify: at least one verification command is required"))
	}

	switch c.LLM.Provider {
	case ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderOllama:
	default:
		errs = append(errs, fmt.Errorf("llm.provider %q is not supported", c.LLM.Provider))
	}
	if c.LLM.Model == "" {
		errs = append(errs, errors.New("llm.model is required"))
	}
	if c.LLM.MaxAttempts <= 0 {
		errs = append(errs, errors.New("llm.max_attempts must be positive"))
	}

	if c.Research.MaxPolls <= 0 || c.Research.PollInterval <= 0 {
		errs = append(errs, errors.New("research polling must be positive"))
	}

	return errors.Join(errs...)
}

// CommandFor returns the verification command configured for a tool name.
func (v VerifyConfig) CommandFor(tool string) []string {
	switch tool {
	case "typescript":
		return v.TypeScript
	case "eslint":
		return v.ESLint
	case "test":
		return v.Test
	case "install":
		return v.Install
	}
	return nil
}
