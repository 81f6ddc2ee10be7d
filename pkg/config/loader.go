package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	goyaml "gopkg.in/yaml.v3"

	"autocoder/pkg/logx"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "AUTOCODER_"

	maxConfigFileSize = 1024 * 1024
)

// Load reads configuration with the following precedence (highest first):
//  1. AUTOCODER_<SECTION>_<FIELD> environment variables
//  2. the YAML file at path (skipped when path is empty or missing)
//  3. Default()
//
// Environment names split on the first underscore after the prefix:
//
//	AUTOCODER_ORCHESTRATOR_MAX_ITERATIONS -> orchestrator.max_iterations
//	AUTOCODER_LLM_API_KEY                 -> llm.api_key
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		if content != nil {
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	resolveAPIKey(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	logx.NewLogger("config").Info("configuration loaded (provider=%s model=%s max_iterations=%d)",
		cfg.LLM.Provider, cfg.LLM.Model, cfg.Orchestrator.MaxIterations)
	return &cfg, nil
}

func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// resolveAPIKey fills LLM credentials from the provider's conventional
// environment variable when the config leaves them empty.
func resolveAPIKey(cfg *Config) {
	switch cfg.LLM.Provider {
	case ProviderAnthropic:
		if cfg.LLM.APIKey == "" {
			cfg.LLM.APIKey = os.Getenv(EnvAnthropicAPIKey)
		}
	case ProviderOpenAI:
		if cfg.LLM.APIKey == "" {
			cfg.LLM.APIKey = os.Getenv(EnvOpenAIAPIKey)
		}
	case ProviderGoogle:
		if cfg.LLM.APIKey == "" {
			cfg.LLM.APIKey = os.Getenv(EnvGoogleAPIKey)
		}
	case ProviderOllama:
		if cfg.LLM.Host == "" {
			cfg.LLM.Host = os.Getenv(EnvOllamaHost)
		}
		if cfg.LLM.Host == "" {
			cfg.LLM.Host = "http://localhost:11434"
		}
	}
}

// Save writes cfg as YAML. Credentials are never written.
func Save(cfg *Config, path string) error {
	data, err := goyaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
