package codegen

import (
	"fmt"
	"os"

	"autocoder/pkg/config"
)

// NewClient builds the provider client named by cfg, wrapped with retries
// and rate limiting. API keys fall back to the provider's environment
// variable.
func NewClient(cfg *config.LLMConfig) (LLMClient, error) {
	var client LLMClient
	switch cfg.Provider {
	case config.ProviderAnthropic:
		key := firstNonEmpty(cfg.APIKey, os.Getenv(config.EnvAnthropicAPIKey))
		if key == "" {
			return nil, fmt.Errorf("%s is not set", config.EnvAnthropicAPIKey)
		}
		client = NewAnthropicClient(key, cfg.Model)
	case config.ProviderOpenAI:
		key := firstNonEmpty(cfg.APIKey, os.Getenv(config.EnvOpenAIAPIKey))
		if key == "" {
			return nil, fmt.Errorf("%s is not set", config.EnvOpenAIAPIKey)
		}
		client = NewOpenAIClient(key, cfg.Model)
	case config.ProviderGoogle:
		key := firstNonEmpty(cfg.APIKey, os.Getenv(config.EnvGoogleAPIKey))
		if key == "" {
			return nil, fmt.Errorf("%s is not set", config.EnvGoogleAPIKey)
		}
		client = NewGeminiClient(key, cfg.Model)
	case config.ProviderOllama:
		client = NewOllamaClient(firstNonEmpty(cfg.Host, os.Getenv(config.EnvOllamaHost), DefaultOllamaHost), cfg.Model)
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}

	policy := DefaultRetryPolicy
	policy.MaxAttempts = cfg.MaxAttempts
	if cfg.RetryBaseDelay > 0 {
		policy.InitialDelay = cfg.RetryBaseDelay
	}
	return NewResilientClient(client, policy, cfg.RequestsPerMinute, cfg.RequestTimeout), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
