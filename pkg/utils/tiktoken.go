package utils

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter counts and truncates text by tokens. Every provider is
// approximated with the GPT-4 encoding.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a counter. model is currently informational.
func NewTokenCounter(model string) (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec for model %s: %w", model, err)
	}
	return &TokenCounter{codec: codec}, nil
}

// CountTokens returns the token count, estimating 4 chars per token on failure.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc == nil || tc.codec == nil {
		return len(text) / 4
	}
	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// TruncateToTokenLimit cuts text to at most limit tokens on a token boundary.
func (tc *TokenCounter) TruncateToTokenLimit(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if tc == nil || tc.codec == nil {
		if len(text) <= limit*4 {
			return text
		}
		return text[:limit*4]
	}

	ids, _, err := tc.codec.Encode(text)
	if err != nil || len(ids) <= limit {
		return text
	}
	truncated, err := tc.codec.Decode(ids[:limit])
	if err != nil {
		return text[:min(len(text), limit*4)]
	}
	return truncated
}
