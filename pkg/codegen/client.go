// Package codegen is the code-generation capability: LLM provider clients,
// retry and rate limiting around them, and the Generator that turns project
// plans and diagnosed errors into workspace files.
package codegen

import "context"

// Temperatures used for generation.
const (
	// TemperatureDeterministic is used for patches and scaffolding.
	TemperatureDeterministic float32 = 0.2
	// TemperatureDefault is used when a request leaves temperature unset.
	TemperatureDefault float32 = 0.3
)

// Request is one single-turn completion.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float32
}

// Response is the text a provider produced plus its token accounting.
type Response struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	StopReason       string
}

// LLMClient is a black-box text completion capability.
type LLMClient interface {
	Complete(ctx context.Context, req Request) (Response, error)
	Model() string
}

func (r *Request) temperature() float32 {
	if r.Temperature <= 0 {
		return TemperatureDefault
	}
	return r.Temperature
}
