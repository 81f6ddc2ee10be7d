package codegen

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/genai"
)

// GeminiClient completes prompts with the Gemini API. The underlying client
// is created on first use because construction needs a context.
type GeminiClient struct {
	client *genai.Client
	apiKey string
	model  string
	mu     sync.Mutex
}

// NewGeminiClient creates a client for model.
func NewGeminiClient(apiKey, model string) *GeminiClient {
	return &GeminiClient{apiKey: apiKey, model: model}
}

// Model returns the configured model name.
func (g *GeminiClient) Model() string {
	return g.model
}

func (g *GeminiClient) ensureClient(ctx context.Context) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		return g.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  g.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, NewErrorWithCause(ErrorTypeAuth, err, "failed to create Gemini client")
	}
	g.client = client
	return client, nil
}

// Complete sends a single user turn.
//
//nolint:gocritic // Request is passed by value across all providers
func (g *GeminiClient) Complete(ctx context.Context, req Request) (Response, error) {
	client, err := g.ensureClient(ctx)
	if err != nil {
		return Response{}, err
	}

	temperature := req.temperature()
	//nolint:gosec // bounded by config validation
	config := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: int32(req.MaxTokens),
	}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}

	contents := []*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: req.Prompt}}}}
	result, err := client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return Response{}, Classify(err)
	}

	text := result.Text()
	if text == "" {
		return Response{}, NewError(ErrorTypeEmptyResponse, fmt.Sprintf("gemini %s returned no text", g.model))
	}
	resp := Response{Content: text}
	if result.UsageMetadata != nil {
		resp.PromptTokens = int(result.UsageMetadata.PromptTokenCount)
		resp.CompletionTokens = int(result.UsageMetadata.CandidatesTokenCount)
	}
	return resp, nil
}
