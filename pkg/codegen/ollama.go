package codegen

import (
	"context"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
)

// DefaultOllamaHost is used when no host is configured.
const DefaultOllamaHost = "http://localhost:11434"

// OllamaClient completes prompts against a local Ollama server.
type OllamaClient struct {
	client *api.Client
	model  string
}

// NewOllamaClient creates a client for model at hostURL.
func NewOllamaClient(hostURL, model string) *OllamaClient {
	parsedURL, err := url.Parse(hostURL)
	if err != nil || hostURL == "" {
		parsedURL, _ = url.Parse(DefaultOllamaHost)
	}
	return &OllamaClient{
		client: api.NewClient(parsedURL, http.DefaultClient),
		model:  model,
	}
}

// Model returns the configured model name.
func (o *OllamaClient) Model() string {
	return o.model
}

// Complete runs a non-streaming chat request.
//
//nolint:gocritic // Request is passed by value across all providers
func (o *OllamaClient) Complete(ctx context.Context, req Request) (Response, error) {
	var messages []api.Message
	if req.System != "" {
		messages = append(messages, api.Message{Role: "system", Content: req.System})
	}
	messages = append(messages, api.Message{Role: "user", Content: req.Prompt})

	stream := false
	chatReq := &api.ChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": req.temperature(),
			"num_predict": req.MaxTokens,
		},
	}

	var response api.ChatResponse
	err := o.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return Response{}, Classify(err)
	}
	if response.Message.Content == "" {
		return Response{}, NewError(ErrorTypeEmptyResponse, "ollama returned an empty message")
	}
	return Response{
		Content:          response.Message.Content,
		PromptTokens:     response.PromptEvalCount,
		CompletionTokens: response.EvalCount,
		StopReason:       response.DoneReason,
	}, nil
}
