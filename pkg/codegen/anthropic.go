package codegen

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicClient completes prompts with the Messages API.
type AnthropicClient struct {
	client anthropic.Client
	model  string
}

// NewAnthropicClient creates a client for model.
func NewAnthropicClient(apiKey, model string) *AnthropicClient {
	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Model returns the configured model name.
func (c *AnthropicClient) Model() string {
	return c.model
}

// Complete sends a single user message.
//
//nolint:gocritic // Request is passed by value across all providers
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (Response, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(req.MaxTokens),
		Messages: []anthropic.MessageParam{{
			Role:    anthropic.MessageParamRole("user"),
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(req.Prompt)},
		}},
		Temperature: anthropic.Float(float64(req.temperature())),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System, Type: "text"}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, Classify(err)
	}

	var b strings.Builder
	for i := range resp.Content {
		block := resp.Content[i]
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}
	if b.Len() == 0 {
		return Response{}, NewError(ErrorTypeEmptyResponse, "anthropic returned no text content")
	}

	return Response{
		Content:          b.String(),
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
		StopReason:       string(resp.StopReason),
	}, nil
}
