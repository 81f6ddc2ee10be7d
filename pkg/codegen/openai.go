package codegen

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
)

// OpenAIClient completes prompts with the Responses API.
type OpenAIClient struct {
	client openai.Client
	model  string
}

// NewOpenAIClient creates a client for model.
func NewOpenAIClient(apiKey, model string) *OpenAIClient {
	return &OpenAIClient{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Model returns the configured model name.
func (c *OpenAIClient) Model() string {
	return c.model
}

// Complete sends the system and user prompt as a single input string.
//
//nolint:gocritic // Request is passed by value across all providers
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (Response, error) {
	input := req.Prompt
	if req.System != "" {
		input = req.System + "\n\n" + req.Prompt
	}
	params := responses.ResponseNewParams{
		Model:           c.model,
		MaxOutputTokens: openai.Int(int64(req.MaxTokens)),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(input)},
	}

	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		return Response{}, Classify(err)
	}

	text := resp.OutputText()
	if text == "" {
		return Response{}, NewError(ErrorTypeEmptyResponse, "openai returned no output text")
	}
	return Response{
		Content:          text,
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
	}, nil
}
