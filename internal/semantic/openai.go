package semantic

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures the chat completion backend of the AI strategy
type OpenAIConfig struct {
	APIKey      string
	Model       string
	Temperature float32
	// BaseURL points at an OpenAI compatible endpoint; empty uses the default
	BaseURL string
}

// DefaultOpenAIModel is used when no model is configured
const DefaultOpenAIModel = openai.GPT4oMini

// OpenAICompleter implements Completer with go-openai
type OpenAICompleter struct {
	client      *openai.Client
	model       string
	temperature float32
}

// NewOpenAICompleter creates a completer
func NewOpenAICompleter(config OpenAIConfig) (*OpenAICompleter, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("openai completer requires an API key")
	}
	if config.Model == "" {
		config.Model = DefaultOpenAIModel
	}

	cc := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		cc.BaseURL = config.BaseURL
	}
	return &OpenAICompleter{
		client:      openai.NewClientWithConfig(cc),
		model:       config.Model,
		temperature: config.Temperature,
	}, nil
}

// Complete implements Completer. The reply is requested as a JSON object.
func (c *OpenAICompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: c.temperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: system,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}
