package render

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// OpenAIPersonalizer rewrites step content through the OpenAI chat
// completions API.
type OpenAIPersonalizer struct {
	client *openai.Client
	model  string
}

// NewOpenAIPersonalizer creates an OpenAI-backed personalizer.
func NewOpenAIPersonalizer(apiKey, model string) *OpenAIPersonalizer {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIPersonalizer{
		client: openai.NewClient(apiKey),
		model:  model,
	}
}

func (p *OpenAIPersonalizer) Name() string { return "openai" }

// Complete sends the prompt as a single-shot chat completion.
func (p *OpenAIPersonalizer) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "You are a real estate marketing assistant. Respond with only the rewritten message text, no commentary.",
			},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0.7,
		MaxTokens:   600,
	})
	if err != nil {
		return "", fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai completion: no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}
