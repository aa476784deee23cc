package infrastructure

import (
	"context"
	"errors"
	"net"

	openai "github.com/sashabaranov/go-openai"

	"botfactory/internal/entities"
)

// OpenAIClient generates replies through the OpenAI chat completions API.
// A custom base URL lets it talk to any compatible endpoint.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

func NewOpenAIClient(apiKey, model, baseURL string) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

func (o *OpenAIClient) Generate(ctx context.Context, prompt entities.Prompt) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(prompt.History)+len(prompt.Context)+2)

	system := prompt.System
	for _, c := range prompt.Context {
		system += "\n\nMa'lumot:\n" + c
	}
	if system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, turn := range prompt.History {
		role := openai.ChatMessageRoleUser
		if turn.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: turn.Text})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt.UserMessage,
	})

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    messages,
		Temperature: float32(prompt.Temperature),
		MaxTokens:   prompt.MaxTokens,
	})
	if err != nil {
		return "", classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", entities.NewProviderError(false, "openai returned no choices", nil)
	}
	return resp.Choices[0].Message.Content, nil
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		transient := apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
		return entities.NewProviderError(transient, "openai: "+apiErr.Message, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return entities.NewProviderError(true, "openai request failed", err)
	}
	// Unknown transport failures are treated as retryable.
	return entities.NewProviderError(true, "openai request failed", err)
}
