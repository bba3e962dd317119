package llm

import (
	"context"
	"errors"

	"github.com/sashabaranov/go-openai"

	"github.com/agentplexus/omnivoice-pbx/internal/providers"
	"github.com/agentplexus/omnivoice-pbx/pipeline"
)

// Verify interface compliance at compile time.
var _ pipeline.Responder = (*OpenAI)(nil)

// OpenAI generates replies with the chat completions API.
type OpenAI struct {
	client      *openai.Client
	model       string
	temperature *float32
}

// NewOpenAI creates an OpenAI responder.
func NewOpenAI(apiKey string, opts ...Option) *OpenAI {
	cfg := buildOptions(DefaultOpenAIModel, opts)
	return &OpenAI{
		client: providers.NewOpenAIClient(providers.OpenAIConfig{
			APIKey:     apiKey,
			BaseURL:    cfg.baseURL,
			HTTPClient: cfg.httpClient,
		}),
		model:       cfg.model,
		temperature: cfg.temperature,
	}
}

// Respond sends the system prompt and history and returns the first choice.
func (p *OpenAI) Respond(ctx context.Context, req pipeline.ResponseRequest) (*pipeline.Response, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if system := systemPrompt(req); system != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range req.Messages {
		switch m.Role {
		case pipeline.RoleUser:
			messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content})
		case pipeline.RoleAssistant:
			messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content})
		}
	}

	creq := openai.ChatCompletionRequest{
		Model:     p.model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	}
	if p.temperature != nil {
		creq.Temperature = *p.temperature
	}

	resp, err := p.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return nil, providers.WrapOpenAI(err)
	}
	if len(resp.Choices) == 0 {
		return nil, providers.Wrap("openai", 0, errors.New("no choices in response"))
	}

	return &pipeline.Response{
		Text:             resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}
