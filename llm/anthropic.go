package llm

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/agentplexus/omnivoice-pbx/internal/providers"
	"github.com/agentplexus/omnivoice-pbx/pipeline"
)

// Verify interface compliance at compile time.
var _ pipeline.Responder = (*Anthropic)(nil)

// Anthropic generates replies with the Messages API.
type Anthropic struct {
	client      anthropic.Client
	model       string
	temperature *float32
}

// NewAnthropic creates an Anthropic responder. The SDK's own retries are
// disabled: a turn that fails is abandoned, not repeated.
func NewAnthropic(apiKey string, opts ...Option) *Anthropic {
	cfg := buildOptions(DefaultAnthropicModel, opts)

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(cfg.baseURL) != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	}

	return &Anthropic{
		client:      anthropic.NewClient(reqOpts...),
		model:       cfg.model,
		temperature: cfg.temperature,
	}
}

// Respond sends the conversation and joins the text blocks of the reply.
func (p *Anthropic) Respond(ctx context.Context, req pipeline.ResponseRequest) (*pipeline.Response, error) {
	history := alternating(req.Messages)
	messages := make([]anthropic.MessageParam, 0, len(history))
	for _, m := range history {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == pipeline.RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = pipeline.DefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	if system := systemPrompt(req); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if p.temperature != nil {
		params.Temperature = anthropic.Float(float64(*p.temperature))
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, providers.WrapAnthropic(err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &pipeline.Response{
		Text:             text.String(),
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
	}, nil
}
