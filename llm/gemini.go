package llm

import (
	"context"
	"fmt"
	"math"
	"strings"

	"google.golang.org/genai"

	"github.com/agentplexus/omnivoice-pbx/internal/providers"
	"github.com/agentplexus/omnivoice-pbx/pipeline"
)

// Verify interface compliance at compile time.
var _ pipeline.Responder = (*Gemini)(nil)

// Gemini generates replies with the Gemini API.
type Gemini struct {
	client      *genai.Client
	model       string
	temperature *float32
}

// NewGemini creates a Gemini responder.
func NewGemini(ctx context.Context, apiKey string, opts ...Option) (*Gemini, error) {
	cfg := buildOptions(DefaultGeminiModel, opts)

	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.baseURL}
	}
	if cfg.httpClient != nil {
		cc.HTTPClient = cfg.httpClient
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create client: %w", err)
	}

	return &Gemini{
		client:      client,
		model:       cfg.model,
		temperature: cfg.temperature,
	}, nil
}

// Respond generates content for the conversation.
func (p *Gemini) Respond(ctx context.Context, req pipeline.ResponseRequest) (*pipeline.Response, error) {
	history := alternating(req.Messages)
	contents := make([]*genai.Content, 0, len(history))
	for _, m := range history {
		role := genai.RoleUser
		if m.Role == pipeline.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: m.Content}},
		})
	}

	config := &genai.GenerateContentConfig{}
	if system := systemPrompt(req); system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(min(req.MaxTokens, math.MaxInt32))
	}
	if p.temperature != nil {
		config.Temperature = p.temperature
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, config)
	if err != nil {
		return nil, providers.WrapGemini(err)
	}

	var text strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part != nil && !part.Thought {
				text.WriteString(part.Text)
			}
		}
		break
	}

	out := &pipeline.Response{Text: text.String()}
	if resp.UsageMetadata != nil {
		out.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}
