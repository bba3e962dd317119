// Package llm provides response generators for the conversation pipeline:
// OpenAI chat completions, Anthropic messages and Google Gemini.
package llm

import (
	"net/http"
	"strings"

	"github.com/agentplexus/omnivoice-pbx/pipeline"
)

// Default models per provider.
const (
	DefaultOpenAIModel    = "gpt-4o-mini"
	DefaultAnthropicModel = "claude-3-5-haiku-latest"
	DefaultGeminiModel    = "gemini-2.0-flash"
)

// callOpened stands in for the caller when a conversation starts with the
// assistant's greeting, for APIs that require a user message first.
const callOpened = "[call connected]"

// Option configures a responder.
type Option func(*options)

type options struct {
	model       string
	baseURL     string
	httpClient  *http.Client
	temperature *float32
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(o *options) {
		o.model = model
	}
}

// WithBaseURL points the client at a compatible server.
func WithBaseURL(url string) Option {
	return func(o *options) {
		o.baseURL = url
	}
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float32) Option {
	return func(o *options) {
		o.temperature = &t
	}
}

func buildOptions(defaultModel string, opts []Option) *options {
	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.model == "" {
		cfg.model = defaultModel
	}
	return cfg
}

// systemPrompt joins the request's system prompt with any system messages
// found in the history.
func systemPrompt(req pipeline.ResponseRequest) string {
	parts := []string{}
	if s := strings.TrimSpace(req.System); s != "" {
		parts = append(parts, s)
	}
	for _, m := range req.Messages {
		if m.Role == pipeline.RoleSystem && strings.TrimSpace(m.Content) != "" {
			parts = append(parts, strings.TrimSpace(m.Content))
		}
	}
	return strings.Join(parts, "\n\n")
}

// alternating drops system messages, merges consecutive messages of the
// same role and makes sure the conversation opens with a user message.
func alternating(messages []pipeline.Message) []pipeline.Message {
	out := make([]pipeline.Message, 0, len(messages)+1)
	for _, m := range messages {
		if m.Role == pipeline.RoleSystem || strings.TrimSpace(m.Content) == "" {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Content += "\n" + m.Content
			continue
		}
		out = append(out, m)
	}
	if len(out) == 0 || out[0].Role != pipeline.RoleUser {
		out = append([]pipeline.Message{{Role: pipeline.RoleUser, Content: callOpened}}, out...)
	}
	return out
}
