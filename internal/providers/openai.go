package providers

import (
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig selects an OpenAI-compatible endpoint.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// NewOpenAIClient builds a go-openai client. An empty BaseURL keeps the
// public API; any OpenAI-compatible server can be used instead.
func NewOpenAIClient(cfg OpenAIConfig) *openai.Client {
	c := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		c.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		c.HTTPClient = cfg.HTTPClient
	}
	return openai.NewClientWithConfig(c)
}
