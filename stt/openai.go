// Package stt provides speech-to-text adapters for the conversation
// pipeline.
//
// OpenAI transcribes each buffered utterance with Whisper. Omnivoice wraps
// any omnivoice streaming speech-to-text provider.
package stt

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/agentplexus/omnivoice-pbx/codec"
	"github.com/agentplexus/omnivoice-pbx/internal/providers"
	"github.com/agentplexus/omnivoice-pbx/pipeline"
)

// Verify interface compliance at compile time.
var _ pipeline.Transcriber = (*OpenAI)(nil)

// OpenAI transcribes audio with the OpenAI transcription endpoint.
type OpenAI struct {
	client   *openai.Client
	model    string
	language string
	prompt   string
}

// Option configures a transcriber.
type Option func(*options)

type options struct {
	model      string
	language   string
	prompt     string
	baseURL    string
	httpClient *http.Client
}

// WithModel sets the transcription model.
func WithModel(model string) Option {
	return func(o *options) {
		o.model = model
	}
}

// WithLanguage sets the ISO-639-1 language hint.
func WithLanguage(language string) Option {
	return func(o *options) {
		o.language = language
	}
}

// WithPrompt biases recognition towards expected vocabulary.
func WithPrompt(prompt string) Option {
	return func(o *options) {
		o.prompt = prompt
	}
}

// WithBaseURL points the client at an OpenAI-compatible server.
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

// NewOpenAI creates a Whisper transcriber.
func NewOpenAI(apiKey string, opts ...Option) *OpenAI {
	cfg := &options{model: openai.Whisper1}
	for _, opt := range opts {
		opt(cfg)
	}

	return &OpenAI{
		client: providers.NewOpenAIClient(providers.OpenAIConfig{
			APIKey:     apiKey,
			BaseURL:    cfg.baseURL,
			HTTPClient: cfg.httpClient,
		}),
		model:    cfg.model,
		language: cfg.language,
		prompt:   cfg.prompt,
	}
}

// Transcribe uploads the audio as a WAV file.
func (p *OpenAI) Transcribe(ctx context.Context, audio codec.AudioChunk) (*pipeline.Transcript, error) {
	resp, err := p.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    p.model,
		FilePath: "utterance.wav",
		Reader:   bytes.NewReader(codec.EncodeWAV(audio)),
		Language: p.language,
		Prompt:   p.prompt,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return nil, providers.WrapOpenAI(err)
	}

	return &pipeline.Transcript{
		Text:     resp.Text,
		Duration: time.Duration(resp.Duration * float64(time.Second)),
	}, nil
}
