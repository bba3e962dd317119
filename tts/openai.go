// Package tts provides text-to-speech for the conversation pipeline.
//
// OpenAI implements the omnivoice tts.Provider contract on top of the OpenAI
// speech endpoint. Omnivoice adapts any omnivoice provider, OpenAI included,
// to the pipeline's Synthesizer.
package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	omnitts "github.com/agentplexus/omnivoice/tts"
	"github.com/sashabaranov/go-openai"

	"github.com/agentplexus/omnivoice-pbx/internal/providers"
)

// Verify interface compliance at compile time.
var _ omnitts.Provider = (*OpenAI)(nil)

// OpenAIRate is the sample rate of OpenAI's raw PCM output.
const OpenAIRate = 24000

// streamChunkBytes is 100 ms of 24 kHz PCM16.
const streamChunkBytes = OpenAIRate / 10 * 2

// OpenAI synthesizes speech with the OpenAI audio API as raw 24 kHz PCM16.
type OpenAI struct {
	client       *openai.Client
	defaultVoice string
	defaultModel string

	mu          sync.RWMutex
	voicesCache []omnitts.Voice
}

// Option configures the OpenAI provider.
type Option func(*options)

type options struct {
	voice      string
	model      string
	baseURL    string
	httpClient *http.Client
}

// WithVoice sets the default voice.
func WithVoice(voice string) Option {
	return func(o *options) {
		o.voice = voice
	}
}

// WithModel sets the default speech model.
func WithModel(model string) Option {
	return func(o *options) {
		o.model = model
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

// NewOpenAI creates an OpenAI speech provider.
func NewOpenAI(apiKey string, opts ...Option) *OpenAI {
	cfg := &options{
		voice: string(openai.VoiceAlloy),
		model: string(openai.TTSModel1),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &OpenAI{
		client: providers.NewOpenAIClient(providers.OpenAIConfig{
			APIKey:     apiKey,
			BaseURL:    cfg.baseURL,
			HTTPClient: cfg.httpClient,
		}),
		defaultVoice: cfg.voice,
		defaultModel: cfg.model,
	}
}

// Name returns the provider name.
func (p *OpenAI) Name() string {
	return "openai"
}

func (p *OpenAI) speech(ctx context.Context, text string, config omnitts.SynthesisConfig) (io.ReadCloser, error) {
	voice := config.VoiceID
	if voice == "" {
		voice = p.defaultVoice
	}
	model := config.Model
	if model == "" {
		model = p.defaultModel
	}

	resp, err := p.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(model),
		Input:          text,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: openai.SpeechResponseFormatPcm,
	})
	if err != nil {
		return nil, providers.WrapOpenAI(err)
	}
	return resp, nil
}

// Synthesize converts text to raw PCM16 at OpenAIRate.
func (p *OpenAI) Synthesize(ctx context.Context, text string, config omnitts.SynthesisConfig) (*omnitts.SynthesisResult, error) {
	body, err := p.speech(ctx, text, config)
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()

	audio, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read speech: %w", err)
	}
	if len(audio) == 0 {
		return nil, errors.New("openai returned no audio")
	}

	return &omnitts.SynthesisResult{
		Audio:          audio,
		Format:         pcmFormat(OpenAIRate),
		CharacterCount: len(text),
	}, nil
}

// SynthesizeStream delivers the speech in 100 ms chunks as it downloads.
func (p *OpenAI) SynthesizeStream(ctx context.Context, text string, config omnitts.SynthesisConfig) (<-chan omnitts.StreamChunk, error) {
	body, err := p.speech(ctx, text, config)
	if err != nil {
		return nil, err
	}

	out := make(chan omnitts.StreamChunk, 8)
	go func() {
		defer close(out)
		defer func() { _ = body.Close() }()

		buf := make([]byte, streamChunkBytes)
		for {
			n, err := io.ReadFull(body, buf)
			if n > 0 {
				chunk := omnitts.StreamChunk{Audio: append([]byte(nil), buf[:n]...)}
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				select {
				case out <- omnitts.StreamChunk{IsFinal: true}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()

	return out, nil
}

// ListVoices returns the built-in OpenAI voices.
func (p *OpenAI) ListVoices(ctx context.Context) ([]omnitts.Voice, error) {
	p.mu.RLock()
	if p.voicesCache != nil {
		cached := make([]omnitts.Voice, len(p.voicesCache))
		copy(cached, p.voicesCache)
		p.mu.RUnlock()
		return cached, nil
	}
	p.mu.RUnlock()

	voices := openAIVoices()

	p.mu.Lock()
	p.voicesCache = voices
	p.mu.Unlock()

	return voices, nil
}

// GetVoice returns a specific voice by ID.
func (p *OpenAI) GetVoice(ctx context.Context, voiceID string) (*omnitts.Voice, error) {
	voices, err := p.ListVoices(ctx)
	if err != nil {
		return nil, err
	}

	for _, v := range voices {
		if v.ID == voiceID {
			return &v, nil
		}
	}

	return nil, fmt.Errorf("voice not found: %s", voiceID)
}

func openAIVoices() []omnitts.Voice {
	voices := []struct{ id, gender string }{
		{"alloy", "neutral"},
		{"ash", "male"},
		{"coral", "female"},
		{"echo", "male"},
		{"fable", "male"},
		{"nova", "female"},
		{"onyx", "male"},
		{"sage", "female"},
		{"shimmer", "female"},
	}

	out := make([]omnitts.Voice, 0, len(voices))
	for _, v := range voices {
		out = append(out, omnitts.Voice{
			ID:       v.id,
			Name:     v.id,
			Language: "multi",
			Gender:   v.gender,
			Provider: "openai",
		})
	}
	return out
}

func pcmFormat(rate int) string {
	return "pcm_" + strconv.Itoa(rate)
}
