package tts

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	omnitts "github.com/agentplexus/omnivoice/tts"

	"github.com/agentplexus/omnivoice-pbx/codec"
	"github.com/agentplexus/omnivoice-pbx/pipeline"
)

// Verify interface compliance at compile time.
var _ pipeline.Synthesizer = (*Omnivoice)(nil)

// Omnivoice adapts an omnivoice tts.Provider to the pipeline.
//
// The audio format is read from the result's Format when it names one
// ("pcm_24000", "ulaw_8000", "wav"); otherwise the declared format applies.
type Omnivoice struct {
	provider omnitts.Provider
	voice    string
	model    string
	encoding codec.Encoding
	rate     int
}

// OmnivoiceOption configures the adapter.
type OmnivoiceOption func(*omnivoiceOptions)

type omnivoiceOptions struct {
	voice    string
	model    string
	encoding codec.Encoding
	rate     int
}

// WithDefaultVoice sets the voice used when a request names none.
func WithDefaultVoice(voice string) OmnivoiceOption {
	return func(o *omnivoiceOptions) {
		o.voice = voice
	}
}

// WithSynthesisModel sets the provider model.
func WithSynthesisModel(model string) OmnivoiceOption {
	return func(o *omnivoiceOptions) {
		o.model = model
	}
}

// WithFormat declares the provider's output format.
func WithFormat(encoding codec.Encoding, rate int) OmnivoiceOption {
	return func(o *omnivoiceOptions) {
		o.encoding = encoding
		o.rate = rate
	}
}

// NewOmnivoice wraps provider. The declared format defaults to 24 kHz PCM16.
func NewOmnivoice(provider omnitts.Provider, opts ...OmnivoiceOption) *Omnivoice {
	cfg := &omnivoiceOptions{
		encoding: codec.EncodingPCM16,
		rate:     OpenAIRate,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &Omnivoice{
		provider: provider,
		voice:    cfg.voice,
		model:    cfg.model,
		encoding: cfg.encoding,
		rate:     cfg.rate,
	}
}

// Synthesize speaks req.Text and decodes the result to PCM samples.
func (o *Omnivoice) Synthesize(ctx context.Context, req pipeline.SynthesisRequest) (codec.AudioChunk, error) {
	voice := req.VoiceID
	if voice == "" {
		voice = o.voice
	}

	res, err := o.provider.Synthesize(ctx, req.Text, omnitts.SynthesisConfig{
		VoiceID: voice,
		Model:   o.model,
	})
	if err != nil {
		return codec.AudioChunk{}, err
	}
	if res == nil || len(res.Audio) == 0 {
		return codec.AudioChunk{}, fmt.Errorf("%s returned no audio", o.provider.Name())
	}

	audio := res.Audio
	enc, rate := o.encoding, o.rate
	if f, ok := ParseFormat(res.Format); ok {
		enc, rate = f.Encoding, f.SampleRate
		if f.WAV {
			var err error
			if audio, rate, err = stripWAV(audio); err != nil {
				return codec.AudioChunk{}, err
			}
		}
	}

	return codec.AudioChunk{Samples: enc.Decode(audio), SampleRate: rate}, nil
}

// Format is a provider output format.
type Format struct {
	Encoding   codec.Encoding
	SampleRate int

	// WAV means the samples are wrapped in a RIFF container.
	WAV bool
}

// ParseFormat reads names like "pcm_16000", "ulaw_8000", "mulaw" or "wav".
func ParseFormat(s string) (Format, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "wav" {
		return Format{Encoding: codec.EncodingPCM16, WAV: true}, true
	}

	name, rateStr, hasRate := strings.Cut(s, "_")
	enc, err := codec.ParseEncoding(name)
	if err != nil && name == "pcm" {
		enc, err = codec.EncodingPCM16, nil
	}
	if err != nil {
		return Format{}, false
	}

	rate := codec.TelephonyRate
	if enc == codec.EncodingPCM16 {
		rate = OpenAIRate
	}
	if hasRate {
		r, err := strconv.Atoi(rateStr)
		if err != nil || r <= 0 {
			return Format{}, false
		}
		rate = r
	}
	return Format{Encoding: enc, SampleRate: rate}, true
}

// stripWAV returns the data chunk of a PCM16 WAV file and its sample rate.
func stripWAV(b []byte) ([]byte, int, error) {
	if len(b) < 12 || !bytes.Equal(b[0:4], []byte("RIFF")) || !bytes.Equal(b[8:12], []byte("WAVE")) {
		return nil, 0, errors.New("not a WAV file")
	}

	rate := 0
	for off := 12; off+8 <= len(b); {
		id := string(b[off : off+4])
		size := int(binary.LittleEndian.Uint32(b[off+4:]))
		body := off + 8
		switch id {
		case "fmt ":
			if body+8 <= len(b) {
				rate = int(binary.LittleEndian.Uint32(b[body+4:]))
			}
		case "data":
			end := min(body+size, len(b))
			if rate <= 0 {
				return nil, 0, errors.New("WAV data before format")
			}
			return b[body:end], rate, nil
		}
		off = body + size + size%2
	}
	return nil, 0, errors.New("WAV file has no data chunk")
}
