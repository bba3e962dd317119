package tts

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	omnitts "github.com/agentplexus/omnivoice/tts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplexus/omnivoice-pbx/codec"
	"github.com/agentplexus/omnivoice-pbx/pipeline"
)

// speechServer serves n samples of 24 kHz PCM for every speech request and
// records the last request body.
func speechServer(t *testing.T, n int) (*httptest.Server, func() map[string]any) {
	t.Helper()

	var (
		mu   sync.Mutex
		last map[string]any
	)
	pcm := codec.PCM16ToBytes(make([]int16, n))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/speech", r.URL.Path)
		var body map[string]any
		data, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(data, &body))
		mu.Lock()
		last = body
		mu.Unlock()

		w.Header().Set("Content-Type", "audio/pcm")
		_, _ = w.Write(pcm)
	}))
	t.Cleanup(srv.Close)

	return srv, func() map[string]any {
		mu.Lock()
		defer mu.Unlock()
		return last
	}
}

func TestOpenAISynthesize(t *testing.T) {
	srv, last := speechServer(t, 2400)
	p := NewOpenAI("sk-test", WithBaseURL(srv.URL+"/v1"), WithVoice("nova"))

	res, err := p.Synthesize(context.Background(), "Hello there.", omnitts.SynthesisConfig{})
	require.NoError(t, err)
	assert.Len(t, res.Audio, 4800)
	assert.Equal(t, "pcm_24000", res.Format)
	assert.Equal(t, 12, res.CharacterCount)

	body := last()
	assert.Equal(t, "Hello there.", body["input"])
	assert.Equal(t, "nova", body["voice"])
	assert.Equal(t, "tts-1", body["model"])
	assert.Equal(t, "pcm", body["response_format"])

	_, err = p.Synthesize(context.Background(), "Hi", omnitts.SynthesisConfig{VoiceID: "onyx", Model: "tts-1-hd"})
	require.NoError(t, err)
	body = last()
	assert.Equal(t, "onyx", body["voice"])
	assert.Equal(t, "tts-1-hd", body["model"])
}

func TestOpenAISynthesizeStream(t *testing.T) {
	// 250 ms: two full 100 ms chunks and a half chunk.
	srv, _ := speechServer(t, 6000)
	p := NewOpenAI("sk-test", WithBaseURL(srv.URL+"/v1"))

	ch, err := p.SynthesizeStream(context.Background(), "Hello", omnitts.SynthesisConfig{})
	require.NoError(t, err)

	var sizes []int
	var final bool
	for c := range ch {
		if c.IsFinal {
			final = true
			continue
		}
		sizes = append(sizes, len(c.Audio))
	}
	assert.Equal(t, []int{4800, 4800, 2400}, sizes)
	assert.True(t, final)
}

func TestOpenAIVoices(t *testing.T) {
	p := NewOpenAI("sk-test")

	voices, err := p.ListVoices(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, voices)

	v, err := p.GetVoice(context.Background(), "shimmer")
	require.NoError(t, err)
	assert.Equal(t, "openai", v.Provider)

	_, err = p.GetVoice(context.Background(), "nope")
	assert.Error(t, err)
}

type fakeProvider struct {
	result *omnitts.SynthesisResult
	err    error
	got    omnitts.SynthesisConfig
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Synthesize(_ context.Context, _ string, config omnitts.SynthesisConfig) (*omnitts.SynthesisResult, error) {
	f.got = config
	return f.result, f.err
}

func (f *fakeProvider) SynthesizeStream(context.Context, string, omnitts.SynthesisConfig) (<-chan omnitts.StreamChunk, error) {
	return nil, nil
}

func (f *fakeProvider) ListVoices(context.Context) ([]omnitts.Voice, error) { return nil, nil }

func (f *fakeProvider) GetVoice(context.Context, string) (*omnitts.Voice, error) { return nil, nil }

func TestOmnivoiceWithOpenAI(t *testing.T) {
	srv, _ := speechServer(t, 2400)
	s := NewOmnivoice(NewOpenAI("sk-test", WithBaseURL(srv.URL+"/v1")))

	chunk, err := s.Synthesize(context.Background(), pipeline.SynthesisRequest{Text: "Hi"})
	require.NoError(t, err)
	assert.Equal(t, OpenAIRate, chunk.SampleRate)
	assert.Len(t, chunk.Samples, 2400)
}

func TestOmnivoiceFormats(t *testing.T) {
	mulaw := codec.PCM16ToMulaw(make([]int16, 160))
	wav := codec.EncodeWAV(codec.AudioChunk{Samples: make([]int16, 320), SampleRate: 16000})

	tests := []struct {
		name    string
		format  string
		audio   []byte
		opts    []OmnivoiceOption
		rate    int
		samples int
	}{
		{"ulaw", "ulaw_8000", mulaw, nil, 8000, 160},
		{"wav", "wav", wav, nil, 16000, 320},
		{"declared", "", codec.PCM16ToBytes(make([]int16, 100)), []OmnivoiceOption{WithFormat(codec.EncodingPCM16, 22050)}, 22050, 100},
		{"unknown name", "opus", codec.PCM16ToBytes(make([]int16, 100)), nil, OpenAIRate, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeProvider{result: &omnitts.SynthesisResult{Audio: tt.audio, Format: tt.format}}
			chunk, err := NewOmnivoice(f, tt.opts...).Synthesize(context.Background(), pipeline.SynthesisRequest{Text: "x"})
			require.NoError(t, err)
			assert.Equal(t, tt.rate, chunk.SampleRate)
			assert.Len(t, chunk.Samples, tt.samples)
		})
	}
}

func TestOmnivoiceVoiceAndErrors(t *testing.T) {
	f := &fakeProvider{result: &omnitts.SynthesisResult{}}
	s := NewOmnivoice(f, WithDefaultVoice("default-voice"), WithSynthesisModel("m1"))

	_, err := s.Synthesize(context.Background(), pipeline.SynthesisRequest{Text: "x"})
	assert.ErrorContains(t, err, "no audio")
	assert.Equal(t, "default-voice", f.got.VoiceID)
	assert.Equal(t, "m1", f.got.Model)

	_, _ = s.Synthesize(context.Background(), pipeline.SynthesisRequest{Text: "x", VoiceID: "v2"})
	assert.Equal(t, "v2", f.got.VoiceID)

	f.result = &omnitts.SynthesisResult{Audio: []byte("RIFFxxxx"), Format: "wav"}
	_, err = s.Synthesize(context.Background(), pipeline.SynthesisRequest{Text: "x"})
	assert.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in   string
		want Format
		ok   bool
	}{
		{"pcm_16000", Format{Encoding: codec.EncodingPCM16, SampleRate: 16000}, true},
		{"PCM", Format{Encoding: codec.EncodingPCM16, SampleRate: OpenAIRate}, true},
		{"ulaw_8000", Format{Encoding: codec.EncodingMulaw, SampleRate: 8000}, true},
		{"mulaw", Format{Encoding: codec.EncodingMulaw, SampleRate: 8000}, true},
		{"wav", Format{Encoding: codec.EncodingPCM16, WAV: true}, true},
		{"pcm_abc", Format{}, false},
		{"mp3_44100_128", Format{}, false},
		{"", Format{}, false},
	}
	for _, tt := range tests {
		got, ok := ParseFormat(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
