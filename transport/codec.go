package transport

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/agentplexus/omnivoice-pbx/codec"
	"github.com/agentplexus/omnivoice-pbx/frame"
)

// Verify interface compliance at compile time.
var (
	_ WireCodec = FrameCodec{}
	_ WireCodec = EnvelopeCodec{}
	_ WireCodec = RawCodec{}
)

// FrameCodec encodes audio as one AudioSocket audio frame.
type FrameCodec struct {
	CallID     string
	Encoding   codec.Encoding
	SampleRate int
}

// Name returns the codec name.
func (c FrameCodec) Name() string {
	return "frame"
}

// Encode resamples the chunk to the stream rate and frames it.
func (c FrameCodec) Encode(chunk codec.AudioChunk) ([]byte, error) {
	payload := c.Encoding.Encode(chunk.Resample(c.SampleRate).Samples)
	return frame.Marshal(c.CallID, frame.KindAudio, payload)
}

// EnvelopeCodec encodes audio as a JSON message with base64 PCM16 and a
// declared sample rate.
type EnvelopeCodec struct {
	SampleRate int
}

type envelope struct {
	Type string       `json:"type"`
	Data envelopeData `json:"data"`
}

type envelopeData struct {
	AudioDataType string `json:"audioDataType"`
	SampleRate    int    `json:"sampleRate"`
	AudioData     string `json:"audioData"`
}

// Name returns the codec name.
func (c EnvelopeCodec) Name() string {
	return "envelope"
}

// Encode resamples the chunk to the declared rate and wraps it.
func (c EnvelopeCodec) Encode(chunk codec.AudioChunk) ([]byte, error) {
	pcm := chunk.Resample(c.SampleRate)
	out, err := json.Marshal(envelope{
		Type: "streamAudio",
		Data: envelopeData{
			AudioDataType: "raw",
			SampleRate:    c.SampleRate,
			AudioData:     base64.StdEncoding.EncodeToString(pcm.Bytes()),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode audio envelope: %w", err)
	}
	return out, nil
}

// RawCodec encodes audio as bare samples.
type RawCodec struct {
	Encoding   codec.Encoding
	SampleRate int
}

// Name returns the codec name.
func (c RawCodec) Name() string {
	return "raw"
}

// Encode resamples the chunk and serializes it.
func (c RawCodec) Encode(chunk codec.AudioChunk) ([]byte, error) {
	return c.Encoding.Encode(chunk.Resample(c.SampleRate).Samples), nil
}
