// Package codec converts telephony audio between encodings and sample rates.
package codec

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Sample rates used on the media path.
const (
	// TelephonyRate is the narrowband rate spoken by PBX audio streams.
	TelephonyRate = 8000

	// TranscriptionRate is the rate speech-to-text providers are fed.
	TranscriptionRate = 16000
)

// Encoding is a sample encoding on the wire.
type Encoding string

const (
	// EncodingMulaw is G.711 µ-law, one byte per sample.
	EncodingMulaw Encoding = "mulaw"

	// EncodingPCM16 is signed 16-bit little-endian linear PCM ("slin").
	EncodingPCM16 Encoding = "pcm16"
)

// ParseEncoding maps a configuration or negotiation string to an Encoding.
func ParseEncoding(s string) (Encoding, error) {
	switch s {
	case "mulaw", "ulaw", "pcmu", "audio/x-mulaw":
		return EncodingMulaw, nil
	case "pcm16", "slin", "l16", "linear16", "audio/x-l16":
		return EncodingPCM16, nil
	default:
		return "", fmt.Errorf("unknown audio encoding %q", s)
	}
}

// BytesPerSample returns the size of one sample in this encoding.
func (e Encoding) BytesPerSample() int {
	if e == EncodingMulaw {
		return 1
	}
	return 2
}

// Encode serializes samples in this encoding.
func (e Encoding) Encode(s []int16) []byte {
	if e == EncodingMulaw {
		return PCM16ToMulaw(s)
	}
	return PCM16ToBytes(s)
}

// Decode parses wire bytes in this encoding. A trailing odd byte of PCM16 is
// ignored.
func (e Encoding) Decode(b []byte) []int16 {
	if e == EncodingMulaw {
		return MulawToPCM16(b)
	}
	return BytesToPCM16(b)
}

// PCM16ToBytes serializes samples as little-endian 16-bit PCM.
func PCM16ToBytes(s []int16) []byte {
	out := make([]byte, len(s)*2)
	for i, v := range s {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// BytesToPCM16 parses little-endian 16-bit PCM.
func BytesToPCM16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// AudioChunk is a run of mono PCM16 samples at a known rate.
type AudioChunk struct {
	Samples    []int16
	SampleRate int
}

// Len returns the number of samples.
func (c AudioChunk) Len() int {
	return len(c.Samples)
}

// Duration returns the playback length of the chunk.
func (c AudioChunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}

// Resample returns the chunk converted to rate.
func (c AudioChunk) Resample(rate int) AudioChunk {
	return AudioChunk{
		Samples:    ResampleLinear(c.Samples, c.SampleRate, rate),
		SampleRate: rate,
	}
}

// Bytes returns the chunk as little-endian PCM16.
func (c AudioChunk) Bytes() []byte {
	return PCM16ToBytes(c.Samples)
}

// Split cuts the chunk into pieces of at most d each. The last piece may be
// shorter.
func (c AudioChunk) Split(d time.Duration) []AudioChunk {
	per := int(int64(c.SampleRate) * int64(d) / int64(time.Second))
	if per <= 0 || len(c.Samples) <= per {
		return []AudioChunk{c}
	}

	out := make([]AudioChunk, 0, (len(c.Samples)+per-1)/per)
	for start := 0; start < len(c.Samples); start += per {
		end := min(start+per, len(c.Samples))
		out = append(out, AudioChunk{Samples: c.Samples[start:end], SampleRate: c.SampleRate})
	}
	return out
}
