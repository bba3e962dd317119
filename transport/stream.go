// Package transport carries call audio between the switch and the bridge.
//
// Three wire formats are supported: framed TCP (AudioSocket), raw PCM over
// WebSocket with a JSON negotiation message (FreeSWITCH mod_audio_stream),
// and Twilio Media Streams. Each is exposed as a Stream so the session layer
// never sees the framing.
package transport

import (
	"context"
	"time"

	"github.com/agentplexus/omnivoice-pbx/codec"
)

// PacketDuration is the length of one outbound audio packet.
const PacketDuration = 20 * time.Millisecond

// EventKind classifies an inbound stream event.
type EventKind int

const (
	// EventStart is delivered once, when the call id becomes known.
	EventStart EventKind = iota

	// EventAudio carries decoded caller audio.
	EventAudio

	// EventSilence marks a gap the switch reported instead of audio.
	EventSilence

	// EventHangup reports that the caller hung up.
	EventHangup

	// EventUnknown carries a frame of a kind this package does not define.
	EventUnknown

	// EventMalformed reports an inbound message that could not be decoded.
	// The stream stays usable.
	EventMalformed
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventAudio:
		return "audio"
	case EventSilence:
		return "silence"
	case EventHangup:
		return "hangup"
	case EventUnknown:
		return "unknown"
	case EventMalformed:
		return "malformed"
	default:
		return "invalid"
	}
}

// Event is one inbound occurrence on a stream.
type Event struct {
	Kind   EventKind
	CallID string

	// Audio is set for EventAudio.
	Audio codec.AudioChunk

	// Metadata is set for EventStart when the switch sent any.
	Metadata map[string]string

	// Raw is the undecoded payload of EventUnknown and EventMalformed.
	Raw []byte

	// Err explains EventMalformed.
	Err error
}

// Stream is one call's bidirectional audio connection.
//
// Next is called from a single goroutine. Send may be called concurrently
// with Next.
type Stream interface {
	// Protocol names the wire format.
	Protocol() string

	// Next blocks for the next inbound event. It returns io.EOF once the
	// connection has closed.
	Next(ctx context.Context) (Event, error)

	// Send plays audio into the call.
	Send(ctx context.Context, chunk codec.AudioChunk) error

	// Close closes the connection.
	Close() error
}

// WireCodec encodes outbound audio into one wire message.
type WireCodec interface {
	Name() string
	Encode(chunk codec.AudioChunk) ([]byte, error)
}
