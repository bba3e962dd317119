// Package frame implements the framed audio socket wire format.
//
// Each frame is a fixed header followed by a payload:
//
//	[16 bytes call id (UUID)][1 byte kind][2 bytes big-endian length][payload]
//
// The call id of the first frame on a connection identifies the call for the
// rest of the connection.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const (
	// CallIDSize is the width of the call id field.
	CallIDSize = 16

	// HeaderSize is the number of bytes before the payload.
	HeaderSize = CallIDSize + 1 + 2

	// MaxPayload is the largest payload the length field can declare.
	MaxPayload = 0xFFFF
)

var (
	// ErrInvalidCallID is returned when a call id is not a UUID.
	ErrInvalidCallID = errors.New("frame: call id is not a UUID")

	// ErrPayloadTooLarge is returned when a payload does not fit the length field.
	ErrPayloadTooLarge = errors.New("frame: payload too large")
)

// Kind classifies a frame's payload.
type Kind byte

const (
	KindSilence Kind = 0x00
	KindAudio   Kind = 0x01
	KindHangup  Kind = 0x10
)

// Known reports whether k is one of the defined kinds.
func (k Kind) Known() bool {
	switch k {
	case KindSilence, KindAudio, KindHangup:
		return true
	}
	return false
}

func (k Kind) String() string {
	switch k {
	case KindSilence:
		return "silence"
	case KindAudio:
		return "audio"
	case KindHangup:
		return "hangup"
	default:
		return fmt.Sprintf("kind(0x%02x)", byte(k))
	}
}

// Frame is one decoded unit from the audio socket.
type Frame struct {
	CallID string
	Kind   Kind

	// Length is the payload length declared in the header.
	Length int

	// Payload holds min(Length, available) bytes.
	Payload []byte
}

// Truncated reports whether fewer payload bytes arrived than were declared.
func (f *Frame) Truncated() bool {
	return len(f.Payload) < f.Length
}

// Parse decodes a frame from the start of buf. It returns nil when buf is
// shorter than a header. The payload is a sub-slice of buf, cut at the
// declared length or at the end of buf, whichever comes first.
func Parse(buf []byte) *Frame {
	if len(buf) < HeaderSize {
		return nil
	}

	id, _ := uuid.FromBytes(buf[:CallIDSize])
	length := int(binary.BigEndian.Uint16(buf[CallIDSize+1:]))
	end := min(HeaderSize+length, len(buf))

	return &Frame{
		CallID:  id.String(),
		Kind:    Kind(buf[CallIDSize]),
		Length:  length,
		Payload: buf[HeaderSize:end],
	}
}

// Marshal encodes a frame for callID.
func Marshal(callID string, kind Kind, payload []byte) ([]byte, error) {
	id, err := uuid.Parse(callID)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCallID, callID)
	}
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	buf := make([]byte, HeaderSize+len(payload))
	copy(buf, id[:])
	buf[CallIDSize] = byte(kind)
	binary.BigEndian.PutUint16(buf[CallIDSize+1:], uint16(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}
