package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	pbx "github.com/agentplexus/omnivoice-pbx"
	"github.com/agentplexus/omnivoice-pbx/codec"
	"github.com/agentplexus/omnivoice-pbx/frame"
)

// Verify interface compliance at compile time.
var _ Stream = (*AudioSocketStream)(nil)

// AudioSocketStream is a framed TCP audio stream. The call id of the first
// frame identifies the call; later frames are attributed to it.
type AudioSocketStream struct {
	conn     net.Conn
	reader   *frame.Reader
	encoding codec.Encoding
	rate     int
	pace     bool

	mu      sync.RWMutex
	callID  string
	pending []Event
	eof     bool

	writeMu sync.Mutex
}

// StreamOption configures a stream.
type StreamOption func(*streamOptions)

type streamOptions struct {
	encoding codec.Encoding
	rate     int
	pace     bool
}

func defaultStreamOptions() *streamOptions {
	return &streamOptions{
		encoding: codec.EncodingPCM16,
		rate:     codec.TelephonyRate,
	}
}

// WithEncoding sets the sample encoding of the audio payloads.
func WithEncoding(e codec.Encoding) StreamOption {
	return func(o *streamOptions) {
		o.encoding = e
	}
}

// WithSampleRate sets the sample rate of the audio payloads.
func WithSampleRate(rate int) StreamOption {
	return func(o *streamOptions) {
		o.rate = rate
	}
}

// WithPacing sends outbound audio no faster than real time.
func WithPacing(enabled bool) StreamOption {
	return func(o *streamOptions) {
		o.pace = enabled
	}
}

// NewAudioSocketStream wraps an accepted AudioSocket connection.
func NewAudioSocketStream(conn net.Conn, opts ...StreamOption) *AudioSocketStream {
	cfg := defaultStreamOptions()
	for _, opt := range opts {
		opt(cfg)
	}
	return &AudioSocketStream{
		conn:     conn,
		reader:   frame.NewReader(conn),
		encoding: cfg.encoding,
		rate:     cfg.rate,
		pace:     cfg.pace,
	}
}

// Protocol returns the wire format name.
func (s *AudioSocketStream) Protocol() string {
	return pbx.ProtocolAudioSocket
}

// CallID returns the call id, empty until the first frame arrives.
func (s *AudioSocketStream) CallID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.callID
}

// Next returns the next event. A frame cut short by the end of the
// connection is delivered with the bytes that arrived, then io.EOF.
func (s *AudioSocketStream) Next(ctx context.Context) (Event, error) {
	if len(s.pending) > 0 {
		ev := s.pending[0]
		s.pending = s.pending[1:]
		return ev, nil
	}
	if s.eof {
		return Event{}, io.EOF
	}

	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	f, err := s.reader.Next()
	stop()

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Event{}, ctxErr
		}
		if f == nil || !errors.Is(err, io.ErrUnexpectedEOF) {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
				err = io.EOF
			}
			return Event{}, err
		}
		s.eof = true
	}

	callID := s.CallID()
	if callID == "" {
		callID = f.CallID
		s.mu.Lock()
		s.callID = callID
		s.mu.Unlock()
		s.pending = append(s.pending, s.decode(callID, f))
		return Event{Kind: EventStart, CallID: callID}, nil
	}
	return s.decode(callID, f), nil
}

func (s *AudioSocketStream) decode(callID string, f *frame.Frame) Event {
	ev := Event{CallID: callID}

	switch f.Kind {
	case frame.KindAudio:
		payload := f.Payload
		if s.encoding == codec.EncodingPCM16 && len(payload)%2 == 1 {
			payload = payload[:len(payload)-1]
		}
		ev.Kind = EventAudio
		ev.Audio = codec.AudioChunk{Samples: s.encoding.Decode(payload), SampleRate: s.rate}
	case frame.KindSilence:
		ev.Kind = EventSilence
	case frame.KindHangup:
		ev.Kind = EventHangup
	default:
		ev.Kind = EventUnknown
		ev.Raw = f.Payload
		ev.Err = fmt.Errorf("frame %s", f.Kind)
	}
	return ev
}

// Send frames the chunk into 20 ms packets and writes them.
func (s *AudioSocketStream) Send(ctx context.Context, chunk codec.AudioChunk) error {
	callID := s.CallID()
	if callID == "" {
		return fmt.Errorf("audiosocket: call id not yet known")
	}
	enc := FrameCodec{CallID: callID, Encoding: s.encoding, SampleRate: s.rate}
	return writePackets(ctx, chunk, s.pace, func(part codec.AudioChunk) error {
		buf, err := enc.Encode(part)
		if err != nil {
			return err
		}
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		_, err = s.conn.Write(buf)
		return err
	})
}

// Hangup tells the switch to end the call.
func (s *AudioSocketStream) Hangup() error {
	callID := s.CallID()
	if callID == "" {
		return nil
	}
	buf, err := frame.Marshal(callID, frame.KindHangup, nil)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.conn.Write(buf)
	return err
}

// Close closes the connection.
func (s *AudioSocketStream) Close() error {
	return s.conn.Close()
}

// writePackets splits chunk into PacketDuration pieces and hands each to
// write, optionally spacing them in real time.
func writePackets(ctx context.Context, chunk codec.AudioChunk, pace bool, write func(codec.AudioChunk) error) error {
	parts := chunk.Split(PacketDuration)

	var ticker *time.Ticker
	if pace && len(parts) > 1 {
		ticker = time.NewTicker(PacketDuration)
		defer ticker.Stop()
	}

	for i, part := range parts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ticker != nil && i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
		if err := write(part); err != nil {
			return err
		}
	}
	return nil
}
