package transport

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/agentplexus/omnivoice/transport"
	"github.com/google/uuid"

	"github.com/agentplexus/omnivoice-pbx/codec"
)

// Verify interface compliance at compile time.
var _ Stream = (*ConnectionStream)(nil)

// callInfo is implemented by connections that learn their call id and
// stream parameters from the start of the stream.
type callInfo interface {
	CallSID() string
	Parameters() map[string]string
}

// marker is implemented by connections that can report playback progress.
type marker interface {
	SendMark(name string) error
}

// ConnectionStream adapts an omnivoice transport.Connection carrying
// telephony audio into a Stream.
type ConnectionStream struct {
	conn     transport.Connection
	protocol string
	encoding codec.Encoding
	rate     int

	out     chan Event
	started chan struct{}
	done    chan struct{}
	close   sync.Once

	mu     sync.RWMutex
	callID string
}

// FromConnection adapts conn. Inbound audio is read from conn.AudioOut in
// 20 ms packets once the stream has started. The call id is taken from the
// "call_id" stream parameter, falling back to the call SID.
func FromConnection(conn transport.Connection, protocol string, opts ...StreamOption) *ConnectionStream {
	cfg := defaultStreamOptions()
	cfg.encoding = codec.EncodingMulaw
	for _, opt := range opts {
		opt(cfg)
	}

	s := &ConnectionStream{
		conn:     conn,
		protocol: protocol,
		encoding: cfg.encoding,
		rate:     cfg.rate,
		out:      make(chan Event, 64),
		started:  make(chan struct{}),
		done:     make(chan struct{}),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.pumpEvents()
	}()
	go func() {
		defer wg.Done()
		s.pumpAudio()
	}()
	go func() {
		wg.Wait()
		close(s.out)
	}()

	return s
}

// Protocol returns the wire format name.
func (s *ConnectionStream) Protocol() string {
	return s.protocol
}

// CallID returns the call id, empty until the stream starts.
func (s *ConnectionStream) CallID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.callID
}

// emit delivers ev unless the stream has been closed.
func (s *ConnectionStream) emit(ev Event) bool {
	select {
	case s.out <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *ConnectionStream) pumpEvents() {
	var once sync.Once
	markStarted := func() { once.Do(func() { close(s.started) }) }
	// Unblock the audio pump if the stream never starts.
	defer markStarted()

	for ev := range s.conn.Events() {
		switch ev.Type {
		case transport.EventAudioStarted:
			meta := map[string]string{}
			callID := s.conn.ID()
			if info, ok := s.conn.(callInfo); ok {
				for k, v := range info.Parameters() {
					meta[k] = v
				}
				callID = info.CallSID()
			}
			if id := meta["call_id"]; id != "" {
				callID = id
			}

			s.mu.Lock()
			s.callID = callID
			s.mu.Unlock()

			s.emit(Event{Kind: EventStart, CallID: callID, Metadata: meta})
			markStarted()

		case transport.EventDTMF:
			s.emit(Event{Kind: EventUnknown, CallID: s.CallID(), Raw: []byte(fmt.Sprint(ev.Data))})

		case transport.EventAudioStopped:
			s.emit(Event{Kind: EventHangup, CallID: s.CallID()})

		case transport.EventError:
			s.emit(Event{Kind: EventMalformed, CallID: s.CallID(), Err: ev.Error})
		}
	}
}

func (s *ConnectionStream) pumpAudio() {
	<-s.started
	if s.CallID() == "" {
		_, _ = io.Copy(io.Discard, s.conn.AudioOut())
		return
	}

	buf := make([]byte, s.rate*int(PacketDuration.Milliseconds())/1000*s.encoding.BytesPerSample())
	for {
		n, err := s.conn.AudioOut().Read(buf)
		if n > 0 {
			data := buf[:n]
			if s.encoding == codec.EncodingPCM16 && len(data)%2 == 1 {
				data = data[:len(data)-1]
			}
			ok := s.emit(Event{
				Kind:   EventAudio,
				CallID: s.CallID(),
				Audio:  codec.AudioChunk{Samples: s.encoding.Decode(data), SampleRate: s.rate},
			})
			if !ok {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// Next returns the next event.
func (s *ConnectionStream) Next(ctx context.Context) (Event, error) {
	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case ev, ok := <-s.out:
		if !ok {
			return Event{}, io.EOF
		}
		return ev, nil
	}
}

// Send writes the chunk to the connection's audio input and, when the
// connection supports it, follows it with a playback mark.
func (s *ConnectionStream) Send(ctx context.Context, chunk codec.AudioChunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := RawCodec{Encoding: s.encoding, SampleRate: s.rate}.Encode(chunk)
	if err != nil {
		return err
	}
	if _, err := s.conn.AudioIn().Write(data); err != nil {
		return err
	}
	if m, ok := s.conn.(marker); ok {
		return m.SendMark(uuid.NewString())
	}
	return nil
}

// Close closes the underlying connection.
func (s *ConnectionStream) Close() error {
	s.close.Do(func() { close(s.done) })
	return s.conn.Close()
}
