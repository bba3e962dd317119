package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	pbx "github.com/agentplexus/omnivoice-pbx"
	"github.com/agentplexus/omnivoice-pbx/codec"
)

// Verify interface compliance at compile time.
var _ Stream = (*AudioStreamConn)(nil)

var errNotNegotiated = errors.New("audio before format negotiation")

// AudioStreamConn is a WebSocket audio stream in the FreeSWITCH
// mod_audio_stream format: a JSON text message negotiates the call id,
// format and metadata, then binary messages carry raw samples. Outbound
// audio is sent as JSON envelopes.
type AudioStreamConn struct {
	ws       *websocket.Conn
	encoding codec.Encoding
	rate     int

	mu     sync.RWMutex
	callID string

	writeMu sync.Mutex
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// UpgradeAudioStream upgrades an HTTP request to an audio stream.
func UpgradeAudioStream(w http.ResponseWriter, r *http.Request, opts ...StreamOption) (*AudioStreamConn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade failed: %w", err)
	}
	return NewAudioStreamConn(ws, opts...), nil
}

// NewAudioStreamConn wraps an upgraded WebSocket connection. The options
// give the format assumed until the negotiation message overrides it.
func NewAudioStreamConn(ws *websocket.Conn, opts ...StreamOption) *AudioStreamConn {
	cfg := defaultStreamOptions()
	for _, opt := range opts {
		opt(cfg)
	}
	return &AudioStreamConn{
		ws:       ws,
		encoding: cfg.encoding,
		rate:     cfg.rate,
	}
}

// Protocol returns the wire format name.
func (c *AudioStreamConn) Protocol() string {
	return pbx.ProtocolAudioStream
}

// CallID returns the negotiated call id.
func (c *AudioStreamConn) CallID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.callID
}

// Attach sets the call id of a connection whose negotiation carried none.
// It has no effect once a call id is known.
func (c *AudioStreamConn) Attach(callID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.callID == "" {
		c.callID = callID
	}
}

// Next returns the next event.
func (c *AudioStreamConn) Next(ctx context.Context) (Event, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.ws.SetReadDeadline(time.Now())
	})
	mt, data, err := c.ws.ReadMessage()
	stop()

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Event{}, ctxErr
		}
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Event{}, io.EOF
		}
		return Event{}, err
	}

	callID := c.CallID()
	if callID == "" {
		if mt != websocket.TextMessage {
			return Event{Kind: EventMalformed, Raw: data, Err: errNotNegotiated}, nil
		}
		return c.negotiate(data), nil
	}

	switch mt {
	case websocket.BinaryMessage:
		if c.encoding == codec.EncodingPCM16 && len(data)%2 == 1 {
			data = data[:len(data)-1]
		}
		return Event{
			Kind:   EventAudio,
			CallID: callID,
			Audio:  codec.AudioChunk{Samples: c.encoding.Decode(data), SampleRate: c.rate},
		}, nil
	default:
		var ctl struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &ctl) == nil && ctl.Type == "hangup" {
			return Event{Kind: EventHangup, CallID: callID}, nil
		}
		return Event{Kind: EventUnknown, CallID: callID, Raw: data}, nil
	}
}

// negotiate reads the opening JSON message. It must carry call_id; it may
// override sample_rate and encoding.
func (c *AudioStreamConn) negotiate(data []byte) Event {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{Kind: EventMalformed, Raw: data, Err: fmt.Errorf("negotiation: %w", err)}
	}

	meta := make(map[string]string, len(raw))
	for k, v := range raw {
		switch v := v.(type) {
		case string:
			meta[k] = v
		case float64:
			meta[k] = strconv.FormatFloat(v, 'f', -1, 64)
		default:
			b, _ := json.Marshal(v)
			meta[k] = string(b)
		}
	}

	callID := meta["call_id"]
	if callID == "" {
		return Event{Kind: EventMalformed, Raw: data, Err: errors.New("negotiation: missing call_id")}
	}
	c.mu.Lock()
	c.callID = callID
	if rate, err := strconv.Atoi(meta["sample_rate"]); err == nil && rate > 0 {
		c.rate = rate
	}
	if e, err := codec.ParseEncoding(meta["encoding"]); err == nil {
		c.encoding = e
	}
	c.mu.Unlock()

	return Event{Kind: EventStart, CallID: callID, Metadata: meta}
}

// Send plays the chunk as one JSON envelope at the negotiated rate.
func (c *AudioStreamConn) Send(ctx context.Context, chunk codec.AudioChunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := EnvelopeCodec{SampleRate: c.sampleRate()}.Encode(chunk)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
	}
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

func (c *AudioStreamConn) sampleRate() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rate
}

// Close closes the connection.
func (c *AudioStreamConn) Close() error {
	return c.ws.Close()
}
