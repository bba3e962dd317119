package transport

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/agentplexus/omnivoice/transport"
	"github.com/gorilla/websocket"

	pbx "github.com/agentplexus/omnivoice-pbx"
)

// Verify interface compliance at compile time.
var (
	_ transport.Transport          = (*MediaStreams)(nil)
	_ transport.TelephonyTransport = (*MediaStreams)(nil)
	_ transport.Connection         = (*Connection)(nil)
)

// ErrBadSignature is returned when a Media Streams upgrade request is not
// signed with the configured auth token.
var ErrBadSignature = errors.New("media streams: invalid request signature")

// Queue depths per connection. Inbound audio beyond inboundLimit drops the
// oldest bytes; outbound messages beyond outboxSize drop the oldest message.
const (
	inboundLimit = 64 << 10
	outboxSize   = 100
	eventsSize   = 100
	acceptSize   = 10
)

// errUnsupported reports a telephony control that a media stream cannot
// perform; the call has to be updated through signaling instead.
func errUnsupported(op string) error {
	return fmt.Errorf("media streams: %s is not supported on a media stream; use signaling", op)
}

// MediaStreams accepts Twilio Media Streams WebSocket connections and
// hands them to listeners registered by HTTP path.
type MediaStreams struct {
	accountSID string
	authToken  string
	publicURL  string
	logger     *slog.Logger

	mu        sync.RWMutex
	live      map[string]*Connection
	listeners map[string]chan transport.Connection
	onDTMF    func(conn transport.Connection, digit string)
}

// MediaStreamsOption configures MediaStreams.
type MediaStreamsOption func(*MediaStreams)

// WithAccountSID accepts only streams started by this account.
func WithAccountSID(sid string) MediaStreamsOption {
	return func(p *MediaStreams) {
		p.accountSID = sid
	}
}

// WithAuthToken verifies the X-Twilio-Signature of upgrade requests.
func WithAuthToken(token string) MediaStreamsOption {
	return func(p *MediaStreams) {
		p.authToken = token
	}
}

// WithPublicURL sets the externally visible base URL (scheme and host)
// that Twilio signs, for deployments behind a proxy.
func WithPublicURL(url string) MediaStreamsOption {
	return func(p *MediaStreams) {
		p.publicURL = url
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) MediaStreamsOption {
	return func(p *MediaStreams) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewMediaStreams creates a Twilio Media Streams transport.
func NewMediaStreams(opts ...MediaStreamsOption) *MediaStreams {
	p := &MediaStreams{
		logger:    slog.Default(),
		live:      make(map[string]*Connection),
		listeners: make(map[string]chan transport.Connection),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("protocol", pbx.ProtocolMediaStreams)
	return p
}

// Name returns the transport name.
func (p *MediaStreams) Name() string {
	return pbx.ProtocolMediaStreams
}

// Protocol returns the underlying protocol.
func (p *MediaStreams) Protocol() string {
	return "websocket"
}

// Listen registers a listener for connections arriving on the HTTP path
// addr. The channel is closed by Close.
func (p *MediaStreams) Listen(_ context.Context, addr string) (<-chan transport.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, dup := p.listeners[addr]; dup {
		return nil, fmt.Errorf("media streams: already listening on %s", addr)
	}
	ch := make(chan transport.Connection, acceptSize)
	p.listeners[addr] = ch
	return ch, nil
}

// Handler returns an http.Handler that accepts Media Stream connections
// for the listener registered on path.
func (p *MediaStreams) Handler(path string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := p.HandleWebSocket(w, r, path); err != nil {
			p.logger.Warn("media stream rejected", "remote_addr", r.RemoteAddr, "error", err)
		}
	})
}

// HandleWebSocket upgrades a Media Streams request and delivers the
// connection to the listener on listenerPath.
func (p *MediaStreams) HandleWebSocket(w http.ResponseWriter, r *http.Request, listenerPath string) error {
	if p.authToken != "" && !p.signed(r) {
		http.Error(w, "invalid signature", http.StatusForbidden)
		return ErrBadSignature
	}

	p.mu.RLock()
	accept, ok := p.listeners[listenerPath]
	p.mu.RUnlock()
	if !ok {
		http.Error(w, "no listener", http.StatusServiceUnavailable)
		return fmt.Errorf("media streams: no listener on %s", listenerPath)
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("websocket upgrade failed: %w", err)
	}

	conn := newConnection(p, ws)
	select {
	case accept <- conn:
	default:
		p.logger.Warn("media stream listener full, dropping connection", "remote_addr", r.RemoteAddr)
		_ = conn.Close()
	}
	return nil
}

// signed checks X-Twilio-Signature, base64(HMAC-SHA1(token, url)).
func (p *MediaStreams) signed(r *http.Request) bool {
	got, err := base64.StdEncoding.DecodeString(r.Header.Get("X-Twilio-Signature"))
	if err != nil || len(got) == 0 {
		return false
	}

	base := p.publicURL
	if base == "" {
		scheme := "ws"
		if r.TLS != nil {
			scheme = "wss"
		}
		base = scheme + "://" + r.Host
	}

	mac := hmac.New(sha1.New, []byte(p.authToken))
	mac.Write([]byte(base + r.URL.RequestURI()))
	return hmac.Equal(got, mac.Sum(nil))
}

// Connect is not supported: Twilio always dials in to Media Streams.
func (p *MediaStreams) Connect(context.Context, string, transport.Config) (transport.Connection, error) {
	return nil, errUnsupported("outbound connect")
}

// Close closes every listener and live connection.
func (p *MediaStreams) Close() error {
	p.mu.Lock()
	live := p.live
	for _, ch := range p.listeners {
		close(ch)
	}
	p.live = make(map[string]*Connection)
	p.listeners = make(map[string]chan transport.Connection)
	p.mu.Unlock()

	for _, conn := range live {
		_ = conn.Close()
	}
	return nil
}

// SendDTMF is not supported on a media stream.
func (p *MediaStreams) SendDTMF(transport.Connection, string) error {
	return errUnsupported("DTMF")
}

// OnDTMF registers a callback for digits pressed by the caller.
func (p *MediaStreams) OnDTMF(handler func(conn transport.Connection, digit string)) {
	p.mu.Lock()
	p.onDTMF = handler
	p.mu.Unlock()
}

// Transfer is not supported on a media stream.
func (p *MediaStreams) Transfer(transport.Connection, string) error {
	return errUnsupported("transfer")
}

// Hold is not supported on a media stream.
func (p *MediaStreams) Hold(transport.Connection) error {
	return errUnsupported("hold")
}

// Unhold is not supported on a media stream.
func (p *MediaStreams) Unhold(transport.Connection) error {
	return errUnsupported("unhold")
}

func (p *MediaStreams) track(sid string, c *Connection) {
	p.mu.Lock()
	p.live[sid] = c
	p.mu.Unlock()
}

func (p *MediaStreams) untrack(sid string, c *Connection) {
	p.mu.Lock()
	if p.live[sid] == c {
		delete(p.live, sid)
	}
	p.mu.Unlock()
}

func (p *MediaStreams) dtmfHandler() func(transport.Connection, string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.onDTMF
}

// Connection is one Media Stream. AudioOut yields the caller's 8 kHz µ-law;
// bytes written to AudioIn are played into the call.
type Connection struct {
	ws       *websocket.Conn
	provider *MediaStreams
	events   chan transport.Event
	inbound  *inboundAudio
	outbox   *outbox
	done     chan struct{}
	shut     sync.Once

	mu     sync.RWMutex
	stream string
	call   string
	params map[string]string
}

func newConnection(p *MediaStreams, ws *websocket.Conn) *Connection {
	c := &Connection{
		ws:       ws,
		provider: p,
		events:   make(chan transport.Event, eventsSize),
		inbound:  newInboundAudio(inboundLimit),
		outbox:   newOutbox(outboxSize),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

// ID returns the stream SID, empty until the start message.
func (c *Connection) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stream
}

// CallSID returns the call SID from the start message.
func (c *Connection) CallSID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.call
}

// Parameters returns the custom parameters of the start message.
func (c *Connection) Parameters() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.params
}

// AudioIn returns the writer for µ-law played into the call.
func (c *Connection) AudioIn() io.WriteCloser {
	return c.outbox
}

// AudioOut returns the reader for the caller's µ-law.
func (c *Connection) AudioOut() io.Reader {
	return c.inbound
}

// Events returns the event channel. It is closed when the stream ends.
func (c *Connection) Events() <-chan transport.Event {
	return c.events
}

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

// SendMark queues a mark after the audio written so far. Twilio echoes it
// once playback reaches that point.
func (c *Connection) SendMark(name string) error {
	return c.outbox.push(outbound{mark: name})
}

// Close closes the connection.
func (c *Connection) Close() error {
	c.shut.Do(func() {
		close(c.done)
		_ = c.outbox.Close()
		_ = c.ws.Close()
		c.provider.untrack(c.ID(), c)
	})
	return nil
}

func (c *Connection) emit(ev transport.Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// streamMessage is the JSON envelope of every Media Streams message.
type streamMessage struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid,omitempty"`
	Start     *streamStart `json:"start,omitempty"`
	Media     *streamMedia `json:"media,omitempty"`
	Mark      *streamMark  `json:"mark,omitempty"`
	DTMF      *streamDigit `json:"dtmf,omitempty"`
}

type streamStart struct {
	StreamSID    string            `json:"streamSid"`
	AccountSID   string            `json:"accountSid"`
	CallSID      string            `json:"callSid"`
	CustomParams map[string]string `json:"customParameters"`
}

type streamMedia struct {
	Track   string `json:"track,omitempty"`
	Payload string `json:"payload"`
}

type streamMark struct {
	Name string `json:"name"`
}

type streamDigit struct {
	Digit string `json:"digit"`
}

// readLoop owns the events channel and the inbound audio; both are closed
// when it returns.
func (c *Connection) readLoop() {
	defer func() {
		_ = c.Close()
		c.inbound.close()
		close(c.events)
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.readFailed(err)
			return
		}

		var msg streamMessage
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if !c.handle(&msg) {
			return
		}
	}
}

func (c *Connection) readFailed(err error) {
	closing := false
	select {
	case <-c.done:
		closing = true
	default:
	}
	if !closing && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.emit(transport.Event{Type: transport.EventError, Error: err})
	}
	c.emit(transport.Event{Type: transport.EventDisconnected})
}

// handle processes one message and reports whether to keep reading.
func (c *Connection) handle(msg *streamMessage) bool {
	switch msg.Event {
	case "connected":
		c.emit(transport.Event{Type: transport.EventConnected})

	case "start":
		if msg.Start == nil {
			return true
		}
		start := msg.Start
		if want := c.provider.accountSID; want != "" && start.AccountSID != want {
			c.provider.logger.Warn("media stream from foreign account", "account_sid", start.AccountSID)
			return false
		}
		c.mu.Lock()
		c.stream, c.call, c.params = start.StreamSID, start.CallSID, start.CustomParams
		c.mu.Unlock()
		c.provider.track(start.StreamSID, c)
		c.emit(transport.Event{Type: transport.EventAudioStarted, Data: start.CallSID})

	case "media":
		if msg.Media == nil || msg.Media.Payload == "" {
			return true
		}
		if audio, err := base64.StdEncoding.DecodeString(msg.Media.Payload); err == nil {
			c.inbound.push(audio)
		}

	case "dtmf":
		if msg.DTMF == nil {
			return true
		}
		c.emit(transport.Event{Type: transport.EventDTMF, Data: msg.DTMF.Digit})
		if fn := c.provider.dtmfHandler(); fn != nil {
			fn(c, msg.DTMF.Digit)
		}

	case "stop":
		c.emit(transport.Event{Type: transport.EventAudioStopped})
		c.emit(transport.Event{Type: transport.EventDisconnected})
		return false
	}
	return true
}

// writeLoop sends queued audio and marks in order.
func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case item, ok := <-c.outbox.items:
			if !ok {
				return
			}
			msg := streamMessage{Event: "media", StreamSID: c.ID()}
			if item.mark != "" {
				msg.Event = "mark"
				msg.Mark = &streamMark{Name: item.mark}
			} else {
				msg.Media = &streamMedia{Payload: base64.StdEncoding.EncodeToString(item.audio)}
			}
			if c.ws.WriteJSON(msg) != nil {
				return
			}
		}
	}
}

// outbound is one queued message: audio, or a mark when mark is set.
type outbound struct {
	audio []byte
	mark  string
}

// outbox queues outbound messages for the write loop. When full, the
// oldest message is discarded.
type outbox struct {
	items chan outbound

	mu     sync.Mutex
	closed bool
}

func newOutbox(size int) *outbox {
	return &outbox{items: make(chan outbound, size)}
}

func (o *outbox) Write(p []byte) (int, error) {
	if err := o.push(outbound{audio: append([]byte(nil), p...)}); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (o *outbox) push(item outbound) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return io.ErrClosedPipe
	}
	for {
		select {
		case o.items <- item:
			return nil
		default:
		}
		select {
		case <-o.items:
		default:
		}
	}
}

func (o *outbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.items)
	}
	return nil
}

// inboundAudio buffers the caller's audio between the read loop and
// AudioOut readers. Beyond limit bytes the oldest audio is dropped.
type inboundAudio struct {
	mu     sync.Mutex
	ready  *sync.Cond
	buf    []byte
	limit  int
	closed bool
}

func newInboundAudio(limit int) *inboundAudio {
	a := &inboundAudio{limit: limit}
	a.ready = sync.NewCond(&a.mu)
	return a
}

func (a *inboundAudio) push(b []byte) {
	a.mu.Lock()
	a.buf = append(a.buf, b...)
	if over := len(a.buf) - a.limit; over > 0 {
		a.buf = a.buf[over:]
	}
	a.mu.Unlock()
	a.ready.Signal()
}

// Read blocks until audio is available and returns io.EOF once the
// stream has ended and the buffer is drained.
func (a *inboundAudio) Read(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for len(a.buf) == 0 && !a.closed {
		a.ready.Wait()
	}
	if len(a.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, a.buf)
	a.buf = a.buf[n:]
	return n, nil
}

func (a *inboundAudio) close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.ready.Broadcast()
}
