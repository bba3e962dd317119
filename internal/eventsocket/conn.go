// Package eventsocket speaks the FreeSWITCH event socket line protocol.
//
// Messages are "Key: Value" header lines terminated by a blank line. A
// Content-Length header announces a body that follows the blank line.
package eventsocket

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// Content types sent by the switch.
const (
	ContentAuthRequest  = "auth/request"
	ContentCommandReply = "command/reply"
	ContentAPIResponse  = "api/response"
	ContentDisconnect   = "text/disconnect-notice"
)

// DefaultMaxMessageBytes bounds a single message, headers and body together.
const DefaultMaxMessageBytes = 64 * 1024

var (
	// ErrAuthRejected is returned when the switch refuses the credentials.
	ErrAuthRejected = errors.New("eventsocket: authentication rejected")

	// ErrMessageTooLarge is returned when a message exceeds the byte cap.
	ErrMessageTooLarge = errors.New("eventsocket: message exceeds size limit")

	// ErrUnexpectedMessage is returned when the switch sends a message the
	// current exchange does not allow.
	ErrUnexpectedMessage = errors.New("eventsocket: unexpected message")
)

// Message is one protocol message.
type Message struct {
	Headers map[string]string
	Body    string
}

// Header returns the value of key, or "".
func (m *Message) Header(key string) string {
	return m.Headers[key]
}

// ContentType returns the Content-Type header.
func (m *Message) ContentType() string {
	return m.Headers["Content-Type"]
}

// Reply returns the status line of the message: the Reply-Text header for
// command replies and the body for API responses.
func (m *Message) Reply() string {
	if r := m.Headers["Reply-Text"]; r != "" {
		return r
	}
	return strings.TrimSpace(m.Body)
}

// OK reports whether the reply carries the +OK success marker.
func (m *Message) OK() bool {
	return strings.HasPrefix(m.Reply(), "+OK")
}

// Conn is a client connection to an event socket.
type Conn struct {
	conn     net.Conn
	r        *bufio.Reader
	maxBytes int
}

// Option configures a Conn.
type Option func(*options)

type options struct {
	maxBytes int
}

// WithMaxMessageBytes caps the size of a single message.
func WithMaxMessageBytes(n int) Option {
	return func(o *options) {
		o.maxBytes = n
	}
}

// Dial connects to an event socket at addr.
func Dial(ctx context.Context, addr string, timeout time.Duration, opts ...Option) (*Conn, error) {
	d := net.Dialer{Timeout: timeout}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewConn(c, opts...), nil
}

// NewConn wraps an established connection.
func NewConn(c net.Conn, opts ...Option) *Conn {
	cfg := &options{maxBytes: DefaultMaxMessageBytes}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Conn{
		conn:     c,
		r:        bufio.NewReader(c),
		maxBytes: cfg.maxBytes,
	}
}

// Close closes the connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// Watch unblocks pending reads and writes once ctx is done. The returned
// function stops watching.
func (c *Conn) Watch(ctx context.Context) (stop func() bool) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
	}
	return context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
}

// Send writes one command followed by the blank-line terminator.
func (c *Conn) Send(cmd string) error {
	_, err := io.WriteString(c.conn, cmd+"\n\n")
	return err
}

// ReadMessage reads one message. Reading stops at the blank line after the
// headers, or after Content-Length body bytes when that header is present.
func (c *Conn) ReadMessage() (*Message, error) {
	msg := &Message{Headers: make(map[string]string)}
	read := 0

	for {
		line, err := c.readLine(c.maxBytes - read)
		read += len(line)
		if err != nil {
			return nil, err
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(msg.Headers) == 0 {
				// stray separator between messages
				continue
			}
			break
		}
		if k, v, ok := strings.Cut(line, ":"); ok {
			msg.Headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}

	cl := msg.Headers["Content-Length"]
	if cl == "" {
		return msg, nil
	}

	n, err := strconv.Atoi(cl)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("%w: bad Content-Length %q", ErrUnexpectedMessage, cl)
	}
	if read+n > c.maxBytes {
		return nil, ErrMessageTooLarge
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return nil, err
	}
	msg.Body = string(body)
	return msg, nil
}

// readLine reads through the next newline, failing once more than limit
// bytes have been consumed.
func (c *Conn) readLine(limit int) (string, error) {
	var buf []byte
	for {
		chunk, err := c.r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > limit {
			return "", ErrMessageTooLarge
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return string(buf), err
	}
}

// Authenticate completes the auth handshake. An empty user sends the plain
// password form; otherwise user and password are sent as a pair.
func (c *Conn) Authenticate(user, password string) error {
	msg, err := c.ReadMessage()
	if err != nil {
		return err
	}
	if msg.ContentType() != ContentAuthRequest {
		return fmt.Errorf("%w: expected %s, got %q", ErrUnexpectedMessage, ContentAuthRequest, msg.ContentType())
	}

	cmd := "auth " + password
	if user != "" {
		cmd = "userauth " + user + ":" + password
	}
	if err := c.Send(cmd); err != nil {
		return err
	}

	reply, err := c.readUntil(ContentCommandReply)
	if err != nil {
		return err
	}
	if !reply.OK() {
		return fmt.Errorf("%w: %s", ErrAuthRejected, reply.Reply())
	}
	return nil
}

// API runs a blocking API command and returns its response.
func (c *Conn) API(cmd string) (*Message, error) {
	if err := c.Send("api " + cmd); err != nil {
		return nil, err
	}
	return c.readUntil(ContentAPIResponse)
}

// BackgroundAPI queues an API command and returns the switch's
// acknowledgement, which carries the Job-UUID header.
func (c *Conn) BackgroundAPI(cmd string) (*Message, error) {
	if err := c.Send("bgapi " + cmd); err != nil {
		return nil, err
	}
	return c.readUntil(ContentCommandReply)
}

// readUntil skips unrelated messages until one of the wanted type arrives.
func (c *Conn) readUntil(contentType string) (*Message, error) {
	for {
		msg, err := c.ReadMessage()
		if err != nil {
			return nil, err
		}
		switch msg.ContentType() {
		case contentType:
			return msg, nil
		case ContentDisconnect:
			return nil, fmt.Errorf("%w: disconnected: %s", ErrUnexpectedMessage, strings.TrimSpace(msg.Body))
		}
	}
}

// ParseHeaders splits colon-delimited free text into a key/value map. Lines
// without a colon are skipped.
func ParseHeaders(text string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(text, "\n") {
		k, v, ok := strings.Cut(strings.TrimRight(line, "\r"), ":")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}
