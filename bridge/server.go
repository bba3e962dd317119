// Package bridge accepts audio connections from the switch and runs one
// owner goroutine per connection that feeds the call's session.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/agentplexus/omnivoice-pbx/internal/metrics"
	"github.com/agentplexus/omnivoice-pbx/session"
	"github.com/agentplexus/omnivoice-pbx/transport"
)

// DefaultStartTimeout bounds how long a new connection may take to name
// its call.
const DefaultStartTimeout = 10 * time.Second

// Personas looks up personas named in stream metadata.
type Personas interface {
	Persona(id string) (session.Persona, bool)
}

// attacher is implemented by streams that can be told their call id when
// the switch did not send one.
type attacher interface {
	Attach(callID string)
}

// hanger is implemented by streams that can end the call in-band.
type hanger interface {
	Hangup() error
}

// Server bridges audio connections to sessions.
type Server struct {
	registry     *session.Registry
	personas     Personas
	streamOpts   []transport.StreamOption
	startTimeout time.Duration
	logger       *slog.Logger
	metrics      *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// Option configures a Server.
type Option func(*Server)

// WithPersonas resolves the persona_id carried in stream metadata for calls
// that have no call record.
func WithPersonas(p Personas) Option {
	return func(s *Server) {
		s.personas = p
	}
}

// WithStreamOptions sets the options applied to every accepted stream.
func WithStreamOptions(opts ...transport.StreamOption) Option {
	return func(s *Server) {
		s.streamOpts = append(s.streamOpts, opts...)
	}
}

// WithStartTimeout bounds how long a connection may stay anonymous.
func WithStartTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.startTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the metrics handle.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// New creates a Server for registry.
func New(registry *session.Registry, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		registry:     registry,
		startTimeout: DefaultStartTimeout,
		logger:       slog.Default(),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the session registry.
func (s *Server) Registry() *session.Registry {
	return s.registry
}

// ServeAudioSocket accepts framed TCP connections on ln until ctx is done
// or the listener fails.
func (s *Server) ServeAudioSocket(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.logger.Info("audiosocket listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("audiosocket accept: %w", err)
		}
		s.spawn(transport.NewAudioSocketStream(conn, s.streamOpts...))
	}
}

// AudioStreamHandler accepts raw PCM WebSocket streams.
func (s *Server) AudioStreamHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.track() {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		defer s.wg.Done()

		stream, err := transport.UpgradeAudioStream(w, r, s.streamOpts...)
		if err != nil {
			s.logger.Warn("audio stream upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
			return
		}
		_ = s.HandleStream(s.ctx, stream)
	})
}

// ServeMediaStreams registers a listener on path with ms and bridges every
// connection it accepts. Mount ms.Handler(path) on the HTTP server.
func (s *Server) ServeMediaStreams(ctx context.Context, ms *transport.MediaStreams, path string) error {
	conns, err := ms.Listen(ctx, path)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case conn, ok := <-conns:
			if !ok {
				return nil
			}
			s.spawn(transport.FromConnection(conn, ms.Name()))
		}
	}
}

// track registers one connection with the shutdown wait group. It reports
// false once Shutdown has begun.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) spawn(stream transport.Stream) {
	if !s.track() {
		_ = stream.Close()
		return
	}
	go func() {
		defer s.wg.Done()
		_ = s.HandleStream(s.ctx, stream)
	}()
}

// Shutdown stops every connection, ends every session, and waits for
// in-flight turns until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.registry.CloseAll(ctx)
}

// HandleStream owns one connection: it waits for the call id, resolves the
// session, and feeds it until the call or the connection ends. It closes
// the stream before returning.
func (s *Server) HandleStream(ctx context.Context, stream transport.Stream) error {
	defer func() { _ = stream.Close() }()

	protocol := stream.Protocol()
	logger := s.logger.With("protocol", protocol)

	sess, err := s.await(ctx, stream, logger)
	if err != nil || sess == nil {
		return err
	}
	callID := sess.CallID()
	logger = logger.With("call_id", callID)

	go sess.Start()

	// Reads stop when the session ends without a transport event, such as
	// a pipeline error or the stale sweep.
	readCtx, stopReads := context.WithCancel(ctx)
	defer stopReads()
	go func() {
		select {
		case <-sess.Done():
			stopReads()
		case <-readCtx.Done():
		}
	}()

	for {
		ev, err := stream.Next(readCtx)
		if err != nil {
			if ctx.Err() == nil && sessionEnded(sess) {
				s.hangup(stream, sess, logger)
				return nil
			}
			reason := session.EndTransportClosed
			if ctx.Err() != nil {
				reason = session.EndShutdown
			}
			s.registry.Hangup(callID, reason)
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				logger.Debug("stream closed")
				return nil
			}
			logger.Warn("stream read failed", "error", err)
			return err
		}
		s.metrics.FrameReceived(protocol, ev.Kind.String())

		switch ev.Kind {
		case transport.EventAudio:
			if err := sess.Feed(ev.Audio); err != nil {
				s.hangup(stream, sess, logger)
				return nil
			}
		case transport.EventSilence:
			sess.Touch()
		case transport.EventHangup:
			s.registry.Hangup(callID, session.EndHangup)
			logger.Debug("caller hung up")
			return nil
		case transport.EventUnknown:
			s.metrics.FrameDropped(protocol, "unknown")
			logger.Debug("ignoring unknown frame", "bytes", len(ev.Raw), "error", ev.Err)
		case transport.EventMalformed:
			s.metrics.FrameDropped(protocol, "malformed")
			logger.Warn("malformed frame", "error", ev.Err)
		case transport.EventStart:
			logger.Debug("ignoring repeated start")
		}
	}
}

func sessionEnded(sess *session.Session) bool {
	select {
	case <-sess.Done():
		return true
	default:
		return false
	}
}

// hangup ends the call in-band after its session ended on its own. The
// caller closes the stream.
func (s *Server) hangup(stream transport.Stream, sess *session.Session, logger *slog.Logger) {
	logger.Info("session ended, hanging up", "reason", sess.EndReason())
	if h, ok := stream.(hanger); ok {
		if err := h.Hangup(); err != nil {
			logger.Debug("in-band hangup failed", "error", err)
		}
	}
}

// await reads until the connection names its call and returns the call's
// session. It returns nil, nil when the connection should be dropped
// quietly.
func (s *Server) await(ctx context.Context, stream transport.Stream, logger *slog.Logger) (*session.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.startTimeout)
	defer cancel()
	protocol := stream.Protocol()

	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				logger.Warn("connection never identified its call", "timeout", s.startTimeout)
				return nil, nil
			}
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil, nil
			}
			return nil, err
		}
		s.metrics.FrameReceived(protocol, ev.Kind.String())

		switch ev.Kind {
		case transport.EventStart:
			return s.bootstrap(ctx, stream, ev, logger)

		case transport.EventMalformed:
			s.metrics.FrameDropped(protocol, "malformed")
			a, ok := stream.(attacher)
			if !ok || ev.CallID != "" {
				logger.Warn("malformed frame before start", "error", ev.Err)
				continue
			}
			sess, err := s.registry.BootstrapPending(ctx, stream, protocol)
			if errors.Is(err, session.ErrNoPendingCall) {
				logger.Warn("connection carries no call id and no pending call matches, ignoring", "error", ev.Err)
				return nil, nil
			}
			if err != nil {
				logger.Error("pending call lookup failed", "error", err)
				return nil, err
			}
			a.Attach(sess.CallID())
			return sess, nil

		case transport.EventHangup:
			return nil, nil

		default:
			s.metrics.FrameDropped(protocol, "before_start")
		}
	}
}

func (s *Server) bootstrap(ctx context.Context, stream transport.Stream, ev transport.Event, logger *slog.Logger) (*session.Session, error) {
	meta := session.Metadata{
		CallID:     ev.CallID,
		AccountID:  ev.Metadata["account_id"],
		CampaignID: ev.Metadata["campaign_id"],
		Protocol:   stream.Protocol(),
	}
	if id := ev.Metadata["persona_id"]; id != "" && s.personas != nil {
		if p, ok := s.personas.Persona(id); ok {
			meta.Persona = p
		}
	}

	sess, err := s.registry.Bootstrap(ctx, stream, meta)
	switch {
	case err == nil:
		return sess, nil
	case errors.Is(err, session.ErrExists):
		logger.Warn("call already has a live connection, rejecting duplicate", "call_id", ev.CallID)
		return nil, nil
	case errors.Is(err, session.ErrUnknownCall):
		logger.Warn("no call record or persona for call, ignoring", "call_id", ev.CallID)
		return nil, nil
	default:
		logger.Error("failed to bootstrap session", "call_id", ev.CallID, "error", err)
		return nil, err
	}
}
