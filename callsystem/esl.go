package callsystem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	pbx "github.com/agentplexus/omnivoice-pbx"
	"github.com/agentplexus/omnivoice-pbx/internal/eventsocket"
	"github.com/agentplexus/omnivoice-pbx/internal/metrics"
)

// Verify interface compliance at compile time.
var _ Signaling = (*ESL)(nil)

var uuidPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

const tracerName = "github.com/agentplexus/omnivoice-pbx/callsystem"

// ESL implements Signaling over the FreeSWITCH event socket.
type ESL struct {
	addr        string
	user        string
	password    string
	gateway     string
	context     string
	dialTimeout time.Duration
	maxBytes    int

	observer StateObserver
	metrics  *metrics.Metrics
	logger   *slog.Logger
	tracer   trace.Tracer
}

// ESLOption configures the ESL backend.
type ESLOption func(*eslOptions)

type eslOptions struct {
	addr        string
	user        string
	password    string
	gateway     string
	context     string
	dialTimeout time.Duration
	maxBytes    int
	observer    StateObserver
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// WithAddress sets the event socket host:port.
func WithAddress(addr string) ESLOption {
	return func(o *eslOptions) {
		o.addr = addr
	}
}

// WithCredentials sets the credential pair. An empty user authenticates
// with the password alone.
func WithCredentials(user, password string) ESLOption {
	return func(o *eslOptions) {
		o.user = user
		o.password = password
	}
}

// WithGateway sets the SIP gateway used to reach bare numbers.
func WithGateway(gateway string) ESLOption {
	return func(o *eslOptions) {
		o.gateway = gateway
	}
}

// WithDialplanContext sets the default dialplan context for bridge targets.
func WithDialplanContext(ctx string) ESLOption {
	return func(o *eslOptions) {
		o.context = ctx
	}
}

// WithDialTimeout bounds connecting to the event socket.
func WithDialTimeout(d time.Duration) ESLOption {
	return func(o *eslOptions) {
		o.dialTimeout = d
	}
}

// WithMaxResponseBytes caps the size of one reply from the switch.
func WithMaxResponseBytes(n int) ESLOption {
	return func(o *eslOptions) {
		o.maxBytes = n
	}
}

// WithStateObserver reports each command's state transitions.
func WithStateObserver(fn StateObserver) ESLOption {
	return func(o *eslOptions) {
		o.observer = fn
	}
}

// WithESLMetrics records command outcomes.
func WithESLMetrics(m *metrics.Metrics) ESLOption {
	return func(o *eslOptions) {
		o.metrics = m
	}
}

// WithESLLogger sets the logger.
func WithESLLogger(l *slog.Logger) ESLOption {
	return func(o *eslOptions) {
		o.logger = l
	}
}

// NewESL creates an event socket backend.
func NewESL(opts ...ESLOption) (*ESL, error) {
	cfg := &eslOptions{
		addr:        "127.0.0.1:8021",
		gateway:     "default",
		context:     "default",
		dialTimeout: 5 * time.Second,
		maxBytes:    eventsocket.DefaultMaxMessageBytes,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.password == "" {
		return nil, fmt.Errorf("event socket password is required")
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	return &ESL{
		addr:        cfg.addr,
		user:        cfg.user,
		password:    cfg.password,
		gateway:     cfg.gateway,
		context:     cfg.context,
		dialTimeout: cfg.dialTimeout,
		maxBytes:    cfg.maxBytes,
		observer:    cfg.observer,
		metrics:     cfg.metrics,
		logger:      cfg.logger.With("backend", pbx.BackendESL),
		tracer:      otel.Tracer(tracerName),
	}, nil
}

// Name returns the backend name.
func (p *ESL) Name() string {
	return pbx.BackendESL
}

// Originate places a call and bridges it to req.BridgeTarget once answered.
func (p *ESL) Originate(ctx context.Context, req OriginateRequest) (*OriginateResult, error) {
	if req.Destination == "" {
		return nil, fmt.Errorf("destination is required")
	}
	if req.BridgeTarget == "" {
		return nil, fmt.Errorf("bridge target is required")
	}

	callID := uuid.NewString()
	cmd := p.originateCommand(callID, req)

	var msg *eventsocket.Message
	err := p.exchange(ctx, "originate", func(conn *eventsocket.Conn) (err error) {
		if req.Async {
			msg, err = conn.BackgroundAPI(cmd)
		} else {
			msg, err = conn.API(cmd)
		}
		if err != nil {
			return err
		}
		if !msg.OK() {
			return &CommandError{Command: "originate", Reply: msg.Reply()}
		}
		return nil
	}, func() error {
		if !req.Async {
			// The switch answers with "+OK <uuid>" once the call is up.
			id := uuidPattern.FindString(msg.Reply())
			if id == "" {
				return fmt.Errorf("%w: %q", ErrNoCallID, msg.Reply())
			}
			callID = id
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.logger.Info("call originated", "call_id", callID, "destination", req.Destination, "async", req.Async)
	return &OriginateResult{CallID: callID, Reply: msg.Reply()}, nil
}

// StartStream forwards the call's audio to req.SocketURL.
func (p *ESL) StartStream(ctx context.Context, req StreamRequest) error {
	if req.CallID == "" || req.SocketURL == "" {
		return fmt.Errorf("call id and socket url are required")
	}

	meta := make(map[string]string, len(req.Metadata)+1)
	maps.Copy(meta, req.Metadata)
	meta["call_id"] = req.CallID
	if req.Encoding != "" {
		meta["encoding"] = string(req.Encoding)
	}
	rate := "8k"
	if req.SampleRate == 16000 {
		rate = "16k"
		meta["sample_rate"] = "16000"
	} else {
		meta["sample_rate"] = "8000"
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode stream metadata: %w", err)
	}
	// The api command splits its arguments on spaces and json.Marshal only
	// emits them inside strings, where \u0020 decodes to the same value.
	arg := strings.ReplaceAll(string(raw), " ", `\u0020`)

	cmd := fmt.Sprintf("uuid_audio_stream %s start %s mono %s %s", req.CallID, req.SocketURL, rate, arg)

	err = p.exchange(ctx, "start_stream", func(conn *eventsocket.Conn) error {
		_, err := p.api(conn, cmd)
		return err
	}, nil)
	if err != nil {
		return err
	}

	p.logger.Info("audio stream started", "call_id", req.CallID, "socket_url", req.SocketURL)
	return nil
}

// StopStream stops forwarding the call's audio.
func (p *ESL) StopStream(ctx context.Context, callID string) error {
	return p.exchange(ctx, "stop_stream", func(conn *eventsocket.Conn) error {
		_, err := p.api(conn, "uuid_audio_stream "+callID+" stop")
		return err
	}, nil)
}

// Hangup ends the call.
func (p *ESL) Hangup(ctx context.Context, callID string) error {
	return p.exchange(ctx, "hangup", func(conn *eventsocket.Conn) error {
		_, err := p.api(conn, "uuid_kill "+callID+" NORMAL_CLEARING")
		return err
	}, nil)
}

// Ping checks that the switch authenticates and answers a status query.
func (p *ESL) Ping(ctx context.Context) error {
	return p.exchange(ctx, "status", func(conn *eventsocket.Conn) error {
		_, err := p.api(conn, "status")
		return err
	}, nil)
}

func (p *ESL) api(conn *eventsocket.Conn, cmd string) (*eventsocket.Message, error) {
	msg, err := conn.API(cmd)
	if err != nil {
		return nil, err
	}
	if !msg.OK() {
		return nil, &CommandError{Command: firstWord(cmd), Reply: msg.Reply()}
	}
	return msg, nil
}

// exchange runs one command on a fresh connection: connect, authenticate,
// send, read the reply. check runs after an acknowledged reply and may still
// fail the command.
func (p *ESL) exchange(ctx context.Context, command string, send func(*eventsocket.Conn) error, check func() error) (err error) {
	ctx, span := p.tracer.Start(ctx, "signaling."+command,
		trace.WithAttributes(attribute.String("signaling.backend", pbx.BackendESL)))
	defer span.End()

	state := StateIdle
	p.observe(command, state)
	defer func() {
		p.metrics.SignalingCommand(pbx.BackendESL, command, Outcome(err))
		if err != nil {
			p.observe(command, StateFailed)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			p.logger.Warn("signaling command failed", "command", command, "state", state.String(), "error", err)
		}
	}()

	conn, err := eventsocket.Dial(ctx, p.addr, p.dialTimeout, eventsocket.WithMaxMessageBytes(p.maxBytes))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	defer func() { _ = conn.Close() }()
	stop := conn.Watch(ctx)
	defer stop()

	state = StateAuthenticating
	p.observe(command, state)
	if err := conn.Authenticate(p.user, p.password); err != nil {
		if errors.Is(err, eventsocket.ErrAuthRejected) || errors.Is(err, eventsocket.ErrUnexpectedMessage) {
			return fmt.Errorf("%w: %w", ErrAuthFailed, err)
		}
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}

	state = StateCommandSent
	p.observe(command, state)
	if err := send(conn); err != nil {
		var cmdErr *CommandError
		switch {
		case errors.As(err, &cmdErr):
			return err
		case errors.Is(err, eventsocket.ErrMessageTooLarge), errors.Is(err, eventsocket.ErrUnexpectedMessage):
			return &CommandError{Command: command, Reply: err.Error()}
		default:
			return fmt.Errorf("%w: %w", ErrUnreachable, err)
		}
	}

	if check != nil {
		if err := check(); err != nil {
			return err
		}
	}

	state = StateAcknowledged
	p.observe(command, state)
	return nil
}

func (p *ESL) observe(command string, s CommandState) {
	if p.observer != nil {
		p.observer(command, s)
	}
}

func (p *ESL) originateCommand(callID string, req OriginateRequest) string {
	vars := make(map[string]string, len(req.Variables)+4)
	if req.CallerIDName != "" {
		vars["origination_caller_id_name"] = req.CallerIDName
	}
	if req.CallerIDNumber != "" {
		vars["origination_caller_id_number"] = req.CallerIDNumber
	}
	if req.Timeout > 0 {
		vars["originate_timeout"] = fmt.Sprintf("%d", int(req.Timeout.Seconds()))
	}
	maps.Copy(vars, req.Variables)
	// The call id is ours; callers cannot override it.
	vars["origination_uuid"] = callID

	dialplanCtx := req.Context
	if dialplanCtx == "" {
		dialplanCtx = p.context
	}

	var b strings.Builder
	b.WriteString("originate ")
	b.WriteString(formatVariables(vars))
	b.WriteString(p.dialString(req.Destination))
	b.WriteString(" ")
	b.WriteString(req.BridgeTarget)
	b.WriteString(" XML ")
	b.WriteString(dialplanCtx)
	return b.String()
}

// dialString turns a bare number into a gateway dial string. Destinations
// that already name an endpoint ("sofia/...", "user/...") pass through.
func (p *ESL) dialString(dest string) string {
	if strings.Contains(dest, "/") {
		return dest
	}
	return "sofia/gateway/" + p.gateway + "/" + dest
}

func formatVariables(vars map[string]string) string {
	if len(vars) == 0 {
		return ""
	}
	parts := make([]string, 0, len(vars))
	for _, k := range slices.Sorted(maps.Keys(vars)) {
		v := strings.ReplaceAll(vars[k], ",", `\,`)
		parts = append(parts, k+"="+quoteArg(v))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func quoteArg(s string) string {
	if strings.ContainsAny(s, " \t") {
		return "'" + s + "'"
	}
	return s
}

func firstWord(s string) string {
	w, _, _ := strings.Cut(s, " ")
	return w
}
