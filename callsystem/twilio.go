package callsystem

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"regexp"
	"slices"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	pbx "github.com/agentplexus/omnivoice-pbx"
	"github.com/agentplexus/omnivoice-pbx/internal/client"
	"github.com/agentplexus/omnivoice-pbx/internal/metrics"
)

// Verify interface compliance at compile time.
var _ Signaling = (*Twilio)(nil)

var callSIDPattern = regexp.MustCompile(`^CA[0-9a-fA-F]{32}$`)

// streamName names the Media Stream forked for a call, so it can be
// stopped later without remembering its SID.
const streamName = "pbx-audio"

// Twilio implements Signaling using the Twilio REST API.
type Twilio struct {
	client         *client.Client
	defaultFrom    string
	streamURL      string
	statusCallback string

	metrics *metrics.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
}

// TwilioOption configures the Twilio backend.
type TwilioOption func(*twilioOptions)

type twilioOptions struct {
	accountSID     string
	authToken      string
	phoneNumber    string
	streamURL      string
	statusCallback string
	baseURL        string
	httpClient     *http.Client
	metrics        *metrics.Metrics
	logger         *slog.Logger
}

// WithAccountSID sets the Twilio Account SID.
func WithAccountSID(sid string) TwilioOption {
	return func(o *twilioOptions) {
		o.accountSID = sid
	}
}

// WithAuthToken sets the Twilio Auth Token.
func WithAuthToken(token string) TwilioOption {
	return func(o *twilioOptions) {
		o.authToken = token
	}
}

// WithPhoneNumber sets the default outbound caller number.
func WithPhoneNumber(number string) TwilioOption {
	return func(o *twilioOptions) {
		o.phoneNumber = number
	}
}

// WithStreamURL sets the Media Streams URL calls are connected to when the
// originate request names no bridge target.
func WithStreamURL(url string) TwilioOption {
	return func(o *twilioOptions) {
		o.streamURL = url
	}
}

// WithStatusCallback sets the webhook for call status updates.
func WithStatusCallback(url string) TwilioOption {
	return func(o *twilioOptions) {
		o.statusCallback = url
	}
}

// WithAPIBaseURL overrides the REST API base URL.
func WithAPIBaseURL(url string) TwilioOption {
	return func(o *twilioOptions) {
		o.baseURL = url
	}
}

// WithHTTPClient sets the HTTP client used for API requests.
func WithHTTPClient(c *http.Client) TwilioOption {
	return func(o *twilioOptions) {
		o.httpClient = c
	}
}

// WithTwilioMetrics records command outcomes.
func WithTwilioMetrics(m *metrics.Metrics) TwilioOption {
	return func(o *twilioOptions) {
		o.metrics = m
	}
}

// WithTwilioLogger sets the logger.
func WithTwilioLogger(l *slog.Logger) TwilioOption {
	return func(o *twilioOptions) {
		o.logger = l
	}
}

// NewTwilio creates a Twilio signaling backend.
func NewTwilio(opts ...TwilioOption) (*Twilio, error) {
	cfg := &twilioOptions{}
	for _, opt := range opts {
		opt(cfg)
	}

	twilioClient, err := client.New(&client.Config{
		AccountSID: cfg.accountSID,
		AuthToken:  cfg.authToken,
		BaseURL:    cfg.baseURL,
		HTTPClient: cfg.httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Twilio client: %w", err)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	return &Twilio{
		client:         twilioClient,
		defaultFrom:    cfg.phoneNumber,
		streamURL:      cfg.streamURL,
		statusCallback: cfg.statusCallback,
		metrics:        cfg.metrics,
		logger:         cfg.logger.With("backend", pbx.BackendTwilio),
		tracer:         otel.Tracer(tracerName),
	}, nil
}

// Name returns the backend name.
func (p *Twilio) Name() string {
	return pbx.BackendTwilio
}

// Originate places a call. A ws(s) bridge target connects the answered
// call to that Media Streams URL, an http(s) target is fetched as TwiML.
// Request variables become stream parameters.
func (p *Twilio) Originate(ctx context.Context, req OriginateRequest) (*OriginateResult, error) {
	from := req.CallerIDNumber
	if from == "" {
		from = p.defaultFrom
	}
	if from == "" {
		return nil, fmt.Errorf("from number is required (use WithPhoneNumber or set CallerIDNumber)")
	}
	if req.Destination == "" {
		return nil, fmt.Errorf("destination is required")
	}

	params := &client.MakeCallParams{
		To:   req.Destination,
		From: from,
	}

	target := req.BridgeTarget
	if target == "" {
		target = p.streamURL
	}
	switch {
	case strings.HasPrefix(target, "http://"), strings.HasPrefix(target, "https://"):
		params.URL = target
	case target != "":
		twiml, err := buildConnectStreamTwiML(target, req.Variables)
		if err != nil {
			return nil, err
		}
		params.Twiml = twiml
	default:
		return nil, fmt.Errorf("bridge target is required (use WithStreamURL or set BridgeTarget)")
	}

	if p.statusCallback != "" {
		params.StatusCallback = p.statusCallback
		params.StatusCallbackEvent = []string{"initiated", "ringing", "answered", "completed"}
	}
	if req.Timeout > 0 {
		params.Timeout = int(req.Timeout.Seconds())
	}

	var call *client.Call
	err := p.run(ctx, "originate", func(ctx context.Context) (err error) {
		call, err = p.client.MakeCall(ctx, params)
		if err != nil {
			return err
		}
		if !callSIDPattern.MatchString(call.SID) {
			return fmt.Errorf("%w: %q", ErrNoCallID, call.SID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.logger.Info("call originated", "call_id", call.SID, "destination", req.Destination, "status", call.Status)
	return &OriginateResult{CallID: call.SID, Reply: call.Status}, nil
}

// StartStream forks the call's audio to req.SocketURL. Twilio streams are
// always 8 kHz µ-law, so the requested format is ignored.
func (p *Twilio) StartStream(ctx context.Context, req StreamRequest) error {
	params := make(map[string]string, len(req.Metadata)+1)
	maps.Copy(params, req.Metadata)
	params["call_id"] = req.CallID

	return p.run(ctx, "start_stream", func(ctx context.Context) error {
		_, err := p.client.StartStream(ctx, req.CallID, &client.StartStreamParams{
			URL:        req.SocketURL,
			Name:       streamName,
			Track:      "inbound_track",
			Parameters: params,
		})
		return err
	})
}

// StopStream stops the stream started by StartStream.
func (p *Twilio) StopStream(ctx context.Context, callID string) error {
	return p.run(ctx, "stop_stream", func(ctx context.Context) error {
		_, err := p.client.StopStream(ctx, callID, streamName)
		return err
	})
}

// Hangup ends the call.
func (p *Twilio) Hangup(ctx context.Context, callID string) error {
	return p.run(ctx, "hangup", func(ctx context.Context) error {
		_, err := p.client.HangupCall(ctx, callID)
		return err
	})
}

// Ping checks the credentials by fetching the account.
func (p *Twilio) Ping(ctx context.Context) error {
	return p.run(ctx, "status", func(ctx context.Context) error {
		_, err := p.client.GetAccount(ctx)
		return err
	})
}

func (p *Twilio) run(ctx context.Context, command string, fn func(context.Context) error) (err error) {
	ctx, span := p.tracer.Start(ctx, "signaling."+command,
		trace.WithAttributes(attribute.String("signaling.backend", pbx.BackendTwilio)))
	defer span.End()

	defer func() {
		p.metrics.SignalingCommand(pbx.BackendTwilio, command, Outcome(err))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			p.logger.Warn("signaling command failed", "command", command, "error", err)
		}
	}()

	if err := fn(ctx); err != nil {
		return classifyTwilioError(command, err)
	}
	return nil
}

func classifyTwilioError(command string, err error) error {
	if errors.Is(err, ErrNoCallID) {
		return err
	}
	var apiErr *client.Error
	if errors.As(err, &apiErr) {
		if apiErr.Unauthorized() {
			return fmt.Errorf("%w: %w", ErrAuthFailed, err)
		}
		return &CommandError{Command: command, Reply: apiErr.Message}
	}
	return fmt.Errorf("%w: %w", ErrUnreachable, err)
}

// TwiML elements for connecting a call to a bidirectional Media Stream.
type connectResponse struct {
	XMLName xml.Name       `xml:"Response"`
	Connect connectElement `xml:"Connect"`
}

type connectElement struct {
	Stream streamElement `xml:"Stream"`
}

type streamElement struct {
	URL        string             `xml:"url,attr"`
	Parameters []parameterElement `xml:"Parameter"`
}

type parameterElement struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

func buildConnectStreamTwiML(streamURL string, params map[string]string) (string, error) {
	resp := connectResponse{Connect: connectElement{Stream: streamElement{URL: streamURL}}}
	for _, k := range slices.Sorted(maps.Keys(params)) {
		resp.Connect.Stream.Parameters = append(resp.Connect.Stream.Parameters, parameterElement{Name: k, Value: params[k]})
	}

	out, err := xml.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("failed to build TwiML: %w", err)
	}
	return xml.Header + string(out), nil
}
