// Package dialer originates outbound calls and wires them to the bridge.
//
// A dial resolves the persona, originates through the switch, records the
// call as initiated only once the switch has accepted it, and asks the
// switch to stream the call's audio with the call id in the metadata.
package dialer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentplexus/omnivoice-pbx/callsystem"
	"github.com/agentplexus/omnivoice-pbx/codec"
	"github.com/agentplexus/omnivoice-pbx/internal/metrics"
	"github.com/agentplexus/omnivoice-pbx/session"
	"github.com/agentplexus/omnivoice-pbx/store"
)

// Default retry policy for unreachable switches.
const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = 500 * time.Millisecond
	DefaultMaxBackoff  = 5 * time.Second
)

// ErrUnknownPersona is returned when a request names a persona that does
// not exist.
var ErrUnknownPersona = errors.New("dialer: unknown persona")

// Personas looks up personas by id.
type Personas interface {
	Persona(id string) (session.Persona, bool)
}

// PersonaMap is a Personas backed by a map.
type PersonaMap map[string]session.Persona

// Verify interface compliance at compile time.
var _ Personas = PersonaMap(nil)

// Persona returns the persona with id.
func (m PersonaMap) Persona(id string) (session.Persona, bool) {
	p, ok := m[id]
	return p, ok
}

// DialRequest describes one outbound call.
type DialRequest struct {
	To         string            `json:"to"`
	PersonaID  string            `json:"persona_id"`
	AccountID  string            `json:"account_id,omitempty"`
	CampaignID string            `json:"campaign_id,omitempty"`
	Variables  map[string]string `json:"variables,omitempty"`
}

// DialResult is the outcome of one request.
type DialResult struct {
	Request  DialRequest
	CallID   string
	Attempts int
	Err      error
}

// StreamConfig says where the switch should send call audio. An empty
// SocketURL means the bridge target already connects the audio, as with a
// Twilio <Connect><Stream>.
type StreamConfig struct {
	SocketURL  string
	Encoding   codec.Encoding
	SampleRate int
}

// Dialer places calls.
type Dialer struct {
	signaling callsystem.Signaling
	store     store.Store
	personas  Personas

	bridgeTarget string
	dialContext  string
	callerName   string
	callerNumber string
	ringTimeout  time.Duration
	stream       StreamConfig

	maxAttempts int
	backoff     time.Duration
	maxBackoff  time.Duration

	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Dialer.
type Option func(*Dialer)

// WithBridgeTarget sets where answered calls are sent: a dialplan
// extension, or a stream or TwiML URL for Twilio.
func WithBridgeTarget(target, dialplanContext string) Option {
	return func(d *Dialer) {
		d.bridgeTarget = target
		d.dialContext = dialplanContext
	}
}

// WithCallerID sets the caller id presented to the callee.
func WithCallerID(name, number string) Option {
	return func(d *Dialer) {
		d.callerName = name
		d.callerNumber = number
	}
}

// WithRingTimeout bounds how long a destination may ring.
func WithRingTimeout(t time.Duration) Option {
	return func(d *Dialer) {
		d.ringTimeout = t
	}
}

// WithStream asks the switch to stream audio after each originate.
func WithStream(cfg StreamConfig) Option {
	return func(d *Dialer) {
		d.stream = cfg
	}
}

// WithRetry sets the retry policy for unreachable switches.
func WithRetry(maxAttempts int, backoff, maxBackoff time.Duration) Option {
	return func(d *Dialer) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		if backoff > 0 {
			d.backoff = backoff
		}
		if maxBackoff > 0 {
			d.maxBackoff = maxBackoff
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dialer) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithMetrics sets the metrics handle.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dialer) {
		d.metrics = m
	}
}

// New creates a Dialer.
func New(sig callsystem.Signaling, st store.Store, personas Personas, opts ...Option) (*Dialer, error) {
	if sig == nil {
		return nil, errors.New("dialer: signaling is required")
	}
	if st == nil {
		return nil, errors.New("dialer: store is required")
	}
	if personas == nil {
		personas = PersonaMap{}
	}

	d := &Dialer{
		signaling:   sig,
		store:       st,
		personas:    personas,
		maxAttempts: DefaultMaxAttempts,
		backoff:     DefaultBackoff,
		maxBackoff:  DefaultMaxBackoff,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Dial places one call. The returned result always carries the attempt
// count; CallID is set once the switch accepted the call.
func (d *Dialer) Dial(ctx context.Context, req DialRequest) (*DialResult, error) {
	res := &DialResult{Request: req}
	err := d.dial(ctx, req, res)
	res.Err = err
	if err != nil {
		d.metrics.CallDialed("error")
		d.logger.Warn("dial failed",
			"destination", req.To,
			"persona", req.PersonaID,
			"call_id", res.CallID,
			"attempts", res.Attempts,
			"error", err,
		)
		return res, err
	}
	d.metrics.CallDialed("ok")
	return res, nil
}

func (d *Dialer) dial(ctx context.Context, req DialRequest, res *DialResult) error {
	if req.To == "" {
		return errors.New("dialer: destination is required")
	}
	persona, ok := d.personas.Persona(req.PersonaID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPersona, req.PersonaID)
	}

	meta := map[string]string{
		"account_id":  req.AccountID,
		"campaign_id": req.CampaignID,
		"persona_id":  persona.ID,
	}
	vars := make(map[string]string, len(req.Variables)+len(meta))
	maps.Copy(vars, req.Variables)
	maps.Copy(vars, meta)

	orig, err := d.originate(ctx, callsystem.OriginateRequest{
		Destination:    req.To,
		BridgeTarget:   d.bridgeTarget,
		Context:        d.dialContext,
		CallerIDName:   d.callerName,
		CallerIDNumber: d.callerNumber,
		Timeout:        d.ringTimeout,
		Variables:      vars,
	}, res)
	if err != nil {
		return err
	}
	res.CallID = orig.CallID

	err = d.store.Create(ctx, &store.CallRecord{
		CallID:       orig.CallID,
		AccountID:    req.AccountID,
		CampaignID:   req.CampaignID,
		PersonaID:    persona.ID,
		SystemPrompt: persona.SystemPrompt,
		Greeting:     persona.Greeting,
		VoiceID:      persona.VoiceID,
		Destination:  req.To,
		Backend:      d.signaling.Name(),
		Status:       store.StatusInitiated,
		CreatedAt:    d.now(),
	})
	if err != nil {
		// Without a record the bridge cannot tell who the call is for.
		d.hangup(ctx, orig.CallID)
		return fmt.Errorf("failed to record call: %w", err)
	}

	if d.stream.SocketURL == "" {
		return nil
	}

	meta["call_id"] = orig.CallID
	err = d.signaling.StartStream(ctx, callsystem.StreamRequest{
		CallID:     orig.CallID,
		SocketURL:  d.stream.SocketURL,
		Encoding:   d.stream.Encoding,
		SampleRate: d.stream.SampleRate,
		Metadata:   meta,
	})
	if err != nil {
		if serr := d.store.UpdateStatus(ctx, orig.CallID, store.StatusFailed); serr != nil {
			d.logger.Warn("failed to mark call failed", "call_id", orig.CallID, "error", serr)
		}
		d.hangup(ctx, orig.CallID)
		return fmt.Errorf("failed to start audio stream: %w", err)
	}
	return nil
}

// originate retries only while the switch is unreachable.
func (d *Dialer) originate(ctx context.Context, req callsystem.OriginateRequest, res *DialResult) (*callsystem.OriginateResult, error) {
	wait := d.backoff
	for {
		res.Attempts++
		orig, err := d.signaling.Originate(ctx, req)
		if err == nil {
			return orig, nil
		}
		if !errors.Is(err, callsystem.ErrUnreachable) || res.Attempts >= d.maxAttempts {
			return nil, err
		}

		d.logger.Debug("switch unreachable, retrying originate",
			"destination", req.Destination,
			"attempt", res.Attempts,
			"backoff", wait,
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		wait = min(wait*2, d.maxBackoff)
	}
}

func (d *Dialer) hangup(ctx context.Context, callID string) {
	if err := d.signaling.Hangup(context.WithoutCancel(ctx), callID); err != nil {
		d.logger.Warn("failed to hang up call", "call_id", callID, "error", err)
	}
}

// DialBatch places every request with at most concurrency calls in flight.
// Results are in request order; one failure does not stop the others.
func (d *Dialer) DialBatch(ctx context.Context, reqs []DialRequest, concurrency int) []DialResult {
	if concurrency <= 0 {
		concurrency = 1
	}

	results := make([]DialResult, len(reqs))
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, req := range reqs {
		g.Go(func() error {
			res, _ := d.Dial(ctx, req)
			results[i] = *res
			return nil
		})
	}
	_ = g.Wait()
	return results
}
