package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentplexus/omnivoice-pbx/codec"
	"github.com/agentplexus/omnivoice-pbx/internal/metrics"
)

const tracerName = "github.com/agentplexus/omnivoice-pbx/pipeline"

// Default stage limits.
const (
	DefaultTranscribeTimeout = 10 * time.Second
	DefaultRespondTimeout    = 15 * time.Second
	DefaultSynthesizeTimeout = 10 * time.Second
	DefaultMaxResponseChars  = 600
	DefaultMaxTokens         = 256
)

// Pipeline runs conversational turns against three providers. It holds no
// per-call state and is safe for concurrent use.
type Pipeline struct {
	transcriber Transcriber
	responder   Responder
	synthesizer Synthesizer

	transcribeTimeout time.Duration
	respondTimeout    time.Duration
	synthesizeTimeout time.Duration
	maxResponseChars  int
	maxTokens         int
	outputRate        int

	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// Option configures a Pipeline.
type Option func(*options)

type options struct {
	transcribeTimeout time.Duration
	respondTimeout    time.Duration
	synthesizeTimeout time.Duration
	maxResponseChars  int
	maxTokens         int
	outputRate        int
	now               func() time.Time
	logger            *slog.Logger
	metrics           *metrics.Metrics
}

// WithTimeouts sets the per-stage deadlines. A zero value keeps the default.
func WithTimeouts(transcribe, respond, synthesize time.Duration) Option {
	return func(o *options) {
		if transcribe > 0 {
			o.transcribeTimeout = transcribe
		}
		if respond > 0 {
			o.respondTimeout = respond
		}
		if synthesize > 0 {
			o.synthesizeTimeout = synthesize
		}
	}
}

// WithMaxResponseChars caps the length of spoken replies. Zero disables it.
func WithMaxResponseChars(n int) Option {
	return func(o *options) {
		o.maxResponseChars = n
	}
}

// WithMaxTokens caps the tokens a reply may use.
func WithMaxTokens(n int) Option {
	return func(o *options) {
		o.maxTokens = n
	}
}

// WithOutputRate sets the rate synthesized audio is resampled to.
func WithOutputRate(rate int) Option {
	return func(o *options) {
		o.outputRate = rate
	}
}

// WithNow sets the clock used to timestamp messages.
func WithNow(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMetrics records stage latencies and turn outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// New creates a Pipeline.
func New(t Transcriber, r Responder, s Synthesizer, opts ...Option) (*Pipeline, error) {
	if t == nil || r == nil || s == nil {
		return nil, errors.New("pipeline: transcriber, responder and synthesizer are required")
	}

	cfg := &options{
		transcribeTimeout: DefaultTranscribeTimeout,
		respondTimeout:    DefaultRespondTimeout,
		synthesizeTimeout: DefaultSynthesizeTimeout,
		maxResponseChars:  DefaultMaxResponseChars,
		maxTokens:         DefaultMaxTokens,
		outputRate:        codec.TelephonyRate,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	return &Pipeline{
		transcriber:       t,
		responder:         r,
		synthesizer:       s,
		transcribeTimeout: cfg.transcribeTimeout,
		respondTimeout:    cfg.respondTimeout,
		synthesizeTimeout: cfg.synthesizeTimeout,
		maxResponseChars:  cfg.maxResponseChars,
		maxTokens:         cfg.maxTokens,
		outputRate:        cfg.outputRate,
		now:               cfg.now,
		logger:            cfg.logger,
		metrics:           cfg.metrics,
		tracer:            otel.Tracer(tracerName),
	}, nil
}

// TurnRequest is the input of one turn.
type TurnRequest struct {
	CallID   string
	System   string
	History  []Message
	Audio    codec.AudioChunk
	VoiceID  string
	Language string
}

// TurnResult is the output of a completed turn.
type TurnResult struct {
	User      Message
	Assistant Message

	// Audio is the reply at the pipeline's output rate.
	Audio codec.AudioChunk
	Costs Costs
}

// Turn runs one conversational turn. History is not modified; the caller
// appends the returned messages once it decides to keep the turn.
//
// When the caller said nothing, Turn returns ErrEmptyTranscript together
// with a result carrying only the transcription cost. Any other failure is a
// *StageError. Once transcription has succeeded the result is non-nil and
// carries the costs of the stages that completed; it is nil only when
// transcription itself failed.
func (p *Pipeline) Turn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.turn", trace.WithAttributes(
		attribute.String("call_id", req.CallID),
		attribute.Int("history.length", len(req.History)),
	))
	defer span.End()

	res, err := p.turn(ctx, req)
	switch {
	case err == nil:
		p.metrics.TurnCompleted("ok")
	case errors.Is(err, ErrEmptyTranscript):
		p.metrics.TurnCompleted("empty")
	default:
		p.metrics.TurnCompleted("error")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (p *Pipeline) turn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	audio := req.Audio.Resample(codec.TranscriptionRate)

	var transcript *Transcript
	err := p.stage(ctx, req.CallID, StageTranscribe, p.transcribeTimeout, func(ctx context.Context) error {
		var err error
		transcript, err = p.transcriber.Transcribe(ctx, audio)
		if err == nil && transcript == nil {
			transcript = &Transcript{}
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	billed := transcript.Duration
	if billed <= 0 {
		billed = req.Audio.Duration()
	}
	costs := Costs{TranscriptionSeconds: billed.Seconds()}

	text := strings.TrimSpace(transcript.Text)
	if text == "" {
		p.logger.Debug("empty transcript, skipping turn", "call_id", req.CallID)
		return &TurnResult{Costs: costs}, ErrEmptyTranscript
	}
	user := Message{Role: RoleUser, Content: text, At: p.now()}

	reply, usage, err := p.respond(ctx, req.CallID, req.System, append(slices.Clone(req.History), user))
	if err != nil {
		return &TurnResult{Costs: costs}, err
	}
	costs.PromptTokens = usage.PromptTokens
	costs.CompletionTokens = usage.CompletionTokens
	assistant := Message{Role: RoleAssistant, Content: reply, At: p.now()}

	out, err := p.synthesize(ctx, req.CallID, SynthesisRequest{Text: reply, VoiceID: req.VoiceID, Language: req.Language})
	if err != nil {
		return &TurnResult{Costs: costs}, err
	}
	costs.SynthesisCharacters = utf8.RuneCountInString(reply)

	p.logger.Info("turn completed",
		"call_id", req.CallID,
		"user_chars", len(text),
		"reply_chars", len(reply),
		"reply_ms", out.Duration().Milliseconds(),
	)

	return &TurnResult{
		User:      user,
		Assistant: assistant,
		Audio:     out,
		Costs:     costs,
	}, nil
}

// Speak synthesizes text outside of a turn, such as a greeting.
func (p *Pipeline) Speak(ctx context.Context, callID string, req SynthesisRequest) (codec.AudioChunk, Costs, error) {
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		return codec.AudioChunk{SampleRate: p.outputRate}, Costs{}, nil
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.speak", trace.WithAttributes(attribute.String("call_id", callID)))
	defer span.End()

	out, err := p.synthesize(ctx, callID, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return codec.AudioChunk{}, Costs{}, err
	}
	return out, Costs{SynthesisCharacters: utf8.RuneCountInString(req.Text)}, nil
}

func (p *Pipeline) respond(ctx context.Context, callID, system string, messages []Message) (string, *Response, error) {
	var resp *Response
	err := p.stage(ctx, callID, StageRespond, p.respondTimeout, func(ctx context.Context) error {
		var err error
		resp, err = p.responder.Respond(ctx, ResponseRequest{
			System:    system,
			Messages:  messages,
			MaxTokens: p.maxTokens,
		})
		if err != nil {
			return err
		}
		if resp == nil || strings.TrimSpace(resp.Text) == "" {
			return errEmptyResponse
		}
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return Truncate(strings.TrimSpace(resp.Text), p.maxResponseChars), resp, nil
}

func (p *Pipeline) synthesize(ctx context.Context, callID string, req SynthesisRequest) (codec.AudioChunk, error) {
	var out codec.AudioChunk
	err := p.stage(ctx, callID, StageSynthesize, p.synthesizeTimeout, func(ctx context.Context) error {
		audio, err := p.synthesizer.Synthesize(ctx, req)
		if err != nil {
			return err
		}
		if audio.SampleRate <= 0 {
			return fmt.Errorf("synthesized audio has no sample rate")
		}
		out = audio.Resample(p.outputRate)
		return nil
	})
	return out, err
}

// stage runs fn under the stage deadline and wraps its failure.
func (p *Pipeline) stage(ctx context.Context, callID, name string, timeout time.Duration, fn func(context.Context) error) error {
	ctx, span := p.tracer.Start(ctx, "pipeline."+name)
	defer span.End()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	if err != nil {
		p.metrics.ObserveStage(name, "error", elapsed.Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Warn("pipeline stage failed",
			"call_id", callID,
			"stage", name,
			"elapsed_ms", elapsed.Milliseconds(),
			"error", err,
		)
		return &StageError{Stage: name, Err: err}
	}

	p.metrics.ObserveStage(name, "ok", elapsed.Seconds())
	return nil
}
