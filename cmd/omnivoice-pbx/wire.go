package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	pbx "github.com/agentplexus/omnivoice-pbx"
	"github.com/agentplexus/omnivoice-pbx/callsystem"
	"github.com/agentplexus/omnivoice-pbx/codec"
	"github.com/agentplexus/omnivoice-pbx/dialer"
	"github.com/agentplexus/omnivoice-pbx/internal/config"
	"github.com/agentplexus/omnivoice-pbx/internal/metrics"
	"github.com/agentplexus/omnivoice-pbx/llm"
	"github.com/agentplexus/omnivoice-pbx/pipeline"
	"github.com/agentplexus/omnivoice-pbx/session"
	"github.com/agentplexus/omnivoice-pbx/store"
	"github.com/agentplexus/omnivoice-pbx/stt"
	"github.com/agentplexus/omnivoice-pbx/tts"
)

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	logger := slog.New(handler).With("service", pbx.Name)
	slog.SetDefault(logger)
	return logger
}

// openStore opens the call record database and applies pending migrations.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*store.SQL, error) {
	st, err := store.OpenSQL(cfg.Dialect(), cfg.Store.DSN, cfg.Store.SQLConfig())
	if err != nil {
		return nil, err
	}
	if _, err := store.Migrate(ctx, st.DB(), cfg.Dialect(), logger); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

func newSignaling(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (callsystem.Signaling, error) {
	switch cfg.Signaling.Backend {
	case pbx.BackendTwilio:
		tw := cfg.Signaling.Twilio
		return callsystem.NewTwilio(
			callsystem.WithAccountSID(tw.AccountSID),
			callsystem.WithAuthToken(tw.AuthToken),
			callsystem.WithPhoneNumber(tw.From),
			callsystem.WithStreamURL(tw.StreamURL),
			callsystem.WithStatusCallback(tw.StatusCallback),
			callsystem.WithAPIBaseURL(tw.APIBaseURL),
			callsystem.WithTwilioMetrics(m),
			callsystem.WithTwilioLogger(logger),
		)
	default:
		esl := cfg.Signaling.ESL
		opts := []callsystem.ESLOption{
			callsystem.WithAddress(esl.Addr),
			callsystem.WithCredentials(esl.User, esl.Password),
			callsystem.WithGateway(esl.Gateway),
			callsystem.WithDialplanContext(esl.Context),
			callsystem.WithDialTimeout(esl.DialTimeout),
			callsystem.WithESLMetrics(m),
			callsystem.WithESLLogger(logger),
		}
		if esl.MaxResponseBytes > 0 {
			opts = append(opts, callsystem.WithMaxResponseBytes(esl.MaxResponseBytes))
		}
		return callsystem.NewESL(opts...)
	}
}

func newTranscriber(cfg config.ProviderConfig) (pipeline.Transcriber, error) {
	switch cfg.Provider {
	case "openai", "":
		var opts []stt.Option
		if cfg.Model != "" {
			opts = append(opts, stt.WithModel(cfg.Model))
		}
		if cfg.Language != "" {
			opts = append(opts, stt.WithLanguage(cfg.Language))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, stt.WithBaseURL(cfg.BaseURL))
		}
		return stt.NewOpenAI(cfg.APIKey, opts...), nil
	default:
		return nil, fmt.Errorf("unsupported stt provider %q", cfg.Provider)
	}
}

func newResponder(ctx context.Context, cfg config.ProviderConfig) (pipeline.Responder, error) {
	var opts []llm.Option
	if cfg.Model != "" {
		opts = append(opts, llm.WithModel(cfg.Model))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, llm.WithBaseURL(cfg.BaseURL))
	}

	switch cfg.Provider {
	case "openai", "":
		return llm.NewOpenAI(cfg.APIKey, opts...), nil
	case "anthropic":
		return llm.NewAnthropic(cfg.APIKey, opts...), nil
	case "gemini":
		return llm.NewGemini(ctx, cfg.APIKey, opts...)
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
}

func newSynthesizer(cfg config.ProviderConfig) (pipeline.Synthesizer, error) {
	switch cfg.Provider {
	case "openai", "":
		var opts []tts.Option
		if cfg.Voice != "" {
			opts = append(opts, tts.WithVoice(cfg.Voice))
		}
		if cfg.Model != "" {
			opts = append(opts, tts.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, tts.WithBaseURL(cfg.BaseURL))
		}
		return tts.NewOmnivoice(tts.NewOpenAI(cfg.APIKey, opts...)), nil
	default:
		return nil, fmt.Errorf("unsupported tts provider %q", cfg.Provider)
	}
}

func newPipeline(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*pipeline.Pipeline, error) {
	t, err := newTranscriber(cfg.STT)
	if err != nil {
		return nil, err
	}
	r, err := newResponder(ctx, cfg.LLM)
	if err != nil {
		return nil, err
	}
	s, err := newSynthesizer(cfg.TTS)
	if err != nil {
		return nil, err
	}

	pc := cfg.Pipeline
	return pipeline.New(t, r, s,
		pipeline.WithTimeouts(pc.TranscribeTimeout, pc.RespondTimeout, pc.SynthesizeTimeout),
		pipeline.WithMaxResponseChars(pc.MaxResponseChars),
		pipeline.WithMaxTokens(pc.MaxTokens),
		pipeline.WithOutputRate(cfg.AudioSocket.SampleRate),
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(m),
	)
}

// loadPersonas reads the persona catalog. A missing file yields an empty
// catalog so the bridge can run on a default persona alone.
func loadPersonas(cfg *config.Config, logger *slog.Logger) (config.Catalog, error) {
	if cfg.PersonasFile == "" {
		return config.Catalog{}, nil
	}
	catalog, err := config.LoadPersonas(cfg.PersonasFile)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn("personas file not found", "path", cfg.PersonasFile)
		return config.Catalog{}, nil
	}
	if err != nil {
		return nil, err
	}
	logger.Info("personas loaded", "count", len(catalog), "ids", catalog.IDs())
	return catalog, nil
}

func newDialer(cfg *config.Config, sig callsystem.Signaling, st store.Store, personas dialer.Personas, m *metrics.Metrics, logger *slog.Logger) (*dialer.Dialer, error) {
	enc, err := codec.ParseEncoding(cfg.Stream.Encoding)
	if err != nil {
		return nil, err
	}
	dc := cfg.Dial
	return dialer.New(sig, st, personas,
		dialer.WithBridgeTarget(dc.BridgeTarget, dc.Context),
		dialer.WithCallerID(dc.CallerIDName, dc.CallerIDNumber),
		dialer.WithRingTimeout(dc.RingTimeout),
		dialer.WithStream(dialer.StreamConfig{
			SocketURL:  cfg.Stream.SocketURL,
			Encoding:   enc,
			SampleRate: cfg.Stream.SampleRate,
		}),
		dialer.WithRetry(dc.MaxAttempts, dc.Backoff, dc.MaxBackoff),
		dialer.WithLogger(logger),
		dialer.WithMetrics(m),
	)
}

func registryOptions(cfg *config.Config, p session.Pipeline, st store.Store, personas config.Catalog, m *metrics.Metrics, logger *slog.Logger) ([]session.Option, error) {
	sc := cfg.Session
	opts := []session.Option{
		session.WithPipeline(p),
		session.WithStore(st),
		session.WithRates(cfg.Pipeline.Rates),
		session.WithLogger(logger),
		session.WithMetrics(m),
		session.WithBufferDuration(sc.BufferDuration),
		session.WithMaxHistory(sc.MaxHistory),
	}
	if sc.DefaultPersona != "" {
		p, ok := personas.Persona(sc.DefaultPersona)
		if !ok {
			return nil, fmt.Errorf("default persona %q is not in the catalog", sc.DefaultPersona)
		}
		opts = append(opts, session.WithDefaultPersona(p))
	}
	if sc.PendingFallback {
		opts = append(opts, session.WithPendingFallback(sc.PendingWindow)) //nolint:staticcheck
	}
	return opts, nil
}

// setupTracing installs an OTLP trace exporter when an endpoint is
// configured. The returned function flushes and stops it.
func setupTracing(ctx context.Context, cfg config.TracingConfig) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", pbx.Name),
		attribute.String("service.version", pbx.Version),
	))
	if err != nil {
		res = resource.Default()
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SamplingRate >= 1:
		sampler = sdktrace.AlwaysSample()
	case cfg.SamplingRate <= 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return provider.Shutdown, nil
}
