// Package config loads the bridge configuration.
//
// Values come from an optional YAML file and are overridden by environment
// variables named OMNIVOICE_PBX_<SECTION>_<KEY>, for example
// OMNIVOICE_PBX_SIGNALING_ESL_PASSWORD.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	pbx "github.com/agentplexus/omnivoice-pbx"
	"github.com/agentplexus/omnivoice-pbx/codec"
	"github.com/agentplexus/omnivoice-pbx/pipeline"
	"github.com/agentplexus/omnivoice-pbx/session"
	"github.com/agentplexus/omnivoice-pbx/store"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "OMNIVOICE_PBX"

// DefaultSQLiteDSN is used when the store driver is sqlite and no DSN is set.
const DefaultSQLiteDSN = "file:omnivoice-pbx.db?_pragma=busy_timeout(5000)"

// Config is the full bridge configuration.
type Config struct {
	Log          LogConfig       `mapstructure:"log"`
	HTTP         HTTPConfig      `mapstructure:"http"`
	AudioSocket  AudioSocket     `mapstructure:"audiosocket"`
	Signaling    SignalingConfig `mapstructure:"signaling"`
	Dial         DialConfig      `mapstructure:"dial"`
	Stream       StreamConfig    `mapstructure:"stream"`
	Session      SessionConfig   `mapstructure:"session"`
	Pipeline     PipelineConfig  `mapstructure:"pipeline"`
	STT          ProviderConfig  `mapstructure:"stt"`
	LLM          ProviderConfig  `mapstructure:"llm"`
	TTS          ProviderConfig  `mapstructure:"tts"`
	Store        StoreConfig     `mapstructure:"store"`
	Tracing      TracingConfig   `mapstructure:"tracing"`
	PersonasFile string          `mapstructure:"personas_file"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// HTTPConfig is the HTTP listener serving WebSocket audio, metrics and
// health checks.
type HTTPConfig struct {
	Addr            string `mapstructure:"addr"`
	AudioStreamPath string `mapstructure:"audio_stream_path"`
	MediaStreamPath string `mapstructure:"media_stream_path"`

	// PublicURL is the scheme and host Twilio signs when the bridge runs
	// behind a proxy.
	PublicURL string `mapstructure:"public_url"`
}

// AudioSocket is the framed TCP listener. An empty Addr disables it.
type AudioSocket struct {
	Addr       string `mapstructure:"addr"`
	Encoding   string `mapstructure:"encoding"`
	SampleRate int    `mapstructure:"sample_rate"`
	Pacing     bool   `mapstructure:"pacing"`
}

// SignalingConfig selects and configures the switch backend.
type SignalingConfig struct {
	Backend string       `mapstructure:"backend"`
	ESL     ESLConfig    `mapstructure:"esl"`
	Twilio  TwilioConfig `mapstructure:"twilio"`
}

// ESLConfig configures the event socket backend.
type ESLConfig struct {
	Addr             string        `mapstructure:"addr"`
	User             string        `mapstructure:"user"`
	Password         string        `mapstructure:"password"`
	Gateway          string        `mapstructure:"gateway"`
	Context          string        `mapstructure:"context"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	MaxResponseBytes int           `mapstructure:"max_response_bytes"`
}

// TwilioConfig configures the Twilio backend.
type TwilioConfig struct {
	AccountSID     string `mapstructure:"account_sid"`
	AuthToken      string `mapstructure:"auth_token"`
	From           string `mapstructure:"from"`
	StreamURL      string `mapstructure:"stream_url"`
	StatusCallback string `mapstructure:"status_callback"`
	APIBaseURL     string `mapstructure:"api_base_url"`
}

// DialConfig configures outbound calls.
type DialConfig struct {
	BridgeTarget   string        `mapstructure:"bridge_target"`
	Context        string        `mapstructure:"context"`
	CallerIDName   string        `mapstructure:"caller_id_name"`
	CallerIDNumber string        `mapstructure:"caller_id_number"`
	RingTimeout    time.Duration `mapstructure:"ring_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	Backoff        time.Duration `mapstructure:"backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Concurrency    int           `mapstructure:"concurrency"`
}

// StreamConfig says where the switch sends call audio after originate.
type StreamConfig struct {
	SocketURL  string `mapstructure:"socket_url"`
	Encoding   string `mapstructure:"encoding"`
	SampleRate int    `mapstructure:"sample_rate"`
}

// SessionConfig configures conversation sessions.
type SessionConfig struct {
	BufferDuration  time.Duration `mapstructure:"buffer_duration"`
	MaxHistory      int           `mapstructure:"max_history"`
	PendingFallback bool          `mapstructure:"pending_fallback"`
	PendingWindow   time.Duration `mapstructure:"pending_window"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
	SweepSchedule   string        `mapstructure:"sweep_schedule"`
	DefaultPersona  string        `mapstructure:"default_persona"`
}

// PipelineConfig bounds each turn and prices it.
type PipelineConfig struct {
	TranscribeTimeout time.Duration  `mapstructure:"transcribe_timeout"`
	RespondTimeout    time.Duration  `mapstructure:"respond_timeout"`
	SynthesizeTimeout time.Duration  `mapstructure:"synthesize_timeout"`
	MaxResponseChars  int            `mapstructure:"max_response_chars"`
	MaxTokens         int            `mapstructure:"max_tokens"`
	Rates             pipeline.Rates `mapstructure:"rates"`
}

// ProviderConfig selects one speech or language provider.
type ProviderConfig struct {
	Provider string `mapstructure:"provider"`
	APIKey   string `mapstructure:"api_key"`
	Model    string `mapstructure:"model"`
	BaseURL  string `mapstructure:"base_url"`
	Voice    string `mapstructure:"voice"`
	Language string `mapstructure:"language"`
}

// StoreConfig configures call record storage.
type StoreConfig struct {
	Driver            string        `mapstructure:"driver"`
	DSN               string        `mapstructure:"dsn"`
	MaxOpenConns      int           `mapstructure:"max_open_conns"`
	MaxIdleConns      int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime   time.Duration `mapstructure:"conn_max_lifetime"`
	ReconcileSchedule string        `mapstructure:"reconcile_schedule"`
}

// TracingConfig configures OTLP trace export. An empty Endpoint disables it.
type TracingConfig struct {
	Endpoint     string  `mapstructure:"endpoint"`
	Insecure     bool    `mapstructure:"insecure"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

// SQLConfig returns the store pool settings.
func (c StoreConfig) SQLConfig() *store.SQLConfig {
	cfg := store.DefaultSQLConfig()
	if c.MaxOpenConns > 0 {
		cfg.MaxOpenConns = c.MaxOpenConns
	}
	if c.MaxIdleConns > 0 {
		cfg.MaxIdleConns = c.MaxIdleConns
	}
	if c.ConnMaxLifetime > 0 {
		cfg.ConnMaxLifetime = c.ConnMaxLifetime
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	defaults := map[string]any{
		"log.level":  "info",
		"log.format": "json",

		"http.addr":              ":8090",
		"http.audio_stream_path": "/audio",
		"http.media_stream_path": "/media",
		"http.public_url":        "",

		"audiosocket.addr":        ":9092",
		"audiosocket.encoding":    string(codec.EncodingPCM16),
		"audiosocket.sample_rate": codec.TelephonyRate,
		"audiosocket.pacing":      true,

		"signaling.backend":                pbx.BackendESL,
		"signaling.esl.addr":               "127.0.0.1:8021",
		"signaling.esl.user":               "",
		"signaling.esl.password":           "ClueCon",
		"signaling.esl.gateway":            "",
		"signaling.esl.context":            "default",
		"signaling.esl.dial_timeout":       5 * time.Second,
		"signaling.esl.max_response_bytes": 0,
		"signaling.twilio.account_sid":     "",
		"signaling.twilio.auth_token":      "",
		"signaling.twilio.from":            "",
		"signaling.twilio.stream_url":      "",
		"signaling.twilio.status_callback": "",
		"signaling.twilio.api_base_url":    "",

		"dial.bridge_target":    "",
		"dial.context":          "",
		"dial.caller_id_name":   "",
		"dial.caller_id_number": "",
		"dial.ring_timeout":     30 * time.Second,
		"dial.max_attempts":     3,
		"dial.backoff":          500 * time.Millisecond,
		"dial.max_backoff":      5 * time.Second,
		"dial.concurrency":      4,

		"stream.socket_url":  "",
		"stream.encoding":    string(codec.EncodingPCM16),
		"stream.sample_rate": codec.TelephonyRate,

		"session.buffer_duration":  session.DefaultBufferDuration,
		"session.max_history":      session.DefaultMaxHistory,
		"session.pending_fallback": false,
		"session.pending_window":   session.DefaultPendingWindow,
		"session.stale_after":      5 * time.Minute,
		"session.sweep_schedule":   "@every 30s",
		"session.default_persona":  "",

		"pipeline.transcribe_timeout":                pipeline.DefaultTranscribeTimeout,
		"pipeline.respond_timeout":                   pipeline.DefaultRespondTimeout,
		"pipeline.synthesize_timeout":                pipeline.DefaultSynthesizeTimeout,
		"pipeline.max_response_chars":                pipeline.DefaultMaxResponseChars,
		"pipeline.max_tokens":                        pipeline.DefaultMaxTokens,
		"pipeline.rates.transcription_per_minute":    0.006,
		"pipeline.rates.prompt_per_million":          0.15,
		"pipeline.rates.completion_per_million":      0.60,
		"pipeline.rates.synthesis_per_million_chars": 15.0,
		"pipeline.rates.telephony_per_minute":        0.0,

		"store.driver":             string(store.DialectSQLite),
		"store.dsn":                "",
		"store.max_open_conns":     0,
		"store.max_idle_conns":     0,
		"store.conn_max_lifetime":  0,
		"store.reconcile_schedule": store.DefaultReconcileSchedule,

		"tracing.endpoint":      "",
		"tracing.insecure":      false,
		"tracing.sampling_rate": 1.0,

		"personas_file": "personas.yaml",
	}
	for _, section := range []string{"stt", "llm", "tts"} {
		for _, key := range []string{"api_key", "model", "base_url", "voice", "language"} {
			defaults[section+"."+key] = ""
		}
		defaults[section+".provider"] = "openai"
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// Load reads path, which may be empty, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Store.DSN == "" && cfg.Store.Driver == string(store.DialectSQLite) {
		cfg.Store.DSN = DefaultSQLiteDSN
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Signaling.Backend {
	case pbx.BackendESL:
		if c.Signaling.ESL.Addr == "" {
			errs = append(errs, errors.New("signaling.esl.addr is required"))
		}
	case pbx.BackendTwilio:
		if c.Signaling.Twilio.AccountSID == "" || c.Signaling.Twilio.AuthToken == "" {
			errs = append(errs, errors.New("signaling.twilio.account_sid and auth_token are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("signaling.backend %q is not one of %s, %s", c.Signaling.Backend, pbx.BackendESL, pbx.BackendTwilio))
	}

	for name, enc := range map[string]string{"audiosocket.encoding": c.AudioSocket.Encoding, "stream.encoding": c.Stream.Encoding} {
		if _, err := codec.ParseEncoding(enc); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if c.AudioSocket.SampleRate <= 0 || c.Stream.SampleRate <= 0 {
		errs = append(errs, errors.New("sample rates must be positive"))
	}

	if c.Session.BufferDuration <= 0 {
		errs = append(errs, errors.New("session.buffer_duration must be positive"))
	}
	if c.Session.PendingFallback && c.Session.PendingWindow <= 0 {
		errs = append(errs, errors.New("session.pending_window must be positive when pending_fallback is on"))
	}

	if _, err := store.ParseDialect(c.Store.Driver); err != nil {
		errs = append(errs, fmt.Errorf("store.driver: %w", err))
	}
	if c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}

	if c.Dial.Concurrency <= 0 {
		errs = append(errs, errors.New("dial.concurrency must be positive"))
	}

	return errors.Join(errs...)
}

// Dialect returns the parsed store driver.
func (c *Config) Dialect() store.Dialect {
	d, _ := store.ParseDialect(c.Store.Driver)
	return d
}
