package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplexus/omnivoice-pbx/store"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "esl", cfg.Signaling.Backend)
	assert.Equal(t, "127.0.0.1:8021", cfg.Signaling.ESL.Addr)
	assert.Equal(t, 5*time.Second, cfg.Signaling.ESL.DialTimeout)
	assert.Equal(t, time.Second, cfg.Session.BufferDuration)
	assert.Equal(t, 2*time.Minute, cfg.Session.PendingWindow)
	assert.False(t, cfg.Session.PendingFallback)
	assert.Equal(t, DefaultSQLiteDSN, cfg.Store.DSN)
	assert.Equal(t, store.DialectSQLite, cfg.Dialect())
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.InDelta(t, 0.006, cfg.Pipeline.Rates.TranscriptionPerMinute, 1e-9)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeFile(t, "pbx.yaml", `
signaling:
  backend: esl
  esl:
    addr: 10.0.0.5:8021
    gateway: trunk
dial:
  bridge_target: "999"
session:
  buffer_duration: 1500ms
  pending_fallback: true
pipeline:
  rates:
    telephony_per_minute: 0.01
store:
  driver: postgres
  dsn: postgres://pbx@localhost/pbx
llm:
  provider: anthropic
`)
	t.Setenv("OMNIVOICE_PBX_SIGNALING_ESL_PASSWORD", "s3cret")
	t.Setenv("OMNIVOICE_PBX_LLM_API_KEY", "sk-ant")
	t.Setenv("OMNIVOICE_PBX_SESSION_MAX_HISTORY", "12")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5:8021", cfg.Signaling.ESL.Addr)
	assert.Equal(t, "trunk", cfg.Signaling.ESL.Gateway)
	assert.Equal(t, "s3cret", cfg.Signaling.ESL.Password)
	assert.Equal(t, "999", cfg.Dial.BridgeTarget)
	assert.Equal(t, 1500*time.Millisecond, cfg.Session.BufferDuration)
	assert.True(t, cfg.Session.PendingFallback)
	assert.Equal(t, 12, cfg.Session.MaxHistory)
	assert.InDelta(t, 0.01, cfg.Pipeline.Rates.TelephonyPerMinute, 1e-9)
	assert.Equal(t, store.DialectPostgres, cfg.Dialect())
	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.Equal(t, "sk-ant", cfg.LLM.APIKey)
}

func TestLoadInvalid(t *testing.T) {
	path := writeFile(t, "bad.yaml", `
signaling:
  backend: asterisk
stream:
  encoding: opus
store:
  driver: mysql
  dsn: x
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorContains(t, err, "signaling.backend")
	assert.ErrorContains(t, err, "stream.encoding")
	assert.ErrorContains(t, err, "store.driver")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config file")
}

func TestTwilioRequiresCredentials(t *testing.T) {
	t.Setenv("OMNIVOICE_PBX_SIGNALING_BACKEND", "twilio")
	_, err := Load("")
	assert.ErrorContains(t, err, "account_sid")

	t.Setenv("OMNIVOICE_PBX_SIGNALING_TWILIO_ACCOUNT_SID", "AC123")
	t.Setenv("OMNIVOICE_PBX_SIGNALING_TWILIO_AUTH_TOKEN", "tok")
	_, err = Load("")
	assert.NoError(t, err)
}

func TestStoreSQLConfig(t *testing.T) {
	cfg := StoreConfig{MaxOpenConns: 3, ConnMaxLifetime: time.Minute}.SQLConfig()
	assert.Equal(t, 3, cfg.MaxOpenConns)
	assert.Equal(t, store.DefaultSQLConfig().MaxIdleConns, cfg.MaxIdleConns)
	assert.Equal(t, time.Minute, cfg.ConnMaxLifetime)
}

func TestLoadPersonas(t *testing.T) {
	path := writeFile(t, "personas.yaml", `
personas:
  - id: dental
    system_prompt: You book appointments for Acme Dental.
    greeting: Hello, this is Acme Dental.
    voice_id: nova
  - id: survey
    system_prompt: You run a two question survey.
`)
	catalog, err := LoadPersonas(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"dental", "survey"}, catalog.IDs())

	p, ok := catalog.Persona("dental")
	require.True(t, ok)
	assert.Equal(t, "nova", p.VoiceID)
	assert.Equal(t, "Hello, this is Acme Dental.", p.Greeting)

	_, ok = catalog.Persona("nope")
	assert.False(t, ok)
}

func TestParsePersonasErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing id", "personas:\n  - greeting: hi\n", "id is required"},
		{"duplicate", "personas:\n  - id: a\n  - id: a\n", "defined twice"},
		{"unknown key", "personas:\n  - id: a\n    voice: x\n", "decode personas"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePersonas([]byte(tt.yaml))
			assert.ErrorContains(t, err, tt.want)
		})
	}

	catalog, err := ParsePersonas(nil)
	require.NoError(t, err)
	assert.Empty(t, catalog)
}

func TestLoadPersonasTOML(t *testing.T) {
	path := writeFile(t, "personas.toml", `
[[personas]]
id = "dental"
system_prompt = "You book appointments for Acme Dental."
voice_id = "nova"

[[personas]]
id = "survey"
`)
	catalog, err := LoadPersonas(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"dental", "survey"}, catalog.IDs())
	assert.Equal(t, "nova", catalog["dental"].VoiceID)

	_, err = ParsePersonasTOML([]byte("[[personas]]\nid = \"a\"\nvoice = \"x\"\n"))
	assert.ErrorContains(t, err, "decode personas")
}
