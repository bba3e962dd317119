// Package session holds the live state of each call: the audio buffer,
// the conversation history, and the lifecycle state machine that decides
// when the pipeline runs.
//
//	Created -> Streaming -> Processing <-> Streaming -> Ended
//
// Every session is owned by a Registry. Audio for one call is fed from a
// single goroutine; turns run on their own goroutine, one at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentplexus/omnivoice-pbx/codec"
	"github.com/agentplexus/omnivoice-pbx/pipeline"
)

// State is the lifecycle state of a session.
type State int

const (
	StateCreated State = iota
	StateStreaming
	StateProcessing
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStreaming:
		return "streaming"
	case StateProcessing:
		return "processing"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EndReason says why a session ended.
type EndReason string

const (
	EndHangup          EndReason = "hangup"
	EndTransportClosed EndReason = "transport_closed"
	EndPipelineError   EndReason = "pipeline_error"
	EndStale           EndReason = "stale"
	EndShutdown        EndReason = "shutdown"
)

// Default session limits.
const (
	// DefaultBufferDuration is how much caller audio triggers a turn:
	// 16000 bytes of 8 kHz PCM16.
	DefaultBufferDuration = time.Second

	// DefaultMaxHistory caps the conversation history, oldest first.
	DefaultMaxHistory = 50

	// DefaultPendingWindow bounds the most-recent-initiated fallback.
	DefaultPendingWindow = 2 * time.Minute
)

var (
	// ErrSessionEnded is returned when feeding a session that has ended.
	ErrSessionEnded = errors.New("session: ended")

	// ErrExists is returned by Open for a call id that already has a session.
	ErrExists = errors.New("session: already exists")

	// ErrNoPendingCall is returned when the fallback finds no call to attach.
	ErrNoPendingCall = errors.New("session: no pending call")

	// ErrUnknownCall is returned when a call id has no record and no
	// default persona is configured.
	ErrUnknownCall = errors.New("session: unknown call")
)

// Persona is the prompt configuration of a call.
type Persona struct {
	ID           string `yaml:"id" toml:"id" json:"id"`
	SystemPrompt string `yaml:"system_prompt" toml:"system_prompt" json:"system_prompt"`
	Greeting     string `yaml:"greeting" toml:"greeting" json:"greeting"`
	VoiceID      string `yaml:"voice_id" toml:"voice_id" json:"voice_id"`
	Language     string `yaml:"language" toml:"language" json:"language"`
}

// Metadata identifies a call and how to talk on it.
type Metadata struct {
	CallID     string
	AccountID  string
	CampaignID string

	// Protocol is the stream protocol the call arrived on.
	Protocol string

	Persona Persona
}

// Sink plays audio into a call. transport.Stream satisfies it.
type Sink interface {
	Send(ctx context.Context, chunk codec.AudioChunk) error
}

// Pipeline runs turns. *pipeline.Pipeline satisfies it.
type Pipeline interface {
	Turn(ctx context.Context, req pipeline.TurnRequest) (*pipeline.TurnResult, error)
	Speak(ctx context.Context, callID string, req pipeline.SynthesisRequest) (codec.AudioChunk, pipeline.Costs, error)
}

// Verify interface compliance at compile time.
var _ Pipeline = (*pipeline.Pipeline)(nil)
