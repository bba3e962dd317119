// Package pipeline runs one conversational turn: transcribe the caller's
// audio, generate a reply from the conversation so far, and synthesize the
// reply back into telephony audio.
//
// The three providers are consumed through small interfaces so that any
// speech-to-text, language model or text-to-speech service can be plugged
// in. The pipeline never retries a failed stage: a turn that fails is
// abandoned and the call keeps listening.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentplexus/omnivoice-pbx/codec"
)

// Stage names, used in errors, logs and metrics.
const (
	StageTranscribe = "transcribe"
	StageRespond    = "respond"
	StageSynthesize = "synthesize"
)

// Role tags a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a conversation history.
type Message struct {
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Transcript is the result of a transcription.
type Transcript struct {
	Text string

	// Duration is the billed audio length. Zero means the audio length.
	Duration time.Duration
}

// Transcriber converts caller audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio codec.AudioChunk) (*Transcript, error)
}

// ResponseRequest asks a language model for the next assistant message.
type ResponseRequest struct {
	System    string
	Messages  []Message
	MaxTokens int
}

// Response is a generated assistant message.
type Response struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}

// Responder generates replies.
type Responder interface {
	Respond(ctx context.Context, req ResponseRequest) (*Response, error)
}

// SynthesisRequest asks for spoken audio.
type SynthesisRequest struct {
	Text     string
	VoiceID  string
	Language string
}

// Synthesizer converts text to audio at whatever rate the provider produces.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) (codec.AudioChunk, error)
}

var (
	// ErrEmptyTranscript is returned when the caller said nothing usable.
	// It is not a failure: the turn is simply skipped.
	ErrEmptyTranscript = errors.New("pipeline: empty transcript")

	// ErrFatal marks a provider error after which the call cannot continue,
	// such as revoked credentials. Providers wrap it; sessions end on it.
	ErrFatal = errors.New("pipeline: unrecoverable provider error")

	errEmptyResponse = errors.New("empty response")
)

// StageError reports which stage of a turn failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Fatal wraps err so that errors.Is(err, ErrFatal) holds.
func Fatal(err error) error {
	return fmt.Errorf("%w: %w", ErrFatal, err)
}
