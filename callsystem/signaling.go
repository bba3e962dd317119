// Package callsystem places calls and controls their audio streams on a
// telephone switch.
//
// Every backend implements Signaling. Each command runs on its own
// short-lived connection or request and is never retried by the backend;
// callers retry only errors that match ErrUnreachable.
package callsystem

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentplexus/omnivoice-pbx/codec"
)

var (
	// ErrAuthFailed is returned when the switch rejects the credentials.
	ErrAuthFailed = errors.New("signaling: authentication failed")

	// ErrCommandFailed is returned when the switch rejects a command.
	ErrCommandFailed = errors.New("signaling: command failed")

	// ErrNoCallID is returned when an originate reply carries no call id.
	ErrNoCallID = errors.New("signaling: no call id in reply")

	// ErrUnreachable is returned for network-level failures. It is the only
	// error worth retrying.
	ErrUnreachable = errors.New("signaling: switch unreachable")
)

// CommandError describes a command the switch rejected.
type CommandError struct {
	Command string
	Reply   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("signaling: %s rejected: %s", e.Command, e.Reply)
}

// Unwrap returns ErrCommandFailed.
func (e *CommandError) Unwrap() error {
	return ErrCommandFailed
}

// Outcome returns a short label for err, suitable for metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAuthFailed):
		return "auth_failed"
	case errors.Is(err, ErrNoCallID):
		return "no_call_id"
	case errors.Is(err, ErrCommandFailed):
		return "command_failed"
	case errors.Is(err, ErrUnreachable):
		return "unreachable"
	default:
		return "error"
	}
}

// CommandState is the progress of one command exchange.
type CommandState int

const (
	StateIdle CommandState = iota
	StateAuthenticating
	StateCommandSent
	StateAcknowledged
	StateFailed
)

func (s CommandState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAuthenticating:
		return "authenticating"
	case StateCommandSent:
		return "command_sent"
	case StateAcknowledged:
		return "acknowledged"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StateObserver is told about every state a command passes through.
type StateObserver func(command string, state CommandState)

// OriginateRequest describes an outbound call.
type OriginateRequest struct {
	// Destination is the number or endpoint to dial.
	Destination string

	// BridgeTarget is where the answered call is sent: a dialplan
	// extension for switches, a stream URL or TwiML URL for Twilio.
	BridgeTarget string

	// Context is the dialplan context of BridgeTarget.
	Context string

	CallerIDName   string
	CallerIDNumber string

	// Timeout is how long the destination may ring.
	Timeout time.Duration

	// Async returns as soon as the switch has queued the call.
	Async bool

	// Variables are channel variables set on the new call.
	Variables map[string]string
}

// OriginateResult is the switch's acknowledgement of an originate.
type OriginateResult struct {
	CallID string
	Reply  string
}

// StreamRequest asks the switch to forward a call's audio to a socket.
type StreamRequest struct {
	CallID     string
	SocketURL  string
	Encoding   codec.Encoding
	SampleRate int

	// Metadata is passed through to the socket server untouched.
	Metadata map[string]string
}

// Signaling is the command channel to a telephone switch.
type Signaling interface {
	// Name returns the backend name.
	Name() string

	// Originate places a call and returns the switch's call id.
	Originate(ctx context.Context, req OriginateRequest) (*OriginateResult, error)

	// StartStream starts forwarding the call's audio to req.SocketURL.
	StartStream(ctx context.Context, req StreamRequest) error

	// StopStream stops forwarding the call's audio.
	StopStream(ctx context.Context, callID string) error

	// Hangup ends the call.
	Hangup(ctx context.Context, callID string) error

	// Ping checks that the switch accepts commands.
	Ping(ctx context.Context) error
}
