// Package store persists call records.
//
// A record is created when a call is originated, marked connected when the
// audio stream attaches, and finalized exactly once when the session ends.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/agentplexus/omnivoice-pbx/pipeline"
)

// Status is the lifecycle state of a call record.
type Status string

const (
	StatusInitiated Status = "initiated"
	StatusConnected Status = "connected"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var (
	// ErrNotFound is returned when no record matches.
	ErrNotFound = errors.New("call record not found")

	// ErrExists is returned by Create for a duplicate call id.
	ErrExists = errors.New("call record already exists")
)

// CallRecord is the persisted view of one call.
type CallRecord struct {
	CallID       string                 `json:"call_id"`
	AccountID    string                 `json:"account_id,omitempty"`
	CampaignID   string                 `json:"campaign_id,omitempty"`
	PersonaID    string                 `json:"persona_id,omitempty"`
	SystemPrompt string                 `json:"system_prompt,omitempty"`
	Greeting     string                 `json:"greeting,omitempty"`
	VoiceID      string                 `json:"voice_id,omitempty"`
	Destination  string                 `json:"destination,omitempty"`
	Backend      string                 `json:"backend,omitempty"`
	Status       Status                 `json:"status"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
	EndedAt      time.Time              `json:"ended_at,omitempty"`
	Transcript   []pipeline.Message     `json:"transcript,omitempty"`
	Costs        pipeline.CostBreakdown `json:"costs"`
	Error        string                 `json:"error,omitempty"`
}

// Final is the bookkeeping written when a call ends.
type Final struct {
	Status     Status
	EndedAt    time.Time
	Transcript []pipeline.Message
	Costs      pipeline.CostBreakdown
	Error      string
}

// Store persists call records.
type Store interface {
	// Create inserts a new record. A duplicate call id yields ErrExists.
	Create(ctx context.Context, rec *CallRecord) error
	Get(ctx context.Context, callID string) (*CallRecord, error)
	// MostRecentInitiated returns the newest initiated record created at or
	// after since, or ErrNotFound.
	MostRecentInitiated(ctx context.Context, since time.Time) (*CallRecord, error)
	UpdateStatus(ctx context.Context, callID string, status Status) error
	Finalize(ctx context.Context, callID string, final Final) error
}

func cloneRecord(rec *CallRecord) *CallRecord {
	if rec == nil {
		return nil
	}
	out := *rec
	if rec.Transcript != nil {
		out.Transcript = append([]pipeline.Message(nil), rec.Transcript...)
	}
	return &out
}
