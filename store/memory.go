package store

import (
	"context"
	"sync"
	"time"

	"github.com/agentplexus/omnivoice-pbx/pipeline"
)

// Verify interface compliance at compile time.
var _ Store = (*Memory)(nil)

// Memory keeps call records in memory.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*CallRecord
	now     func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]*CallRecord),
		now:     time.Now,
	}
}

// Create stores a record.
func (s *Memory) Create(ctx context.Context, rec *CallRecord) error {
	if rec == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.CallID]; exists {
		return ErrExists
	}
	c := cloneRecord(rec)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	if c.Status == "" {
		c.Status = StatusInitiated
	}
	s.records[c.CallID] = c
	return nil
}

// Get returns a copy of the record for callID.
func (s *Memory) Get(ctx context.Context, callID string) (*CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[callID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

// MostRecentInitiated returns the newest initiated record created since.
func (s *Memory) MostRecentInitiated(ctx context.Context, since time.Time) (*CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *CallRecord
	for _, rec := range s.records {
		if rec.Status != StatusInitiated || rec.CreatedAt.Before(since) {
			continue
		}
		if best == nil || rec.CreatedAt.After(best.CreatedAt) {
			best = rec
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return cloneRecord(best), nil
}

// UpdateStatus sets the status of a record.
func (s *Memory) UpdateStatus(ctx context.Context, callID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[callID]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.UpdatedAt = s.now()
	return nil
}

// Finalize writes the end-of-call bookkeeping.
func (s *Memory) Finalize(ctx context.Context, callID string, final Final) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[callID]
	if !ok {
		return ErrNotFound
	}
	rec.Status = final.Status
	rec.EndedAt = final.EndedAt
	rec.Transcript = append([]pipeline.Message(nil), final.Transcript...)
	rec.Costs = final.Costs
	rec.Error = final.Error
	rec.UpdatedAt = s.now()
	return nil
}
