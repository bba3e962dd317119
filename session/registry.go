package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/agentplexus/omnivoice-pbx/internal/metrics"
	"github.com/agentplexus/omnivoice-pbx/pipeline"
	"github.com/agentplexus/omnivoice-pbx/store"
)

// Registry owns every live session, keyed by call id.
//
// The registry lock is held only to insert, look up and remove entries,
// never across provider or store I/O.
type Registry struct {
	pipeline       Pipeline
	store          store.Store
	rates          pipeline.Rates
	now            func() time.Time
	logger         *slog.Logger
	metrics        *metrics.Metrics
	bufferDuration time.Duration
	maxHistory     int
	pendingWindow  time.Duration
	defaultPersona *Persona
	storeTimeout   time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

// Option configures a Registry.
type Option func(*Registry)

// WithPipeline sets the conversation pipeline. Required.
func WithPipeline(p Pipeline) Option {
	return func(r *Registry) {
		r.pipeline = p
	}
}

// WithStore sets the call record store used for bootstrap and final
// bookkeeping.
func WithStore(s store.Store) Option {
	return func(r *Registry) {
		r.store = s
	}
}

// WithRates sets the prices applied to final costs.
func WithRates(rates pipeline.Rates) Option {
	return func(r *Registry) {
		r.rates = rates
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics sets the metrics handle.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithBufferDuration sets how much caller audio triggers a turn.
func WithBufferDuration(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.bufferDuration = d
		}
	}
}

// WithMaxHistory caps the conversation history. Zero disables the cap.
func WithMaxHistory(n int) Option {
	return func(r *Registry) {
		if n >= 0 {
			r.maxHistory = n
		}
	}
}

// WithPendingFallback enables attaching a connection that carries no call
// id to the most recent initiated call within window.
//
// Deprecated: concurrent originations can attach a connection to the wrong
// call. Pass the call id in the stream metadata instead.
func WithPendingFallback(window time.Duration) Option {
	return func(r *Registry) {
		r.pendingWindow = window
	}
}

// WithDefaultPersona serves calls that have no call record, such as
// inbound calls, with p.
func WithDefaultPersona(p Persona) Option {
	return func(r *Registry) {
		r.defaultPersona = &p
	}
}

// NewRegistry creates a registry.
func NewRegistry(opts ...Option) (*Registry, error) {
	r := &Registry{
		now:            time.Now,
		logger:         slog.Default(),
		bufferDuration: DefaultBufferDuration,
		maxHistory:     DefaultMaxHistory,
		storeTimeout:   5 * time.Second,
		sessions:       make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.pipeline == nil {
		return nil, errors.New("session: pipeline is required")
	}
	return r, nil
}

// Open creates and registers a session for meta.CallID.
func (r *Registry) Open(ctx context.Context, sink Sink, meta Metadata) (*Session, error) {
	if meta.CallID == "" {
		return nil, errors.New("session: call id is required")
	}

	r.mu.Lock()
	if _, exists := r.sessions[meta.CallID]; exists {
		r.mu.Unlock()
		return nil, ErrExists
	}
	s := newSession(ctx, r, meta, sink)
	r.sessions[meta.CallID] = s
	r.mu.Unlock()

	r.metrics.SessionStarted(meta.Protocol)
	r.logger.Info("session opened",
		"call_id", meta.CallID,
		"account_id", meta.AccountID,
		"persona", meta.Persona.ID,
		"protocol", meta.Protocol,
	)

	if r.store != nil {
		sctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
		err := r.store.UpdateStatus(sctx, meta.CallID, store.StatusConnected)
		cancel()
		switch {
		case errors.Is(err, store.ErrNotFound):
			r.logger.Debug("no call record to mark connected", "call_id", meta.CallID)
		case err != nil:
			r.logger.Warn("failed to mark call connected", "call_id", meta.CallID, "error", err)
		}
	}
	return s, nil
}

// Bootstrap opens a session for a call id first seen on a stream, loading
// its metadata from the call record. Without a record, the persona in meta
// is used, then the default persona; with neither, ErrUnknownCall is
// returned. meta supplies the protocol and any identifiers the stream
// carried.
func (r *Registry) Bootstrap(ctx context.Context, sink Sink, meta Metadata) (*Session, error) {
	if meta.CallID == "" {
		return nil, errors.New("session: call id is required")
	}
	if r.store != nil {
		sctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
		rec, err := r.store.Get(sctx, meta.CallID)
		cancel()
		switch {
		case err == nil:
			return r.Open(ctx, sink, mergeRecord(meta, rec))
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}

	if meta.Persona.ID == "" {
		if r.defaultPersona == nil {
			return nil, ErrUnknownCall
		}
		meta.Persona = *r.defaultPersona
	}
	return r.Open(ctx, sink, meta)
}

// BootstrapPending attaches a connection that carries no call id to the
// most recent initiated call within the fallback window. It returns
// ErrNoPendingCall, creating nothing, when the fallback is disabled or no
// call qualifies.
//
// Deprecated: see WithPendingFallback.
func (r *Registry) BootstrapPending(ctx context.Context, sink Sink, protocol string) (*Session, error) {
	if r.pendingWindow <= 0 || r.store == nil {
		return nil, ErrNoPendingCall
	}

	sctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	rec, err := r.store.MostRecentInitiated(sctx, r.now().Add(-r.pendingWindow))
	cancel()
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoPendingCall
	}
	if err != nil {
		return nil, err
	}

	r.logger.Warn("attaching connection to most recent initiated call",
		"call_id", rec.CallID,
		"window", r.pendingWindow,
	)
	s, err := r.Open(ctx, sink, mergeRecord(Metadata{Protocol: protocol}, rec))
	if errors.Is(err, ErrExists) {
		return nil, ErrNoPendingCall
	}
	return s, err
}

func mergeRecord(meta Metadata, rec *store.CallRecord) Metadata {
	meta.CallID = rec.CallID
	if rec.AccountID != "" {
		meta.AccountID = rec.AccountID
	}
	if rec.CampaignID != "" {
		meta.CampaignID = rec.CampaignID
	}
	meta.Persona = Persona{
		ID:           rec.PersonaID,
		SystemPrompt: rec.SystemPrompt,
		Greeting:     rec.Greeting,
		VoiceID:      rec.VoiceID,
		Language:     meta.Persona.Language,
	}
	return meta
}

// Get returns the live session for callID.
func (r *Registry) Get(callID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[callID]
	return s, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Hangup ends and removes the session for callID. It reports whether a
// session was ended; a second hangup for the same call is a no-op.
func (r *Registry) Hangup(callID string, reason EndReason) bool {
	r.mu.Lock()
	s, ok := r.sessions[callID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return s.End(reason)
}

// SweepStale ends sessions that have seen no inbound traffic for maxIdle
// and returns how many were ended.
func (r *Registry) SweepStale(maxIdle time.Duration) int {
	cutoff := r.now().Add(-maxIdle)

	r.mu.Lock()
	var stale []*Session
	for _, s := range r.sessions {
		if s.idleSince().Before(cutoff) {
			stale = append(stale, s)
		}
	}
	r.mu.Unlock()

	n := 0
	for _, s := range stale {
		if s.End(EndStale) {
			n++
		}
	}
	if n > 0 {
		r.logger.Info("ended stale sessions", "count", n, "max_idle", maxIdle)
	}
	return n
}

// CloseAll ends every session and waits for in-flight turns until ctx is
// done.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	for _, s := range all {
		s.End(EndShutdown)
	}

	done := make(chan struct{})
	go func() {
		for _, s := range all {
			s.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sessionEnded removes s and writes its final record. It runs once per
// session.
func (r *Registry) sessionEnded(s *Session) {
	r.mu.Lock()
	if r.sessions[s.meta.CallID] == s {
		delete(r.sessions, s.meta.CallID)
	}
	r.mu.Unlock()

	sum := s.summary()
	r.metrics.SessionEnded(s.meta.Protocol, string(sum.reason), sum.duration.Seconds())

	priced := r.rates.Price(sum.costs)
	r.logger.Info("session ended",
		"call_id", s.meta.CallID,
		"reason", sum.reason,
		"duration", sum.duration,
		"turns", countRole(sum.history, pipeline.RoleUser),
		"cost_usd", priced.Total,
	)

	if r.store == nil {
		return
	}

	final := store.Final{
		Status:     store.StatusCompleted,
		EndedAt:    sum.ended,
		Transcript: sum.history,
		Costs:      priced,
	}
	if sum.reason == EndPipelineError {
		final.Status = store.StatusFailed
	}
	if sum.cause != nil {
		final.Error = sum.cause.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.storeTimeout)
	defer cancel()
	if err := r.store.Finalize(ctx, s.meta.CallID, final); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.logger.Debug("no call record to finalize", "call_id", s.meta.CallID)
			return
		}
		r.metrics.StoreWriteFailed("finalize")
		r.logger.Error("failed to finalize call record", "call_id", s.meta.CallID, "error", err)
	}
}

func countRole(msgs []pipeline.Message, role pipeline.Role) int {
	n := 0
	for _, m := range msgs {
		if m.Role == role {
			n++
		}
	}
	return n
}
