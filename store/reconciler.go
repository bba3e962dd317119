package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agentplexus/omnivoice-pbx/internal/metrics"
)

// DefaultReconcileSchedule retries queued writes every 30 seconds.
const DefaultReconcileSchedule = "@every 30s"

// Verify interface compliance at compile time.
var _ Store = (*Reconciler)(nil)

// Reconciler decorates a Store so that failed status and final writes are
// queued and retried later instead of failing the call.
//
// Writes for one call are applied in order: while a call has queued writes,
// later writes for it are queued behind them.
type Reconciler struct {
	next    Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	timeout time.Duration

	mu      sync.Mutex
	pending []pendingWrite

	flushMu sync.Mutex
	cron    *cron.Cron
}

type pendingWrite struct {
	op     string
	callID string
	status Status
	final  *Final
	tries  int
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithReconcilerLogger sets the logger.
func WithReconcilerLogger(logger *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithReconcilerMetrics sets the metrics handle.
func WithReconcilerMetrics(m *metrics.Metrics) ReconcilerOption {
	return func(r *Reconciler) {
		r.metrics = m
	}
}

// WithWriteTimeout bounds each retried write.
func WithWriteTimeout(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewReconciler wraps next.
func NewReconciler(next Store, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		next:    next,
		logger:  slog.Default(),
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create passes through; a failed create is returned to the caller.
func (r *Reconciler) Create(ctx context.Context, rec *CallRecord) error {
	err := r.next.Create(ctx, rec)
	if err != nil && !errors.Is(err, ErrExists) {
		r.metrics.StoreWriteFailed("create")
	}
	return err
}

// Get passes through.
func (r *Reconciler) Get(ctx context.Context, callID string) (*CallRecord, error) {
	return r.next.Get(ctx, callID)
}

// MostRecentInitiated passes through.
func (r *Reconciler) MostRecentInitiated(ctx context.Context, since time.Time) (*CallRecord, error) {
	return r.next.MostRecentInitiated(ctx, since)
}

// UpdateStatus writes through, queueing the write if it fails.
func (r *Reconciler) UpdateStatus(ctx context.Context, callID string, status Status) error {
	return r.write(ctx, pendingWrite{op: "update_status", callID: callID, status: status})
}

// Finalize writes through, queueing the write if it fails.
func (r *Reconciler) Finalize(ctx context.Context, callID string, final Final) error {
	return r.write(ctx, pendingWrite{op: "finalize", callID: callID, final: &final})
}

func (r *Reconciler) write(ctx context.Context, w pendingWrite) error {
	r.mu.Lock()
	if r.queuedLocked(w.callID) {
		r.pending = append(r.pending, w)
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	err := r.apply(ctx, w)
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}

	r.metrics.StoreWriteFailed(w.op)
	r.logger.Warn("call record write failed, queued for retry",
		"call_id", w.callID,
		"op", w.op,
		"error", err,
	)

	r.mu.Lock()
	r.pending = append(r.pending, w)
	r.mu.Unlock()
	return nil
}

func (r *Reconciler) queuedLocked(callID string) bool {
	for _, p := range r.pending {
		if p.callID == callID {
			return true
		}
	}
	return false
}

func (r *Reconciler) apply(ctx context.Context, w pendingWrite) error {
	if w.final != nil {
		return r.next.Finalize(ctx, w.callID, *w.final)
	}
	return r.next.UpdateStatus(ctx, w.callID, w.status)
}

// Pending returns the number of queued writes.
func (r *Reconciler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Flush retries queued writes in order and returns how many were applied.
// A call whose write fails again keeps the rest of its writes queued.
// Writes for records that no longer exist are discarded.
func (r *Reconciler) Flush(ctx context.Context) int {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	var (
		keep    []pendingWrite
		blocked = make(map[string]bool)
		applied int
	)
	for _, w := range batch {
		if blocked[w.callID] || ctx.Err() != nil {
			keep = append(keep, w)
			continue
		}

		wctx, cancel := context.WithTimeout(ctx, r.timeout)
		err := r.apply(wctx, w)
		cancel()

		switch {
		case err == nil:
			applied++
		case errors.Is(err, ErrNotFound):
			r.logger.Warn("dropping queued write for unknown call record",
				"call_id", w.callID,
				"op", w.op,
			)
		default:
			w.tries++
			blocked[w.callID] = true
			keep = append(keep, w)
			r.logger.Debug("queued call record write failed again",
				"call_id", w.callID,
				"op", w.op,
				"tries", w.tries,
				"error", err,
			)
		}
	}

	if len(keep) > 0 {
		// Writes queued during the flush go after the ones still pending.
		r.mu.Lock()
		r.pending = append(keep, r.pending...)
		r.mu.Unlock()
	}

	r.metrics.StoreWritesReconciled(applied)
	if applied > 0 {
		r.logger.Info("reconciled call record writes", "applied", applied, "pending", r.Pending())
	}
	return applied
}

// Start schedules Flush on schedule, a cron expression or descriptor such as
// "@every 30s". An empty schedule uses DefaultReconcileSchedule.
func (r *Reconciler) Start(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultReconcileSchedule
	}

	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { r.Flush(ctx) }); err != nil {
		return err
	}
	c.Start()

	r.mu.Lock()
	r.cron = c
	r.mu.Unlock()
	return nil
}

// Stop halts the schedule, waits for a running flush, and makes a final attempt.
func (r *Reconciler) Stop(ctx context.Context) {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	r.Flush(ctx)
}
