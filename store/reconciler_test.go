package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplexus/omnivoice-pbx/internal/metrics"
)

// flakyStore fails writes while down is set.
type flakyStore struct {
	*Memory

	mu   sync.Mutex
	down bool
	ops  []string
}

func (f *flakyStore) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *flakyStore) fail(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errors.New("database unavailable")
	}
	f.ops = append(f.ops, op)
	return nil
}

func (f *flakyStore) UpdateStatus(ctx context.Context, callID string, status Status) error {
	if err := f.fail("status:" + string(status)); err != nil {
		return err
	}
	return f.Memory.UpdateStatus(ctx, callID, status)
}

func (f *flakyStore) Finalize(ctx context.Context, callID string, final Final) error {
	if err := f.fail("final:" + string(final.Status)); err != nil {
		return err
	}
	return f.Memory.Finalize(ctx, callID, final)
}

func TestReconcilerQueuesFailedWrites(t *testing.T) {
	ctx := context.Background()
	m := metrics.New(prometheus.NewRegistry())
	inner := &flakyStore{Memory: NewMemory()}
	r := NewReconciler(inner, WithReconcilerMetrics(m))

	require.NoError(t, r.Create(ctx, &CallRecord{CallID: "c1"}))

	inner.setDown(true)
	require.NoError(t, r.UpdateStatus(ctx, "c1", StatusConnected))
	inner.setDown(false)

	// Queued behind the failed write even though the store is back.
	require.NoError(t, r.Finalize(ctx, "c1", Final{Status: StatusCompleted}))
	assert.Equal(t, 2, r.Pending())

	rec, _ := r.Get(ctx, "c1")
	assert.Equal(t, StatusInitiated, rec.Status)

	assert.Equal(t, 2, r.Flush(ctx))
	assert.Zero(t, r.Pending())
	assert.Equal(t, []string{"status:connected", "final:completed"}, inner.ops)

	rec, _ = r.Get(ctx, "c1")
	assert.Equal(t, StatusCompleted, rec.Status)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreWriteFailures.WithLabelValues("update_status")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StoreReconciled))
}

func TestReconcilerKeepsOrderWhileDown(t *testing.T) {
	ctx := context.Background()
	inner := &flakyStore{Memory: NewMemory()}
	r := NewReconciler(inner)

	require.NoError(t, r.Create(ctx, &CallRecord{CallID: "c1"}))
	require.NoError(t, r.Create(ctx, &CallRecord{CallID: "c2"}))

	inner.setDown(true)
	require.NoError(t, r.UpdateStatus(ctx, "c1", StatusConnected))
	require.NoError(t, r.Finalize(ctx, "c1", Final{Status: StatusFailed}))
	require.NoError(t, r.UpdateStatus(ctx, "c2", StatusConnected))

	assert.Zero(t, r.Flush(ctx))
	assert.Equal(t, 3, r.Pending())

	inner.setDown(false)
	assert.Equal(t, 3, r.Flush(ctx))
	assert.Equal(t, []string{"status:connected", "final:failed", "status:connected"}, inner.ops)
}

func TestReconcilerNotFound(t *testing.T) {
	ctx := context.Background()
	r := NewReconciler(NewMemory())

	assert.ErrorIs(t, r.UpdateStatus(ctx, "missing", StatusConnected), ErrNotFound)
	assert.Zero(t, r.Pending())

	assert.NoError(t, r.Create(ctx, &CallRecord{CallID: "c1"}))
	assert.ErrorIs(t, r.Create(ctx, &CallRecord{CallID: "c1"}), ErrExists)
}

func TestReconcilerSchedule(t *testing.T) {
	ctx := context.Background()
	inner := &flakyStore{Memory: NewMemory()}
	r := NewReconciler(inner)
	require.NoError(t, r.Create(ctx, &CallRecord{CallID: "c1"}))

	inner.setDown(true)
	require.NoError(t, r.UpdateStatus(ctx, "c1", StatusConnected))
	inner.setDown(false)

	require.NoError(t, r.Start(ctx, "@every 1s"))
	require.Eventually(t, func() bool { return r.Pending() == 0 }, 5*time.Second, 50*time.Millisecond)
	r.Stop(ctx)

	assert.Error(t, r.Start(ctx, "not a schedule"))
}

func TestReconcilerStopFlushes(t *testing.T) {
	ctx := context.Background()
	inner := &flakyStore{Memory: NewMemory()}
	r := NewReconciler(inner)
	require.NoError(t, r.Create(ctx, &CallRecord{CallID: "c1"}))

	inner.setDown(true)
	require.NoError(t, r.Finalize(ctx, "c1", Final{Status: StatusCompleted}))
	inner.setDown(false)

	r.Stop(ctx)
	assert.Zero(t, r.Pending())
}
