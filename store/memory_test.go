package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplexus/omnivoice-pbx/pipeline"
)

func TestMemoryLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Create(ctx, &CallRecord{CallID: "a", CreatedAt: base.Add(-5 * time.Minute)}))
	require.NoError(t, s.Create(ctx, &CallRecord{CallID: "b", CreatedAt: base.Add(-30 * time.Second)}))
	require.NoError(t, s.Create(ctx, &CallRecord{CallID: "c", CreatedAt: base.Add(-time.Minute)}))
	assert.ErrorIs(t, s.Create(ctx, &CallRecord{CallID: "a"}), ErrExists)

	rec, err := s.MostRecentInitiated(ctx, base.Add(-2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "b", rec.CallID)
	assert.Equal(t, StatusInitiated, rec.Status)

	require.NoError(t, s.UpdateStatus(ctx, "b", StatusConnected))
	rec, err = s.MostRecentInitiated(ctx, base.Add(-2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "c", rec.CallID)

	_, err = s.MostRecentInitiated(ctx, base)
	assert.ErrorIs(t, err, ErrNotFound)

	transcript := []pipeline.Message{{Role: pipeline.RoleUser, Content: "hi"}}
	require.NoError(t, s.Finalize(ctx, "b", Final{Status: StatusCompleted, EndedAt: base, Transcript: transcript}))
	transcript[0].Content = "mutated"

	rec, err = s.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, "hi", rec.Transcript[0].Content)

	rec.Transcript[0].Content = "mutated"
	again, _ := s.Get(ctx, "b")
	assert.Equal(t, "hi", again.Transcript[0].Content)

	_, err = s.Get(ctx, "zzz")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.UpdateStatus(ctx, "zzz", StatusFailed), ErrNotFound)
	assert.ErrorIs(t, s.Finalize(ctx, "zzz", Final{}), ErrNotFound)
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusInitiated.Terminal())
	assert.False(t, StatusConnected.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
}
