package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Napageneral/lorekeeper/internal/testutil"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newManager(t *testing.T) (*Manager, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewManager(testutil.OpenTestDB(t), 0, nil)
	m.SetClock(c.now)
	return m, c
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatePending, StateThinking))
	assert.True(t, CanTransition(StateThinking, StateAnalyzing))
	assert.True(t, CanTransition(StateAnalyzing, StateExtracting))
	assert.True(t, CanTransition(StateExtracting, StateDone))
	assert.True(t, CanTransition(StateAnalyzing, StateFailed))

	assert.False(t, CanTransition(StateExtracting, StateAnalyzing), "no moving backwards")
	assert.False(t, CanTransition(StatePending, StateDone))
	assert.False(t, CanTransition(StateDone, StateFailed))
	assert.False(t, CanTransition(StateFailed, StatePending))
}

func TestJobLifecycle(t *testing.T) {
	ctx := context.Background()
	m, c := newManager(t)

	j, err := m.Create(ctx, "p1", 4)
	require.NoError(t, err)
	assert.Equal(t, StatePending, j.State)

	for _, s := range []State{StateThinking, StateAnalyzing, StateExtracting} {
		c.t = c.t.Add(time.Second)
		require.NoError(t, m.Advance(ctx, j.ID, s))
	}
	require.NoError(t, m.SetProgress(ctx, j.ID, 3, 4))
	got, err := m.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StateExtracting, got.State)
	assert.InDelta(t, 75.0, got.Progress(), 1e-9)

	require.NoError(t, m.Advance(ctx, j.ID, StateDone))
	got, err = m.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDone, got.State)
	assert.Equal(t, 4, got.CompletedSteps)
	assert.Equal(t, 100.0, got.Progress())
	require.NotNil(t, got.FinishedAt)

	err = m.Advance(ctx, j.ID, StateExtracting)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, m.SetProgress(ctx, j.ID, 1, 4), ErrInvalidTransition)
}

func TestInvalidTransitionRejected(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	j, err := m.Create(ctx, "p1", 1)
	require.NoError(t, err)
	require.NoError(t, m.Advance(ctx, j.ID, StateExtracting))
	assert.ErrorIs(t, m.Advance(ctx, j.ID, StateThinking), ErrInvalidTransition)
}

func TestCancelFromAnyLiveState(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	j, err := m.Create(ctx, "p1", 2)
	require.NoError(t, err)
	require.NoError(t, m.Advance(ctx, j.ID, StateAnalyzing))
	require.NoError(t, m.Cancel(ctx, j.ID))

	got, err := m.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.True(t, got.Cancelled)
	require.NotNil(t, got.Reason)
	assert.Equal(t, CodeCancelled, got.Reason.Code)

	stopped, err := m.Stopped(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, stopped)

	assert.ErrorIs(t, m.Cancel(ctx, j.ID), ErrInvalidTransition)
	assert.ErrorIs(t, m.Cancel(ctx, "missing"), ErrJobNotFound)
}

func TestFailKeepsStructuredReason(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	j, err := m.Create(ctx, "p1", 2)
	require.NoError(t, err)
	require.NoError(t, m.Fail(ctx, j.ID, Reason{Message: "retries exhausted", ChapterID: "c2"}))

	got, err := m.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.False(t, got.Cancelled)
	assert.Equal(t, Reason{Code: CodeError, Message: "retries exhausted", ChapterID: "c2"}, *got.Reason)
}

func TestStaleJobsFailBeforeQueries(t *testing.T) {
	ctx := context.Background()
	m, c := newManager(t)
	stale, err := m.Create(ctx, "p1", 3)
	require.NoError(t, err)
	require.NoError(t, m.Advance(ctx, stale.ID, StateExtracting))

	c.t = c.t.Add(4 * time.Minute)
	fresh, err := m.Create(ctx, "p1", 3)
	require.NoError(t, err)

	c.t = c.t.Add(2 * time.Minute)
	active, err := m.Active(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, fresh.ID, active.ID)

	got, err := m.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	require.NotNil(t, got.Reason)
	assert.Equal(t, CodeTimeout, got.Reason.Code)

	latest, err := m.Latest(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, latest.ID)
}

func TestLatestWithoutJobs(t *testing.T) {
	m, _ := newManager(t)
	j, err := m.Latest(context.Background(), "p1")
	require.NoError(t, err)
	assert.Nil(t, j)
}
