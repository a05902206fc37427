package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFinished(t *testing.T, tr *Tracker, id string) Job {
	t.Helper()
	var j Job
	require.Eventually(t, func() bool {
		var ok bool
		j, ok = tr.Get(id)
		return ok && j.Status.Finished()
	}, 5*time.Second, 5*time.Millisecond)
	return j
}

func TestRunInBackgroundCompletes(t *testing.T) {
	tr := NewTracker(0)
	release := make(chan struct{})
	j := tr.RunInBackground("fix api", func() (any, error) {
		<-release
		return map[string]any{"success": true}, nil
	})
	assert.Len(t, j.ID, 8)
	assert.Equal(t, "fix api", j.Name)
	assert.Nil(t, j.DurationSeconds)

	require.Eventually(t, func() bool {
		got, _ := tr.Get(j.ID)
		return got.Status == StatusRunning
	}, 5*time.Second, 5*time.Millisecond)
	running, _ := tr.Get(j.ID)
	require.NotNil(t, running.StartedAt)
	require.NotNil(t, running.DurationSeconds)
	assert.Nil(t, running.CompletedAt)

	tr.UpdateProgress(j.ID, "halfway")
	got, _ := tr.Get(j.ID)
	assert.Equal(t, "halfway", got.Progress)

	close(release)
	done := waitFinished(t, tr, j.ID)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, map[string]any{"success": true}, done.Result)
	require.NotNil(t, done.CompletedAt)
	assert.Empty(t, done.Error)
}

func TestRunAsyncFailureAndPanic(t *testing.T) {
	tr := NewTracker(0)
	failed := tr.RunAsync(context.Background(), "bad", func(context.Context) (any, error) {
		return nil, errors.New("nope")
	})
	panicked := tr.RunInBackground("worse", func() (any, error) {
		panic("kaboom")
	})

	j := waitFinished(t, tr, failed.ID)
	assert.Equal(t, StatusFailed, j.Status)
	assert.Equal(t, "nope", j.Error)

	j = waitFinished(t, tr, panicked.ID)
	assert.Equal(t, StatusFailed, j.Status)
	assert.Contains(t, j.Error, "kaboom")
}

func TestRunAsyncPassesContext(t *testing.T) {
	tr := NewTracker(0)
	ctx, cancel := context.WithCancel(context.Background())
	j := tr.RunAsync(ctx, "waits", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	cancel()
	got := waitFinished(t, tr, j.ID)
	assert.Equal(t, context.Canceled.Error(), got.Error)
}

func TestListNewestFirstAndFilter(t *testing.T) {
	tr := NewTracker(0)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n := 0
	tr.now = func() time.Time { n++; return base.Add(time.Duration(n) * time.Second) }

	a := tr.Create("a")
	b := tr.Create("b")
	c := tr.Create("c")
	list := tr.List(nil)
	require.Len(t, list, 3)
	assert.Equal(t, []string{c.ID, b.ID, a.ID}, []string{list[0].ID, list[1].ID, list[2].ID})

	pending := StatusPending
	assert.Len(t, tr.List(&pending), 3)
	running := StatusRunning
	assert.Empty(t, tr.List(&running))

	_, ok := tr.Get("missing")
	assert.False(t, ok)
}

func TestSweepEvictsOldestFinished(t *testing.T) {
	tr := NewTracker(2)
	var ids []string
	for i := 0; i < 4; i++ {
		j := tr.RunInBackground("job", func() (any, error) { return i, nil })
		waitFinished(t, tr, j.ID)
		ids = append(ids, j.ID)
	}
	pending := tr.Create("still pending")
	tr.Sweep()

	_, ok := tr.Get(ids[0])
	assert.False(t, ok)
	_, ok = tr.Get(ids[1])
	assert.False(t, ok)
	_, ok = tr.Get(ids[3])
	assert.True(t, ok)
	_, ok = tr.Get(pending.ID)
	assert.True(t, ok, "unfinished jobs are never evicted")
	assert.Len(t, tr.List(nil), 3)
}

func TestRunStopsOnCancel(t *testing.T) {
	tr := NewTracker(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, tr.Run(ctx), context.Canceled)
}
