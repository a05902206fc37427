// Package storetest is a conformance suite run against every store backend.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/philiporange/supervisor/internal/store"
)

// Run exercises st, which must have an empty, initialized schema.
func Run(t *testing.T, st store.Store) {
	t.Helper()
	t.Run("Services", func(t *testing.T) { testServices(t, st) })
	t.Run("CronJobs", func(t *testing.T) { testCronJobs(t, st) })
	t.Run("Executions", func(t *testing.T) { testExecutions(t, st) })
	t.Run("LogsMetricsFixes", func(t *testing.T) { testLogsMetricsFixes(t, st) })
	t.Run("Retention", func(t *testing.T) { testRetention(t, st) })
	t.Run("CascadeDelete", func(t *testing.T) { testCascade(t, st) })
}

func testServices(t *testing.T, st store.Store) {
	ctx := context.Background()
	svc := &store.Service{Name: "api", Command: "python /srv/api/main.py", Port: 8080, Enabled: true,
		WatchDirs: []string{"/srv/api/data"}}
	require.NoError(t, st.CreateService(ctx, svc))
	require.NotZero(t, svc.ID)

	dup := &store.Service{Name: "api", Command: "x"}
	err := st.CreateService(ctx, dup)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrConflict), "got %v", err)

	got, err := st.GetService(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, svc.ID, got.ID)
	assert.Equal(t, []string{"/srv/api/data"}, got.WatchDirs)
	assert.Equal(t, 8080, got.Port)
	assert.True(t, got.Enabled)

	byID, err := st.GetServiceByID(ctx, svc.ID)
	require.NoError(t, err)
	assert.Equal(t, "api", byID.Name)

	require.NoError(t, st.CreateService(ctx, &store.Service{Name: "worker", Command: "sleep 1", Enabled: false}))
	all, err := st.ListServices(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	enabled, err := st.ListServices(ctx, true)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "api", enabled[0].Name)

	got.Enabled = false
	got.Command = "python /srv/api/v2.py"
	require.NoError(t, st.UpdateService(ctx, got))
	again, err := st.GetService(ctx, "api")
	require.NoError(t, err)
	assert.False(t, again.Enabled)
	assert.Equal(t, "python /srv/api/v2.py", again.Command)

	_, err = st.GetService(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, st.DeleteService(ctx, "missing"), store.ErrNotFound)

	require.NoError(t, st.DeleteService(ctx, "worker"))
	require.NoError(t, st.DeleteService(ctx, "api"))
}

func testCronJobs(t *testing.T, st store.Store) {
	ctx := context.Background()
	j := &store.CronJob{Name: "backup", Command: "tar czf /tmp/b.tgz /etc", Schedule: "0 3 * * *",
		Enabled: true, EnvVars: map[string]string{"A": "1"}, EnvFile: ".env"}
	require.NoError(t, st.CreateCronJob(ctx, j))
	assert.Equal(t, store.DefaultCronTimeout, j.Timeout)

	got, err := st.GetCronJob(ctx, "backup")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1"}, got.EnvVars)
	assert.Nil(t, got.LastRun)
	assert.Nil(t, got.NextRun)

	last := time.Date(2025, 3, 1, 3, 0, 0, 0, time.UTC)
	next := last.Add(24 * time.Hour)
	require.NoError(t, st.UpdateCronJobRuns(ctx, j.ID, &last, &next))
	got, err = st.GetCronJobByID(ctx, j.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastRun)
	require.NotNil(t, got.NextRun)
	assert.True(t, got.LastRun.Equal(last))
	assert.True(t, got.NextRun.Equal(next))

	// nil leaves the column alone
	require.NoError(t, st.UpdateCronJobRuns(ctx, j.ID, nil, nil))
	later := next.Add(time.Hour)
	require.NoError(t, st.UpdateCronJobRuns(ctx, j.ID, nil, &later))
	got, _ = st.GetCronJobByID(ctx, j.ID)
	assert.True(t, got.LastRun.Equal(last))
	assert.True(t, got.NextRun.Equal(later))

	got.Schedule = "*/5 * * * *"
	got.Enabled = false
	require.NoError(t, st.UpdateCronJob(ctx, got))
	list, err := st.ListCronJobs(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, st.DeleteCronJob(ctx, "backup"))
	_, err = st.GetCronJob(ctx, "backup")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testExecutions(t *testing.T, st store.Store) {
	ctx := context.Background()
	j := &store.CronJob{Name: "exec-job", Command: "true", Schedule: "* * * * *", Enabled: true}
	require.NoError(t, st.CreateCronJob(ctx, j))
	defer func() { _ = st.DeleteCronJob(ctx, j.Name) }()

	start := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	e := store.NewExecution(j.ID, start)
	require.NoError(t, st.CreateExecution(ctx, e))
	require.NotZero(t, e.ID)

	e.MarkRunning()
	e.Complete(2, "out", "err", start.Add(3*time.Second), store.Peak{CPUPercent: 50, MemoryMB: 12.5})
	require.NoError(t, st.SaveExecution(ctx, e))
	e.SetFixResult(true)
	require.NoError(t, st.SaveExecution(ctx, e))

	got, err := st.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecCompleted, got.State)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 2, *got.ExitCode)
	assert.False(t, got.Success())
	assert.Equal(t, "err", got.Stderr)
	require.NotNil(t, got.MemoryMB)
	assert.InDelta(t, 12.5, *got.MemoryMB, 0.001)
	assert.True(t, got.FixAttempted)
	require.NotNil(t, got.FixSuccess)
	assert.True(t, *got.FixSuccess)

	ok := store.NewExecution(j.ID, start.Add(10*time.Second))
	require.NoError(t, st.CreateExecution(ctx, ok))
	ok.Complete(0, "", "", start.Add(11*time.Second), store.Peak{})
	require.NoError(t, st.SaveExecution(ctx, ok))

	list, err := st.ListExecutions(ctx, j.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, ok.ID, list[0].ID, "newest first")

	page, err := st.ListExecutions(ctx, j.ID, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, e.ID, page[0].ID)

	total, err := st.CountExecutionsSince(ctx, j.ID, start.Add(-time.Hour), false)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	failed, err := st.CountExecutionsSince(ctx, j.ID, start.Add(-time.Hour), true)
	require.NoError(t, err)
	assert.Equal(t, 1, failed)
}

func testLogsMetricsFixes(t *testing.T, st store.Store) {
	ctx := context.Background()
	svc := &store.Service{Name: "lmf", Command: "true", Enabled: true}
	require.NoError(t, st.CreateService(ctx, svc))
	defer func() { _ = st.DeleteService(ctx, svc.Name) }()

	base := time.Now().UTC().Add(-time.Hour)
	for i, lvl := range []string{store.LevelInfo, store.LevelError, store.LevelError} {
		require.NoError(t, st.AddLogEntry(ctx, &store.LogEntry{ServiceID: svc.ID, Level: lvl,
			Message: "line", Timestamp: base.Add(time.Duration(i) * time.Second)}))
	}
	errs, err := st.ListLogEntries(ctx, svc.ID, store.LogQuery{Level: store.LevelError, Limit: 20})
	require.NoError(t, err)
	assert.Len(t, errs, 2)
	all, err := st.ListLogEntries(ctx, svc.ID, store.LogQuery{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].Timestamp.After(all[2].Timestamp), "newest first")

	disk := 4.5
	require.NoError(t, st.AddMetric(ctx, &store.Metric{ServiceID: svc.ID, CPUPercent: 1, MemoryMB: 2, DiskMB: &disk, Timestamp: base}))
	require.NoError(t, st.AddMetric(ctx, &store.Metric{ServiceID: svc.ID, CPUPercent: 3, MemoryMB: 4, Timestamp: base.Add(time.Minute)}))
	ms, err := st.ListMetricsSince(ctx, svc.ID, base.Add(-time.Second))
	require.NoError(t, err)
	require.Len(t, ms, 2)
	require.NotNil(t, ms[0].DiskMB)
	assert.InDelta(t, 4.5, *ms[0].DiskMB, 0.001)
	assert.Nil(t, ms[1].DiskMB)

	fix := &store.FixAttempt{ServiceID: svc.ID, ErrorSummary: "Traceback", Success: true,
		FilesModified: []string{"main.py"}, BackupPath: "/tmp/b"}
	require.NoError(t, st.CreateFixAttempt(ctx, fix))
	got, err := st.GetFixAttempt(ctx, fix.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"main.py"}, got.FilesModified)
	assert.True(t, got.CanRestore())
	require.NoError(t, st.MarkFixRestored(ctx, fix.ID))
	got, _ = st.GetFixAttempt(ctx, fix.ID)
	assert.True(t, got.Restored)
	assert.False(t, got.CanRestore())

	fixes, err := st.ListFixAttempts(ctx, svc.ID, 10)
	require.NoError(t, err)
	assert.Len(t, fixes, 1)
	assert.ErrorIs(t, st.MarkFixRestored(ctx, 999999), store.ErrNotFound)
}

func testRetention(t *testing.T, st store.Store) {
	ctx := context.Background()
	svc := &store.Service{Name: "ret", Command: "true", Enabled: true}
	require.NoError(t, st.CreateService(ctx, svc))
	defer func() { _ = st.DeleteService(ctx, svc.Name) }()
	j := &store.CronJob{Name: "ret-job", Command: "true", Schedule: "* * * * *"}
	require.NoError(t, st.CreateCronJob(ctx, j))
	defer func() { _ = st.DeleteCronJob(ctx, j.Name) }()

	now := time.Now().UTC()
	old := now.Add(-8 * 24 * time.Hour)
	young := now.Add(-6 * 24 * time.Hour)
	cutoff := now.Add(-7 * 24 * time.Hour)

	for _, ts := range []time.Time{old, young} {
		require.NoError(t, st.AddLogEntry(ctx, &store.LogEntry{ServiceID: svc.ID, Level: "info", Message: "m", Timestamp: ts}))
		require.NoError(t, st.AddMetric(ctx, &store.Metric{ServiceID: svc.ID, Timestamp: ts}))
		require.NoError(t, st.CreateExecution(ctx, store.NewExecution(j.ID, ts)))
	}

	n, err := st.DeleteLogEntriesBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	n, err = st.DeleteMetricsBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	n, err = st.DeleteExecutionsBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	logs, _ := st.ListLogEntries(ctx, svc.ID, store.LogQuery{})
	assert.Len(t, logs, 1)
	ms, _ := st.ListMetricsSince(ctx, svc.ID, old.Add(-time.Hour))
	assert.Len(t, ms, 1)
	ex, _ := st.ListExecutions(ctx, j.ID, 0, 0)
	assert.Len(t, ex, 1)
}

func testCascade(t *testing.T, st store.Store) {
	ctx := context.Background()
	svc := &store.Service{Name: "casc", Command: "true"}
	require.NoError(t, st.CreateService(ctx, svc))
	require.NoError(t, st.AddLogEntry(ctx, &store.LogEntry{ServiceID: svc.ID, Level: "error", Message: "x"}))
	fix := &store.FixAttempt{ServiceID: svc.ID, ErrorSummary: "x"}
	require.NoError(t, st.CreateFixAttempt(ctx, fix))
	require.NoError(t, st.DeleteService(ctx, "casc"))
	_, err := st.GetFixAttempt(ctx, fix.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	logs, err := st.ListLogEntries(ctx, svc.ID, store.LogQuery{})
	require.NoError(t, err)
	assert.Empty(t, logs)

	j := &store.CronJob{Name: "casc-job", Command: "true", Schedule: "* * * * *"}
	require.NoError(t, st.CreateCronJob(ctx, j))
	e := store.NewExecution(j.ID, time.Now())
	require.NoError(t, st.CreateExecution(ctx, e))
	require.NoError(t, st.DeleteCronJob(ctx, "casc-job"))
	_, err = st.GetExecution(ctx, e.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
