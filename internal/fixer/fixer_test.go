package fixer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/philiporange/supervisor/internal/agent"
	"github.com/philiporange/supervisor/internal/store"
	"github.com/philiporange/supervisor/internal/store/sqlite"
)

type fakeAgent struct {
	mu      sync.Mutex
	prompts []string
	dirs    []string
	result  agent.Result
	err     error
	edit    func(dir string)
}

func (a *fakeAgent) Run(_ context.Context, req agent.Request) (agent.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prompts = append(a.prompts, req.Prompt)
	a.dirs = append(a.dirs, req.WorkDir)
	if a.edit != nil {
		a.edit(req.WorkDir)
	}
	return a.result, a.err
}

func (a *fakeAgent) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.prompts)
}

type fakeRestarter struct {
	mu    sync.Mutex
	names []string
}

func (r *fakeRestarter) Restart(_ context.Context, svc store.Service) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, svc.Name)
	return nil
}

func (r *fakeRestarter) restarted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type env struct {
	st      store.Store
	agent   *fakeAgent
	restart *fakeRestarter
	clock   *clock
	fixer   *Fixer
	backups string
}

func newEnv(t *testing.T, enabled bool) *env {
	t.Helper()
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.EnsureSchema(context.Background()))

	e := &env{
		st:      db,
		agent:   &fakeAgent{},
		restart: &fakeRestarter{},
		clock:   &clock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)},
		backups: t.TempDir(),
	}
	e.fixer = New(Options{
		Store:     db,
		Agent:     e.agent,
		Restarter: e.restart,
		Enabled:   enabled,
		BackupDir: e.backups,
		Now:       e.clock.now,
	})
	return e
}

func (e *env) addService(t *testing.T, s store.Service) store.Service {
	t.Helper()
	require.NoError(t, e.st.CreateService(context.Background(), &s))
	return s
}

func projectDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.py"), []byte("print('v1')\n"), 0o600))
	return dir
}

func TestHandleLineBuffersErrorsOnly(t *testing.T) {
	e := newEnv(t, true)
	e.fixer.HandleLine("svc", store.LevelInfo, "hello")
	e.fixer.HandleLine("svc", store.LevelWarning, "careful")
	assert.Empty(t, e.fixer.RecentErrors("svc"))

	for i := 0; i < 60; i++ {
		e.fixer.HandleLine("svc", store.LevelError, strings.Repeat("x", i))
	}
	got := e.fixer.RecentErrors("svc")
	require.Len(t, got, 50)
	assert.Equal(t, strings.Repeat("x", 10), got[0])
	assert.Equal(t, strings.Repeat("x", 59), got[49])
}

func TestSweepCooldown(t *testing.T) {
	e := newEnv(t, true)
	dir := projectDir(t)
	e.addService(t, store.Service{Name: "api", Command: "python app.py", WorkingDir: dir, Enabled: true})
	e.agent.result = agent.Result{Success: false, Response: "could not fix"}

	e.fixer.HandleLine("api", store.LevelError, "ValueError: bad")
	e.fixer.Sweep(context.Background())
	assert.Equal(t, 1, e.agent.calls())

	e.clock.advance(5 * time.Minute)
	e.fixer.Sweep(context.Background())
	assert.Equal(t, 1, e.agent.calls(), "second sweep within the cooldown is skipped")

	e.clock.advance(6 * time.Minute)
	e.fixer.Sweep(context.Background())
	assert.Equal(t, 2, e.agent.calls())
	assert.Empty(t, e.restart.restarted())
	assert.NotEmpty(t, e.fixer.RecentErrors("api"), "failed fixes keep the buffer")

	svc, err := e.st.GetService(context.Background(), "api")
	require.NoError(t, err)
	fixes, err := e.st.ListFixAttempts(context.Background(), svc.ID, 10)
	require.NoError(t, err)
	assert.Len(t, fixes, 2)
}

func TestSweepSuccessRestartsAndClears(t *testing.T) {
	e := newEnv(t, true)
	dir := projectDir(t)
	e.addService(t, store.Service{Name: "api", Command: "python app.py", WorkingDir: dir, Enabled: true})
	e.agent.result = agent.Result{Success: true, Response: "patched", FilesModified: []string{"app.py"}}

	e.fixer.HandleLine("api", store.LevelError, "Traceback (most recent call last):")
	e.fixer.Sweep(context.Background())

	assert.Equal(t, []string{"api"}, e.restart.restarted())
	assert.Empty(t, e.fixer.RecentErrors("api"))
	require.Equal(t, 1, e.agent.calls())
	assert.Contains(t, e.agent.prompts[0], "This service (api) is encountering the following error:")
	assert.Contains(t, e.agent.prompts[0], "The service command is: python app.py")
	assert.Equal(t, dir, e.agent.dirs[0])
}

func TestSweepSkips(t *testing.T) {
	e := newEnv(t, true)
	dir := projectDir(t)
	e.addService(t, store.Service{Name: "off", Command: "x", WorkingDir: dir, Enabled: false})
	e.addService(t, store.Service{Name: "quiet", Command: "x", WorkingDir: dir, Enabled: true})

	e.fixer.HandleLine("off", store.LevelError, "RuntimeError: x")
	e.fixer.HandleLine("quiet", store.LevelError, "fatal: no marker here")
	e.fixer.HandleLine("unknown", store.LevelError, "Error: who am i")
	e.fixer.Sweep(context.Background())
	assert.Zero(t, e.agent.calls())
}

func TestRunDisabledReturnsImmediately(t *testing.T) {
	e := newEnv(t, false)
	assert.NoError(t, e.fixer.Run(context.Background()))
}

func TestAttemptFixWithoutWorkDir(t *testing.T) {
	e := newEnv(t, true)
	svc := e.addService(t, store.Service{Name: "node", Command: "node server.js", Enabled: true})

	fix, err := e.fixer.AttemptFix(context.Background(), svc, "Error: crash")
	require.NoError(t, err)
	assert.False(t, fix.Success)
	assert.Equal(t, "Could not determine working directory", fix.AgentResponse)
	assert.Zero(t, e.agent.calls())
	assert.NotZero(t, fix.ID)
}

func TestAttemptFixRecordsBackupAndTruncates(t *testing.T) {
	e := newEnv(t, true)
	dir := projectDir(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o750))
	svc := e.addService(t, store.Service{Name: "api", Command: "python " + filepath.Join(dir, "app.py"), Enabled: true})
	e.agent.result = agent.Result{Success: true, Response: strings.Repeat("r", 6000)}

	fix, err := e.fixer.AttemptFix(context.Background(), svc, strings.Repeat("e", 800))
	require.NoError(t, err)
	assert.True(t, fix.Success)
	assert.Len(t, fix.ErrorSummary, 500)
	assert.Len(t, fix.AgentResponse, 5000)
	require.NotEmpty(t, fix.BackupPath)
	assert.Equal(t, filepath.Join(e.backups, "api", "20260501_120000"), fix.BackupPath)
	assert.FileExists(t, filepath.Join(fix.BackupPath, "app.py"))
	assert.NoDirExists(t, filepath.Join(fix.BackupPath, ".git"))
	assert.True(t, fix.CanRestore())
}

func TestAttemptFixAgentErrors(t *testing.T) {
	e := newEnv(t, true)
	svc := e.addService(t, store.Service{Name: "api", Command: "x", WorkingDir: projectDir(t), Enabled: true})
	e.agent.err = errors.New("agent exploded")

	fix, err := e.fixer.AttemptFix(context.Background(), svc, "Error")
	require.NoError(t, err)
	assert.False(t, fix.Success)
	assert.Equal(t, "agent exploded", fix.AgentResponse)

	e.fixer.opts.Agent = nil
	fix, err = e.fixer.AttemptFix(context.Background(), svc, "Error")
	require.NoError(t, err)
	assert.False(t, fix.Success)
	assert.Equal(t, "agent unavailable", fix.AgentResponse)
}

func TestFixCronJob(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, true)
	dir := projectDir(t)
	job := store.CronJob{Name: "nightly", Command: "python job.py", Schedule: "0 3 * * *", WorkingDir: dir, Enabled: true}
	require.NoError(t, e.st.CreateCronJob(ctx, &job))

	newExec := func(stdout, stderr string) *store.CronExecution {
		x := store.NewExecution(job.ID, e.clock.now())
		require.NoError(t, e.st.CreateExecution(ctx, x))
		x.Complete(3, stdout, stderr, e.clock.now().Add(1500*time.Millisecond), store.Peak{})
		require.NoError(t, e.st.SaveExecution(ctx, x))
		return x
	}

	e.agent.result = agent.Result{Success: true}
	x := newExec("", "KeyError: 'k'")
	assert.True(t, e.fixer.FixCronJob(ctx, job, x))
	require.Equal(t, 1, e.agent.calls())
	p := e.agent.prompts[0]
	assert.Contains(t, p, "This cron job (nightly) failed with exit code 3.")
	assert.Contains(t, p, "Schedule: 0 3 * * *")
	assert.Contains(t, p, "KeyError: 'k'")
	assert.Contains(t, p, "Duration: 1.5s")
	assert.DirExists(t, filepath.Join(e.backups, "cron_nightly"))

	saved, err := e.st.GetExecution(ctx, x.ID)
	require.NoError(t, err)
	assert.True(t, saved.FixAttempted)
	require.NotNil(t, saved.FixSuccess)
	assert.True(t, *saved.FixSuccess)

	// cooldown
	assert.False(t, e.fixer.FixCronJob(ctx, job, newExec("", "again")))
	assert.Equal(t, 1, e.agent.calls())

	e.clock.advance(11 * time.Minute)
	assert.False(t, e.fixer.FixCronJob(ctx, job, newExec("", "")), "nothing to diagnose")
	assert.Equal(t, 1, e.agent.calls())

	e.agent.result = agent.Result{Success: false}
	x = newExec("stdout only", "")
	assert.False(t, e.fixer.FixCronJob(ctx, job, x))
	assert.Contains(t, e.agent.prompts[1], "stdout only")
	assert.True(t, x.FixAttempted)
	require.NotNil(t, x.FixSuccess)
	assert.False(t, *x.FixSuccess)

	noDir := job
	noDir.Name, noDir.WorkingDir = "nodir", ""
	assert.False(t, e.fixer.FixCronJob(ctx, noDir, newExec("", "err")))

	disabled := newEnv(t, false)
	assert.False(t, disabled.fixer.FixCronJob(ctx, job, x))
	assert.Zero(t, disabled.agent.calls())
}

func TestManualFix(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, true)
	svc := e.addService(t, store.Service{Name: "api", Command: "x", WorkingDir: projectDir(t), Enabled: true})
	e.agent.result = agent.Result{Success: false}

	fix, err := e.fixer.ManualFix(ctx, svc, "")
	require.NoError(t, err)
	assert.Equal(t, "No errors found", fix.ErrorSummary)
	assert.Equal(t, "No errors to fix", fix.AgentResponse)
	assert.Zero(t, e.agent.calls())

	require.NoError(t, e.st.AddLogEntry(ctx, &store.LogEntry{ServiceID: svc.ID, Level: store.LevelError, Message: "persisted error"}))
	_, err = e.fixer.ManualFix(ctx, svc, "")
	require.NoError(t, err)
	require.Equal(t, 1, e.agent.calls())
	assert.Contains(t, e.agent.prompts[0], "persisted error")

	e.fixer.HandleLine("api", store.LevelError, "buffered error")
	_, err = e.fixer.ManualFix(ctx, svc, "")
	require.NoError(t, err)
	assert.Contains(t, e.agent.prompts[1], "buffered error")
	assert.NotContains(t, e.agent.prompts[1], "persisted error")

	_, err = e.fixer.ManualFix(ctx, svc, "the homepage 500s")
	require.NoError(t, err)
	assert.Contains(t, e.agent.prompts[2], "the homepage 500s")
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, true)
	dir := projectDir(t)
	svc := e.addService(t, store.Service{Name: "api", Command: "x", WorkingDir: dir, Enabled: true})
	e.agent.result = agent.Result{Success: true}
	e.agent.edit = func(d string) {
		_ = os.WriteFile(filepath.Join(d, "app.py"), []byte("print('v2')\n"), 0o600)
	}

	fix, err := e.fixer.AttemptFix(ctx, svc, "Error")
	require.NoError(t, err)
	got, _ := os.ReadFile(filepath.Join(dir, "app.py"))
	assert.Equal(t, "print('v2')\n", string(got))

	restored, err := e.fixer.Restore(ctx, fix.ID)
	require.NoError(t, err)
	assert.True(t, restored.Restored)
	got, _ = os.ReadFile(filepath.Join(dir, "app.py"))
	assert.Equal(t, "print('v1')\n", string(got))
	assert.Equal(t, []string{"api"}, e.restart.restarted())

	_, err = e.fixer.Restore(ctx, fix.ID)
	assert.ErrorIs(t, err, ErrAlreadyRestored)

	noBackup, err := e.fixer.ManualFix(ctx, svc, "")
	require.NoError(t, err)
	_, err = e.fixer.Restore(ctx, noBackup.ID)
	assert.ErrorIs(t, err, ErrNoBackup)

	_, err = e.fixer.Restore(ctx, 9999)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
