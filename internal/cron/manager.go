package cron

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/philiporange/supervisor/internal/env"
	"github.com/philiporange/supervisor/internal/history"
	"github.com/philiporange/supervisor/internal/metrics"
	"github.com/philiporange/supervisor/internal/process"
	"github.com/philiporange/supervisor/internal/store"
	"github.com/philiporange/supervisor/internal/sysinfo"
)

// ErrAlreadyRunning is returned when a job is asked to run while a previous
// execution of it is still in progress.
var ErrAlreadyRunning = errors.New("cron job already running")

const (
	DefaultSampleInterval = 500 * time.Millisecond
	// pipeGrace bounds how long output copying may outlive the process,
	// e.g. when a daemonized grandchild keeps the pipes open.
	pipeGrace = 2 * time.Second
)

// FailureHandler is told about every unsuccessful execution. It may update
// and save the execution's fix fields.
type FailureHandler interface {
	FixCronJob(ctx context.Context, job store.CronJob, exec *store.CronExecution) bool
}

type Options struct {
	Store          store.Store
	Fixer          FailureHandler
	AutofixEnabled bool
	Events         history.Sink
	Now            func() time.Time
	SampleInterval time.Duration
}

// Manager evaluates schedules and executes cron jobs. A job never has two
// overlapping executions.
type Manager struct {
	opts    Options
	mu      sync.Mutex
	running map[int64]int // job id -> process group id, 0 while launching
}

func New(opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = DefaultSampleInterval
	}
	return &Manager{opts: opts, running: make(map[int64]int)}
}

func (m *Manager) now() time.Time { return m.opts.Now() }

// ShouldRunNow evaluates the job's schedule against the manager clock.
func (m *Manager) ShouldRunNow(job store.CronJob) bool {
	return ShouldRunAt(job.Schedule, m.now())
}

// Tick executes every enabled job that is due this minute and returns the ids
// of the executions it created. Due jobs run concurrently.
func (m *Manager) Tick(ctx context.Context) ([]int64, error) {
	jobs, err := m.opts.Store.ListCronJobs(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list cron jobs: %w", err)
	}
	var (
		mu  sync.Mutex
		ids []int64
		g   errgroup.Group
	)
	for _, job := range jobs {
		if !m.ShouldRunNow(job) {
			continue
		}
		slog.Info("cron job is due, executing", "name", job.Name)
		g.Go(func() error {
			e, err := m.Execute(ctx, job)
			if err != nil {
				if !errors.Is(err, ErrAlreadyRunning) {
					slog.Error("cron execution failed", "name", job.Name, "error", err)
				}
				return nil
			}
			mu.Lock()
			ids = append(ids, e.ID)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// RunNow executes job on demand, sharing the in-progress guard with Tick.
func (m *Manager) RunNow(ctx context.Context, job store.CronJob) (*store.CronExecution, error) {
	return m.Execute(ctx, job)
}

// Execute runs job to completion, timeout or failure and records the result.
// It returns ErrAlreadyRunning without creating an execution when the job is
// busy. The returned execution is always in a terminal state.
func (m *Manager) Execute(ctx context.Context, job store.CronJob) (*store.CronExecution, error) {
	if !m.acquire(job.ID) {
		slog.Warn("cron job is already running, skipping", "name", job.Name)
		return nil, ErrAlreadyRunning
	}
	defer m.release(job.ID)

	e := store.NewExecution(job.ID, m.now())
	if err := m.opts.Store.CreateExecution(ctx, e); err != nil {
		return nil, fmt.Errorf("create execution for %s: %w", job.Name, err)
	}

	m.run(ctx, job, e)

	saveCtx := context.WithoutCancel(ctx)
	if err := m.opts.Store.SaveExecution(saveCtx, e); err != nil {
		slog.Error("failed to save cron execution", "name", job.Name, "execution", e.ID, "error", err)
	}
	m.record(job, e)

	if !e.Success() && m.opts.AutofixEnabled && m.opts.Fixer != nil {
		m.opts.Fixer.FixCronJob(saveCtx, job, e)
	}
	return e, nil
}

func (m *Manager) run(ctx context.Context, job store.CronJob, e *store.CronExecution) {
	cmd, err := process.BuildCommand(job.Command, job.WorkingDir)
	if err != nil {
		e.Fail(err.Error(), m.now())
		return
	}
	cmd.Env = env.Compose(job.EnvFile, job.WorkingDir, job.EnvVars)
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	cmd.WaitDelay = pipeGrace

	if err := cmd.Start(); err != nil {
		e.Fail(err.Error(), m.now())
		return
	}
	pid := cmd.Process.Pid
	m.setPID(job.ID, pid)

	e.MarkRunning()
	if err := m.opts.Store.SaveExecution(ctx, e); err != nil {
		slog.Debug("failed to mark execution running", "name", job.Name, "error", err)
	}
	last := m.now()
	var next *time.Time
	if n, err := NextRun(job.Schedule, last); err == nil {
		next = &n
	}
	if err := m.opts.Store.UpdateCronJobRuns(ctx, job.ID, &last, next); err != nil {
		slog.Warn("failed to update cron job run times", "name", job.Name, "error", err)
	}
	history.Emit(ctx, m.opts.Events, history.Event{Type: history.CronStart, Subject: job.Name, PID: pid})

	timeout := job.TimeoutDuration()
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		g      errgroup.Group
		peak   store.Peak
		killed bool
		exited = make(chan struct{})
	)
	g.Go(func() error {
		_ = cmd.Wait()
		close(exited)
		return nil
	})
	g.Go(func() error {
		sampler := sysinfo.NewSampler()
		t := time.NewTicker(m.opts.SampleInterval)
		defer t.Stop()
		for {
			if u, err := sampler.Tree(pid); err == nil {
				peak.CPUPercent = max(peak.CPUPercent, u.CPUPercent)
				peak.MemoryMB = max(peak.MemoryMB, u.MemoryMB)
			}
			select {
			case <-exited:
				return nil
			case <-waitCtx.Done():
				killed = true
				_ = process.SignalGroup(pid, syscall.SIGKILL)
				<-exited
				return nil
			case <-t.C:
			}
		}
	})
	_ = g.Wait()

	at := m.now()
	switch {
	case killed && ctx.Err() != nil:
		e.Fail("Cancelled: "+ctx.Err().Error(), at)
		e.Stdout = stdout.String()
	case killed:
		slog.Error("cron job timed out", "name", job.Name, "timeout", timeout)
		e.TimeOut(timeout, stdout.String(), stderr.String(), at, peak)
	default:
		code := -1
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		e.Complete(code, stdout.String(), stderr.String(), at, peak)
		if e.Success() {
			slog.Info("cron job completed successfully", "name", job.Name, "duration", e.DurationSeconds)
		} else {
			slog.Warn("cron job failed", "name", job.Name, "exit_code", code)
		}
	}
}

func (m *Manager) record(job store.CronJob, e *store.CronExecution) {
	result := "failure"
	switch {
	case e.Success():
		result = "success"
	case e.State == store.ExecTimedOut:
		result = "timeout"
	case e.State == store.ExecFailed:
		result = "error"
	}
	metrics.ObserveCronExecution(job.Name, result, e.DurationSeconds)
	history.Emit(context.Background(), m.opts.Events, history.Event{
		Type: history.CronFinish, Subject: job.Name, ExitCode: e.ExitCode, Message: result,
	})
}

func (m *Manager) acquire(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.running[id]; busy {
		return false
	}
	m.running[id] = 0
	return true
}

func (m *Manager) setPID(id int64, pid int) {
	m.mu.Lock()
	m.running[id] = pid
	m.mu.Unlock()
}

func (m *Manager) release(id int64) {
	m.mu.Lock()
	delete(m.running, id)
	m.mu.Unlock()
}

// KillJob sends SIGKILL to the running job's process group. The execution is
// then recorded as a normal completion with the signal's exit status.
func (m *Manager) KillJob(jobID int64) bool {
	m.mu.Lock()
	pid, ok := m.running[jobID]
	m.mu.Unlock()
	if !ok || pid == 0 || !process.GroupAlive(pid) {
		return false
	}
	if err := process.SignalGroup(pid, syscall.SIGKILL); err != nil {
		slog.Error("failed to kill cron job", "job_id", jobID, "error", err)
		return false
	}
	return true
}

func (m *Manager) IsRunning(jobID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[jobID]
	return ok
}

// RunningJobs returns the ids of jobs with an execution in progress.
func (m *Manager) RunningJobs() []int64 {
	m.mu.Lock()
	out := make([]int64, 0, len(m.running))
	for id := range m.running {
		out = append(out, id)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// UpdateNextRun persists the job's next occurrence.
func (m *Manager) UpdateNextRun(ctx context.Context, job store.CronJob) error {
	next, err := NextRun(job.Schedule, m.now())
	if err != nil {
		return err
	}
	return m.opts.Store.UpdateCronJobRuns(ctx, job.ID, nil, &next)
}

// JobStatus is the overview row for one cron job.
type JobStatus struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Schedule    string     `json:"schedule"`
	Description string     `json:"schedule_description"`
	Enabled     bool       `json:"enabled"`
	Running     bool       `json:"is_running"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	NextRun     *time.Time `json:"next_run,omitempty"`
	LastSuccess *bool      `json:"last_success,omitempty"`
	Runs24h     int        `json:"executions_24h"`
	Failures24h int        `json:"failures_24h"`
}

// Status summarizes every cron job.
func (m *Manager) Status(ctx context.Context) ([]JobStatus, error) {
	jobs, err := m.opts.Store.ListCronJobs(ctx, false)
	if err != nil {
		return nil, err
	}
	now := m.now()
	since := now.Add(-24 * time.Hour)
	out := make([]JobStatus, 0, len(jobs))
	for _, j := range jobs {
		st := JobStatus{
			ID:          j.ID,
			Name:        j.Name,
			Schedule:    j.Schedule,
			Description: Describe(j.Schedule, now),
			Enabled:     j.Enabled,
			Running:     m.IsRunning(j.ID),
			LastRun:     j.LastRun,
			NextRun:     j.NextRun,
		}
		if last, err := m.opts.Store.ListExecutions(ctx, j.ID, 1, 0); err == nil && len(last) == 1 && last[0].State.Terminal() {
			ok := last[0].Success()
			st.LastSuccess = &ok
		}
		if st.Runs24h, err = m.opts.Store.CountExecutionsSince(ctx, j.ID, since, false); err != nil {
			return nil, err
		}
		if st.Failures24h, err = m.opts.Store.CountExecutionsSince(ctx, j.ID, since, true); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}
