// Package fixer watches service errors and failed cron runs and hands them to
// the remediation agent, backing up the working directory first.
package fixer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/philiporange/supervisor/internal/agent"
	"github.com/philiporange/supervisor/internal/history"
	"github.com/philiporange/supervisor/internal/metrics"
	"github.com/philiporange/supervisor/internal/store"
)

var (
	ErrNoBackup        = errors.New("no backup available")
	ErrAlreadyRestored = errors.New("fix already restored")
	ErrNoWorkDir       = errors.New("no working directory")
)

const (
	DefaultCooldown      = 10 * time.Minute
	DefaultSweepInterval = time.Minute
	DefaultBackupKeep    = 10

	bufferLines    = 50
	manualLines    = 20
	summaryLimit   = 500
	responseLimit  = 5000
	cronErrorLimit = 3000
)

// Restarter restarts a service after its code changed.
type Restarter interface {
	Restart(ctx context.Context, svc store.Service) error
}

type Options struct {
	Store         store.Store
	Agent         agent.Agent
	Restarter     Restarter
	Enabled       bool
	Timeout       time.Duration
	Cooldown      time.Duration
	BackupDir     string
	BackupKeep    int
	SweepInterval time.Duration
	Events        history.Sink
	Now           func() time.Time
}

type Fixer struct {
	opts Options

	mu      sync.Mutex
	buffers map[string][]string  // service -> recent error lines
	lastFix map[string]time.Time // service name or "cron:<job>" -> last attempt
}

func New(opts Options) *Fixer {
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = agent.DefaultTimeout
	}
	if opts.BackupKeep <= 0 {
		opts.BackupKeep = DefaultBackupKeep
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Fixer{
		opts:    opts,
		buffers: make(map[string][]string),
		lastFix: make(map[string]time.Time),
	}
}

// HandleLine collects error lines per service; other levels are ignored.
func (f *Fixer) HandleLine(service, level, message string) {
	if level != store.LevelError {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := append(f.buffers[service], message)
	if len(buf) > bufferLines {
		buf = append([]string(nil), buf[len(buf)-bufferLines:]...)
	}
	f.buffers[service] = buf
}

// RecentErrors returns a copy of the buffered error lines of service.
func (f *Fixer) RecentErrors(service string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.buffers[service]...)
}

func (f *Fixer) clearErrors(service string) {
	f.mu.Lock()
	delete(f.buffers, service)
	f.mu.Unlock()
}

func (f *Fixer) inCooldown(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	last, ok := f.lastFix[key]
	return ok && f.opts.Now().Sub(last) < f.opts.Cooldown
}

func (f *Fixer) touch(key string) {
	f.mu.Lock()
	f.lastFix[key] = f.opts.Now()
	f.mu.Unlock()
}

// Run sweeps every SweepInterval until ctx is done. A disabled fixer returns
// immediately.
func (f *Fixer) Run(ctx context.Context) error {
	if !f.opts.Enabled {
		slog.Info("auto-fix is disabled")
		return nil
	}
	slog.Info("auto-fixer started", "interval", f.opts.SweepInterval, "cooldown", f.opts.Cooldown)
	t := time.NewTicker(f.opts.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("auto-fixer stopped")
			return ctx.Err()
		case <-t.C:
			f.Sweep(ctx)
		}
	}
}

// Sweep attempts a fix for every service whose buffered errors look like a
// real failure and which is outside its cooldown.
func (f *Fixer) Sweep(ctx context.Context) {
	f.mu.Lock()
	names := make([]string, 0, len(f.buffers))
	for n, lines := range f.buffers {
		if len(lines) > 0 {
			names = append(names, n)
		}
	}
	f.mu.Unlock()
	sort.Strings(names)

	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		if f.inCooldown(name) {
			continue
		}
		text := strings.Join(f.RecentErrors(name), "\n")
		if !strings.Contains(text, "Traceback") && !strings.Contains(text, "Error") {
			continue
		}
		svc, err := f.opts.Store.GetService(ctx, name)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				slog.Error("failed to load service for auto-fix", "name", name, "error", err)
			}
			continue
		}
		if !svc.Enabled {
			continue
		}
		slog.Info("detected errors, attempting auto-fix", "name", name)
		fix, err := f.AttemptFix(ctx, *svc, text)
		switch {
		case err != nil:
			slog.Error("auto-fix failed", "name", name, "error", err)
		case fix.Success:
			slog.Info("auto-fix succeeded", "name", name)
			f.clearErrors(name)
			f.restart(ctx, *svc)
		default:
			slog.Warn("auto-fix did not fix the service", "name", name)
		}
		f.touch(name)
	}
}

func (f *Fixer) restart(ctx context.Context, svc store.Service) {
	if f.opts.Restarter == nil {
		return
	}
	if err := f.opts.Restarter.Restart(ctx, svc); err != nil {
		slog.Error("failed to restart service after fix", "name", svc.Name, "error", err)
	}
}

// AttemptFix invokes the agent on the service's working directory and
// records the attempt. Agent failures become unsuccessful attempts; the error
// is only non-nil when the attempt could not be persisted.
func (f *Fixer) AttemptFix(ctx context.Context, svc store.Service, errorText string) (*store.FixAttempt, error) {
	fix := &store.FixAttempt{
		ServiceID:    svc.ID,
		ErrorSummary: store.Truncate(errorText, summaryLimit),
	}
	workDir := svc.ResolveWorkDir()
	if workDir == "" {
		slog.Error("cannot determine working directory", "name", svc.Name)
		fix.AgentResponse = "Could not determine working directory"
		return f.record(ctx, svc.Name, fix)
	}
	fix.BackupPath = f.backup(svc.Name, workDir)

	res, err := f.invoke(ctx, workDir, servicePrompt(svc, errorText))
	if err != nil {
		slog.Error("remediation agent failed", "name", svc.Name, "error", err)
		fix.AgentResponse = err.Error()
	} else {
		fix.Success = res.Success
		fix.AgentResponse = store.Truncate(res.Response, responseLimit)
	}
	fix.FilesModified = res.FilesModified
	return f.record(ctx, svc.Name, fix)
}

func (f *Fixer) record(ctx context.Context, name string, fix *store.FixAttempt) (*store.FixAttempt, error) {
	fix.Timestamp = f.opts.Now().UTC()
	if fix.FilesModified == nil {
		fix.FilesModified = []string{}
	}
	metrics.IncFixAttempt("service", outcome(fix.Success))
	history.Emit(ctx, f.opts.Events, history.Event{
		Type: history.FixAttempt, Subject: name, Message: outcome(fix.Success),
	})
	if err := f.opts.Store.CreateFixAttempt(context.WithoutCancel(ctx), fix); err != nil {
		return fix, fmt.Errorf("record fix attempt for %s: %w", name, err)
	}
	return fix, nil
}

func (f *Fixer) backup(name, workDir string) string {
	if f.opts.BackupDir == "" {
		return ""
	}
	p, err := CreateBackup(f.opts.BackupDir, name, workDir, f.opts.Now())
	if err != nil {
		slog.Warn("failed to create backup", "name", name, "error", err)
		return ""
	}
	PruneBackups(f.opts.BackupDir, name, f.opts.BackupKeep)
	return p
}

func (f *Fixer) invoke(ctx context.Context, workDir, prompt string) (agent.Result, error) {
	if f.opts.Agent == nil {
		return agent.Result{}, agent.ErrUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout+time.Minute)
	defer cancel()
	return f.opts.Agent.Run(ctx, agent.Request{Prompt: prompt, WorkDir: workDir, Timeout: f.opts.Timeout})
}

// FixCronJob handles a failed execution. It skips when auto-fix is disabled,
// the job is cooling down, has no working directory or produced no output.
// Otherwise the execution's fix fields are updated and saved.
func (f *Fixer) FixCronJob(ctx context.Context, job store.CronJob, exec *store.CronExecution) bool {
	if !f.opts.Enabled {
		return false
	}
	key := "cron:" + job.Name
	if f.inCooldown(key) {
		slog.Info("cron job in fix cooldown, skipping", "name", job.Name)
		return false
	}
	if job.WorkingDir == "" {
		slog.Warn("no working directory for cron job, cannot fix", "name", job.Name)
		return false
	}
	errorText := exec.Stderr
	if errorText == "" {
		errorText = exec.Stdout
	}
	if errorText == "" {
		slog.Info("no error output for cron job, skipping fix", "name", job.Name)
		return false
	}

	slog.Info("attempting auto-fix for cron job", "name", job.Name)
	f.backup("cron_"+job.Name, job.WorkingDir)
	res, err := f.invoke(ctx, job.WorkingDir, cronPrompt(job, exec, errorText))
	f.touch(key)
	ok := err == nil && res.Success
	if err != nil {
		slog.Error("remediation agent failed for cron job", "name", job.Name, "error", err)
	} else if ok {
		slog.Info("auto-fix succeeded for cron job", "name", job.Name)
	} else {
		slog.Warn("auto-fix failed for cron job", "name", job.Name)
	}

	exec.SetFixResult(ok)
	if err := f.opts.Store.SaveExecution(context.WithoutCancel(ctx), exec); err != nil {
		slog.Error("failed to save fix result", "name", job.Name, "execution", exec.ID, "error", err)
	}
	metrics.IncFixAttempt("cron", outcome(ok))
	history.Emit(ctx, f.opts.Events, history.Event{Type: history.FixAttempt, Subject: key, Message: outcome(ok)})
	return ok
}

// ManualFix attempts a fix on demand. Without a description the buffered
// errors are used, then the most recent persisted error log entries.
func (f *Fixer) ManualFix(ctx context.Context, svc store.Service, description string) (*store.FixAttempt, error) {
	if description == "" {
		if lines := f.RecentErrors(svc.Name); len(lines) > 0 {
			description = strings.Join(lines[max(0, len(lines)-manualLines):], "\n")
		}
	}
	if description == "" {
		entries, err := f.opts.Store.ListLogEntries(ctx, svc.ID, store.LogQuery{Level: store.LevelError, Limit: manualLines})
		if err != nil {
			return nil, fmt.Errorf("load error logs for %s: %w", svc.Name, err)
		}
		msgs := make([]string, 0, len(entries))
		for _, e := range entries {
			msgs = append(msgs, e.Message)
		}
		description = strings.Join(msgs, "\n")
	}
	if description == "" {
		return f.record(ctx, svc.Name, &store.FixAttempt{
			ServiceID:     svc.ID,
			ErrorSummary:  "No errors found",
			AgentResponse: "No errors to fix",
		})
	}
	return f.AttemptFix(ctx, svc, description)
}

// Restore puts the backup taken before a fix back in place and restarts the
// service. A fix can be restored once.
func (f *Fixer) Restore(ctx context.Context, fixID int64) (*store.FixAttempt, error) {
	fix, err := f.opts.Store.GetFixAttempt(ctx, fixID)
	if err != nil {
		return nil, err
	}
	if fix.BackupPath == "" {
		return nil, ErrNoBackup
	}
	if fix.Restored {
		return nil, ErrAlreadyRestored
	}
	svc, err := f.opts.Store.GetServiceByID(ctx, fix.ServiceID)
	if err != nil {
		return nil, err
	}
	workDir := svc.ResolveWorkDir()
	if workDir == "" {
		return nil, ErrNoWorkDir
	}
	if err := RestoreBackup(fix.BackupPath, workDir); err != nil {
		return nil, fmt.Errorf("restore fix %d: %w", fixID, err)
	}
	if err := f.opts.Store.MarkFixRestored(ctx, fixID); err != nil {
		return nil, err
	}
	fix.Restored = true
	history.Emit(ctx, f.opts.Events, history.Event{Type: history.FixRestore, Subject: svc.Name, Message: fix.BackupPath})
	f.restart(ctx, *svc)
	return fix, nil
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func servicePrompt(svc store.Service, errorText string) string {
	return fmt.Sprintf("This service (%s) is encountering the following error:\n\n```\n%s\n```\n\n"+
		"Please:\n1. Identify the root cause of the error\n2. Fix the bug in the code\n"+
		"3. Ensure the fix doesn't break other functionality\n\nThe service command is: %s\n",
		svc.Name, errorText, svc.Command)
}

func cronPrompt(job store.CronJob, exec *store.CronExecution, errorText string) string {
	code := "None"
	if exec.ExitCode != nil {
		code = fmt.Sprint(*exec.ExitCode)
	}
	return fmt.Sprintf("This cron job (%s) failed with exit code %s.\n\nCommand: %s\nSchedule: %s\n\n"+
		"Error output:\n```\n%s\n```\n\n"+
		"Please:\n1. Identify the root cause of the error\n2. Fix the bug in the code or script\n"+
		"3. Ensure the fix doesn't break other functionality\n\nDuration: %.1fs\n",
		job.Name, code, job.Command, job.Schedule, store.Truncate(errorText, cronErrorLimit), exec.DurationSeconds)
}
