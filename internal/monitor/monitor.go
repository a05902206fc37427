// Package monitor samples resource usage of supervised services and enforces
// the retention horizon for logs, metrics and cron executions.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/philiporange/supervisor/internal/metrics"
	"github.com/philiporange/supervisor/internal/process"
	"github.com/philiporange/supervisor/internal/store"
	"github.com/philiporange/supervisor/internal/sysinfo"
)

const (
	DefaultInterval      = 60 * time.Second
	DefaultRetentionDays = 7
)

// ProcessQuery exposes the live state of supervised processes.
type ProcessQuery interface {
	Info(name string) (process.Info, bool)
}

type Options struct {
	Store         store.Store
	Processes     ProcessQuery
	Interval      time.Duration
	RetentionDays int
	Now           func() time.Time
}

type Monitor struct {
	opts    Options
	sampler *sysinfo.Sampler
}

func New(opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = DefaultRetentionDays
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Monitor{opts: opts, sampler: sysinfo.NewSampler()}
}

// Run collects and cleans up every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	slog.Info("resource monitor started", "interval", m.opts.Interval)
	t := time.NewTicker(m.opts.Interval)
	defer t.Stop()
	for {
		m.Collect(ctx)
		if _, err := m.Cleanup(ctx); err != nil {
			slog.Error("retention cleanup failed", "error", err)
		}
		select {
		case <-ctx.Done():
			slog.Info("resource monitor stopped")
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Collect stores one Metric per enabled service. A failing service is logged
// and skipped.
func (m *Monitor) Collect(ctx context.Context) {
	svcs, err := m.opts.Store.ListServices(ctx, true)
	if err != nil {
		slog.Error("failed to list services for monitoring", "error", err)
		return
	}
	live := make([]int, 0, len(svcs))
	for _, svc := range svcs {
		if ctx.Err() != nil {
			return
		}
		info, ok := m.running(svc.Name)
		if ok {
			live = append(live, info.PID)
		}
		if err := m.collectOne(ctx, svc, info, ok); err != nil {
			slog.Error("failed to collect metrics", "name", svc.Name, "error", err)
		}
	}
	if n := m.sampler.Retain(live...); n > 0 {
		slog.Debug("dropped stale process samples", "trees", n)
	}
}

func (m *Monitor) collectOne(ctx context.Context, svc store.Service, info process.Info, running bool) error {
	var cpu, mem float64
	if running {
		u, err := m.sampler.Tree(info.PID)
		if err != nil {
			slog.Debug("process vanished during sampling", "name", svc.Name, "pid", info.PID, "error", err)
		} else {
			cpu, mem = u.CPUPercent, u.MemoryMB
		}
	}
	var disk *float64
	if d := sysinfo.DirSizeMB(svc.EffectiveWatchDirs()...); d > 0 {
		disk = &d
	}
	metrics.SetResources(svc.Name, cpu, mem, disk)
	return m.opts.Store.AddMetric(ctx, &store.Metric{
		ServiceID:  svc.ID,
		CPUPercent: cpu,
		MemoryMB:   mem,
		DiskMB:     disk,
		Timestamp:  m.opts.Now().UTC(),
	})
}

func (m *Monitor) running(name string) (process.Info, bool) {
	if m.opts.Processes == nil {
		return process.Info{}, false
	}
	info, ok := m.opts.Processes.Info(name)
	if !ok || !info.Running || info.PID <= 0 {
		return process.Info{}, false
	}
	return info, true
}

// Removed counts the rows deleted by one cleanup pass.
type Removed struct {
	Logs       int64 `json:"logs"`
	Metrics    int64 `json:"metrics"`
	Executions int64 `json:"executions"`
}

// Cleanup deletes rows older than the retention horizon. Each table is
// cleaned independently; the first error is returned after all were tried.
func (m *Monitor) Cleanup(ctx context.Context) (Removed, error) {
	cutoff := m.opts.Now().Add(-time.Duration(m.opts.RetentionDays) * 24 * time.Hour)
	var (
		r        Removed
		firstErr error
	)
	steps := []struct {
		kind string
		del  func(context.Context, time.Time) (int64, error)
		n    *int64
	}{
		{"log entries", m.opts.Store.DeleteLogEntriesBefore, &r.Logs},
		{"metrics", m.opts.Store.DeleteMetricsBefore, &r.Metrics},
		{"cron executions", m.opts.Store.DeleteExecutionsBefore, &r.Executions},
	}
	for _, s := range steps {
		n, err := s.del(ctx, cutoff)
		if err != nil {
			slog.Error("retention cleanup failed", "kind", s.kind, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("delete %s: %w", s.kind, err)
			}
			continue
		}
		*s.n = n
	}
	if r.Logs+r.Metrics+r.Executions > 0 {
		slog.Info("retention cleanup", "logs", r.Logs, "metrics", r.Metrics, "executions", r.Executions,
			"retention_days", m.opts.RetentionDays)
	}
	return r, firstErr
}

// Snapshot is the live view of one service. Process fields are only set while
// it runs; disk usage is reported either way.
type Snapshot struct {
	Name           string   `json:"name"`
	Running        bool     `json:"running"`
	PID            *int     `json:"pid"`
	CPUPercent     *float64 `json:"cpu_percent"`
	MemoryMB       *float64 `json:"memory_mb"`
	ChildProcesses *int     `json:"child_processes"`
	UptimeSeconds  *float64 `json:"uptime_seconds"`
	RestartCount   int      `json:"restart_count"`
	DiskMB         *float64 `json:"disk_mb"`
	WatchDirs      []string `json:"watch_dirs"`
}

// Current samples the named service now.
func (m *Monitor) Current(ctx context.Context, name string) (*Snapshot, error) {
	svc, err := m.opts.Store.GetService(ctx, name)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Name: svc.Name, WatchDirs: svc.EffectiveWatchDirs()}
	if snap.WatchDirs == nil {
		snap.WatchDirs = []string{}
	}
	if info, ok := m.running(name); ok {
		snap.RestartCount = info.RestartCount
		if u, err := m.sampler.Tree(info.PID); err == nil {
			pid, kids := u.PID, u.Children
			cpu, mem := u.CPUPercent, u.MemoryMB
			started := u.StartedAt
			if started.IsZero() {
				started = info.StartedAt
			}
			up := m.opts.Now().Sub(started).Seconds()
			snap.Running = true
			snap.PID, snap.ChildProcesses = &pid, &kids
			snap.CPUPercent, snap.MemoryMB = &cpu, &mem
			snap.UptimeSeconds = &up
		}
	}
	if len(snap.WatchDirs) > 0 {
		d := sysinfo.DirSizeMB(snap.WatchDirs...)
		snap.DiskMB = &d
	}
	return snap, nil
}
