// Package jobs tracks short-lived background operations, such as manual fix
// attempts, so callers can poll for their outcome.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/philiporange/supervisor/internal/metrics"
)

// Status is the phase of a background job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Finished() bool { return s == StatusCompleted || s == StatusFailed }

const DefaultMaxCompleted = 100

// Job is a point-in-time copy of a tracked job.
type Job struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Status      Status     `json:"status"`
	Result      any        `json:"result"`
	Error       string     `json:"error,omitempty"`
	Progress    string     `json:"progress,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// DurationSeconds runs until now for unfinished jobs; nil before start.
	DurationSeconds *float64 `json:"duration_seconds"`
}

type entry struct {
	Job
	started, completed time.Time
}

func (e *entry) snapshot(now time.Time) Job {
	j := e.Job
	if !e.started.IsZero() {
		s := e.started
		j.StartedAt = &s
		end := now
		if !e.completed.IsZero() {
			c := e.completed
			j.CompletedAt = &c
			end = c
		}
		d := end.Sub(s).Seconds()
		j.DurationSeconds = &d
	}
	return j
}

// Tracker holds jobs in memory. Finished jobs beyond MaxCompleted are evicted
// oldest first.
type Tracker struct {
	mu           sync.Mutex
	jobs         map[string]*entry
	maxCompleted int
	now          func() time.Time
}

func NewTracker(maxCompleted int) *Tracker {
	if maxCompleted <= 0 {
		maxCompleted = DefaultMaxCompleted
	}
	return &Tracker{jobs: make(map[string]*entry), maxCompleted: maxCompleted, now: time.Now}
}

// Create registers a pending job.
func (t *Tracker) Create(name string) Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := uuid.NewString()[:8]
	for t.jobs[id] != nil {
		id = uuid.NewString()[:8]
	}
	e := &entry{Job: Job{ID: id, Name: name, Status: StatusPending, CreatedAt: t.now()}}
	t.jobs[id] = e
	t.sweepLocked()
	slog.Info("created job", "id", id, "name", name)
	return e.snapshot(t.now())
}

// RunInBackground runs fn on its own goroutine and records its outcome.
func (t *Tracker) RunInBackground(name string, fn func() (any, error)) Job {
	return t.RunAsync(context.Background(), name, func(context.Context) (any, error) { return fn() })
}

// RunAsync runs fn with ctx on its own goroutine. A panic in fn fails the job.
func (t *Tracker) RunAsync(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) Job {
	j := t.Create(name)
	go t.run(ctx, j.ID, fn)
	return j
}

func (t *Tracker) run(ctx context.Context, id string, fn func(context.Context) (any, error)) {
	t.transition(id, func(e *entry) {
		e.Status = StatusRunning
		e.started = t.now()
	})
	var (
		res any
		err error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		res, err = fn(ctx)
	}()
	t.transition(id, func(e *entry) {
		e.completed = t.now()
		if err != nil {
			e.Status, e.Error = StatusFailed, err.Error()
			slog.Error("job failed", "id", id, "name", e.Name, "error", err)
			return
		}
		e.Status, e.Result = StatusCompleted, res
		slog.Info("job completed", "id", id, "name", e.Name)
	})
	if err != nil {
		metrics.IncJobFinished(string(StatusFailed))
	} else {
		metrics.IncJobFinished(string(StatusCompleted))
	}
}

func (t *Tracker) transition(id string, fn func(e *entry)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.jobs[id]; ok {
		fn(e)
	}
}

func (t *Tracker) Get(id string) (Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.jobs[id]
	if !ok {
		return Job{}, false
	}
	return e.snapshot(t.now()), true
}

// List returns jobs newest first, optionally only those with status.
func (t *Tracker) List(status *Status) []Job {
	t.mu.Lock()
	now := t.now()
	out := make([]Job, 0, len(t.jobs))
	for _, e := range t.jobs {
		if status != nil && e.Status != *status {
			continue
		}
		out = append(out, e.snapshot(now))
	}
	t.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (t *Tracker) UpdateProgress(id, msg string) {
	t.transition(id, func(e *entry) { e.Progress = msg })
}

// Sweep evicts the oldest finished jobs beyond the retention limit.
func (t *Tracker) Sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepLocked()
}

func (t *Tracker) sweepLocked() {
	var done []*entry
	for _, e := range t.jobs {
		if e.Status.Finished() {
			done = append(done, e)
		}
	}
	if len(done) <= t.maxCompleted {
		return
	}
	sort.Slice(done, func(i, j int) bool { return done[i].completed.Before(done[j].completed) })
	for _, e := range done[:len(done)-t.maxCompleted] {
		delete(t.jobs, e.ID)
	}
}

// Run sweeps once a minute until ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.Sweep()
		}
	}
}
