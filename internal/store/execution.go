package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// ExecState is the lifecycle position of a CronExecution.
type ExecState string

const (
	ExecPending   ExecState = "pending"
	ExecRunning   ExecState = "running"
	ExecCompleted ExecState = "completed"
	ExecTimedOut  ExecState = "timed_out"
	ExecFailed    ExecState = "failed" // could not be launched or crashed inside the supervisor
)

func (s ExecState) Terminal() bool {
	return s == ExecCompleted || s == ExecTimedOut || s == ExecFailed
}

// Peak holds the highest resource usage sampled during an execution.
type Peak struct {
	CPUPercent float64
	MemoryMB   float64
}

// CronExecution is one run of a CronJob. Outcome fields are only set by the
// transition methods, so a finished execution always carries FinishedAt and
// ExitCode, and success is derived rather than stored independently.
type CronExecution struct {
	ID              int64      `json:"id"`
	CronJobID       int64      `json:"cron_job_id"`
	State           ExecState  `json:"state"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	ExitCode        *int       `json:"exit_code,omitempty"`
	Stdout          string     `json:"stdout,omitempty"`
	Stderr          string     `json:"stderr,omitempty"`
	DurationSeconds float64    `json:"duration_seconds"`
	CPUPercent      *float64   `json:"cpu_percent,omitempty"`
	MemoryMB        *float64   `json:"memory_mb,omitempty"`
	FixAttempted    bool       `json:"fix_attempted"`
	FixSuccess      *bool      `json:"fix_success,omitempty"`
}

// NewExecution returns a pending execution started at t.
func NewExecution(jobID int64, t time.Time) *CronExecution {
	return &CronExecution{CronJobID: jobID, State: ExecPending, StartedAt: t}
}

func (e *CronExecution) MarkRunning() { e.State = ExecRunning }

// Complete records a process that exited on its own.
func (e *CronExecution) Complete(exitCode int, stdout, stderr string, at time.Time, p Peak) {
	e.finish(ExecCompleted, exitCode, at)
	e.Stdout, e.Stderr = stdout, stderr
	e.setPeak(p)
}

// TimeOut records a process killed after exceeding timeout.
func (e *CronExecution) TimeOut(timeout time.Duration, stdout, stderr string, at time.Time, p Peak) {
	e.finish(ExecTimedOut, -1, at)
	msg := fmt.Sprintf("Timeout after %d seconds", int(timeout/time.Second))
	if stderr != "" {
		msg = stderr + "\n" + msg
	}
	e.Stdout, e.Stderr = stdout, msg
	e.setPeak(p)
}

// Fail records an execution that could not run to completion, for example
// because the command could not be started.
func (e *CronExecution) Fail(reason string, at time.Time) {
	e.finish(ExecFailed, -1, at)
	e.Stderr = reason
}

// Success is true only for a completed execution that exited with 0.
func (e CronExecution) Success() bool {
	return e.State == ExecCompleted && e.ExitCode != nil && *e.ExitCode == 0
}

// SetFixResult records the outcome of a remediation attempt for this run.
func (e *CronExecution) SetFixResult(ok bool) {
	e.FixAttempted = true
	e.FixSuccess = &ok
}

func (e *CronExecution) finish(s ExecState, code int, at time.Time) {
	e.State = s
	e.ExitCode = &code
	at = at.UTC()
	e.FinishedAt = &at
	e.DurationSeconds = at.Sub(e.StartedAt).Seconds()
	if e.DurationSeconds < 0 {
		e.DurationSeconds = 0
	}
}

func (e *CronExecution) setPeak(p Peak) {
	cpu, mem := p.CPUPercent, p.MemoryMB
	e.CPUPercent, e.MemoryMB = &cpu, &mem
}

func (e CronExecution) MarshalJSON() ([]byte, error) {
	type alias CronExecution
	return json.Marshal(struct {
		alias
		Success bool `json:"success"`
	}{alias(e), e.Success()})
}
