package client

import (
	"encoding/json"
	"time"
)

// ErrorResponse is the body of every non-2xx API answer.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ServiceStatus is one row of the status overview.
type ServiceStatus struct {
	Name    string          `json:"name"`
	Enabled bool            `json:"enabled"`
	Running bool            `json:"running"`
	PID     *int            `json:"pid"`
	Port    int             `json:"port,omitempty"`
	Metrics json.RawMessage `json:"metrics,omitempty"`
}

// Status is the supervisor overview.
type Status struct {
	Services    []ServiceStatus `json:"services"`
	Total       int             `json:"total"`
	Running     int             `json:"running"`
	Enabled     int             `json:"enabled"`
	ServiceHost string          `json:"service_host"`
}

// ActionResult is returned by start, stop, restart and run requests.
type ActionResult struct {
	Status      string          `json:"status"`
	Name        string          `json:"name"`
	PID         int             `json:"pid,omitempty"`
	ExecutionID int64           `json:"execution_id,omitempty"`
	Execution   json.RawMessage `json:"execution,omitempty"`
}

// TickResult reports the executions a cron tick started.
type TickResult struct {
	Status       string    `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
	JobsStarted  int       `json:"jobs_started"`
	ExecutionIDs []int64   `json:"execution_ids"`
}

// ScheduleCheck is the server-side validation of a cron expression.
type ScheduleCheck struct {
	Valid       bool        `json:"valid"`
	Message     string      `json:"message"`
	Description *string     `json:"description"`
	NextRuns    []time.Time `json:"next_runs"`
}

// FixStarted identifies the background job of a manual fix.
type FixStarted struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Service string `json:"service"`
}

// Job is a background job as reported by the tracker.
type Job struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Status      string          `json:"status"`
	Progress    string          `json:"progress,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`

	DurationSeconds *float64 `json:"duration_seconds"`
}
