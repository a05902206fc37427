package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// LogQuery filters ListLogEntries. A zero Limit means no limit.
type LogQuery struct {
	Level  string
	Limit  int
	Offset int
}

// Store is the durable record of services, cron jobs and everything they
// produce. Implementations must cascade deletes from Service to its logs,
// metrics and fix attempts, and from CronJob to its executions.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Close() error

	CreateService(ctx context.Context, s *Service) error
	GetService(ctx context.Context, name string) (*Service, error)
	GetServiceByID(ctx context.Context, id int64) (*Service, error)
	ListServices(ctx context.Context, enabledOnly bool) ([]Service, error)
	UpdateService(ctx context.Context, s *Service) error
	DeleteService(ctx context.Context, name string) error

	CreateCronJob(ctx context.Context, j *CronJob) error
	GetCronJob(ctx context.Context, name string) (*CronJob, error)
	GetCronJobByID(ctx context.Context, id int64) (*CronJob, error)
	ListCronJobs(ctx context.Context, enabledOnly bool) ([]CronJob, error)
	UpdateCronJob(ctx context.Context, j *CronJob) error
	UpdateCronJobRuns(ctx context.Context, id int64, lastRun, nextRun *time.Time) error
	DeleteCronJob(ctx context.Context, name string) error

	CreateExecution(ctx context.Context, e *CronExecution) error
	SaveExecution(ctx context.Context, e *CronExecution) error
	GetExecution(ctx context.Context, id int64) (*CronExecution, error)
	ListExecutions(ctx context.Context, jobID int64, limit, offset int) ([]CronExecution, error)
	CountExecutionsSince(ctx context.Context, jobID int64, since time.Time, failedOnly bool) (int, error)

	AddLogEntry(ctx context.Context, e *LogEntry) error
	ListLogEntries(ctx context.Context, serviceID int64, q LogQuery) ([]LogEntry, error)

	AddMetric(ctx context.Context, m *Metric) error
	ListMetricsSince(ctx context.Context, serviceID int64, since time.Time) ([]Metric, error)

	CreateFixAttempt(ctx context.Context, f *FixAttempt) error
	GetFixAttempt(ctx context.Context, id int64) (*FixAttempt, error)
	ListFixAttempts(ctx context.Context, serviceID int64, limit int) ([]FixAttempt, error)
	MarkFixRestored(ctx context.Context, id int64) error

	DeleteLogEntriesBefore(ctx context.Context, t time.Time) (int64, error)
	DeleteMetricsBefore(ctx context.Context, t time.Time) (int64, error)
	DeleteExecutionsBefore(ctx context.Context, t time.Time) (int64, error)
}
