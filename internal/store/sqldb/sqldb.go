package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/philiporange/supervisor/internal/store"
)

// DB implements store.Store over database/sql. The same queries serve SQLite
// and Postgres; placeholders are rebound per dialect.
type DB struct {
	db      *sql.DB
	dialect Dialect
}

var _ store.Store = (*DB)(nil)

func New(db *sql.DB, d Dialect) *DB { return &DB{db: db, dialect: d} }

func (s *DB) Dialect() Dialect { return s.dialect }

// SQL exposes the underlying handle, mainly for tests.
func (s *DB) SQL() *sql.DB { return s.db }

func (s *DB) EnsureSchema(ctx context.Context) error {
	for _, q := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(q), args...)
}

func (s *DB) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.rebind(q), args...)
}

func (s *DB) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.rebind(q), args...)
}

// insert runs an INSERT ... RETURNING id statement.
func (s *DB) insert(ctx context.Context, q string, args ...any) (int64, error) {
	var id int64
	if err := s.queryRow(ctx, q+" RETURNING id", args...).Scan(&id); err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: %v", store.ErrConflict, err)
		}
		return 0, err
	}
	return id, nil
}

func affected(res sql.Result, kind string, key any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.NotFound(kind, key)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type scanner interface {
	Scan(dest ...any) error
}

func now() time.Time { return time.Now().UTC() }

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	f := nf.Float64
	return &f
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func encodeJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

// ---- services ----

const serviceCols = `id, name, command, working_dir, port, enabled, expose_caddy,
	caddy_subdomain, caddy_path, watch_dirs, created_at, updated_at`

func scanService(sc scanner) (store.Service, error) {
	var (
		svc   store.Service
		watch string
	)
	err := sc.Scan(&svc.ID, &svc.Name, &svc.Command, &svc.WorkingDir, &svc.Port, &svc.Enabled,
		&svc.ExposeCaddy, &svc.CaddySubdomain, &svc.CaddyPath, &watch, &svc.CreatedAt, &svc.UpdatedAt)
	if err != nil {
		return svc, err
	}
	_ = json.Unmarshal([]byte(watch), &svc.WatchDirs)
	return svc, nil
}

func (s *DB) CreateService(ctx context.Context, svc *store.Service) error {
	t := now()
	id, err := s.insert(ctx, `INSERT INTO services(name, command, working_dir, port, enabled, expose_caddy,
		caddy_subdomain, caddy_path, watch_dirs, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		svc.Name, svc.Command, svc.WorkingDir, svc.Port, svc.Enabled, svc.ExposeCaddy,
		svc.CaddySubdomain, svc.CaddyPath, encodeJSON(nonNilSlice(svc.WatchDirs)), t, t)
	if err != nil {
		return fmt.Errorf("create service %s: %w", svc.Name, err)
	}
	svc.ID, svc.CreatedAt, svc.UpdatedAt = id, t, t
	return nil
}

func (s *DB) getService(ctx context.Context, where string, key any) (*store.Service, error) {
	svc, err := scanService(s.queryRow(ctx, `SELECT `+serviceCols+` FROM services WHERE `+where, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFound("service", key)
	}
	if err != nil {
		return nil, err
	}
	return &svc, nil
}

func (s *DB) GetService(ctx context.Context, name string) (*store.Service, error) {
	return s.getService(ctx, "name = ?", name)
}

func (s *DB) GetServiceByID(ctx context.Context, id int64) (*store.Service, error) {
	return s.getService(ctx, "id = ?", id)
}

func (s *DB) ListServices(ctx context.Context, enabledOnly bool) ([]store.Service, error) {
	q := `SELECT ` + serviceCols + ` FROM services`
	var args []any
	if enabledOnly {
		q += ` WHERE enabled = ?`
		args = append(args, true)
	}
	rows, err := s.query(ctx, q+` ORDER BY name`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []store.Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

func (s *DB) UpdateService(ctx context.Context, svc *store.Service) error {
	t := now()
	res, err := s.exec(ctx, `UPDATE services SET command = ?, working_dir = ?, port = ?, enabled = ?,
		expose_caddy = ?, caddy_subdomain = ?, caddy_path = ?, watch_dirs = ?, updated_at = ?
		WHERE id = ?`,
		svc.Command, svc.WorkingDir, svc.Port, svc.Enabled, svc.ExposeCaddy, svc.CaddySubdomain,
		svc.CaddyPath, encodeJSON(nonNilSlice(svc.WatchDirs)), t, svc.ID)
	if err != nil {
		return fmt.Errorf("update service %s: %w", svc.Name, err)
	}
	if err := affected(res, "service", svc.Name); err != nil {
		return err
	}
	svc.UpdatedAt = t
	return nil
}

func (s *DB) DeleteService(ctx context.Context, name string) error {
	res, err := s.exec(ctx, `DELETE FROM services WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete service %s: %w", name, err)
	}
	return affected(res, "service", name)
}

// ---- cron jobs ----

const cronCols = `id, name, command, schedule, working_dir, enabled, timeout, watch_dirs,
	env_vars, env_file, last_run, next_run, created_at, updated_at`

func scanCronJob(sc scanner) (store.CronJob, error) {
	var (
		j                store.CronJob
		watch, envVars   string
		lastRun, nextRun sql.NullTime
	)
	err := sc.Scan(&j.ID, &j.Name, &j.Command, &j.Schedule, &j.WorkingDir, &j.Enabled, &j.Timeout,
		&watch, &envVars, &j.EnvFile, &lastRun, &nextRun, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return j, err
	}
	_ = json.Unmarshal([]byte(watch), &j.WatchDirs)
	_ = json.Unmarshal([]byte(envVars), &j.EnvVars)
	j.LastRun, j.NextRun = timePtr(lastRun), timePtr(nextRun)
	return j, nil
}

func (s *DB) CreateCronJob(ctx context.Context, j *store.CronJob) error {
	t := now()
	if j.Timeout <= 0 {
		j.Timeout = store.DefaultCronTimeout
	}
	id, err := s.insert(ctx, `INSERT INTO cron_jobs(name, command, schedule, working_dir, enabled, timeout,
		watch_dirs, env_vars, env_file, last_run, next_run, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.Name, j.Command, j.Schedule, j.WorkingDir, j.Enabled, j.Timeout,
		encodeJSON(nonNilSlice(j.WatchDirs)), encodeJSON(nonNilMap(j.EnvVars)), j.EnvFile,
		nullTime(j.LastRun), nullTime(j.NextRun), t, t)
	if err != nil {
		return fmt.Errorf("create cron job %s: %w", j.Name, err)
	}
	j.ID, j.CreatedAt, j.UpdatedAt = id, t, t
	return nil
}

func (s *DB) getCronJob(ctx context.Context, where string, key any) (*store.CronJob, error) {
	j, err := scanCronJob(s.queryRow(ctx, `SELECT `+cronCols+` FROM cron_jobs WHERE `+where, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFound("cron job", key)
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *DB) GetCronJob(ctx context.Context, name string) (*store.CronJob, error) {
	return s.getCronJob(ctx, "name = ?", name)
}

func (s *DB) GetCronJobByID(ctx context.Context, id int64) (*store.CronJob, error) {
	return s.getCronJob(ctx, "id = ?", id)
}

func (s *DB) ListCronJobs(ctx context.Context, enabledOnly bool) ([]store.CronJob, error) {
	q := `SELECT ` + cronCols + ` FROM cron_jobs`
	var args []any
	if enabledOnly {
		q += ` WHERE enabled = ?`
		args = append(args, true)
	}
	rows, err := s.query(ctx, q+` ORDER BY name`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []store.CronJob
	for rows.Next() {
		j, err := scanCronJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *DB) UpdateCronJob(ctx context.Context, j *store.CronJob) error {
	t := now()
	res, err := s.exec(ctx, `UPDATE cron_jobs SET command = ?, schedule = ?, working_dir = ?, enabled = ?,
		timeout = ?, watch_dirs = ?, env_vars = ?, env_file = ?, next_run = ?, updated_at = ?
		WHERE id = ?`,
		j.Command, j.Schedule, j.WorkingDir, j.Enabled, j.Timeout, encodeJSON(nonNilSlice(j.WatchDirs)),
		encodeJSON(nonNilMap(j.EnvVars)), j.EnvFile, nullTime(j.NextRun), t, j.ID)
	if err != nil {
		return fmt.Errorf("update cron job %s: %w", j.Name, err)
	}
	if err := affected(res, "cron job", j.Name); err != nil {
		return err
	}
	j.UpdatedAt = t
	return nil
}

// UpdateCronJobRuns sets last_run and next_run; a nil argument leaves that
// column unchanged.
func (s *DB) UpdateCronJobRuns(ctx context.Context, id int64, lastRun, nextRun *time.Time) error {
	sets := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if lastRun != nil {
		sets = append(sets, "last_run = ?")
		args = append(args, lastRun.UTC())
	}
	if nextRun != nil {
		sets = append(sets, "next_run = ?")
		args = append(args, nextRun.UTC())
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.exec(ctx, `UPDATE cron_jobs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update cron runs %d: %w", id, err)
	}
	return affected(res, "cron job", id)
}

func (s *DB) DeleteCronJob(ctx context.Context, name string) error {
	res, err := s.exec(ctx, `DELETE FROM cron_jobs WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete cron job %s: %w", name, err)
	}
	return affected(res, "cron job", name)
}

// ---- executions ----

const execCols = `id, cron_job_id, state, started_at, finished_at, exit_code, stdout, stderr,
	duration_seconds, cpu_percent, memory_mb, fix_attempted, fix_success`

func scanExecution(sc scanner) (store.CronExecution, error) {
	var (
		e          store.CronExecution
		state      string
		finished   sql.NullTime
		exitCode   sql.NullInt64
		cpu, mem   sql.NullFloat64
		fixSuccess sql.NullBool
	)
	err := sc.Scan(&e.ID, &e.CronJobID, &state, &e.StartedAt, &finished, &exitCode, &e.Stdout, &e.Stderr,
		&e.DurationSeconds, &cpu, &mem, &e.FixAttempted, &fixSuccess)
	if err != nil {
		return e, err
	}
	e.State = store.ExecState(state)
	e.FinishedAt = timePtr(finished)
	if exitCode.Valid {
		c := int(exitCode.Int64)
		e.ExitCode = &c
	}
	e.CPUPercent, e.MemoryMB = floatPtr(cpu), floatPtr(mem)
	if fixSuccess.Valid {
		b := fixSuccess.Bool
		e.FixSuccess = &b
	}
	return e, nil
}

func execArgs(e *store.CronExecution) []any {
	var exitCode, fixSuccess any
	if e.ExitCode != nil {
		exitCode = *e.ExitCode
	}
	if e.FixSuccess != nil {
		fixSuccess = *e.FixSuccess
	}
	return []any{string(e.State), nullTime(e.FinishedAt), exitCode, e.Stdout, e.Stderr, e.Success(),
		e.DurationSeconds, nullFloat(e.CPUPercent), nullFloat(e.MemoryMB), e.FixAttempted, fixSuccess}
}

func (s *DB) CreateExecution(ctx context.Context, e *store.CronExecution) error {
	if e.State == "" {
		e.State = store.ExecPending
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = now()
	}
	e.StartedAt = e.StartedAt.UTC()
	args := append([]any{e.CronJobID, e.StartedAt}, execArgs(e)...)
	id, err := s.insert(ctx, `INSERT INTO cron_executions(cron_job_id, started_at, state, finished_at, exit_code,
		stdout, stderr, success, duration_seconds, cpu_percent, memory_mb, fix_attempted, fix_success)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		return fmt.Errorf("create execution for job %d: %w", e.CronJobID, err)
	}
	e.ID = id
	return nil
}

func (s *DB) SaveExecution(ctx context.Context, e *store.CronExecution) error {
	args := append(execArgs(e), e.ID)
	res, err := s.exec(ctx, `UPDATE cron_executions SET state = ?, finished_at = ?, exit_code = ?, stdout = ?,
		stderr = ?, success = ?, duration_seconds = ?, cpu_percent = ?, memory_mb = ?, fix_attempted = ?,
		fix_success = ? WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("save execution %d: %w", e.ID, err)
	}
	return affected(res, "execution", e.ID)
}

func (s *DB) GetExecution(ctx context.Context, id int64) (*store.CronExecution, error) {
	e, err := scanExecution(s.queryRow(ctx, `SELECT `+execCols+` FROM cron_executions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *DB) ListExecutions(ctx context.Context, jobID int64, limit, offset int) ([]store.CronExecution, error) {
	q := `SELECT ` + execCols + ` FROM cron_executions WHERE cron_job_id = ? ORDER BY started_at DESC, id DESC`
	args := []any{jobID}
	if limit > 0 {
		q += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []store.CronExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *DB) CountExecutionsSince(ctx context.Context, jobID int64, since time.Time, failedOnly bool) (int, error) {
	q := `SELECT COUNT(*) FROM cron_executions WHERE cron_job_id = ? AND started_at >= ?`
	args := []any{jobID, since.UTC()}
	if failedOnly {
		q += ` AND success = ? AND finished_at IS NOT NULL`
		args = append(args, false)
	}
	var n int
	if err := s.queryRow(ctx, q, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// ---- logs ----

func (s *DB) AddLogEntry(ctx context.Context, e *store.LogEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = now()
	}
	id, err := s.insert(ctx, `INSERT INTO log_entries(service_id, level, message, ts) VALUES(?, ?, ?, ?)`,
		e.ServiceID, e.Level, e.Message, e.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("add log entry: %w", err)
	}
	e.ID = id
	return nil
}

func (s *DB) ListLogEntries(ctx context.Context, serviceID int64, lq store.LogQuery) ([]store.LogEntry, error) {
	q := `SELECT id, service_id, level, message, ts FROM log_entries WHERE service_id = ?`
	args := []any{serviceID}
	if lq.Level != "" {
		q += ` AND level = ?`
		args = append(args, lq.Level)
	}
	q += ` ORDER BY ts DESC, id DESC`
	if lq.Limit > 0 {
		q += ` LIMIT ? OFFSET ?`
		args = append(args, lq.Limit, lq.Offset)
	}
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []store.LogEntry
	for rows.Next() {
		var e store.LogEntry
		if err := rows.Scan(&e.ID, &e.ServiceID, &e.Level, &e.Message, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- metrics ----

func (s *DB) AddMetric(ctx context.Context, m *store.Metric) error {
	if m.Timestamp.IsZero() {
		m.Timestamp = now()
	}
	id, err := s.insert(ctx, `INSERT INTO metrics(service_id, cpu_percent, memory_mb, disk_mb, ts) VALUES(?, ?, ?, ?, ?)`,
		m.ServiceID, m.CPUPercent, m.MemoryMB, nullFloat(m.DiskMB), m.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("add metric: %w", err)
	}
	m.ID = id
	return nil
}

func (s *DB) ListMetricsSince(ctx context.Context, serviceID int64, since time.Time) ([]store.Metric, error) {
	rows, err := s.query(ctx, `SELECT id, service_id, cpu_percent, memory_mb, disk_mb, ts FROM metrics
		WHERE service_id = ? AND ts >= ? ORDER BY ts ASC, id ASC`, serviceID, since.UTC())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []store.Metric
	for rows.Next() {
		var (
			m    store.Metric
			disk sql.NullFloat64
		)
		if err := rows.Scan(&m.ID, &m.ServiceID, &m.CPUPercent, &m.MemoryMB, &disk, &m.Timestamp); err != nil {
			return nil, err
		}
		m.DiskMB = floatPtr(disk)
		out = append(out, m)
	}
	return out, rows.Err()
}

// ---- fix attempts ----

const fixCols = `id, service_id, error_summary, agent_response, success, files_modified, backup_path, restored, ts`

func scanFix(sc scanner) (store.FixAttempt, error) {
	var (
		f     store.FixAttempt
		files string
	)
	err := sc.Scan(&f.ID, &f.ServiceID, &f.ErrorSummary, &f.AgentResponse, &f.Success, &files,
		&f.BackupPath, &f.Restored, &f.Timestamp)
	if err != nil {
		return f, err
	}
	_ = json.Unmarshal([]byte(files), &f.FilesModified)
	return f, nil
}

func (s *DB) CreateFixAttempt(ctx context.Context, f *store.FixAttempt) error {
	if f.Timestamp.IsZero() {
		f.Timestamp = now()
	}
	id, err := s.insert(ctx, `INSERT INTO fix_attempts(service_id, error_summary, agent_response, success,
		files_modified, backup_path, restored, ts) VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ServiceID, f.ErrorSummary, f.AgentResponse, f.Success, encodeJSON(nonNilSlice(f.FilesModified)),
		f.BackupPath, f.Restored, f.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("create fix attempt: %w", err)
	}
	f.ID = id
	return nil
}

func (s *DB) GetFixAttempt(ctx context.Context, id int64) (*store.FixAttempt, error) {
	f, err := scanFix(s.queryRow(ctx, `SELECT `+fixCols+` FROM fix_attempts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFound("fix attempt", id)
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *DB) ListFixAttempts(ctx context.Context, serviceID int64, limit int) ([]store.FixAttempt, error) {
	q := `SELECT ` + fixCols + ` FROM fix_attempts WHERE service_id = ? ORDER BY ts DESC, id DESC`
	args := []any{serviceID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []store.FixAttempt
	for rows.Next() {
		f, err := scanFix(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *DB) MarkFixRestored(ctx context.Context, id int64) error {
	res, err := s.exec(ctx, `UPDATE fix_attempts SET restored = ? WHERE id = ?`, true, id)
	if err != nil {
		return fmt.Errorf("mark fix %d restored: %w", id, err)
	}
	return affected(res, "fix attempt", id)
}

// ---- retention ----

func (s *DB) deleteBefore(ctx context.Context, table, col string, t time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM `+table+` WHERE `+col+` < ?`, t.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune %s: %w", table, err)
	}
	return res.RowsAffected()
}

func (s *DB) DeleteLogEntriesBefore(ctx context.Context, t time.Time) (int64, error) {
	return s.deleteBefore(ctx, "log_entries", "ts", t)
}

func (s *DB) DeleteMetricsBefore(ctx context.Context, t time.Time) (int64, error) {
	return s.deleteBefore(ctx, "metrics", "ts", t)
}

func (s *DB) DeleteExecutionsBefore(ctx context.Context, t time.Time) (int64, error) {
	return s.deleteBefore(ctx, "cron_executions", "started_at", t)
}

func nonNilSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
