package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/philiporange/supervisor/internal/caddy"
	"github.com/philiporange/supervisor/internal/cron"
	"github.com/philiporange/supervisor/internal/fixer"
	"github.com/philiporange/supervisor/internal/jobs"
	"github.com/philiporange/supervisor/internal/monitor"
	"github.com/philiporange/supervisor/internal/process"
	"github.com/philiporange/supervisor/internal/store"
	"github.com/philiporange/supervisor/internal/store/sqlite"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like process groups")
	}
}

type testAPI struct {
	h     http.Handler
	store store.Store
	procs *process.Manager
	deps  Deps
}

func setupAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.EnsureSchema(context.Background()))

	dir := t.TempDir()
	pm := process.New(process.Options{LogDir: filepath.Join(dir, "logs"), Services: db})
	t.Cleanup(pm.ShutdownAll)
	d := Deps{
		Store:     db,
		Processes: pm,
		Cron:      cron.New(cron.Options{Store: db}),
		Monitor:   monitor.New(monitor.Options{Store: db, Processes: pm}),
		Fixer: fixer.New(fixer.Options{
			Store: db, Restarter: pm, Enabled: true, BackupDir: filepath.Join(dir, "backups"),
		}),
		Jobs: jobs.NewTracker(0),
		Caddy: caddy.NewReloader(caddy.Settings{
			Domain: "h.example.com:60443", BaseDomain: "example.com", Port: "60443",
			SupervisorFile: filepath.Join(dir, "caddy", "supervisor.conf"),
		}),
		SupervisorLog: filepath.Join(dir, "supervisor.log"),
		Metrics:       true,
	}
	return &testAPI{h: NewRouter(d, "").Handler(), store: db, procs: pm, deps: d}
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestServiceCRUDAndControl(t *testing.T) {
	requireUnix(t)
	api := setupAPI(t)

	rec := doReq(t, api.h, http.MethodPost, "/api/services", map[string]any{
		"name": "api", "command": "sleep 30", "enabled": false,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[map[string]any](t, rec)
	assert.Equal(t, false, created["running"])
	assert.Nil(t, created["pid"])

	rec = doReq(t, api.h, http.MethodPost, "/api/services", map[string]any{"name": "api", "command": "sleep 1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = doReq(t, api.h, http.MethodPost, "/api/services", map[string]any{"name": "../etc", "command": "sleep 1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doReq(t, api.h, http.MethodPost, "/api/services", map[string]any{"name": "x", "command": " "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doReq(t, api.h, http.MethodPost, "/api/services", map[string]any{"name": "x", "command": "ls", "working_dir": "rel"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, api.h, http.MethodPut, "/api/services/api", map[string]any{"port": 8080})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 8080, decode[map[string]any](t, rec)["port"])
	rec = doReq(t, api.h, http.MethodPut, "/api/services/nope", map[string]any{"port": 1})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doReq(t, api.h, http.MethodPost, "/api/services/api/start", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	started := decode[map[string]any](t, rec)
	assert.Equal(t, "started", started["status"])
	assert.NotZero(t, started["pid"])

	rec = doReq(t, api.h, http.MethodPost, "/api/services/api/start", nil)
	assert.Equal(t, "already_running", decode[map[string]any](t, rec)["status"])

	rec = doReq(t, api.h, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[map[string]any](t, rec)
	assert.EqualValues(t, 1, status["total"])
	assert.EqualValues(t, 1, status["running"])
	assert.EqualValues(t, 0, status["enabled"])
	assert.Equal(t, "localhost", status["service_host"])

	rec = doReq(t, api.h, http.MethodGet, "/api/services", nil)
	list := decode[[]map[string]any](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, true, list[0]["running"])

	rec = doReq(t, api.h, http.MethodPost, "/api/services/api/stop", nil)
	assert.Equal(t, "stopped", decode[map[string]any](t, rec)["status"])
	assert.False(t, api.procs.IsRunning("api"))
	rec = doReq(t, api.h, http.MethodPost, "/api/services/api/stop", nil)
	assert.Equal(t, "not_running", decode[map[string]any](t, rec)["status"])

	rec = doReq(t, api.h, http.MethodDelete, "/api/services/api", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doReq(t, api.h, http.MethodGet, "/api/services/api", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func addService(t *testing.T, st store.Store, s store.Service) store.Service {
	t.Helper()
	require.NoError(t, st.CreateService(context.Background(), &s))
	return s
}

func TestServiceLogsAndMetrics(t *testing.T) {
	api := setupAPI(t)
	ctx := context.Background()
	svc := addService(t, api.store, store.Service{Name: "web", Command: "true", WatchDirs: []string{t.TempDir()}})

	now := time.Now()
	for i, lvl := range []string{store.LevelInfo, store.LevelError, store.LevelError} {
		require.NoError(t, api.store.AddLogEntry(ctx, &store.LogEntry{
			ServiceID: svc.ID, Level: lvl, Message: fmt.Sprintf("line %d", i), Timestamp: now.Add(time.Duration(i) * time.Second),
		}))
	}
	rec := doReq(t, api.h, http.MethodGet, "/api/services/web/logs?level=error", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	logs := decode[[]store.LogEntry](t, rec)
	require.Len(t, logs, 2)
	assert.Equal(t, "line 2", logs[0].Message)

	rec = doReq(t, api.h, http.MethodGet, "/api/services/web/logs?limit=1", nil)
	assert.Len(t, decode[[]store.LogEntry](t, rec), 1)
	rec = doReq(t, api.h, http.MethodGet, "/api/services/web/logs?level=debug", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doReq(t, api.h, http.MethodGet, "/api/services/web/logs?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	require.NoError(t, api.store.AddMetric(ctx, &store.Metric{ServiceID: svc.ID, CPUPercent: 1.5, MemoryMB: 20, Timestamp: now}))
	rec = doReq(t, api.h, http.MethodGet, "/api/services/web/metrics?hours=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]store.Metric](t, rec), 1)
	rec = doReq(t, api.h, http.MethodGet, "/api/services/web/metrics?hours=200", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, api.h, http.MethodGet, "/api/services/web/metrics/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[monitor.Snapshot](t, rec)
	assert.False(t, snap.Running)
	require.NotNil(t, snap.DiskMB, "disk usage is reported for stopped services")

	rec = doReq(t, api.h, http.MethodGet, "/api/services/ghost/metrics/current", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerFixRunsAsJob(t *testing.T) {
	api := setupAPI(t)
	addService(t, api.store, store.Service{Name: "worker", Command: "sleep 30"})

	rec := doReq(t, api.h, http.MethodPost, "/api/services/worker/fix?error_description=boom", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decode[map[string]any](t, rec)
	jobID, _ := resp["job_id"].(string)
	require.NotEmpty(t, jobID)

	var job jobs.Job
	require.Eventually(t, func() bool {
		rec := doReq(t, api.h, http.MethodGet, "/api/jobs/"+jobID, nil)
		job = decode[jobs.Job](t, rec)
		return job.Status.Finished()
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, jobs.StatusCompleted, job.Status)
	assert.Equal(t, "fix:worker", job.Name)

	rec = doReq(t, api.h, http.MethodGet, "/api/services/worker/fixes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	fixes := decode[[]map[string]any](t, rec)
	require.Len(t, fixes, 1)
	assert.Equal(t, "boom", fixes[0]["error_summary"])
	assert.Equal(t, false, fixes[0]["success"])
	assert.Equal(t, false, fixes[0]["can_restore"])

	id := int64(fixes[0]["id"].(float64))
	rec = doReq(t, api.h, http.MethodPost, fmt.Sprintf("/api/fixes/%d/restore", id), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doReq(t, api.h, http.MethodPost, "/api/fixes/999/restore", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = doReq(t, api.h, http.MethodPost, "/api/fixes/abc/restore", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, api.h, http.MethodGet, "/api/jobs?status=completed", nil)
	assert.Len(t, decode[[]jobs.Job](t, rec), 1)
	rec = doReq(t, api.h, http.MethodGet, "/api/jobs?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doReq(t, api.h, http.MethodGet, "/api/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRestoreFixOnce(t *testing.T) {
	requireUnix(t)
	api := setupAPI(t)
	work := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(work, "app.py"), []byte("good"), 0o600))
	svc := addService(t, api.store, store.Service{Name: "app", Command: "sleep 30", WorkingDir: work})

	backup, err := fixer.CreateBackup(t.TempDir(), "app", work, time.Now())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(work, "app.py"), []byte("broken"), 0o600))
	fix := &store.FixAttempt{ServiceID: svc.ID, ErrorSummary: "x", BackupPath: backup, Success: true, Timestamp: time.Now()}
	require.NoError(t, api.store.CreateFixAttempt(context.Background(), fix))

	path := fmt.Sprintf("/api/fixes/%d/restore", fix.ID)
	rec := doReq(t, api.h, http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[map[string]any](t, rec)
	assert.Equal(t, "restored", resp["status"])
	assert.Equal(t, "app", resp["service"])
	b, err := os.ReadFile(filepath.Join(work, "app.py"))
	require.NoError(t, err)
	assert.Equal(t, "good", string(b))

	rec = doReq(t, api.h, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "already restored")
}

func TestCronEndpoints(t *testing.T) {
	requireUnix(t)
	api := setupAPI(t)

	rec := doReq(t, api.h, http.MethodPost, "/api/cron", map[string]any{"name": "bad", "command": "echo", "schedule": "not cron"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid cron schedule")

	rec = doReq(t, api.h, http.MethodPost, "/api/cron", map[string]any{
		"name": "report", "command": "echo hi", "schedule": "*/5 * * * *",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	job := decode[map[string]any](t, rec)
	assert.EqualValues(t, 300, job["timeout"])
	assert.NotNil(t, job["next_run"])
	assert.Equal(t, "Every 5 minutes", job["schedule_description"])
	assert.Equal(t, false, job["running"])

	rec = doReq(t, api.h, http.MethodPost, "/api/cron", map[string]any{"name": "report", "command": "echo", "schedule": "@daily"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doReq(t, api.h, http.MethodPut, "/api/cron/report", map[string]any{"schedule": "61 * * * *"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doReq(t, api.h, http.MethodPut, "/api/cron/report", map[string]any{"timeout": 10, "env_vars": map[string]string{"A": "1"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 10, decode[map[string]any](t, rec)["timeout"])

	rec = doReq(t, api.h, http.MethodPost, "/api/cron/report/run", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run := decode[struct {
		Status      string              `json:"status"`
		ExecutionID int64               `json:"execution_id"`
		Execution   store.CronExecution `json:"execution"`
	}](t, rec)
	assert.Equal(t, "finished", run.Status)
	assert.Equal(t, "hi\n", run.Execution.Stdout)
	assert.True(t, run.Execution.Success())

	rec = doReq(t, api.h, http.MethodGet, "/api/cron/report/executions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decode[[]store.CronExecution](t, rec))
	rec = doReq(t, api.h, http.MethodGet, fmt.Sprintf("/api/cron/report/executions/%d", run.ExecutionID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doReq(t, api.h, http.MethodGet, "/api/cron/report/executions/99999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doReq(t, api.h, http.MethodPost, "/api/cron/report/stop", nil)
	assert.Equal(t, "not_running", decode[map[string]any](t, rec)["status"])

	rec = doReq(t, api.h, http.MethodGet, "/api/cron/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[map[string]any](t, rec)
	assert.EqualValues(t, 1, st["total"])
	assert.EqualValues(t, 1, st["enabled"])

	rec = doReq(t, api.h, http.MethodPost, "/api/cron/tick", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]any](t, rec)["status"])

	rec = doReq(t, api.h, http.MethodDelete, "/api/cron/report", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doReq(t, api.h, http.MethodGet, "/api/cron/report", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCronValidate(t *testing.T) {
	api := setupAPI(t)

	rec := doReq(t, api.h, http.MethodGet, "/api/cron/validate?schedule=*/15+*+*+*+*", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	v := decode[struct {
		Valid       bool        `json:"valid"`
		Description string      `json:"description"`
		NextRuns    []time.Time `json:"next_runs"`
	}](t, rec)
	assert.True(t, v.Valid)
	assert.Equal(t, "Every 15 minutes", v.Description)
	require.Len(t, v.NextRuns, 5)
	for i := 1; i < len(v.NextRuns); i++ {
		assert.Equal(t, 15*time.Minute, v.NextRuns[i].Sub(v.NextRuns[i-1]))
	}

	rec = doReq(t, api.h, http.MethodGet, "/api/cron/validate?schedule=nope", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bad := decode[map[string]any](t, rec)
	assert.Equal(t, false, bad["valid"])
	assert.Nil(t, bad["description"])

	rec = doReq(t, api.h, http.MethodGet, "/api/cron/validate", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCaddyConfigAndSupervisorLogs(t *testing.T) {
	api := setupAPI(t)
	addService(t, api.store, store.Service{Name: "site", Command: "true", Port: 8000, ExposeCaddy: true, CaddySubdomain: "site"})
	addService(t, api.store, store.Service{Name: "internal", Command: "true", Port: 8001})

	rec := doReq(t, api.h, http.MethodGet, "/api/caddy/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cfg := decode[struct {
		Caddyfile string        `json:"caddyfile"`
		Services  []caddy.Route `json:"services"`
	}](t, rec)
	assert.Contains(t, cfg.Caddyfile, "site.example.com:60443 {")
	require.Len(t, cfg.Services, 1)
	assert.Equal(t, "https://site.example.com:60443", cfg.Services[0].URL)

	rec = doReq(t, api.h, http.MethodGet, "/api/supervisor/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, decode[map[string]any](t, rec)["total"])

	require.NoError(t, os.WriteFile(api.deps.SupervisorLog, []byte("a\nb\nc\n"), 0o600))
	rec = doReq(t, api.h, http.MethodGet, "/api/supervisor/logs?lines=2", nil)
	logs := decode[struct {
		Lines []string `json:"lines"`
		Total int      `json:"total"`
	}](t, rec)
	assert.Equal(t, []string{"b", "c"}, logs.Lines)
	assert.Equal(t, 3, logs.Total)

	rec = doReq(t, api.h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBasePath(t *testing.T) {
	api := setupAPI(t)
	h := NewRouter(api.deps, "/sv/").Handler()
	assert.Equal(t, http.StatusOK, doReq(t, h, http.MethodGet, "/sv/api/services", nil).Code)
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/api/services", nil).Code)
}
