package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/philiporange/supervisor/internal/cron"
	"github.com/philiporange/supervisor/internal/store"
)

type cronCreate struct {
	Name       string            `json:"name"`
	Command    string            `json:"command"`
	Schedule   string            `json:"schedule"`
	WorkingDir string            `json:"working_dir"`
	Enabled    *bool             `json:"enabled"`
	Timeout    *int              `json:"timeout"`
	WatchDirs  []string          `json:"watch_dirs"`
	EnvVars    map[string]string `json:"env_vars"`
	EnvFile    string            `json:"env_file"`
}

type cronUpdate struct {
	Command    *string            `json:"command"`
	Schedule   *string            `json:"schedule"`
	WorkingDir *string            `json:"working_dir"`
	Enabled    *bool              `json:"enabled"`
	Timeout    *int               `json:"timeout"`
	WatchDirs  *[]string          `json:"watch_dirs"`
	EnvVars    *map[string]string `json:"env_vars"`
	EnvFile    *string            `json:"env_file"`
}

type cronResponse struct {
	store.CronJob
	Running             bool   `json:"running"`
	ScheduleDescription string `json:"schedule_description"`
}

func (r *Router) cronResponse(j store.CronJob) cronResponse {
	return cronResponse{
		CronJob:             j,
		Running:             r.d.Cron.IsRunning(j.ID),
		ScheduleDescription: cron.Describe(j.Schedule, r.d.Now()),
	}
}

func (r *Router) loadCron(c *gin.Context) (*store.CronJob, bool) {
	j, err := r.d.Store.GetCronJob(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeStoreError(c, err)
		return nil, false
	}
	return j, true
}

func validSchedule(c *gin.Context, expr string) bool {
	if ok, msg := cron.ValidateSchedule(expr); !ok {
		writeError(c, http.StatusBadRequest, "invalid cron schedule: %s", msg)
		return false
	}
	return true
}

// refreshNextRun persists the next occurrence and reloads the job.
func (r *Router) refreshNextRun(ctx context.Context, j *store.CronJob) (*store.CronJob, error) {
	if err := r.d.Cron.UpdateNextRun(ctx, *j); err != nil {
		return nil, err
	}
	return r.d.Store.GetCronJobByID(ctx, j.ID)
}

func (r *Router) handleCreateCron(c *gin.Context) {
	var req cronCreate
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid JSON: %v", err)
		return
	}
	if !isSafeName(req.Name) {
		writeError(c, http.StatusBadRequest, "invalid name: allowed [A-Za-z0-9._-] and no '..'")
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		writeError(c, http.StatusBadRequest, "command required")
		return
	}
	if !validSchedule(c, req.Schedule) {
		return
	}
	timeout := store.DefaultCronTimeout
	if req.Timeout != nil {
		timeout = *req.Timeout
	}
	if timeout <= 0 {
		writeError(c, http.StatusBadRequest, "timeout must be positive")
		return
	}
	for field, p := range map[string]string{"working_dir": req.WorkingDir, "env_file": req.EnvFile} {
		if err := checkPaths(field, p); err != nil {
			writeError(c, http.StatusBadRequest, "%v", err)
			return
		}
	}
	if err := checkPaths("watch_dirs", req.WatchDirs...); err != nil {
		writeError(c, http.StatusBadRequest, "%v", err)
		return
	}

	ctx := c.Request.Context()
	j := &store.CronJob{
		Name:       req.Name,
		Command:    req.Command,
		Schedule:   req.Schedule,
		WorkingDir: req.WorkingDir,
		Enabled:    req.Enabled == nil || *req.Enabled,
		Timeout:    timeout,
		WatchDirs:  req.WatchDirs,
		EnvVars:    req.EnvVars,
		EnvFile:    req.EnvFile,
	}
	if err := r.d.Store.CreateCronJob(ctx, j); err != nil {
		writeStoreError(c, err)
		return
	}
	j, err := r.refreshNextRun(ctx, j)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, r.cronResponse(*j))
}

func (r *Router) handleListCron(c *gin.Context) {
	list, err := r.d.Store.ListCronJobs(c.Request.Context(), false)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	out := make([]cronResponse, 0, len(list))
	for _, j := range list {
		out = append(out, r.cronResponse(j))
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleGetCron(c *gin.Context) {
	j, ok := r.loadCron(c)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, r.cronResponse(*j))
}

func (r *Router) handleUpdateCron(c *gin.Context) {
	j, ok := r.loadCron(c)
	if !ok {
		return
	}
	var req cronUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid JSON: %v", err)
		return
	}
	if req.Schedule != nil {
		if !validSchedule(c, *req.Schedule) {
			return
		}
		j.Schedule = *req.Schedule
	}
	if req.Command != nil {
		if strings.TrimSpace(*req.Command) == "" {
			writeError(c, http.StatusBadRequest, "command must not be empty")
			return
		}
		j.Command = *req.Command
	}
	if req.Timeout != nil {
		if *req.Timeout <= 0 {
			writeError(c, http.StatusBadRequest, "timeout must be positive")
			return
		}
		j.Timeout = *req.Timeout
	}
	if req.WorkingDir != nil {
		if err := checkPaths("working_dir", *req.WorkingDir); err != nil {
			writeError(c, http.StatusBadRequest, "%v", err)
			return
		}
		j.WorkingDir = *req.WorkingDir
	}
	if req.EnvFile != nil {
		if err := checkPaths("env_file", *req.EnvFile); err != nil {
			writeError(c, http.StatusBadRequest, "%v", err)
			return
		}
		j.EnvFile = *req.EnvFile
	}
	if req.WatchDirs != nil {
		if err := checkPaths("watch_dirs", *req.WatchDirs...); err != nil {
			writeError(c, http.StatusBadRequest, "%v", err)
			return
		}
		j.WatchDirs = *req.WatchDirs
	}
	if req.Enabled != nil {
		j.Enabled = *req.Enabled
	}
	if req.EnvVars != nil {
		j.EnvVars = *req.EnvVars
	}

	ctx := c.Request.Context()
	if err := r.d.Store.UpdateCronJob(ctx, j); err != nil {
		writeStoreError(c, err)
		return
	}
	j, err := r.refreshNextRun(ctx, j)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r.cronResponse(*j))
}

func (r *Router) handleDeleteCron(c *gin.Context) {
	j, ok := r.loadCron(c)
	if !ok {
		return
	}
	r.d.Cron.KillJob(j.ID)
	if err := r.d.Store.DeleteCronJob(c.Request.Context(), j.Name); err != nil {
		writeStoreError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": "deleted", "name": j.Name})
}

// handleCronTick is the once-a-minute trigger. It answers once the due
// executions have finished; a dropped connection does not cancel them.
func (r *Router) handleCronTick(c *gin.Context) {
	ids, err := r.d.Cron.Tick(context.WithoutCancel(c.Request.Context()))
	if err != nil {
		writeError(c, http.StatusInternalServerError, "%v", err)
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	writeJSON(c, http.StatusOK, gin.H{
		"status":        "ok",
		"timestamp":     r.d.Now(),
		"jobs_started":  len(ids),
		"execution_ids": ids,
	})
}

func (r *Router) handleCronStatus(c *gin.Context) {
	sts, err := r.d.Cron.Status(c.Request.Context())
	if err != nil {
		writeStoreError(c, err)
		return
	}
	enabled, running := 0, 0
	for _, s := range sts {
		if s.Enabled {
			enabled++
		}
		if s.Running {
			running++
		}
	}
	writeJSON(c, http.StatusOK, gin.H{"jobs": sts, "total": len(sts), "enabled": enabled, "running": running})
}

func (r *Router) handleCronValidate(c *gin.Context) {
	expr := c.Query("schedule")
	if expr == "" {
		writeError(c, http.StatusBadRequest, "schedule query param required")
		return
	}
	valid, msg := cron.ValidateSchedule(expr)
	resp := gin.H{"valid": valid, "message": msg, "description": nil, "next_runs": []time.Time{}}
	if valid {
		now := r.d.Now()
		resp["description"] = cron.Describe(expr, now)
		if next, err := cron.NextRuns(expr, now, 5); err == nil {
			resp["next_runs"] = next
		}
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleRunCron(c *gin.Context) {
	j, ok := r.loadCron(c)
	if !ok {
		return
	}
	if r.d.Cron.IsRunning(j.ID) {
		writeJSON(c, http.StatusOK, gin.H{"status": "already_running", "name": j.Name})
		return
	}
	e, err := r.d.Cron.RunNow(context.WithoutCancel(c.Request.Context()), *j)
	if errors.Is(err, cron.ErrAlreadyRunning) {
		writeJSON(c, http.StatusOK, gin.H{"status": "already_running", "name": j.Name})
		return
	}
	if err != nil {
		writeError(c, http.StatusInternalServerError, "failed to run cron job: %v", err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": "finished", "name": j.Name, "execution_id": e.ID, "execution": e})
}

func (r *Router) handleStopCron(c *gin.Context) {
	j, ok := r.loadCron(c)
	if !ok {
		return
	}
	if !r.d.Cron.IsRunning(j.ID) {
		writeJSON(c, http.StatusOK, gin.H{"status": "not_running", "name": j.Name})
		return
	}
	if !r.d.Cron.KillJob(j.ID) {
		writeError(c, http.StatusInternalServerError, "failed to stop cron job")
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": "stopped", "name": j.Name})
}

func (r *Router) handleListExecutions(c *gin.Context) {
	j, ok := r.loadCron(c)
	if !ok {
		return
	}
	limit, err := queryInt(c, "limit", 50, 1, 500)
	if err != nil {
		writeError(c, http.StatusBadRequest, "%v", err)
		return
	}
	offset, err := queryInt(c, "offset", 0, 0, 1<<30)
	if err != nil {
		writeError(c, http.StatusBadRequest, "%v", err)
		return
	}
	execs, err := r.d.Store.ListExecutions(c.Request.Context(), j.ID, limit, offset)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, execs)
}

func (r *Router) handleGetExecution(c *gin.Context) {
	j, ok := r.loadCron(c)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid execution id %q", c.Param("id"))
		return
	}
	e, err := r.d.Store.GetExecution(c.Request.Context(), id)
	if err == nil && e.CronJobID != j.ID {
		err = store.NotFound("execution", id)
	}
	if err != nil {
		writeStoreError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, e)
}
