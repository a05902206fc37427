package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/philiporange/supervisor/internal/fixer"
	"github.com/philiporange/supervisor/internal/metrics"
	"github.com/philiporange/supervisor/internal/process"
	"github.com/philiporange/supervisor/internal/store"
)

type serviceCreate struct {
	Name           string   `json:"name"`
	Command        string   `json:"command"`
	WorkingDir     string   `json:"working_dir"`
	Port           int      `json:"port"`
	Enabled        *bool    `json:"enabled"`
	ExposeCaddy    bool     `json:"expose_caddy"`
	CaddySubdomain string   `json:"caddy_subdomain"`
	CaddyPath      string   `json:"caddy_path"`
	WatchDirs      []string `json:"watch_dirs"`
}

// serviceUpdate only touches the fields present in the request.
type serviceUpdate struct {
	Command        *string   `json:"command"`
	WorkingDir     *string   `json:"working_dir"`
	Port           *int      `json:"port"`
	Enabled        *bool     `json:"enabled"`
	ExposeCaddy    *bool     `json:"expose_caddy"`
	CaddySubdomain *string   `json:"caddy_subdomain"`
	CaddyPath      *string   `json:"caddy_path"`
	WatchDirs      *[]string `json:"watch_dirs"`
}

type serviceResponse struct {
	store.Service
	Running bool `json:"running"`
	PID     *int `json:"pid"`
}

func (r *Router) serviceResponse(s store.Service) serviceResponse {
	resp := serviceResponse{Service: s}
	if pid, ok := r.d.Processes.PID(s.Name); ok {
		resp.Running, resp.PID = true, &pid
	}
	return resp
}

// loadService resolves :name or writes the error response.
func (r *Router) loadService(c *gin.Context) (*store.Service, bool) {
	svc, err := r.d.Store.GetService(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeStoreError(c, err)
		return nil, false
	}
	return svc, true
}

func (r *Router) handleCreateService(c *gin.Context) {
	var req serviceCreate
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
	if err := checkPaths("working_dir", req.WorkingDir); err != nil {
		writeError(c, http.StatusBadRequest, "%v", err)
		return
	}
	if err := checkPaths("watch_dirs", req.WatchDirs...); err != nil {
		writeError(c, http.StatusBadRequest, "%v", err)
		return
	}
	svc := &store.Service{
		Name:           req.Name,
		Command:        req.Command,
		WorkingDir:     req.WorkingDir,
		Port:           req.Port,
		Enabled:        req.Enabled == nil || *req.Enabled,
		ExposeCaddy:    req.ExposeCaddy,
		CaddySubdomain: req.CaddySubdomain,
		CaddyPath:      req.CaddyPath,
		WatchDirs:      req.WatchDirs,
	}
	if err := r.d.Store.CreateService(c.Request.Context(), svc); err != nil {
		writeStoreError(c, err)
		return
	}
	if svc.Enabled {
		if err := r.d.Processes.Start(*svc); err != nil {
			writeError(c, http.StatusInternalServerError, "service created but failed to start: %v", err)
			return
		}
	}
	writeJSON(c, http.StatusCreated, r.serviceResponse(*svc))
}

func (r *Router) handleListServices(c *gin.Context) {
	svcs, err := r.d.Store.ListServices(c.Request.Context(), false)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	out := make([]serviceResponse, 0, len(svcs))
	for _, s := range svcs {
		out = append(out, r.serviceResponse(s))
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleGetService(c *gin.Context) {
	svc, ok := r.loadService(c)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, r.serviceResponse(*svc))
}

func (r *Router) handleUpdateService(c *gin.Context) {
	svc, ok := r.loadService(c)
	if !ok {
		return
	}
	var req serviceUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid JSON: %v", err)
		return
	}
	if req.Command != nil {
		if strings.TrimSpace(*req.Command) == "" {
			writeError(c, http.StatusBadRequest, "command must not be empty")
			return
		}
		svc.Command = *req.Command
	}
	if req.WorkingDir != nil {
		if err := checkPaths("working_dir", *req.WorkingDir); err != nil {
			writeError(c, http.StatusBadRequest, "%v", err)
			return
		}
		svc.WorkingDir = *req.WorkingDir
	}
	if req.WatchDirs != nil {
		if err := checkPaths("watch_dirs", *req.WatchDirs...); err != nil {
			writeError(c, http.StatusBadRequest, "%v", err)
			return
		}
		svc.WatchDirs = *req.WatchDirs
	}
	if req.Port != nil {
		svc.Port = *req.Port
	}
	if req.Enabled != nil {
		svc.Enabled = *req.Enabled
	}
	if req.ExposeCaddy != nil {
		svc.ExposeCaddy = *req.ExposeCaddy
	}
	if req.CaddySubdomain != nil {
		svc.CaddySubdomain = *req.CaddySubdomain
	}
	if req.CaddyPath != nil {
		svc.CaddyPath = *req.CaddyPath
	}
	if err := r.d.Store.UpdateService(c.Request.Context(), svc); err != nil {
		writeStoreError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r.serviceResponse(*svc))
}

func (r *Router) handleDeleteService(c *gin.Context) {
	svc, ok := r.loadService(c)
	if !ok {
		return
	}
	if err := r.d.Processes.Stop(svc.Name, process.DefaultStopTimeout); err != nil {
		writeError(c, http.StatusInternalServerError, "%v", err)
		return
	}
	if err := r.d.Store.DeleteService(c.Request.Context(), svc.Name); err != nil {
		writeStoreError(c, err)
		return
	}
	metrics.ForgetService(svc.Name)
	writeJSON(c, http.StatusOK, gin.H{"status": "deleted", "name": svc.Name})
}

func (r *Router) handleStartService(c *gin.Context) {
	svc, ok := r.loadService(c)
	if !ok {
		return
	}
	if r.d.Processes.IsRunning(svc.Name) {
		writeJSON(c, http.StatusOK, gin.H{"status": "already_running", "name": svc.Name})
		return
	}
	if err := r.d.Processes.Start(*svc); err != nil {
		writeError(c, http.StatusInternalServerError, "failed to start service: %v", err)
		return
	}
	pid, _ := r.d.Processes.PID(svc.Name)
	writeJSON(c, http.StatusOK, gin.H{"status": "started", "name": svc.Name, "pid": pid})
}

func (r *Router) handleStopService(c *gin.Context) {
	svc, ok := r.loadService(c)
	if !ok {
		return
	}
	if !r.d.Processes.IsRunning(svc.Name) {
		writeJSON(c, http.StatusOK, gin.H{"status": "not_running", "name": svc.Name})
		return
	}
	if err := r.d.Processes.Stop(svc.Name, process.DefaultStopTimeout); err != nil {
		writeError(c, http.StatusInternalServerError, "failed to stop service: %v", err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": "stopped", "name": svc.Name})
}

func (r *Router) handleRestartService(c *gin.Context) {
	svc, ok := r.loadService(c)
	if !ok {
		return
	}
	if err := r.d.Processes.Restart(c.Request.Context(), *svc); err != nil {
		writeError(c, http.StatusInternalServerError, "failed to restart service: %v", err)
		return
	}
	pid, _ := r.d.Processes.PID(svc.Name)
	writeJSON(c, http.StatusOK, gin.H{"status": "restarted", "name": svc.Name, "pid": pid})
}

func (r *Router) handleServiceLogs(c *gin.Context) {
	svc, ok := r.loadService(c)
	if !ok {
		return
	}
	level := c.Query("level")
	switch level {
	case "", store.LevelInfo, store.LevelWarning, store.LevelError:
	default:
		writeError(c, http.StatusBadRequest, "invalid level %q: want info, warning or error", level)
		return
	}
	limit, err := queryInt(c, "limit", 100, 1, 1000)
	if err != nil {
		writeError(c, http.StatusBadRequest, "%v", err)
		return
	}
	offset, err := queryInt(c, "offset", 0, 0, 1<<30)
	if err != nil {
		writeError(c, http.StatusBadRequest, "%v", err)
		return
	}
	logs, err := r.d.Store.ListLogEntries(c.Request.Context(), svc.ID, store.LogQuery{Level: level, Limit: limit, Offset: offset})
	if err != nil {
		writeStoreError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, logs)
}

func (r *Router) handleServiceMetrics(c *gin.Context) {
	svc, ok := r.loadService(c)
	if !ok {
		return
	}
	hours, err := queryInt(c, "hours", 24, 1, 168)
	if err != nil {
		writeError(c, http.StatusBadRequest, "%v", err)
		return
	}
	since := r.d.Now().Add(-time.Duration(hours) * time.Hour)
	ms, err := r.d.Store.ListMetricsSince(c.Request.Context(), svc.ID, since)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, ms)
}

func (r *Router) handleCurrentMetrics(c *gin.Context) {
	snap, err := r.d.Monitor.Current(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeStoreError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, snap)
}

func (r *Router) handleTriggerFix(c *gin.Context) {
	svc, ok := r.loadService(c)
	if !ok {
		return
	}
	desc := c.Query("error_description")
	if desc == "" && c.Request.ContentLength > 0 {
		var body struct {
			ErrorDescription string `json:"error_description"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			writeError(c, http.StatusBadRequest, "invalid JSON: %v", err)
			return
		}
		desc = body.ErrorDescription
	}
	target := *svc
	job := r.d.Jobs.RunAsync(context.WithoutCancel(c.Request.Context()), "fix:"+svc.Name, func(ctx context.Context) (any, error) {
		return r.d.Fixer.ManualFix(ctx, target, desc)
	})
	writeJSON(c, http.StatusAccepted, gin.H{"job_id": job.ID, "status": "started", "service": svc.Name})
}

func (r *Router) handleListFixes(c *gin.Context) {
	svc, ok := r.loadService(c)
	if !ok {
		return
	}
	limit, err := queryInt(c, "limit", 20, 1, 100)
	if err != nil {
		writeError(c, http.StatusBadRequest, "%v", err)
		return
	}
	fixes, err := r.d.Store.ListFixAttempts(c.Request.Context(), svc.ID, limit)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, fixes)
}

func (r *Router) handleRestoreFix(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid fix id %q", c.Param("id"))
		return
	}
	fix, err := r.d.Fixer.Restore(c.Request.Context(), id)
	switch {
	case errors.Is(err, fixer.ErrNoBackup):
		writeError(c, http.StatusBadRequest, "no backup available for this fix")
		return
	case errors.Is(err, fixer.ErrAlreadyRestored):
		writeError(c, http.StatusBadRequest, "backup already restored")
		return
	case errors.Is(err, fixer.ErrNoWorkDir):
		writeError(c, http.StatusBadRequest, "cannot determine working directory")
		return
	case err != nil:
		writeStoreError(c, err)
		return
	}
	resp := gin.H{"status": "restored", "fix_id": fix.ID, "backup_path": fix.BackupPath}
	if svc, err := r.d.Store.GetServiceByID(c.Request.Context(), fix.ServiceID); err == nil {
		resp["service"] = svc.Name
	}
	writeJSON(c, http.StatusOK, resp)
}
