package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/philiporange/supervisor/internal/caddy"
	"github.com/philiporange/supervisor/internal/cron"
	"github.com/philiporange/supervisor/internal/fixer"
	"github.com/philiporange/supervisor/internal/jobs"
	"github.com/philiporange/supervisor/internal/metrics"
	"github.com/philiporange/supervisor/internal/monitor"
	"github.com/philiporange/supervisor/internal/process"
	"github.com/philiporange/supervisor/internal/store"
)

// Deps are the components the API is a thin layer over.
type Deps struct {
	Store     store.Store
	Processes *process.Manager
	Cron      *cron.Manager
	Monitor   *monitor.Monitor
	Fixer     *fixer.Fixer
	Jobs      *jobs.Tracker
	Caddy     *caddy.Reloader

	SupervisorLog string
	ServiceHost   func() string
	Metrics       bool
	Now           func() time.Time
}

// Router serves the supervisor HTTP API under basePath:
//
//	/api/services[/:name[/start|stop|restart|logs|metrics|metrics/current|fix|fixes]]
//	/api/fixes/:id/restore
//	/api/cron[/tick|status|validate|/:name[/run|stop|executions[/:id]]]
//	/api/jobs[/:id]  /api/caddy/{config,current,reload}  /api/supervisor/logs  /api/status
//
// and /metrics when enabled.
type Router struct {
	d        Deps
	basePath string
}

func NewRouter(d Deps, basePath string) *Router {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.ServiceHost == nil {
		d.ServiceHost = func() string { return "localhost" }
	}
	return &Router{d: d, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	root := g.Group(r.basePath)
	if r.d.Metrics {
		root.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	api := root.Group("/api")
	api.GET("/status", r.handleStatus)
	api.GET("/supervisor/logs", r.handleSupervisorLogs)

	svc := api.Group("/services")
	svc.POST("", r.handleCreateService)
	svc.GET("", r.handleListServices)
	svc.GET("/:name", r.handleGetService)
	svc.PUT("/:name", r.handleUpdateService)
	svc.DELETE("/:name", r.handleDeleteService)
	svc.POST("/:name/start", r.handleStartService)
	svc.POST("/:name/stop", r.handleStopService)
	svc.POST("/:name/restart", r.handleRestartService)
	svc.GET("/:name/logs", r.handleServiceLogs)
	svc.GET("/:name/metrics", r.handleServiceMetrics)
	svc.GET("/:name/metrics/current", r.handleCurrentMetrics)
	svc.POST("/:name/fix", r.handleTriggerFix)
	svc.GET("/:name/fixes", r.handleListFixes)
	api.POST("/fixes/:id/restore", r.handleRestoreFix)

	cr := api.Group("/cron")
	cr.POST("", r.handleCreateCron)
	cr.GET("", r.handleListCron)
	cr.POST("/tick", r.handleCronTick)
	cr.GET("/status", r.handleCronStatus)
	cr.GET("/validate", r.handleCronValidate)
	cr.GET("/:name", r.handleGetCron)
	cr.PUT("/:name", r.handleUpdateCron)
	cr.DELETE("/:name", r.handleDeleteCron)
	cr.POST("/:name/run", r.handleRunCron)
	cr.POST("/:name/stop", r.handleStopCron)
	cr.GET("/:name/executions", r.handleListExecutions)
	cr.GET("/:name/executions/:id", r.handleGetExecution)

	api.GET("/jobs", r.handleListJobs)
	api.GET("/jobs/:id", r.handleGetJob)

	api.GET("/caddy/config", r.handleCaddyConfig)
	api.GET("/caddy/current", r.handleCaddyCurrent)
	api.POST("/caddy/reload", r.handleCaddyReload)
	return g
}

// NewServer wraps the router in an http.Server. The caller starts it.
func NewServer(addr, basePath string, d Deps) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(d, basePath).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// cron runs and ticks answer after the executions finish
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
}

type statusRow struct {
	Name    string            `json:"name"`
	Enabled bool              `json:"enabled"`
	Running bool              `json:"running"`
	PID     *int              `json:"pid"`
	Port    int               `json:"port,omitempty"`
	Metrics *monitor.Snapshot `json:"metrics"`
}

func (r *Router) handleStatus(c *gin.Context) {
	ctx := c.Request.Context()
	svcs, err := r.d.Store.ListServices(ctx, false)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	rows := make([]statusRow, 0, len(svcs))
	running, enabled := 0, 0
	for _, s := range svcs {
		row := statusRow{Name: s.Name, Enabled: s.Enabled, Port: s.Port}
		if pid, ok := r.d.Processes.PID(s.Name); ok {
			row.Running, row.PID = true, &pid
			running++
			if snap, err := r.d.Monitor.Current(ctx, s.Name); err == nil {
				row.Metrics = snap
			}
		}
		if s.Enabled {
			enabled++
		}
		rows = append(rows, row)
	}
	writeJSON(c, http.StatusOK, gin.H{
		"services":     rows,
		"total":        len(rows),
		"running":      running,
		"enabled":      enabled,
		"service_host": r.d.ServiceHost(),
	})
}

func (r *Router) handleSupervisorLogs(c *gin.Context) {
	n, err := queryInt(c, "lines", 100, 1, 1000)
	if err != nil {
		writeError(c, http.StatusBadRequest, "%v", err)
		return
	}
	lines, total, err := tailLines(r.d.SupervisorLog, n)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "read supervisor log: %v", err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"lines": lines, "total": total})
}

func (r *Router) handleListJobs(c *gin.Context) {
	var filter *jobs.Status
	if raw := c.Query("status"); raw != "" {
		st := jobs.Status(raw)
		switch st {
		case jobs.StatusPending, jobs.StatusRunning, jobs.StatusCompleted, jobs.StatusFailed:
			filter = &st
		default:
			writeError(c, http.StatusBadRequest, "invalid status: %s", raw)
			return
		}
	}
	writeJSON(c, http.StatusOK, r.d.Jobs.List(filter))
}

func (r *Router) handleGetJob(c *gin.Context) {
	j, ok := r.d.Jobs.Get(c.Param("id"))
	if !ok {
		writeError(c, http.StatusNotFound, "job %q not found", c.Param("id"))
		return
	}
	writeJSON(c, http.StatusOK, j)
}
