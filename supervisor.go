// Package supervisor wires the process manager, cron manager, resource
// monitor, auto-fixer and HTTP API into one long-running App.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/philiporange/supervisor/internal/agent"
	"github.com/philiporange/supervisor/internal/caddy"
	"github.com/philiporange/supervisor/internal/config"
	"github.com/philiporange/supervisor/internal/cron"
	"github.com/philiporange/supervisor/internal/fixer"
	"github.com/philiporange/supervisor/internal/history"
	hfactory "github.com/philiporange/supervisor/internal/history/factory"
	"github.com/philiporange/supervisor/internal/jobs"
	"github.com/philiporange/supervisor/internal/logger"
	"github.com/philiporange/supervisor/internal/metrics"
	"github.com/philiporange/supervisor/internal/monitor"
	"github.com/philiporange/supervisor/internal/process"
	"github.com/philiporange/supervisor/internal/server"
	"github.com/philiporange/supervisor/internal/services"
	"github.com/philiporange/supervisor/internal/store"
	sfactory "github.com/philiporange/supervisor/internal/store/factory"
)

// logMessageLimit caps persisted log lines.
const logMessageLimit = 2000

// App owns every component of a running supervisor.
type App struct {
	cfg *config.Config

	Store     store.Store
	Events    history.Sink
	Processes *process.Manager
	Cron      *cron.Manager
	Monitor   *monitor.Monitor
	Fixer     *fixer.Fixer
	Jobs      *jobs.Tracker
	Caddy     *caddy.Reloader
	Agent     *agent.Breaker

	server   *http.Server
	cancel   context.CancelFunc
	done     <-chan error
	stopOnce sync.Once
	stopErr  error
}

// New opens the store and the optional history sink and builds the
// components. Nothing runs until Start.
func New(cfg *config.Config) (*App, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	st, err := sfactory.NewFromDSN(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.EnsureSchema(context.Background()); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	var events history.Sink
	if cfg.HistoryDSN != "" {
		if events, err = hfactory.NewSinkFromDSN(cfg.HistoryDSN); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("open history sink: %w", err)
		}
	}
	if cfg.MetricsEnabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			slog.Warn("metrics registration failed", "error", err)
		}
	}

	a := &App{cfg: cfg, Store: st, Events: events}
	a.Processes = process.New(process.Options{
		LogDir:             cfg.LogsDir(),
		Log:                logger.Config{Dir: cfg.LogsDir(), MaxSizeMB: int(cfg.LogMaxBytes / (1024 * 1024)), MaxBackups: cfg.LogBackupCount},
		RestartDelay:       cfg.RestartDelayDur(),
		MaxRestartAttempts: cfg.MaxRestartAttempts,
		Sink:               process.LineSinkFunc(a.HandleLine),
		Services:           st,
		Events:             events,
	})
	a.Agent = agent.NewBreaker(agent.NewCLI(cfg.AgentCommand, cfg.AgentModel), agent.BreakerOptions{Name: "autofix-agent"})
	a.Fixer = fixer.New(fixer.Options{
		Store:      st,
		Agent:      a.Agent,
		Restarter:  a.Processes,
		Enabled:    cfg.AutofixEnabled,
		Timeout:    cfg.AutofixTimeoutDur(),
		Cooldown:   cfg.FixCooldown(),
		BackupDir:  cfg.BackupsDir(),
		BackupKeep: cfg.BackupKeep,
		Events:     events,
	})
	a.Cron = cron.New(cron.Options{
		Store:          st,
		Fixer:          a.Fixer,
		AutofixEnabled: cfg.AutofixEnabled,
		Events:         events,
	})
	a.Monitor = monitor.New(monitor.Options{
		Store:         st,
		Processes:     a.Processes,
		Interval:      cfg.MonitorEvery(),
		RetentionDays: cfg.LogRetentionDays,
	})
	a.Jobs = jobs.NewTracker(jobs.DefaultMaxCompleted)
	a.Caddy = caddy.NewReloader(caddy.Settings{
		AdminURL:       cfg.Caddy.AdminURL,
		Domain:         cfg.Caddy.Domain,
		BaseDomain:     cfg.Caddy.BaseDomain,
		Port:           cfg.Caddy.Port,
		SupervisorFile: cfg.Caddy.SupervisorFile,
	})
	return a, nil
}

// HandleLine persists one line of service output and feeds the auto-fixer.
func (a *App) HandleLine(service, level, message string) {
	ctx := context.Background()
	svc, err := a.Store.GetService(ctx, service)
	if err == nil {
		entry := &store.LogEntry{
			ServiceID: svc.ID,
			Level:     level,
			Message:   store.Truncate(message, logMessageLimit),
			Timestamp: time.Now().UTC(),
		}
		if err := a.Store.AddLogEntry(ctx, entry); err != nil {
			slog.Debug("failed to persist log line", "name", service, "error", err)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		slog.Debug("failed to look up service for log line", "name", service, "error", err)
	}
	a.Fixer.HandleLine(service, level, message)
}

// Handler is the HTTP API.
func (a *App) Handler() http.Handler { return server.NewRouter(a.deps(), "").Handler() }

func (a *App) deps() server.Deps {
	return server.Deps{
		Store:         a.Store,
		Processes:     a.Processes,
		Cron:          a.Cron,
		Monitor:       a.Monitor,
		Fixer:         a.Fixer,
		Jobs:          a.Jobs,
		Caddy:         a.Caddy,
		SupervisorLog: a.cfg.SupervisorLog(),
		ServiceHost:   a.cfg.ResolveServiceHost,
		Metrics:       a.cfg.MetricsEnabled,
	}
}

// Reconcile starts every enabled service that is not running and refreshes
// the next run of every enabled cron job. Individual failures are logged.
func (a *App) Reconcile(ctx context.Context) error {
	svcs, err := a.Store.ListServices(ctx, true)
	if err != nil {
		return fmt.Errorf("list services: %w", err)
	}
	for _, s := range svcs {
		if a.Processes.IsRunning(s.Name) {
			continue
		}
		slog.Info("starting service", "name", s.Name)
		if err := a.Processes.Start(s); err != nil {
			slog.Error("failed to start service", "name", s.Name, "error", err)
		}
	}
	cronJobs, err := a.Store.ListCronJobs(ctx, true)
	if err != nil {
		return fmt.Errorf("list cron jobs: %w", err)
	}
	for _, j := range cronJobs {
		if err := a.Cron.UpdateNextRun(ctx, j); err != nil {
			slog.Error("failed to update next run", "name", j.Name, "error", err)
		}
	}
	return nil
}

// Start reconciles, then runs the background loops and the HTTP server under
// a supervision tree until Shutdown.
func (a *App) Start(ctx context.Context) error {
	slog.Info("starting supervisor", "addr", a.cfg.Addr())
	if err := a.Reconcile(ctx); err != nil {
		return err
	}
	tree := services.NewTree(slog.Default(), services.TreeConfig{})
	tree.Add(services.NewLoop("resource-monitor", a.Monitor.Run))
	tree.Add(services.NewLoop("auto-fixer", a.Fixer.Run))
	tree.Add(services.NewCrashCheck(a.Processes, a.cfg.CrashCheckEvery()))
	tree.Add(services.NewLoop("job-sweeper", a.Jobs.Run))
	a.server = server.NewServer(a.cfg.Addr(), "", a.deps())
	tree.Add(services.NewHTTPService(a.server, 10*time.Second))

	ctx, a.cancel = context.WithCancel(ctx)
	a.done = tree.Start(ctx)
	return nil
}

// Shutdown stops the loops and the HTTP server, stops every service and
// closes the store and history sink. Calls after the first return the same
// result.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() { a.stopErr = a.shutdown(ctx) })
	return a.stopErr
}

func (a *App) shutdown(ctx context.Context) error {
	slog.Info("shutting down supervisor")
	if a.cancel != nil {
		a.cancel()
		select {
		case <-a.done:
		case <-ctx.Done():
			slog.Warn("supervision tree did not stop in time")
		}
	}
	a.Processes.ShutdownAll()
	err := a.Store.Close()
	if herr := history.Close(a.Events); herr != nil && err == nil {
		err = herr
	}
	return err
}
