package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/philiporange/supervisor"
	"github.com/philiporange/supervisor/internal/config"
	"github.com/philiporange/supervisor/internal/cron"
	"github.com/philiporange/supervisor/internal/logger"
	"github.com/philiporange/supervisor/pkg/client"
)

const shutdownTimeout = 30 * time.Second

func runServe(flags ServeFlags) error {
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if flags.Daemonize {
		return daemonize(flags.PidFile, flags.LogFile)
	}

	closer, err := logger.Setup(logger.Options{
		File:       cfg.SupervisorLog(),
		MaxBytes:   cfg.LogMaxBytes,
		MaxBackups: cfg.LogBackupCount,
		Level:      cfg.LogLevel,
	})
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	defer func() { _ = removePidFile(flags.PidFile) }()

	app, err := supervisor.New(cfg)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.Start(ctx); err != nil {
		_ = app.Shutdown(context.Background())
		return err
	}
	<-ctx.Done()

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return app.Shutdown(sctx)
}

func newClient(f APIFlags) *client.Client {
	return client.New(client.Config{
		BaseURL:  f.APIUrl,
		Timeout:  f.APITimeout,
		Insecure: f.Insecure,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func cmdStatus(ctx context.Context, out io.Writer, c *client.Client) error {
	st, err := c.Status(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tENABLED\tRUNNING\tPID\tPORT")
	for _, s := range st.Services {
		pid, port := "-", "-"
		if s.PID != nil {
			pid = fmt.Sprint(*s.PID)
		}
		if s.Port != 0 {
			port = fmt.Sprint(s.Port)
		}
		_, _ = fmt.Fprintf(w, "%s\t%t\t%t\t%s\t%s\n", s.Name, s.Enabled, s.Running, pid, port)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%d services, %d running, %d enabled (host %s)\n", st.Total, st.Running, st.Enabled, st.ServiceHost)
	return err
}

// cmdServiceAction runs start, stop or restart against one service.
func cmdServiceAction(ctx context.Context, out io.Writer, c *client.Client, action, name string) error {
	var (
		res *client.ActionResult
		err error
	)
	switch action {
	case "start":
		res, err = c.StartService(ctx, name)
	case "stop":
		res, err = c.StopService(ctx, name)
	case "restart":
		res, err = c.RestartService(ctx, name)
	default:
		return fmt.Errorf("unknown action %q", action)
	}
	if err != nil {
		return err
	}
	if res.PID != 0 {
		_, err = fmt.Fprintf(out, "%s: %s (pid %d)\n", name, res.Status, res.PID)
	} else {
		_, err = fmt.Fprintf(out, "%s: %s\n", name, res.Status)
	}
	return err
}

// cmdFix starts a manual fix and, when wait is set, polls its job until it
// finishes.
func cmdFix(ctx context.Context, out io.Writer, c *client.Client, name, description string, wait time.Duration) error {
	started, err := c.TriggerFix(ctx, name, description)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "fix started for %s (job %s)\n", name, started.JobID)
	if wait <= 0 {
		return nil
	}
	ticker := time.NewTicker(wait)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		job, err := c.Job(ctx, started.JobID)
		if err != nil {
			return err
		}
		switch job.Status {
		case "completed":
			printJSON(out, job.Result)
			return nil
		case "failed":
			return fmt.Errorf("fix failed: %s", job.Error)
		}
	}
}

func cmdTick(ctx context.Context, out io.Writer, c *client.Client) error {
	res, err := c.Tick(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%d job(s) started %v\n", res.JobsStarted, res.ExecutionIDs)
	return err
}

func cmdRunCron(ctx context.Context, out io.Writer, c *client.Client, name string) error {
	res, err := c.RunCron(ctx, name)
	if err != nil {
		return err
	}
	if res.Status == "already_running" {
		_, err = fmt.Fprintf(out, "%s is already running\n", name)
		return err
	}
	printJSON(out, res.Execution)
	return nil
}

var errInvalidSchedule = errors.New("invalid cron schedule")

// cmdValidate checks expr locally and lists its next occurrences.
func cmdValidate(out io.Writer, expr string, count int, now time.Time) error {
	ok, msg := cron.ValidateSchedule(expr)
	if !ok {
		_, _ = fmt.Fprintln(out, msg)
		return fmt.Errorf("%w: %s", errInvalidSchedule, expr)
	}
	_, _ = fmt.Fprintf(out, "%s\n", cron.Describe(expr, now))
	next, err := cron.NextRuns(expr, now, count)
	if err != nil {
		return err
	}
	for _, t := range next {
		_, _ = fmt.Fprintf(out, "  %s\n", t.Format(time.RFC3339))
	}
	return nil
}
