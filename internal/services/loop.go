package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
)

// Loop adapts a blocking run function to suture.Service. A run that returns
// nil is finished for good and is not restarted.
type Loop struct {
	name string
	run  func(ctx context.Context) error
}

func NewLoop(name string, run func(ctx context.Context) error) *Loop {
	return &Loop{name: name, run: run}
}

func (l *Loop) Serve(ctx context.Context) error {
	err := l.run(ctx)
	switch {
	case err == nil:
		return suture.ErrDoNotRestart
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return fmt.Errorf("%s: %w", l.name, err)
	}
}

func (l *Loop) String() string { return l.name }

// Checker finds and restarts crashed services.
type Checker interface {
	CheckAndRestartCrashed(ctx context.Context) error
}

// NewCrashCheck polls c every interval. Check errors are logged and the loop
// continues.
func NewCrashCheck(c Checker, interval time.Duration) *Loop {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return NewLoop("crash-check", func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := c.CheckAndRestartCrashed(ctx); err != nil && !errors.Is(err, context.Canceled) {
					slog.Error("crash check failed", "error", err)
				}
			}
		}
	})
}
