// Package services runs the supervisor's perpetual loops under a suture
// supervision tree, so a loop that fails or panics is restarted with backoff.
package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

// Tree is the root supervisor. Services are added before Start.
type Tree struct {
	root *suture.Supervisor
}

func NewTree(logger *slog.Logger, cfg TreeConfig) *Tree {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = 30
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = 15 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	root := suture.New("supervisor", suture.Spec{
		EventHook:        (&sutureslog.Handler{Logger: logger}).MustHook(),
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	})
	return &Tree{root: root}
}

func (t *Tree) Add(svc suture.Service) suture.ServiceToken { return t.root.Add(svc) }

// Start runs the tree until ctx is canceled. The channel yields the tree's
// exit error once every service has stopped.
func (t *Tree) Start(ctx context.Context) <-chan error { return t.root.ServeBackground(ctx) }

// Unstopped reports services that ignored the shutdown timeout.
func (t *Tree) Unstopped() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}
