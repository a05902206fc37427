package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/philiporange/supervisor/internal/metrics"
)

const (
	DefaultTripAfter = 5
	DefaultOpenFor   = 10 * time.Minute
)

// Breaker guards an Agent with a circuit breaker. After TripAfter consecutive
// errors further calls fail fast with ErrUnavailable until OpenFor elapses.
// Unsuccessful results are not errors and do not trip the circuit.
type Breaker struct {
	next Agent
	cb   *gobreaker.CircuitBreaker[Result]
}

type BreakerOptions struct {
	Name      string
	TripAfter uint32
	OpenFor   time.Duration
}

func NewBreaker(next Agent, o BreakerOptions) *Breaker {
	if o.Name == "" {
		o.Name = "agent"
	}
	if o.TripAfter == 0 {
		o.TripAfter = DefaultTripAfter
	}
	if o.OpenFor <= 0 {
		o.OpenFor = DefaultOpenFor
	}
	metrics.SetAgentCircuit(o.Name, stateValue(gobreaker.StateClosed))
	cb := gobreaker.NewCircuitBreaker[Result](gobreaker.Settings{
		Name:        o.Name,
		MaxRequests: 1,
		Timeout:     o.OpenFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= o.TripAfter
		},
		IsSuccessful: func(err error) bool {
			// a caller giving up says nothing about the agent
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("agent circuit state changed", "name", name, "from", from.String(), "to", to.String())
			metrics.SetAgentCircuit(name, stateValue(to))
		},
	})
	return &Breaker{next: next, cb: cb}
}

func (b *Breaker) Run(ctx context.Context, req Request) (Result, error) {
	res, err := b.cb.Execute(func() (Result, error) {
		return b.next.Run(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Result{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return res, err
}

// State returns the breaker state as "closed", "half-open" or "open".
func (b *Breaker) State() string { return b.cb.State().String() }

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return 0
}
