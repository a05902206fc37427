package history

import (
	"context"
	"log/slog"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	ServiceStart   EventType = "service.start"
	ServiceStop    EventType = "service.stop"
	ServiceCrash   EventType = "service.crash"
	ServiceRestart EventType = "service.restart"
	ServiceAbandon EventType = "service.abandon"
	CronStart      EventType = "cron.start"
	CronFinish     EventType = "cron.finish"
	FixAttempt     EventType = "fix.attempt"
	FixRestore     EventType = "fix.restore"
)

// Event is a lifecycle fact exported to external systems. Subject is the
// service or cron job name.
type Event struct {
	Type       EventType `json:"type"`
	Subject    string    `json:"subject"`
	OccurredAt time.Time `json:"occurred_at"`
	PID        int       `json:"pid,omitempty"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Emit sends e to sink if one is configured. Failures are logged and never
// propagated: history is best effort.
func Emit(ctx context.Context, sink Sink, e Event) {
	if sink == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	e.OccurredAt = e.OccurredAt.UTC()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := sink.Send(ctx, e); err != nil {
		slog.Debug("history sink send failed", "type", e.Type, "subject", e.Subject, "error", err)
	}
}

// Close closes sink when it holds resources.
func Close(sink Sink) error {
	if c, ok := sink.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
