package cron

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	robcron "github.com/robfig/cron/v3"
)

// ErrInvalidSchedule wraps every schedule parse failure.
var ErrInvalidSchedule = errors.New("invalid schedule")

var parser = robcron.NewParser(robcron.Minute | robcron.Hour | robcron.Dom | robcron.Month | robcron.Dow | robcron.Descriptor)

// ParseSchedule parses a standard 5-field expression or a descriptor such as
// "@daily".
func ParseSchedule(expr string) (robcron.Schedule, error) {
	s, err := parser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	return s, nil
}

// ValidateSchedule reports whether expr parses, with a human readable message.
func ValidateSchedule(expr string) (bool, string) {
	if _, err := parser.Parse(strings.TrimSpace(expr)); err != nil {
		return false, err.Error()
	}
	return true, "Valid schedule"
}

// NextRun returns the first occurrence strictly after base.
func NextRun(expr string, base time.Time) (time.Time, error) {
	s, err := ParseSchedule(expr)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(base), nil
}

// NextRuns returns the next n occurrences after base.
func NextRuns(expr string, base time.Time, n int) ([]time.Time, error) {
	s, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	t := base
	for i := 0; i < n; i++ {
		t = s.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

// ShouldRunAt reports whether expr fires in the minute containing t: the next
// occurrence after one minute before the truncated minute must be that minute.
// Ticks that are skipped and caught up later in the same minute can fire a job
// twice; callers are expected to tick once per minute.
func ShouldRunAt(expr string, t time.Time) bool {
	s, err := ParseSchedule(expr)
	if err != nil {
		slog.Warn("cannot evaluate schedule", "schedule", expr, "error", err)
		return false
	}
	minute := t.Truncate(time.Minute)
	return s.Next(minute.Add(-time.Minute)).Equal(minute)
}

// Describe renders a short summary of expr for display.
func Describe(expr string, now time.Time) string {
	s, err := ParseSchedule(expr)
	if err != nil {
		return "Invalid schedule"
	}
	next := "Next: " + s.Next(now).Format("2006-01-02 15:04")

	f := strings.Fields(expr)
	if len(f) != 5 {
		return next
	}
	minute, hour, dom, dow := f[0], f[1], f[2], f[4]
	switch {
	case strings.Join(f, " ") == "* * * * *":
		return "Every minute"
	case strings.HasPrefix(minute, "*/"):
		return "Every " + minute[2:] + " minutes"
	case minute != "*" && hour == "*":
		return "Every hour at minute " + minute
	case isNumber(minute) && isNumber(hour) && dom == "*" && dow == "*":
		if len(minute) < 2 {
			minute = "0" + minute
		}
		return "Daily at " + hour + ":" + minute
	}
	return next
}

func isNumber(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
