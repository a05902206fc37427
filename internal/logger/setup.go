package logger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the supervisor's own log.
type Options struct {
	File       string // rotated log file; empty disables file output
	MaxBytes   int64
	MaxBackups int
	Level      string
	Console    io.Writer // defaults to stderr
	NoConsole  bool
}

// Setup installs the default slog logger writing colored text to the console
// and plain text to the rotated supervisor log. The returned closer flushes
// and closes the file.
func Setup(o Options) (io.Closer, error) {
	hopts := &slog.HandlerOptions{Level: ParseLevel(o.Level)}
	var handlers []slog.Handler
	if !o.NoConsole {
		w := o.Console
		if w == nil {
			w = os.Stderr
		}
		handlers = append(handlers, NewColorTextHandler(w, hopts))
	}
	var closer io.Closer = nopCloser{}
	if o.File != "" {
		f := &lj.Logger{
			Filename:   o.File,
			MaxSize:    bytesToMB(o.MaxBytes),
			MaxBackups: valOr(o.MaxBackups, 5),
		}
		handlers = append(handlers, slog.NewTextHandler(f, hopts))
		closer = f
	}
	if len(handlers) == 0 {
		return nil, errors.New("no log outputs configured")
	}
	slog.SetDefault(slog.New(Fanout(handlers...)))
	return closer, nil
}

// ParseLevel maps a level name to slog.Level; unknown names mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// lumberjack rotates in whole megabytes
func bytesToMB(n int64) int {
	if n <= 0 {
		return DefaultMaxSizeMB
	}
	mb := int((n + (1<<20 - 1)) >> 20)
	return mb
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type fanout []slog.Handler

// Fanout returns a handler that forwards every record to each of hs.
func Fanout(hs ...slog.Handler) slog.Handler { return fanout(hs) }

func (f fanout) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
