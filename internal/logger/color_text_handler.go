package logger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
)

// ColorTextHandler formats records like slog.TextHandler and writes each line
// behind its level in ANSI color, for the interactive console.
type ColorTextHandler struct {
	inner *slog.TextHandler
	buf   *bytes.Buffer
	mu    *sync.Mutex
	w     io.Writer
}

func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions) *ColorTextHandler {
	buf := &bytes.Buffer{}
	return &ColorTextHandler{
		inner: slog.NewTextHandler(buf, opts),
		buf:   buf,
		mu:    &sync.Mutex{},
		w:     w,
	}
}

func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "\033[31m"
	case l >= slog.LevelWarn:
		return "\033[33m"
	case l >= slog.LevelInfo:
		return "\033[32m"
	default:
		return "\033[36m"
	}
}

func (h *ColorTextHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.inner.Enabled(ctx, l)
}

// Handle implements slog.Handler. The record is rendered into a shared buffer
// and written with its prefix in one call, so lines never interleave.
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf.Reset()
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}
	line := make([]byte, 0, h.buf.Len()+16)
	line = append(line, levelColor(r.Level)...)
	line = append(line, r.Level.String()...)
	line = append(line, "\033[0m "...)
	line = append(line, h.buf.Bytes()...)
	_, err := h.w.Write(line)
	return err
}

func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.derive(h.inner.WithAttrs(attrs).(*slog.TextHandler))
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return h.derive(h.inner.WithGroup(name).(*slog.TextHandler))
}

func (h *ColorTextHandler) derive(inner *slog.TextHandler) *ColorTextHandler {
	return &ColorTextHandler{inner: inner, buf: h.buf, mu: h.mu, w: h.w}
}
