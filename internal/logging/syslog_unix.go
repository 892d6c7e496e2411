//go:build !windows && !plan9

package logging

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"log/syslog"
	"strings"
	"sync"
)

// priorityWriter is the subset of *syslog.Writer used by the handler.
type priorityWriter interface {
	Debug(m string) error
	Info(m string) error
	Warning(m string) error
	Err(m string) error
}

type syslogBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	out priorityWriter
}

// syslogHandler formats records as logfmt without a timestamp, which syslog
// adds itself, and writes them at the matching priority.
type syslogHandler struct {
	inner  slog.Handler
	shared *syslogBuffer
}

func newSyslogHandler(tag string, level slog.Level) (slog.Handler, io.Closer, error) {
	w, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_INFO, tag)
	if err != nil {
		return nil, nil, err
	}
	return newPriorityHandler(w, level), w, nil
}

func newPriorityHandler(w priorityWriter, level slog.Level) slog.Handler {
	shared := &syslogBuffer{out: w}
	inner := slog.NewTextHandler(&shared.buf, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		},
	})
	return &syslogHandler{inner: inner, shared: shared}
}

func (h *syslogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *syslogHandler) Handle(ctx context.Context, r slog.Record) error {
	h.shared.mu.Lock()
	defer h.shared.mu.Unlock()
	h.shared.buf.Reset()
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}
	line := strings.TrimRight(h.shared.buf.String(), "\n")
	switch {
	case r.Level >= slog.LevelError:
		return h.shared.out.Err(line)
	case r.Level >= slog.LevelWarn:
		return h.shared.out.Warning(line)
	case r.Level >= slog.LevelInfo:
		return h.shared.out.Info(line)
	default:
		return h.shared.out.Debug(line)
	}
}

func (h *syslogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &syslogHandler{inner: h.inner.WithAttrs(attrs), shared: h.shared}
}

func (h *syslogHandler) WithGroup(name string) slog.Handler {
	return &syslogHandler{inner: h.inner.WithGroup(name), shared: h.shared}
}
