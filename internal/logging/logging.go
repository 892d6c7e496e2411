// Package logging builds the slog loggers used by the master, its workers and
// the operator commands.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

const (
	FormatAuto = "auto"
	FormatText = "text"
	FormatJSON = "json"

	DefaultSyslogTag = "prefork"
)

// Options configures New.
type Options struct {
	// Writer is the process-local sink. Defaults to stderr.
	Writer io.Writer
	Format string
	Debug  bool
	// PIN is attached to every record; -1 for the master.
	PIN int

	Syslog    bool
	SyslogTag string
}

// Logger bundles a configured logger with the resources it owns.
type Logger struct {
	*slog.Logger
	closers []io.Closer
}

// Close releases the syslog connection, if any.
func (l *Logger) Close() error {
	var errs []error
	for _, c := range l.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	l.closers = nil
	return errors.Join(errs...)
}

// New returns a logger writing to the local sink and, when enabled, to syslog.
// A syslog daemon that cannot be reached is reported on the local sink and
// otherwise ignored.
func New(opts Options) (*Logger, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}
	local, err := localHandler(w, opts.Format, level)
	if err != nil {
		return nil, err
	}

	out := &Logger{}
	handlers := []slog.Handler{local}
	var syslogErr error
	if opts.Syslog {
		tag := opts.SyslogTag
		if tag == "" {
			tag = DefaultSyslogTag
		}
		h, closer, err := newSyslogHandler(tag, level)
		if err != nil {
			syslogErr = err
		} else {
			handlers = append(handlers, h)
			out.closers = append(out.closers, closer)
		}
	}

	out.Logger = slog.New(Fanout(handlers...)).With("pid", os.Getpid(), "pin", opts.PIN)
	if syslogErr != nil {
		out.Warn("syslog unavailable", "err", syslogErr)
	}
	return out, nil
}

func localHandler(w io.Writer, format string, level slog.Level) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch resolveFormat(format, w) {
	case FormatText:
		return slog.NewTextHandler(w, opts), nil
	case FormatJSON:
		return slog.NewJSONHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

func resolveFormat(format string, w io.Writer) string {
	format = strings.ToLower(strings.TrimSpace(format))
	if format != "" && format != FormatAuto {
		return format
	}
	if f, ok := w.(interface{ Fd() uintptr }); ok && term.IsTerminal(int(f.Fd())) {
		return FormatText
	}
	return FormatJSON
}

// ValidFormat reports whether format is accepted by New.
func ValidFormat(format string) bool {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatAuto, FormatText, FormatJSON:
		return true
	}
	return false
}

type fanout struct {
	handlers []slog.Handler
}

// Fanout returns a handler that forwards every record to each handler that
// accepts its level.
func Fanout(handlers ...slog.Handler) slog.Handler {
	if len(handlers) == 1 {
		return handlers[0]
	}
	return &fanout{handlers: handlers}
}

func (f *fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f *fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return &fanout{handlers: next}
}

func (f *fanout) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithGroup(name)
	}
	return &fanout{handlers: next}
}
