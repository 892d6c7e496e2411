package logging

import (
	"context"
	"log/slog"

	"github.com/Paintersrp/prefork/internal/engine"
	"github.com/Paintersrp/prefork/internal/runtime/process"
)

// EventHandler renders engine events as one log line each.
func EventHandler(logger *slog.Logger) func(engine.Event) {
	if logger == nil {
		return nil
	}
	return func(evt engine.Event) {
		attrs := make([]slog.Attr, 0, 8)
		attrs = append(attrs, slog.String("event", string(evt.Type)))
		if evt.PIN >= 0 {
			attrs = append(attrs, slog.Int("worker_pin", evt.PIN))
		}
		if evt.PID > 0 {
			attrs = append(attrs, slog.Int("worker_pid", evt.PID))
		}
		switch evt.Type {
		case engine.EventTypeExited, engine.EventTypeRespawn, engine.EventTypeDrained:
			attrs = append(attrs, slog.Int("code", evt.Code))
		}
		if evt.Signal != 0 {
			attrs = append(attrs, slog.String("signal", process.SignalName(evt.Signal)))
		}
		if evt.Reason != "" {
			attrs = append(attrs, slog.String("reason", evt.Reason))
		}
		switch evt.Type {
		case engine.EventTypeSpawned, engine.EventTypeExited, engine.EventTypeStopping, engine.EventTypeDrained, engine.EventTypeEscalated:
			attrs = append(attrs, slog.Int("workers", evt.Workers))
		}
		if evt.Err != nil {
			attrs = append(attrs, slog.Any("err", evt.Err))
		}
		logger.LogAttrs(context.Background(), eventLevel(evt), evt.Message, attrs...)
	}
}

func eventLevel(evt engine.Event) slog.Level {
	switch evt.Type {
	case engine.EventTypeError, engine.EventTypeFailed:
		return slog.LevelError
	case engine.EventTypeEscalated, engine.EventTypeUnknown, engine.EventTypeSuspended:
		return slog.LevelWarn
	case engine.EventTypeExited:
		if evt.Reason == engine.ReasonAbnormalExit {
			return slog.LevelWarn
		}
	case engine.EventTypeDrained:
		if evt.Err != nil {
			return slog.LevelError
		}
	}
	return slog.LevelInfo
}
