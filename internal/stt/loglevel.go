package stt

import (
	"context"
	"log/slog"
)

var backendLevel = new(slog.LevelVar)

// SetLogLevel sets the verbosity of model and decoder logging for the whole
// process. Zero logs informational messages, negative values log errors only
// and positive values enable debug output.
func SetLogLevel(level int) {
	switch {
	case level < 0:
		backendLevel.Set(slog.LevelError)
	case level == 0:
		backendLevel.Set(slog.LevelInfo)
	default:
		backendLevel.Set(slog.LevelDebug - slog.Level(level-1))
	}
}

// LogLevel returns the current backend log level.
func LogLevel() slog.Level { return backendLevel.Level() }

// levelHandler drops records below the process-wide backend level before
// they reach the wrapped handler.
type levelHandler struct {
	next slog.Handler
}

func backendLogger(base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	if _, ok := base.Handler().(*levelHandler); ok {
		return base
	}
	return slog.New(&levelHandler{next: base.Handler()})
}

func (h *levelHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= backendLevel.Level() && h.next.Enabled(ctx, level)
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.next.Handle(ctx, r)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{next: h.next.WithAttrs(attrs)}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{next: h.next.WithGroup(name)}
}
