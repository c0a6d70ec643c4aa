// Package logging wraps slog.Logger with the correlation-ID propagation
// rules in SPEC_FULL.md §4.2.
package logging

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"

	"github.com/lyzr/stratengine/internal/correlation"
)

// Logger wraps slog.Logger with contextual fields.
type Logger struct {
	*slog.Logger
}

// New creates a new logger for the given level ("debug","info","warn","error")
// and format ("json" or "console").
func New(level, format string) *Logger {
	logLevel := parseLevel(level)

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	default:
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.TimeOnly,
		})
	}

	return &Logger{Logger: slog.New(handler)}
}

// WithCorrelation returns a logger carrying the ambient correlation ID found
// in ctx, if any. Safe to call with a context that has none.
func (l *Logger) WithCorrelation(ctx context.Context) *Logger {
	id := correlation.FromContext(ctx)
	if id == "" {
		return l
	}
	return &Logger{Logger: l.With("correlation_id", id)}
}

// WithFields returns a logger with additional static fields attached.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &Logger{Logger: l.With(args...)}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
