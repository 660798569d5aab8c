package logctx

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	loggerKey contextKey = "logger"
	taskKey   contextKey = "task_id"
)

// WithLogger returns a new context with the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns slog.Default() if not found.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}

	return slog.Default()
}

// WithTaskID tags the context with the download task it works on. Records
// logged through a TraceHandler with this context carry a task_id attribute.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskKey, id)
}

// TaskIDFromContext returns the task id set by WithTaskID.
func TaskIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(taskKey).(string)

	return id, ok && id != ""
}
