// Package logger provides the JSON slog setup shared by the stagepool
// binaries.
package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// jobIDKey is the context key for job correlation IDs.
type jobIDKey struct{}

// New creates a structured JSON logger tagged with the component name.
// The level comes from STAGEPOOL_LOG_LEVEL and defaults to info.
func New(component string) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: levelFromEnv(),
	}))
	if component != "" {
		logger = logger.With("component", component)
	}
	return logger
}

func levelFromEnv() slog.Level {
	switch strings.ToLower(os.Getenv("STAGEPOOL_LOG_LEVEL")) {
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

// WithJobID returns a new context carrying the job ID.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey{}, jobID)
}

// JobIDFromContext extracts the job ID from the context.
func JobIDFromContext(ctx context.Context) string {
	if v := ctx.Value(jobIDKey{}); v != nil {
		return v.(string)
	}
	return ""
}

// FromContext returns a logger with the context's job ID attached.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if jobID := JobIDFromContext(ctx); jobID != "" {
		return base.With("job_id", jobID)
	}
	return base
}
