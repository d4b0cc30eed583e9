package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New creates a console slog.Logger at the given level. Unrecognized level
// strings fall back to info so a typo in config never floods the log.
func New(level string) *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})
	return slog.New(handler)
}

// Component tags a child logger with the component name. Every package in
// the tree logs through one of these, so log lines are filterable by origin.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With("component", name)
}

// ParseLevel maps a config level string onto a slog level.
func ParseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
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
