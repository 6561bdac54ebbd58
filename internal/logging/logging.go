// Package logging builds the structured loggers the performance components
// are injected with. Components take a *slog.Logger; this package only
// decides how the shared one is constructed.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New returns a text-handler logger at the given level, tagged with the
// component name. Level accepts "debug", "info", "warn", "error"; anything
// else falls back to info.
func New(component, level string) *slog.Logger {
	h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})
	return slog.New(h).With("component", component)
}

// Discard returns a logger that drops everything. Used in tests and as the
// default when no logger is injected.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel maps a config string to a slog level, defaulting to info.
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

// Or returns logger if non-nil, otherwise a discard logger. Components call
// this on their injected logger so a nil injection is always safe.
func Or(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}
