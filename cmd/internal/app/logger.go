package app

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the app-wide logger type (slog).
type Logger = *slog.Logger

// NewLogger creates the process logger on stdout from cfg and makes it the
// slog default.
func NewLogger(cfg Config) *slog.Logger {
	return NewLoggerTo(os.Stdout, cfg)
}

// NewLoggerTo is NewLogger writing to w. The CLI logs to stderr so that
// command output stays parseable.
func NewLoggerTo(w io.Writer, cfg Config) *slog.Logger {
	log := slog.New(newHandler(w, cfg))
	slog.SetDefault(log)
	return log
}

// newHandler picks the JSON handler or the pretty console handler.
func newHandler(w io.Writer, cfg Config) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     parseLogLevel(cfg.LogLevel),
		AddSource: true,
	}
	if strings.EqualFold(strings.TrimSpace(cfg.LogFormat), "pretty") {
		return newPrettyHandler(w, opts, cfg.LogColor)
	}
	return slog.NewJSONHandler(w, opts)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
