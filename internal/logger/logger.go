// Package logger builds the slog loggers used by the command-line tools.
package logger

import (
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Supported output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// New creates a logger writing to w. format is "json" for JSON lines;
// anything else gives colored console output.
func New(w io.Writer, level, format string) *slog.Logger {
	var handler slog.Handler

	logLevel := ParseLevel(level)

	switch strings.ToLower(format) {
	case FormatJSON:
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: logLevel,
		})
	default:
		handler = tint.NewHandler(w, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.TimeOnly,
		})
	}

	return slog.New(handler)
}

// ParseLevel maps a level name onto a slog level. Unknown names give Info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// ValidLevel reports whether level names a supported level.
func ValidLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}
