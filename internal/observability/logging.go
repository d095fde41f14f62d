package observability

import (
	"io"
	"log/slog"
	"os"

	"github.com/edgequota/edgegate/internal/config"
)

// NewLogger creates the process logger on stdout.
func NewLogger(level config.LogLevel, format config.LogFormat) *slog.Logger {
	return NewLoggerTo(os.Stdout, level, format)
}

// NewLoggerTo creates a structured logger writing to w. Unknown levels map
// to info and unknown formats to JSON.
func NewLoggerTo(w io.Writer, level config.LogLevel, format config.LogFormat) *slog.Logger {
	opts := &slog.HandlerOptions{Level: SlogLevel(level)}

	if format == config.LogFormatText {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// SlogLevel maps a configured level to its slog equivalent.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
