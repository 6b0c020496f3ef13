package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogConfig selects the level and output format of the process logger.
type LogConfig struct {
	Level  string // "DEBUG", "INFO", "WARN", "ERROR"
	Format string // "json" or "text"
	Output io.Writer
}

// ParseLevel maps a textual level to slog.Level. Unknown values fall back to INFO.
func ParseLevel(value string) (slog.Level, bool) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "DEBUG":
		return slog.LevelDebug, true
	case "INFO", "":
		return slog.LevelInfo, true
	case "WARN", "WARNING":
		return slog.LevelWarn, true
	case "ERROR":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// InitLogger builds the process logger and installs it as the slog default.
func InitLogger(cfg LogConfig) *slog.Logger {
	level, ok := ParseLevel(cfg.Level)
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		opts.AddSource = true
		handler = slog.NewJSONHandler(out, opts)
	default:
		handler = slog.NewTextHandler(out, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	if !ok {
		logger.Warn("invalid_log_level", "specified_level", cfg.Level)
	}
	logger.Info("logger_initialized", "level", level.String(), "format", cfg.Format)
	return logger
}

// NewComponentLogger creates a component-specific logger with context.
// It adds the component name to all log messages for better traceability.
func NewComponentLogger(base *slog.Logger, component string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With(
		slog.String("component", component),
	)
}

// Discard returns a logger that drops everything; handy for tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
