// Package logging wraps log/slog with swarm-testbed-controller defaults,
// mirroring nerrad567-gray-logic-stack's internal/infrastructure/logging
// package: a JSON/text handler chosen by config, a service/version attr
// pair attached to every record, and a With() helper for per-component
// child loggers.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config mirrors the "logging" section of the YAML config file (§6.5).
type Config struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Logger wraps *slog.Logger with the controller's default attributes.
type Logger struct {
	*slog.Logger
}

// New builds a Logger from Config and the controller's version string.
func New(cfg Config, version string) *Logger {
	var output io.Writer
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		output = os.Stderr
	default:
		output = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewJSONHandler(output, opts)
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", "swarmit-controller"),
		slog.String("version", version),
	})

	return &Logger{Logger: slog.New(handler)}
}

func parseLevel(level string) slog.Level {
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

// With returns a child Logger carrying the given attributes on every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Default returns a bootstrap logger for use before config has loaded.
func Default() *Logger {
	return New(Config{Level: "info", Format: "json", Output: "stdout"}, "dev")
}
