// Package logging builds the process-wide slog logger: JSON output to
// stdout plus a size-rotated file.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// New creates a slog.Logger writing JSON to stdout and to a rotating file
// at path. If the log directory cannot be created, logging falls back to
// stderr only.
func New(level, path string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}

	fileWriter := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}

	writer := io.MultiWriter(os.Stdout, fileWriter)
	return slog.New(slog.NewJSONHandler(writer, opts))
}

// NewNop returns a logger that discards everything. Intended for tests.
func NewNop() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
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
