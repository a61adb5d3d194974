package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kingrea/lattice-flow/internal/config"
)

// FileName is the log file created under .lattice/logs.
const FileName = "lattice-flow.log"

// Logger appends structured lines to .lattice/logs/lattice-flow.log so users
// can inspect a run after the terminal has gone away.
type Logger struct {
	file *os.File
	log  *slog.Logger
}

// New creates (or reuses) the log file for the current project directory.
func New(projectDir string, level string) (*Logger, error) {
	logDir := filepath.Join(projectDir, config.LatticeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure log dir: %w", err)
	}
	path := filepath.Join(logDir, FileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}
	logger := NewWriter(f, level)
	logger.file = f
	return logger, nil
}

// NewWriter builds a logger that writes text records to w.
func NewWriter(w io.Writer, level string) *Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return &Logger{log: slog.New(handler)}
}

// Discard returns a logger that drops every record.
func Discard() *Logger {
	return &Logger{log: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))}
}

// ParseLevel maps a config level name to a slog level. Unknown names fall
// back to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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

// Close releases the file handle.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Slog exposes the underlying structured logger.
func (l *Logger) Slog() *slog.Logger {
	if l == nil || l.log == nil {
		return Discard().log
	}
	return l.log
}

// With returns a logger that adds attrs to every record.
func (l *Logger) With(args ...any) *Logger {
	if l == nil || l.log == nil {
		return Discard()
	}
	return &Logger{file: l.file, log: l.log.With(args...)}
}

// Printf writes a single info line.
func (l *Logger) Printf(format string, args ...any) {
	l.emit(slog.LevelInfo, strings.TrimRight(fmt.Sprintf(format, args...), "\n"))
}

func (l *Logger) Debug(msg string, args ...any) { l.emit(slog.LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.emit(slog.LevelInfo, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.emit(slog.LevelWarn, msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.emit(slog.LevelError, msg, args...) }

func (l *Logger) emit(level slog.Level, msg string, args ...any) {
	if l == nil || l.log == nil {
		return
	}
	l.log.Log(context.Background(), level, msg, args...)
}
