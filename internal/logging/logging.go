package logging

import (
	"log/slog"
	"os"
)

// Logger is the application logger. Calls carry alternating key/value pairs
// after the message, e.g. Info("flow created", "master_flow_id", id).
type Logger struct {
	sl *slog.Logger
}

// NewLogger creates a new Logger writing structured text to stdout.
func NewLogger() *Logger {
	return &Logger{
		sl: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})),
	}
}

// NewNop returns a logger that discards everything. Useful in tests.
func NewNop() *Logger {
	return &Logger{sl: slog.New(slog.DiscardHandler)}
}

// Info logs an informational message.
func (l *Logger) Info(msg string, args ...any) {
	l.sl.Info(msg, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, args ...any) {
	l.sl.Warn(msg, args...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, args ...any) {
	l.sl.Error(msg, args...)
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, args ...any) {
	l.sl.Debug(msg, args...)
}
