package scheduler

import (
	"context"
	"log/slog"
)

// Logger is the logging interface used by the scheduler. It matches the
// log/slog key-value style so any structured logger adapts trivially.
type Logger interface {
	// Debug logs a debug message with optional key-value pairs.
	Debug(msg string, keysAndValues ...any)

	// Info logs an informational message with optional key-value pairs.
	Info(msg string, keysAndValues ...any)

	// Warn logs a warning message with optional key-value pairs.
	Warn(msg string, keysAndValues ...any)

	// Error logs an error message with optional key-value pairs.
	Error(msg string, keysAndValues ...any)
}

// noopLogger is a Logger that discards all messages.
type noopLogger struct{}

func (noopLogger) Debug(msg string, keysAndValues ...any) {}
func (noopLogger) Info(msg string, keysAndValues ...any)  {}
func (noopLogger) Warn(msg string, keysAndValues ...any)  {}
func (noopLogger) Error(msg string, keysAndValues ...any) {}

// SlogLogger adapts a *slog.Logger to the Logger interface.
type SlogLogger struct {
	L *slog.Logger
}

func (s SlogLogger) Debug(msg string, keysAndValues ...any) {
	s.L.LogAttrs(context.Background(), slog.LevelDebug, msg, argsToAttrs(keysAndValues)...)
}

func (s SlogLogger) Info(msg string, keysAndValues ...any) {
	s.L.LogAttrs(context.Background(), slog.LevelInfo, msg, argsToAttrs(keysAndValues)...)
}

func (s SlogLogger) Warn(msg string, keysAndValues ...any) {
	s.L.LogAttrs(context.Background(), slog.LevelWarn, msg, argsToAttrs(keysAndValues)...)
}

func (s SlogLogger) Error(msg string, keysAndValues ...any) {
	s.L.LogAttrs(context.Background(), slog.LevelError, msg, argsToAttrs(keysAndValues)...)
}

func argsToAttrs(args []any) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		attrs = append(attrs, slog.Any(key, args[i+1]))
	}
	return attrs
}
