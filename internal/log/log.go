// Package log provides structured logging for SafeFlow.
// It wraps slog with a process-wide logger configured once at startup.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	mu     sync.RWMutex
	logger *slog.Logger
)

// Options configures the global logger.
type Options struct {
	Level string
	// JSON selects the JSON handler. When false, GO_ENV=production still
	// enables it.
	JSON   bool
	Output io.Writer
}

// ParseLevel maps "debug", "info", "warn" and "error" to slog levels.
// Anything else is info.
func ParseLevel(level string) slog.Level {
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

// Init initializes the global logger with the specified level.
func Init(level string) *slog.Logger {
	return Setup(Options{Level: level})
}

// Setup builds the global logger and makes it slog's default.
func Setup(o Options) *slog.Logger {
	out := o.Output
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(o.Level)}

	var l *slog.Logger
	if o.JSON || os.Getenv("GO_ENV") == "production" {
		l = slog.New(slog.NewJSONHandler(out, opts))
	} else {
		l = slog.New(slog.NewTextHandler(out, opts))
	}

	mu.Lock()
	logger = l
	mu.Unlock()
	slog.SetDefault(l)
	return l
}

// L returns the global logger instance.
func L() *slog.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l == nil {
		return Init("info")
	}
	return l
}

// Component returns the global logger tagged with a component name.
func Component(name string) *slog.Logger {
	return L().With("component", name)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	L().Info(msg, args...)
}

// Warn logs at warn level.
func Warn(msg string, args ...any) {
	L().Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	L().Error(msg, args...)
}
