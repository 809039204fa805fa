// Package logging sets up the process-wide slog logger and hands out
// component-scoped loggers.
//
//	logging.Init(slog.LevelInfo, "json")
//	log := logging.Component("scheduler")
//	log.Info("scheduler started", "workers", 10)
package logging

import (
	"fmt"
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

// Init installs a text or JSON handler writing to stderr at the given level.
func Init(level slog.Level, format string) {
	InitWithWriter(os.Stderr, level, format)
}

// InitWithWriter is Init with an explicit destination.
func InitWithWriter(w io.Writer, level slog.Level, format string) {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	mu.Lock()
	logger = slog.New(handler)
	slog.SetDefault(logger)
	mu.Unlock()
}

// Discard installs a logger that drops everything. Tests use it to keep
// output quiet.
func Discard() {
	mu.Lock()
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	mu.Unlock()
}

// Logger returns the process logger, initialising a JSON info logger on first use.
func Logger() *slog.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		return l
	}
	Init(slog.LevelInfo, "json")
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Component returns a logger tagged with component=name.
func Component(name string) *slog.Logger {
	return Logger().With("component", name)
}

// ParseLevel maps debug/info/warn/error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}
