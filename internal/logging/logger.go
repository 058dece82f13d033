// Package logging holds the process-wide structured logger used by SlotDB.
package logging

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	logger   *slog.Logger
	loggerMu sync.RWMutex
)

// Config holds logger configuration.
type Config struct {
	Level  slog.Level
	Output io.Writer // nil means stderr
	Format string    // "json" or "text"
}

// Init replaces the global logger. It is safe to call more than once.
func Init(cfg Config) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: cfg.Level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	loggerMu.Lock()
	logger = slog.New(handler)
	loggerMu.Unlock()
}

// GetLogger returns the current logger, initializing a warn-level stderr
// logger on first use.
func GetLogger() *slog.Logger {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l != nil {
		return l
	}

	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		}))
	}
	return logger
}

// WithFile creates a logger carrying the record file path.
//
// Example:
//
//	log := logging.WithFile("/data/artists.db")
//	log.Info("recovered", "entries", n)
func WithFile(path string) *slog.Logger {
	return GetLogger().With("file", path)
}

// WithSlot creates a logger carrying both the file path and a slot index.
func WithSlot(path string, slot int64) *slog.Logger {
	return GetLogger().With("file", path, "slot", slot)
}
