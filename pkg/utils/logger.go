package utils

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	logger   *slog.Logger
	loggerMu sync.RWMutex
)

// InitLogger configures the process-wide logger. Level is one of
// debug, info, warn, error; format is "text" or "json".
func InitLogger(level, format string) {
	initLogger(os.Stderr, level, format)
}

func initLogger(w io.Writer, level, format string) {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}

	loggerMu.Lock()
	logger = slog.New(h)
	loggerMu.Unlock()
	slog.SetDefault(logger)
}

// GetLogger returns the shared logger, falling back to slog's default
// when InitLogger has not been called (tests, library use).
func GetLogger() *slog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	if logger == nil {
		return slog.Default()
	}
	return logger
}

func parseLevel(level string) slog.Level {
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
