package logging

import (
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"unicode"
)

// sanitizeMessage normalizes a log message to a single line and removes
// potentially dangerous control characters that can be used for log injection.
// Provider error strings and webhook payload fragments pass through here
// before they reach a log record.
func sanitizeMessage(msg string) string {
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.ReplaceAll(msg, "\n", " ")

	var b strings.Builder
	for _, r := range msg {
		if r == '\t' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}

	return b.String()
}

// LevelManager manages runtime log level adjustment. The level var is shared
// with the installed slog handler, so changes take effect immediately.
type LevelManager struct {
	level *slog.LevelVar
	mu    sync.RWMutex
}

var globalLevelManager = &LevelManager{level: new(slog.LevelVar)}

// GetLevelManager returns the global log level manager.
func GetLevelManager() *LevelManager {
	return globalLevelManager
}

// SetLevel sets the current log level.
func (m *LevelManager) SetLevel(level slog.Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.level.Set(level)
}

// GetLevel returns the current log level.
func (m *LevelManager) GetLevel() slog.Level {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.level.Level()
}

// LevelToString converts slog.Level to string.
func LevelToString(level slog.Level) string {
	switch level {
	case slog.LevelDebug:
		return "DEBUG"
	case slog.LevelInfo:
		return "INFO"
	case slog.LevelWarn:
		return "WARN"
	case slog.LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// StringToLevel converts string to slog.Level.
func StringToLevel(levelStr string) (slog.Level, error) {
	switch levelStr {
	case "DEBUG", "debug":
		return slog.LevelDebug, nil
	case "INFO", "info":
		return slog.LevelInfo, nil
	case "WARN", "warn", "WARNING", "warning":
		return slog.LevelWarn, nil
	case "ERROR", "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, errors.New("invalid log level")
	}
}

// Initialize configures the process-wide default slog logger from the
// configured level and format ("text" or "json"). This should be called
// early in application startup, before any component derives its logger.
func Initialize(levelStr, format string) {
	level, err := StringToLevel(levelStr)
	if err != nil {
		slog.Warn("invalid log level in config, defaulting to INFO",
			"configured_level", levelStr)
		level = slog.LevelInfo
	}
	globalLevelManager.level.Set(level)

	opts := &slog.HandlerOptions{Level: globalLevelManager.level}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))

	slog.Info("logging initialized",
		"log_level", LevelToString(level),
		"log_format", format)
}
