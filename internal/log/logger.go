// Package log owns the process-wide JSON slog logger.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	once   sync.Once
	level  slog.LevelVar
	logger *slog.Logger
)

// Setup installs the global logger writing JSON to stdout. Only the first
// Setup or SetupWriter call takes effect.
func Setup(lvl string) {
	SetupWriter(lvl, os.Stdout)
}

// SetupWriter installs the global logger writing JSON to w. Worker processes
// pass stderr because stdout carries protocol frames.
func SetupWriter(lvl string, w io.Writer) {
	once.Do(func() {
		level.Set(ParseLevel(lvl))
		logger = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: &level}))
		slog.SetDefault(logger)
	})
}

// SetLevel changes the level of the installed logger in place.
func SetLevel(lvl string) {
	level.Set(ParseLevel(lvl))
}

// Level reports the current level.
func Level() slog.Level { return level.Level() }

// ParseLevel maps a case-insensitive level name to a slog.Level. Unknown
// names map to info.
func ParseLevel(lvl string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func get() *slog.Logger {
	if logger == nil {
		Setup("info")
	}
	return logger
}

// WithComponent returns a logger tagged with component.
func WithComponent(name string) *slog.Logger {
	return get().With(slog.String("component", name))
}

// WithModule returns a logger tagged with module.
func WithModule(name string) *slog.Logger {
	return get().With(slog.String("module", name))
}

// WithCall returns a logger tagged with call_id.
func WithCall(id uint64) *slog.Logger {
	return get().With(slog.Uint64("call_id", id))
}
