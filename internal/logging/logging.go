// Package logging wires github.com/rs/zerolog on top of the teacher's
// size-rotating file writer, so every component logs through one
// structured, leveled logger instead of ad hoc fmt.Fprintf calls.
package logging

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type manager struct {
	logger zerolog.Logger
	target *RotatingFile
}

var (
	globalMu sync.RWMutex
	global   = manager{logger: zerolog.New(os.Stderr).With().Timestamp().Logger()}
)

// Configure points the global logger at path (a file path, "stderr",
// "stdout", or "none"/"off" to discard) rotating at maxSize bytes, at the
// given level ("debug", "info", "warn", "error").
func Configure(path string, maxSize int64, level string) {
	globalMu.Lock()
	defer globalMu.Unlock()

	target := NewRotatingFile(path, maxSize)
	lvl := parseLevel(level)

	var logger zerolog.Logger
	if target.mode == targetStderr || target.mode == targetStdout {
		// Human-readable console output for interactive/foreground runs,
		// matching the teacher's "-f" foreground flag behavior.
		logger = zerolog.New(zerolog.ConsoleWriter{Out: target, TimeFormat: time.RFC3339}).
			Level(lvl).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(target).Level(lvl).With().Timestamp().Logger()
	}

	global.target = target
	global.logger = logger
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Rotate forces the current log target to rotate immediately,
// independent of MaxLogSize, for SIGHUP handling.
func Rotate() error {
	globalMu.RLock()
	target := global.target
	globalMu.RUnlock()
	return target.Rotate()
}

// Logger returns the current global logger.
func Logger() *zerolog.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	l := global.logger
	return &l
}

// Component returns a sub-logger tagged with "component", for each of the
// daemon's named components (discovery, registry, reconciler, dispatch,
// notify, autoshutdown, ...).
func Component(name string) zerolog.Logger {
	return Logger().With().Str("component", name).Logger()
}
