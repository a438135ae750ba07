// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides the process-wide structured logger.
//
// The redirector is a headless subprocess; stderr is its only operator
// surface. Every component obtains a child logger via WithComponent so
// log lines can be attributed without parsing message text.
package logging

import (
	"os"
	"sync"

	charm "github.com/charmbracelet/log"
)

// Config controls logger construction.
type Config struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string
	// ReportTimestamp includes wall-clock timestamps in each line.
	ReportTimestamp bool
}

// DefaultConfig returns the standard configuration: info level, timestamps on.
func DefaultConfig() Config {
	return Config{
		Level:           "info",
		ReportTimestamp: true,
	}
}

// Logger is a leveled key-value logger bound to stderr.
type Logger struct {
	l *charm.Logger
}

// New creates a Logger from cfg. An unknown level falls back to info.
func New(cfg Config) *Logger {
	lvl, err := charm.ParseLevel(cfg.Level)
	if err != nil {
		lvl = charm.InfoLevel
	}
	return &Logger{
		l: charm.NewWithOptions(os.Stderr, charm.Options{
			Level:           lvl,
			ReportTimestamp: cfg.ReportTimestamp,
		}),
	}
}

var (
	defaultMu     sync.Mutex
	defaultLogger *Logger
)

// SetDefault installs the process-wide logger returned by Default and used
// as the parent by the package-level WithComponent.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// Default returns the process-wide logger, creating one with DefaultConfig
// on first use.
func Default() *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New(DefaultConfig())
	}
	return defaultLogger
}

// WithComponent returns a child of the default logger tagged with a
// component name.
func WithComponent(name string) *Logger {
	return Default().WithComponent(name)
}

// WithComponent returns a child logger tagged with a component name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{l: l.l.With("component", name)}
}

// With returns a child logger with additional key-value context.
func (l *Logger) With(kv ...any) *Logger {
	return &Logger{l: l.l.With(kv...)}
}

func (l *Logger) Debug(msg string, kv ...any) { l.l.Debug(msg, kv...) }
func (l *Logger) Info(msg string, kv ...any)  { l.l.Info(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.l.Warn(msg, kv...) }
func (l *Logger) Error(msg string, kv ...any) { l.l.Error(msg, kv...) }
