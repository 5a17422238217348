// Package logging wraps log/slog with the fields every paygate component
// attaches (component name, audit marker).
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Level represents log severity levels.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Logger is a component-scoped slog logger with a shared, adjustable level.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

type Config struct {
	Level  Level
	Output io.Writer
	JSON   bool
}

func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	levelVar := &slog.LevelVar{}
	levelVar.Set(cfg.Level)

	opts := &slog.HandlerOptions{Level: levelVar}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = slog.NewTextHandler(cfg.Output, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		level:  levelVar,
	}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	return New(Config{Level: LevelError + 4, Output: io.Discard})
}

// ParseLevel maps "debug", "info", "warn" and "error" to a Level.
// Unknown values fall back to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l *Logger) SetLevel(level Level) {
	l.level.Set(level)
}

func (l *Logger) GetLevel() Level {
	return l.level.Level()
}

// WithComponent returns a logger with a component field.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", name),
		level:  l.level,
	}
}

// With returns a logger carrying the given key/value pairs.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
		level:  l.level,
	}
}

// Audit records a state change against the remote firewall or the grant
// store. Audit lines are emitted at warn level so they survive an
// operator turning the level up to cut noise.
func (l *Logger) Audit(action, resource string, details map[string]any) {
	args := []any{
		"audit", true,
		"action", action,
		"resource", resource,
		"timestamp", time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range details {
		args = append(args, k, v)
	}
	l.Warn("AUDIT", args...)
}
