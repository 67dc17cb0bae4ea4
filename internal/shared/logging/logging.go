// Package logging provides a thin, component-scoped wrapper over log/slog.
package logging

import (
	"log/slog"
	"os"
	"sync"
)

// Logger is the logging surface used throughout the orchestrator. It mirrors
// slog's leveled key-value API so call sites never depend on slog directly.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
}

type slogLogger struct {
	l *slog.Logger
}

func (s *slogLogger) Debug(msg string, args ...any) { s.l.Debug(msg, args...) }
func (s *slogLogger) Info(msg string, args ...any)  { s.l.Info(msg, args...) }
func (s *slogLogger) Warn(msg string, args ...any)  { s.l.Warn(msg, args...) }
func (s *slogLogger) Error(msg string, args ...any) { s.l.Error(msg, args...) }
func (s *slogLogger) With(args ...any) Logger {
	return &slogLogger{l: s.l.With(args...)}
}

var (
	baseMu     sync.Mutex
	baseLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
)

// Configure replaces the base slog.Logger used by NewComponentLogger. Call
// once during startup after parsing the configured log level/format.
func Configure(l *slog.Logger) {
	baseMu.Lock()
	defer baseMu.Unlock()
	baseLogger = l
}

// NewComponentLogger returns a Logger tagged with a "component" field, the
// convention used across the orchestrator's packages (e.g. "PipelineEngine",
// "AgentExecutor/claude_code").
func NewComponentLogger(component string) Logger {
	baseMu.Lock()
	l := baseLogger
	baseMu.Unlock()
	return &slogLogger{l: l.With("component", component)}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (n nopLogger) With(...any) Logger { return n }

// Nop is a Logger that discards everything.
var Nop Logger = nopLogger{}

// OrNop returns l, or Nop when l is nil — avoids nil checks at every call site.
func OrNop(l Logger) Logger {
	if l == nil {
		return Nop
	}
	return l
}
