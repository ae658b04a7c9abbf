// Package logx provides the standard logger implementation for the prism project.
//
// Records are structured (timestamp, level, plus any fields attached with
// With) and rendered through log/slog. The MCP logging/setLevel method maps
// onto SetLevel, so a peer can raise or lower verbosity at runtime.
package logx

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/prism-mcp/prism/protocol"
	"github.com/prism-mcp/prism/types"
)

// Logger implements types.Logger on top of slog with a runtime-adjustable
// level.
type Logger struct {
	slogger *slog.Logger
	level   *slog.LevelVar // shared across With-derived children
	mu      sync.Mutex
}

// New creates a logger writing structured text records to w at info level.
func New(w io.Writer) *Logger {
	lv := new(slog.LevelVar)
	lv.Set(slog.LevelInfo)
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv})
	return &Logger{slogger: slog.New(handler), level: lv}
}

// NewJSON creates a logger writing JSON records to w at info level.
func NewJSON(w io.Writer) *Logger {
	lv := new(slog.LevelVar)
	lv.Set(slog.LevelInfo)
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lv})
	return &Logger{slogger: slog.New(handler), level: lv}
}

// NewDefaultLogger creates a logger writing to stderr. It is the fallback
// when no logger is injected.
func NewDefaultLogger() *Logger {
	return New(os.Stderr)
}

// NewNop creates a logger that discards everything. Useful in tests.
func NewNop() *Logger {
	return New(io.Discard)
}

func (l *Logger) logf(level slog.Level, format string, v ...any) {
	if !l.slogger.Enabled(context.Background(), level) {
		return
	}
	if len(v) == 0 {
		l.slogger.Log(context.Background(), level, format)
		return
	}
	l.slogger.Log(context.Background(), level, fmt.Sprintf(format, v...))
}

func (l *Logger) Debug(format string, v ...any) { l.logf(slog.LevelDebug, format, v...) }
func (l *Logger) Info(format string, v ...any)  { l.logf(slog.LevelInfo, format, v...) }
func (l *Logger) Warn(format string, v ...any)  { l.logf(slog.LevelWarn, format, v...) }
func (l *Logger) Error(format string, v ...any) { l.logf(slog.LevelError, format, v...) }

// With returns a child logger carrying extra structured fields. The child
// shares the parent's level so SetLevel affects the whole tree.
func (l *Logger) With(fields ...any) types.Logger {
	return &Logger{slogger: l.slogger.With(fields...), level: l.level}
}

// SetLevel maps an MCP logging level onto the underlying slog level.
// Unknown levels are ignored.
func (l *Logger) SetLevel(level protocol.LoggingLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch level {
	case protocol.LogLevelDebug:
		l.level.Set(slog.LevelDebug)
	case protocol.LogLevelInfo, protocol.LogLevelNotice:
		l.level.Set(slog.LevelInfo)
	case protocol.LogLevelWarning:
		l.level.Set(slog.LevelWarn)
	case protocol.LogLevelError, protocol.LogLevelCritical, protocol.LogLevelAlert, protocol.LogLevelEmergency:
		l.level.Set(slog.LevelError)
	}
}

// Ensure interface compliance.
var _ types.Logger = (*Logger)(nil)
