package logger

import (
	"context"
	"sync"
)

// LoggerContext accumulates attributes over the course of an operation so
// later records carry everything learned so far.
type LoggerContext struct {
	mu     sync.Mutex
	base   *Logger
	fields []any
}

// NewLoggerContext wraps base for incremental attribute collection.
func NewLoggerContext(base *Logger) *LoggerContext {
	return &LoggerContext{base: base}
}

// Add appends key/value pairs that will be included on subsequent records.
func (lc *LoggerContext) Add(args ...any) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.fields = append(lc.fields, args...)
}

func (lc *LoggerContext) snapshot(args []any) []any {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	out := make([]any, 0, len(lc.fields)+len(args))
	out = append(out, lc.fields...)
	return append(out, args...)
}

func (lc *LoggerContext) Debug(ctx context.Context, msg string, args ...any) {
	lc.base.write(ctx, LevelDebug, 3, msg, lc.snapshot(args)...)
}

func (lc *LoggerContext) Info(ctx context.Context, msg string, args ...any) {
	lc.base.write(ctx, LevelInfo, 3, msg, lc.snapshot(args)...)
}

func (lc *LoggerContext) Warn(ctx context.Context, msg string, args ...any) {
	lc.base.write(ctx, LevelWarn, 3, msg, lc.snapshot(args)...)
}

func (lc *LoggerContext) Error(ctx context.Context, msg string, args ...any) {
	lc.base.write(ctx, LevelError, 3, msg, lc.snapshot(args)...)
}
