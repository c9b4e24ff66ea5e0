package objcache

import (
	"log/slog"
	"os"
	"time"

	"golang.org/x/time/rate"
)

// Logger wraps slog.Logger with objcache-specific context.
// This provides structured logging with consistent field names.
//
// Warnings that can fire on hot paths (soft budget exhaustion) are throttled,
// everything else is logged at Debug or Info and is rare by construction.
type Logger struct {
	*slog.Logger
	throttle *rate.Sometimes
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger:   slog.New(handler).With("component", "objcache"),
		throttle: &rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return NewLogger(slog.DiscardHandler)
}

// WithIndex tags the logger with the name of the structure it reports on.
func (l *Logger) WithIndex(name string) *Logger {
	return &Logger{
		Logger:   l.Logger.With("index", name),
		throttle: l.throttle,
	}
}

// LogResize logs a completed table resize.
func (l *Logger) LogResize(oldLen, newLen int, took time.Duration) {
	l.Debug("table resized",
		"old_buckets", oldLen,
		"new_buckets", newLen,
		"took", took,
	)
}

// LogCleanup logs an amortized reference cleanup pass.
func (l *Logger) LogCleanup(buckets, dropped int) {
	if dropped == 0 {
		return
	}
	l.Debug("expunged collected entries",
		"buckets", buckets,
		"dropped", dropped,
	)
}

// LogLockMode logs a reader/writer lock mode transition.
func (l *Logger) LogLockMode(mode LockMode) {
	l.Debug("lock mode changed",
		"mode", mode.String(),
	)
}

// LogBudgetExhausted logs that new entries fall back to weak references
// because the soft tier is full. Throttled.
func (l *Logger) LogBudgetExhausted(limit int64) {
	l.throttle.Do(func() {
		l.Warn("soft reference budget exhausted, retaining new entries weakly",
			"limit", limit,
		)
	})
}

// LogEviction logs LRU evictions from a query cache category.
func (l *Logger) LogEviction(relationship bool, evicted, weight int) {
	l.Debug("query cache evicted entries",
		"relationship", relationship,
		"evicted", evicted,
		"weight", weight,
	)
}

// LogStringLogGrowth logs growth of the string log directory.
func (l *Logger) LogStringLogGrowth(chunks int) {
	l.Debug("string log grown",
		"chunks", chunks,
	)
}

// LogPromote logs a transaction overlay published into a main index.
func (l *Logger) LogPromote(tx Tx, added, deleted int) {
	l.Debug("transaction overlay promoted",
		"tx", tx.ID().String(),
		"added", added,
		"deleted", deleted,
	)
}
