// Package logging provides config-driven categorized logging for livepatch.
// Each subsystem logs through a named zap logger; disabled categories get a no-op.
package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"livepatch/internal/config"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot        Category = "boot"        // Runtime construction, host attach
	CategoryInterceptor Category = "interceptor" // Loader discovery and factory table capture
	CategoryPatcher     Category = "patcher"     // Source rewriting and recompilation
	CategoryLookup      Category = "lookup"      // Filters, finds, subscriptions
	CategoryChunks      Category = "chunks"      // Lazy chunk loading
	CategoryReporter    Category = "reporter"    // Unresolved lookup reporting
	CategoryWatcher     Category = "watcher"     // Patch file hot reload
	CategoryTrace       Category = "trace"       // Begin/end tracing
	CategoryCLI         Category = "cli"         // Command line front end
)

// Logger is a printf-style logger bound to one category.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

// Set owns the zap core and hands out per-category loggers.
type Set struct {
	base    *zap.Logger
	cfg     config.LoggingConfig
	mu      sync.RWMutex
	loggers map[Category]*Logger
}

// New builds a Set from logging configuration.
func New(cfg config.LoggingConfig) (*Set, error) {
	var zcfg zap.Config
	if cfg.Format == "json" {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}

	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	if cfg.File != "" {
		zcfg.OutputPaths = []string{cfg.File}
		zcfg.ErrorOutputPaths = []string{cfg.File}
	} else {
		zcfg.OutputPaths = []string{"stderr"}
	}

	base, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return NewFromZap(base, cfg), nil
}

// NewFromZap wraps an existing zap logger. Tests pass an observer core here.
func NewFromZap(base *zap.Logger, cfg config.LoggingConfig) *Set {
	return &Set{
		base:    base,
		cfg:     cfg,
		loggers: make(map[Category]*Logger),
	}
}

// NewNop returns a Set that discards everything.
func NewNop() *Set {
	return NewFromZap(zap.NewNop(), config.LoggingConfig{})
}

func parseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if the category is disabled.
func (s *Set) Get(category Category) *Logger {
	if s == nil {
		return &Logger{category: category, sugar: zap.NewNop().Sugar()}
	}

	s.mu.RLock()
	if l, ok := s.loggers[category]; ok {
		s.mu.RUnlock()
		return l
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock
	if l, ok := s.loggers[category]; ok {
		return l
	}

	var l *Logger
	if s.cfg.IsCategoryEnabled(string(category)) {
		l = &Logger{category: category, sugar: s.base.Named(string(category)).Sugar()}
	} else {
		l = &Logger{category: category, sugar: zap.NewNop().Sugar()}
	}
	s.loggers[category] = l
	return l
}

// Zap exposes the underlying logger.
func (s *Set) Zap() *zap.Logger {
	return s.base
}

// Sync flushes buffered entries. Errors from syncing stderr are ignored.
func (s *Set) Sync() {
	if s == nil {
		return
	}
	if err := s.base.Sync(); err != nil && !isStdSyncErr(err) {
		fmt.Fprintf(os.Stderr, "[logging] Warning: sync failed: %v\n", err)
	}
}

func isStdSyncErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "invalid argument") || strings.Contains(msg, "inappropriate ioctl")
}

// Category returns the logger's category.
func (l *Logger) Category() Category {
	return l.category
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// With returns a logger carrying structured key/value context.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// =============================================================================
// TIMING
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	logger *Logger
	op     string
	start  time.Time
}

// StartTimer begins timing an operation
func (l *Logger) StartTimer(operation string) *Timer {
	return &Timer{
		logger: l,
		op:     operation,
		start:  time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	t.logger.Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		t.logger.Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		t.logger.Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
