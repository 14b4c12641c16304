// Package logging provides categorized file-based logging for the barth
// runtime. Each subsystem writes to its own dated file under
// <data_dir>/logs, so a misbehaving drive or a stalled checkpoint can be
// traced without grepping one interleaved stream.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup and wiring
	CategoryKernel    Category = "kernel"    // Daemon heartbeat, command handling
	CategoryStore     Category = "store"     // SQLite memory layer
	CategoryFTS       Category = "fts"       // Full-text index maintenance
	CategoryScheduler Category = "scheduler" // Drive scheduling loop
	CategoryBrake     Category = "brake"     // Parking brake decisions
	CategoryDaemon    Category = "daemon"    // Loop supervision, shutdown
	CategoryHTTP      Category = "http"      // API requests
	CategoryBus       Category = "bus"       // Event bus traffic
	CategoryEmbedding Category = "embedding" // Embedding engine
	CategoryConsent   Category = "consent"   // Memory consent gate
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

func levelName(level int) string {
	switch level {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	default:
		return "ERROR"
	}
}

// ParseLevel maps a level string from config or BARTH_LOG_LEVEL to a
// level constant. Unrecognized values fall back to info.
func ParseLevel(s string) int {
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

// Logger wraps a standard logger with category and file output.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers    = make(map[Category]*Logger)
	loggersMu  sync.RWMutex
	logsDir    string
	configMu   sync.RWMutex
	logLevel   = LevelInfo
	categories map[string]bool // nil means all enabled
)

// Initialize sets up the logging directory. Should be called once at
// startup; until then all output is discarded, which keeps library use
// and tests quiet. BARTH_LOG_LEVEL, when set, supplies the initial
// minimum level.
func Initialize(dir string) error {
	if dir == "" {
		return fmt.Errorf("log directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	loggersMu.Lock()
	logsDir = dir
	// Drop any discard loggers created before initialization so the
	// next Get opens real files.
	loggers = make(map[Category]*Logger)
	loggersMu.Unlock()

	if env := os.Getenv("BARTH_LOG_LEVEL"); env != "" {
		SetLevel(ParseLevel(env))
	}

	boot := Get(CategoryBoot)
	boot.Info("=== barth logging initialized ===")
	boot.Info("Logs directory: %s", dir)
	return nil
}

// SetLevel overrides the minimum level, typically from config after
// Initialize has applied the env default.
func SetLevel(level int) {
	configMu.Lock()
	logLevel = level
	configMu.Unlock()
}

// SetCategories restricts output to the categories mapped to true.
// A nil map enables everything.
func SetCategories(enabled map[string]bool) {
	configMu.Lock()
	categories = enabled
	configMu.Unlock()
}

// IsCategoryEnabled reports whether a category passes the filter.
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()
	if categories == nil {
		return true
	}
	enabled, ok := categories[string(category)]
	return !ok || enabled
}

// Get returns the logger for a category, opening its file on first use.
func Get(category Category) *Logger {
	loggersMu.RLock()
	l, ok := loggers[category]
	loggersMu.RUnlock()
	if ok {
		return l
	}

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	l = openLogger(category)
	loggers[category] = l
	return l
}

// openLogger creates the per-category logger. Callers hold loggersMu.
func openLogger(category Category) *Logger {
	if logsDir == "" {
		return &Logger{category: category, logger: log.New(io.Discard, "", 0)}
	}
	name := fmt.Sprintf("%s_%s.log", time.Now().Format("2006-01-02"), category)
	file, err := os.OpenFile(filepath.Join(logsDir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		// Never fail the caller over a log file.
		fmt.Fprintf(os.Stderr, "[logging] could not open %s log: %v\n", category, err)
		return &Logger{category: category, logger: log.New(io.Discard, "", 0)}
	}
	return &Logger{
		category: category,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
		file:     file,
	}
}

func (l *Logger) write(level int, format string, args ...interface{}) {
	configMu.RLock()
	min := logLevel
	configMu.RUnlock()
	if level < min || !IsCategoryEnabled(l.category) {
		return
	}
	l.logger.Printf("[%s] %s", levelName(level), fmt.Sprintf(format, args...))
}

func (l *Logger) Debug(format string, args ...interface{}) { l.write(LevelDebug, format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.write(LevelInfo, format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.write(LevelWarn, format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.write(LevelError, format, args...) }

// CloseAll flushes and closes every open log file. Called on shutdown.
func CloseAll() error {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	var firstErr error
	for _, l := range loggers {
		if l.file == nil {
			continue
		}
		if err := l.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	loggers = make(map[Category]*Logger)
	return firstErr
}

// Convenience wrappers so call sites read logging.Scheduler(...) instead
// of logging.Get(logging.CategoryScheduler).Info(...).

func Kernel(format string, args ...interface{})      { Get(CategoryKernel).Info(format, args...) }
func KernelDebug(format string, args ...interface{}) { Get(CategoryKernel).Debug(format, args...) }
func KernelWarn(format string, args ...interface{})  { Get(CategoryKernel).Warn(format, args...) }
func KernelError(format string, args ...interface{}) { Get(CategoryKernel).Error(format, args...) }

func Store(format string, args ...interface{})      { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }
func StoreWarn(format string, args ...interface{})  { Get(CategoryStore).Warn(format, args...) }
func StoreError(format string, args ...interface{}) { Get(CategoryStore).Error(format, args...) }

func FTS(format string, args ...interface{})      { Get(CategoryFTS).Info(format, args...) }
func FTSDebug(format string, args ...interface{}) { Get(CategoryFTS).Debug(format, args...) }
func FTSWarn(format string, args ...interface{})  { Get(CategoryFTS).Warn(format, args...) }
func FTSError(format string, args ...interface{}) { Get(CategoryFTS).Error(format, args...) }

func Scheduler(format string, args ...interface{})      { Get(CategoryScheduler).Info(format, args...) }
func SchedulerDebug(format string, args ...interface{}) { Get(CategoryScheduler).Debug(format, args...) }
func SchedulerWarn(format string, args ...interface{})  { Get(CategoryScheduler).Warn(format, args...) }
func SchedulerError(format string, args ...interface{}) { Get(CategoryScheduler).Error(format, args...) }

func Brake(format string, args ...interface{})      { Get(CategoryBrake).Info(format, args...) }
func BrakeDebug(format string, args ...interface{}) { Get(CategoryBrake).Debug(format, args...) }
func BrakeWarn(format string, args ...interface{})  { Get(CategoryBrake).Warn(format, args...) }
func BrakeError(format string, args ...interface{}) { Get(CategoryBrake).Error(format, args...) }

func Daemon(format string, args ...interface{})      { Get(CategoryDaemon).Info(format, args...) }
func DaemonDebug(format string, args ...interface{}) { Get(CategoryDaemon).Debug(format, args...) }
func DaemonWarn(format string, args ...interface{})  { Get(CategoryDaemon).Warn(format, args...) }
func DaemonError(format string, args ...interface{}) { Get(CategoryDaemon).Error(format, args...) }

func HTTP(format string, args ...interface{})      { Get(CategoryHTTP).Info(format, args...) }
func HTTPDebug(format string, args ...interface{}) { Get(CategoryHTTP).Debug(format, args...) }
func HTTPWarn(format string, args ...interface{})  { Get(CategoryHTTP).Warn(format, args...) }
func HTTPError(format string, args ...interface{}) { Get(CategoryHTTP).Error(format, args...) }

func Bus(format string, args ...interface{})      { Get(CategoryBus).Info(format, args...) }
func BusDebug(format string, args ...interface{}) { Get(CategoryBus).Debug(format, args...) }
func BusWarn(format string, args ...interface{})  { Get(CategoryBus).Warn(format, args...) }
func BusError(format string, args ...interface{}) { Get(CategoryBus).Error(format, args...) }

func Embedding(format string, args ...interface{})      { Get(CategoryEmbedding).Info(format, args...) }
func EmbeddingDebug(format string, args ...interface{}) { Get(CategoryEmbedding).Debug(format, args...) }
func EmbeddingWarn(format string, args ...interface{})  { Get(CategoryEmbedding).Warn(format, args...) }
func EmbeddingError(format string, args ...interface{}) { Get(CategoryEmbedding).Error(format, args...) }

func Consent(format string, args ...interface{})      { Get(CategoryConsent).Info(format, args...) }
func ConsentDebug(format string, args ...interface{}) { Get(CategoryConsent).Debug(format, args...) }
func ConsentWarn(format string, args ...interface{})  { Get(CategoryConsent).Warn(format, args...) }
func ConsentError(format string, args ...interface{}) { Get(CategoryConsent).Error(format, args...) }

// Timer measures one operation and reports its duration when stopped.
type Timer struct {
	category  Category
	operation string
	start     time.Time
}

// StartTimer begins timing an operation for a category.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, operation: operation, start: time.Now()}
}

// Stop logs the elapsed time at debug level.
func (t *Timer) Stop() {
	Get(t.category).Debug("%s completed in %v", t.operation, time.Since(t.start))
}

// StopWithThreshold logs at warn level when the operation overran the
// threshold, debug otherwise.
func (t *Timer) StopWithThreshold(threshold time.Duration) {
	elapsed := time.Since(t.start)
	l := Get(t.category)
	if elapsed > threshold {
		l.Warn("%s took %v (threshold %v)", t.operation, elapsed, threshold)
		return
	}
	l.Debug("%s completed in %v", t.operation, elapsed)
}
