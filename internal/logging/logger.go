// Package logging provides categorized file-based logging for warden.
// Each category writes to its own file under <log_root>/logs/. When logging
// is disabled (the default) every call is a cheap no-op, so hot paths may
// log freely.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot         Category = "boot"         // Startup and configuration
	CategoryPolicy       Category = "policy"       // Policy decisions
	CategoryGateway      Category = "gateway"      // Promotion store operations
	CategoryLedger       Category = "ledger"       // Ledger appends and reads
	CategoryExecutor     Category = "executor"     // Action dispatch
	CategorySandbox      Category = "sandbox"      // Container command execution
	CategoryLoop         Category = "loop"         // Loop detector
	CategoryQuality      Category = "quality"      // Quality assessment
	CategoryCollab       Category = "collab"       // Collaborator calls
	CategoryOrchestrator Category = "orchestrator" // Run state machine
	CategoryDirect       Category = "direct"       // Passthrough sessions
	CategoryStore        Category = "store"        // Manifest index store
)

// Settings controls the logging subsystem. Zero value disables all logging.
type Settings struct {
	Enabled    bool
	Level      string          // debug, info, warn, error
	JSONFormat bool            // structured entries for machine parsing
	Categories map[string]bool // nil means all categories enabled
	Dir        string          // log directory, required when Enabled
}

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex

	settings   Settings
	settingsMu sync.RWMutex
	logLevel   int
)

// Entry is a structured log line written when JSONFormat is on.
type Entry struct {
	Timestamp int64          `json:"ts"` // Unix milliseconds
	Category  string         `json:"cat"`
	Level     string         `json:"lvl"`
	Message   string         `json:"msg"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Logger writes to one category file.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

// Configure applies settings and prepares the log directory. Call once at
// startup; calling with Enabled=false (or not at all) leaves logging off.
func Configure(s Settings) error {
	settingsMu.Lock()
	settings = s
	switch s.Level {
	case "debug":
		logLevel = LevelDebug
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}
	settingsMu.Unlock()

	if !s.Enabled {
		return nil
	}
	if s.Dir == "" {
		return fmt.Errorf("logging enabled but no directory configured")
	}
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("logging initialized: dir=%s level=%s json=%v", s.Dir, s.Level, s.JSONFormat)
	return nil
}

// Enabled reports whether logging is globally on.
func Enabled() bool {
	settingsMu.RLock()
	defer settingsMu.RUnlock()
	return settings.Enabled
}

// IsCategoryEnabled reports whether a category will produce output.
func IsCategoryEnabled(category Category) bool {
	settingsMu.RLock()
	defer settingsMu.RUnlock()

	if !settings.Enabled {
		return false
	}
	if settings.Categories == nil {
		return true
	}
	enabled, exists := settings.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) the logger for a category. Disabled categories
// get a no-op logger.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	if l, ok := loggers[category]; ok {
		return l
	}

	settingsMu.RLock()
	dir := settings.Dir
	settingsMu.RUnlock()

	// Date prefix keeps rotation a matter of deleting old files.
	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(dir, fmt.Sprintf("%s_%s.log", date, category))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] warning: could not open %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

func (l *Logger) logJSON(level, msg string) {
	entry := Entry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Printf("[%s] %s", level, msg)
		return
	}
	l.logger.Printf("%s", data)
}

func (l *Logger) write(level int, tag, format string, args ...any) {
	if l.logger == nil || logLevel > level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	settingsMu.RLock()
	jsonFormat := settings.JSONFormat
	settingsMu.RUnlock()
	if jsonFormat {
		l.logJSON(tag, msg)
	} else {
		l.logger.Printf("[%s] %s", tag, msg)
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...any) { l.write(LevelDebug, "DEBUG", format, args...) }

// Info logs an informational message.
func (l *Logger) Info(format string, args ...any) { l.write(LevelInfo, "INFO", format, args...) }

// Warn logs a warning.
func (l *Logger) Warn(format string, args ...any) { l.write(LevelWarn, "WARN", format, args...) }

// Error logs an error. Always written when the logger is live.
func (l *Logger) Error(format string, args ...any) { l.write(LevelError, "ERROR", format, args...) }

// StructuredLog writes an entry with custom fields regardless of format.
func (l *Logger) StructuredLog(level, msg string, fields map[string]any) {
	if l.logger == nil {
		return
	}
	entry := Entry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
		Fields:    fields,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Printf("[%s] %s | fields=%v", level, msg, fields)
		return
	}
	l.logger.Printf("%s", data)
}

// CloseAll closes all open log files. Call at shutdown.
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// Convenience functions. No-ops when the category is disabled.

// Policy logs to the policy category.
func Policy(format string, args ...any) { Get(CategoryPolicy).Info(format, args...) }

// PolicyDebug logs debug to the policy category.
func PolicyDebug(format string, args ...any) { Get(CategoryPolicy).Debug(format, args...) }

// Gateway logs to the gateway category.
func Gateway(format string, args ...any) { Get(CategoryGateway).Info(format, args...) }

// GatewayDebug logs debug to the gateway category.
func GatewayDebug(format string, args ...any) { Get(CategoryGateway).Debug(format, args...) }

// GatewayWarn logs a warning to the gateway category.
func GatewayWarn(format string, args ...any) { Get(CategoryGateway).Warn(format, args...) }

// Ledger logs to the ledger category.
func Ledger(format string, args ...any) { Get(CategoryLedger).Info(format, args...) }

// LedgerDebug logs debug to the ledger category.
func LedgerDebug(format string, args ...any) { Get(CategoryLedger).Debug(format, args...) }

// Executor logs to the executor category.
func Executor(format string, args ...any) { Get(CategoryExecutor).Info(format, args...) }

// ExecutorDebug logs debug to the executor category.
func ExecutorDebug(format string, args ...any) { Get(CategoryExecutor).Debug(format, args...) }

// ExecutorWarn logs a warning to the executor category.
func ExecutorWarn(format string, args ...any) { Get(CategoryExecutor).Warn(format, args...) }

// Sandbox logs to the sandbox category.
func Sandbox(format string, args ...any) { Get(CategorySandbox).Info(format, args...) }

// SandboxDebug logs debug to the sandbox category.
func SandboxDebug(format string, args ...any) { Get(CategorySandbox).Debug(format, args...) }

// SandboxWarn logs a warning to the sandbox category.
func SandboxWarn(format string, args ...any) { Get(CategorySandbox).Warn(format, args...) }

// Loop logs to the loop category.
func Loop(format string, args ...any) { Get(CategoryLoop).Info(format, args...) }

// LoopDebug logs debug to the loop category.
func LoopDebug(format string, args ...any) { Get(CategoryLoop).Debug(format, args...) }

// Quality logs to the quality category.
func Quality(format string, args ...any) { Get(CategoryQuality).Info(format, args...) }

// QualityDebug logs debug to the quality category.
func QualityDebug(format string, args ...any) { Get(CategoryQuality).Debug(format, args...) }

// Collab logs to the collab category.
func Collab(format string, args ...any) { Get(CategoryCollab).Info(format, args...) }

// CollabDebug logs debug to the collab category.
func CollabDebug(format string, args ...any) { Get(CategoryCollab).Debug(format, args...) }

// CollabWarn logs a warning to the collab category.
func CollabWarn(format string, args ...any) { Get(CategoryCollab).Warn(format, args...) }

// Orchestrator logs to the orchestrator category.
func Orchestrator(format string, args ...any) { Get(CategoryOrchestrator).Info(format, args...) }

// OrchestratorDebug logs debug to the orchestrator category.
func OrchestratorDebug(format string, args ...any) { Get(CategoryOrchestrator).Debug(format, args...) }

// OrchestratorWarn logs a warning to the orchestrator category.
func OrchestratorWarn(format string, args ...any) { Get(CategoryOrchestrator).Warn(format, args...) }

// Direct logs to the direct category.
func Direct(format string, args ...any) { Get(CategoryDirect).Info(format, args...) }

// DirectDebug logs debug to the direct category.
func DirectDebug(format string, args ...any) { Get(CategoryDirect).Debug(format, args...) }

// DirectWarn logs a warning to the direct category.
func DirectWarn(format string, args ...any) { Get(CategoryDirect).Warn(format, args...) }

// Store logs to the store category.
func Store(format string, args ...any) { Get(CategoryStore).Info(format, args...) }

// StoreDebug logs debug to the store category.
func StoreDebug(format string, args ...any) { Get(CategoryStore).Debug(format, args...) }

// Timer helps measure operation duration.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
