// Package logging provides config-driven categorized file-based logging for sitereport.
// Logs are written to <data_dir>/logs/ with separate files per category.
// Logging is controlled by logging.debug_mode in the config - when false, no category logs are written.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot     Category = "boot"     // Boot/initialization
	CategoryHTTP     Category = "http"     // Request logging
	CategoryAuth     Category = "auth"     // Credentials, sessions, Google sign-in
	CategoryStore    Category = "store"    // SQLite operations and migrations
	CategoryReports  Category = "reports"  // Report CRUD
	CategoryPhotos   Category = "photos"   // Photo uploads and image host calls
	CategoryPayments Category = "payments" // Razorpay orders and verification
	CategoryGeocode  Category = "geocode"  // Geocoding providers and cache
	CategoryExport   Category = "export"   // HTML/PDF/DOCX rendering
	CategoryMail     Category = "mail"     // SMTP delivery
	CategoryAdmin    Category = "admin"    // Admin actions
)

// AllCategories lists every known category in display order.
var AllCategories = []Category{
	CategoryBoot, CategoryHTTP, CategoryAuth, CategoryStore, CategoryReports,
	CategoryPhotos, CategoryPayments, CategoryGeocode, CategoryExport,
	CategoryMail, CategoryAdmin,
}

// Options mirrors the relevant parts of config.LoggingConfig
// to avoid circular imports
type Options struct {
	DebugMode  bool
	Categories map[string]bool
	Level      string
	JSONFormat bool
}

// Logger wraps a zap sugared logger bound to one category file
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	opts      Options
	optsMu    sync.RWMutex
	level     = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Initialize sets up the logging directory and applies options.
// Should be called once at startup with the data directory.
func Initialize(dataDir string, o Options) error {
	if dataDir == "" {
		return fmt.Errorf("data directory required")
	}

	CloseAll()

	optsMu.Lock()
	opts = o
	logsDir = filepath.Join(dataDir, "logs")
	level.SetLevel(parseLevel(o.Level))
	optsMu.Unlock()

	if !o.DebugMode {
		return nil
	}

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== sitereport logging initialized ===")
	boot.Info("Logs directory: %s", logsDir)
	boot.Info("Log level: %s", level.Level())
	if len(o.Categories) > 0 {
		enabled := 0
		for cat, on := range o.Categories {
			if on {
				enabled++
			}
			boot.Debug("Category '%s': %v", cat, on)
		}
		boot.Info("Enabled categories: %d/%d", enabled, len(o.Categories))
	} else {
		boot.Info("All categories enabled (no category filter)")
	}

	return nil
}

func parseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// IsDebugMode returns whether debug logging is enabled
func IsDebugMode() bool {
	optsMu.RLock()
	defer optsMu.RUnlock()
	return opts.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	optsMu.RLock()
	defer optsMu.RUnlock()

	if !opts.DebugMode {
		return false
	}
	if opts.Categories == nil {
		return true
	}
	enabled, exists := opts.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode is disabled or category is disabled.
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

	optsMu.RLock()
	dir := logsDir
	jsonFormat := opts.JSONFormat
	optsMu.RUnlock()
	if dir == "" {
		return &Logger{category: category}
	}

	// Date prefix keeps rotation trivial
	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(dir, fmt.Sprintf("%s_%s.log", date, category))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if jsonFormat {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.AddSync(file), level)

	l := &Logger{
		category: category,
		file:     file,
		sugar:    zap.New(core).Named(string(category)).Sugar(),
	}
	loggers[category] = l
	return l
}

// Enabled reports whether the logger writes anywhere.
func (l *Logger) Enabled() bool {
	return l.sugar != nil
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Errorf(format, args...)
}

// StructuredLog writes a message with key-value fields at the given level.
func (l *Logger) StructuredLog(lvl string, msg string, fields map[string]interface{}) {
	if l.sugar == nil {
		return
	}
	kv := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	switch parseLevel(lvl) {
	case zapcore.DebugLevel:
		l.sugar.Debugw(msg, kv...)
	case zapcore.WarnLevel:
		l.sugar.Warnw(msg, kv...)
	case zapcore.ErrorLevel:
		l.sugar.Errorw(msg, kv...)
	default:
		l.sugar.Infow(msg, kv...)
	}
}

// With returns a logger carrying the given key-value context on every line.
func (l *Logger) With(kv ...interface{}) *Logger {
	if l.sugar == nil {
		return l
	}
	return &Logger{category: l.category, sugar: l.sugar.With(kv...)}
}

// CloseAll flushes and closes all open log files (call at shutdown)
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		if l.sugar != nil {
			_ = l.sugar.Sync()
		}
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - no-ops if the category is disabled
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) { Get(CategoryBoot).Info(format, args...) }

// BootWarn logs warning to the boot category
func BootWarn(format string, args ...interface{}) { Get(CategoryBoot).Warn(format, args...) }

// HTTP logs to the http category
func HTTP(format string, args ...interface{}) { Get(CategoryHTTP).Info(format, args...) }

// HTTPError logs error to the http category
func HTTPError(format string, args ...interface{}) { Get(CategoryHTTP).Error(format, args...) }

// Auth logs to the auth category
func Auth(format string, args ...interface{}) { Get(CategoryAuth).Info(format, args...) }

// AuthWarn logs warning to the auth category
func AuthWarn(format string, args ...interface{}) { Get(CategoryAuth).Warn(format, args...) }

// Store logs to the store category
func Store(format string, args ...interface{}) { Get(CategoryStore).Info(format, args...) }

// StoreDebug logs debug to the store category
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }

// StoreWarn logs warning to the store category
func StoreWarn(format string, args ...interface{}) { Get(CategoryStore).Warn(format, args...) }

// Reports logs to the reports category
func Reports(format string, args ...interface{}) { Get(CategoryReports).Info(format, args...) }

// Photos logs to the photos category
func Photos(format string, args ...interface{}) { Get(CategoryPhotos).Info(format, args...) }

// PhotosWarn logs warning to the photos category
func PhotosWarn(format string, args ...interface{}) { Get(CategoryPhotos).Warn(format, args...) }

// Payments logs to the payments category
func Payments(format string, args ...interface{}) { Get(CategoryPayments).Info(format, args...) }

// PaymentsWarn logs warning to the payments category
func PaymentsWarn(format string, args ...interface{}) { Get(CategoryPayments).Warn(format, args...) }

// Geocode logs to the geocode category
func Geocode(format string, args ...interface{}) { Get(CategoryGeocode).Info(format, args...) }

// GeocodeDebug logs debug to the geocode category
func GeocodeDebug(format string, args ...interface{}) { Get(CategoryGeocode).Debug(format, args...) }

// Export logs to the export category
func Export(format string, args ...interface{}) { Get(CategoryExport).Info(format, args...) }

// ExportDebug logs debug to the export category
func ExportDebug(format string, args ...interface{}) { Get(CategoryExport).Debug(format, args...) }

// ExportWarn logs warning to the export category
func ExportWarn(format string, args ...interface{}) { Get(CategoryExport).Warn(format, args...) }

// Mail logs to the mail category
func Mail(format string, args ...interface{}) { Get(CategoryMail).Info(format, args...) }

// MailWarn logs warning to the mail category
func MailWarn(format string, args ...interface{}) { Get(CategoryMail).Warn(format, args...) }

// Admin logs to the admin category
func Admin(format string, args ...interface{}) { Get(CategoryAdmin).Info(format, args...) }

// =============================================================================
// TIMERS
// =============================================================================

// Timer measures an operation and logs its duration to a category.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
