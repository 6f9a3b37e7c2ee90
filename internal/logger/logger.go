package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Level represents the logging level
type Level int

const (
	// DEBUG level for detailed debugging information
	DEBUG Level = iota
	// INFO level for informational messages
	INFO
	// WARN level for warning messages
	WARN
	// ERROR level for error messages
	ERROR
)

// String returns the string representation of the level
func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a level name from the configuration file
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG, nil
	case "INFO", "":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	}
	return INFO, fmt.Errorf("unknown log level: %q", s)
}

// Logger handles logging to file with rotation
type Logger struct {
	mu            sync.RWMutex
	level         Level
	file          *os.File
	sink          *log.Logger
	console       bool
	logDir        string
	currentDay    string
	retentionDays int
}

// Config holds logger configuration
type Config struct {
	LogDir        string
	Level         Level
	RetentionDays int
	Console       bool // also write to stderr
}

// DefaultConfig returns the default logger configuration
func DefaultConfig() Config {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}

	logDir := filepath.Join(homeDir, "Library", "Application Support", "EzS2T-Stream", "logs")

	return Config{
		LogDir:        logDir,
		Level:         INFO,
		RetentionDays: 7,
	}
}

// New creates a new logger
func New(config Config) (*Logger, error) {
	l := &Logger{
		level:         config.Level,
		console:       config.Console,
		logDir:        config.LogDir,
		retentionDays: config.RetentionDays,
	}

	if err := l.rotateLog(); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return l, nil
}

// Discard returns a logger that drops every message
func Discard() *Logger {
	return &Logger{
		level:      ERROR + 1,
		sink:       newSink(io.Discard),
		currentDay: "-",
	}
}

func newSink(w io.Writer) *log.Logger {
	sink := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "2006/01/02 15:04:05",
		Formatter:       log.TextFormatter,
	})
	// filtering happens in Logger so SetLevel needs no sink rebuild
	sink.SetLevel(log.DebugLevel)
	return sink
}

// rotateLog rotates the log file if necessary
func (l *Logger) rotateLog() error {
	l.mu.Lock()

	today := time.Now().Format("20060102")

	// Check if we need to rotate (new day)
	if l.currentDay == today && l.file != nil {
		l.mu.Unlock()
		return nil
	}

	// Close existing file
	if l.file != nil {
		l.file.Close()
	}

	// Create log directory if not exists
	if err := os.MkdirAll(l.logDir, 0755); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	// Create new log file
	filename := fmt.Sprintf("ezs2t-stream-%s.log", today)
	filePath := filepath.Join(l.logDir, filename)

	file, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("failed to open log file: %w", err)
	}

	l.file = file
	l.currentDay = today

	var w io.Writer = file
	if l.console {
		w = io.MultiWriter(file, os.Stderr)
	}
	l.sink = newSink(w)
	l.mu.Unlock()

	// Clean old logs
	if err := l.cleanOldLogs(); err != nil {
		// Log error but don't fail
		l.Warn("Failed to clean old logs: %v", err)
	}

	return nil
}

// cleanOldLogs deletes log files older than retentionDays
func (l *Logger) cleanOldLogs() error {
	cutoffDate := time.Now().AddDate(0, 0, -l.retentionDays)

	entries, err := os.ReadDir(l.logDir)
	if err != nil {
		return fmt.Errorf("failed to read log directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".log" {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		if info.ModTime().Before(cutoffDate) {
			// Continue even if we can't delete a file
			_ = os.Remove(filepath.Join(l.logDir, entry.Name()))
		}
	}

	return nil
}

// checkRotation checks if log rotation is needed and performs it
func (l *Logger) checkRotation() {
	l.mu.RLock()
	currentDay := l.currentDay
	l.mu.RUnlock()

	if currentDay == "-" {
		return
	}

	today := time.Now().Format("20060102")
	if currentDay != today {
		if err := l.rotateLog(); err != nil {
			// Can't log this error since logging is failing
			fmt.Fprintf(os.Stderr, "Failed to rotate log: %v\n", err)
		}
	}
}

func (l *Logger) logf(level Level, format string, v ...interface{}) {
	l.mu.RLock()
	enabled := l.level <= level
	l.mu.RUnlock()
	if !enabled {
		return
	}

	l.checkRotation()

	l.mu.RLock()
	sink := l.sink
	l.mu.RUnlock()
	if sink == nil {
		return
	}

	switch level {
	case DEBUG:
		sink.Debugf(format, v...)
	case INFO:
		sink.Infof(format, v...)
	case WARN:
		sink.Warnf(format, v...)
	default:
		sink.Errorf(format, v...)
	}
}

// Debug logs a debug message
func (l *Logger) Debug(format string, v ...interface{}) {
	l.logf(DEBUG, format, v...)
}

// Info logs an informational message
func (l *Logger) Info(format string, v ...interface{}) {
	l.logf(INFO, format, v...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, v ...interface{}) {
	l.logf(WARN, format, v...)
}

// Error logs an error message
func (l *Logger) Error(format string, v ...interface{}) {
	l.logf(ERROR, format, v...)
}

// Close closes the log file
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		l.sink = nil
		return err
	}
	return nil
}

// SetLevel sets the logging level
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.level = level
}

// GetLevel returns the current logging level
func (l *Logger) GetLevel() Level {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.level
}
