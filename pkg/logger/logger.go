package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// LogLevel defines the severity of a log message.
type LogLevel int

const (
	INFO LogLevel = iota
	WARN
	ERROR
	DEBUG
	TRACE
)

// Logger is a leveled logger that prints to its writer and keeps the last
// maxLines entries in memory for the end-of-run report.
type Logger struct {
	mu          sync.Mutex
	logMessages []string
	stdLogger   *log.Logger
	closer      io.Closer
	maxLines    int
	minLevel    LogLevel
}

// NewLogger creates a Logger writing to stdout.
func NewLogger(maxLines int) *Logger {
	return New(os.Stdout, maxLines)
}

// New creates a Logger writing to w.
func New(w io.Writer, maxLines int) *Logger {
	return &Logger{
		stdLogger:   log.New(w, "", log.Ldate|log.Ltime|log.Lshortfile),
		maxLines:    maxLines,
		logMessages: make([]string, 0, maxLines),
		minLevel:    INFO,
	}
}

// NewFileLogger creates a Logger writing to both stdout and the file at path.
// Close releases the file.
func NewFileLogger(path string, maxLines int) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	l := New(io.MultiWriter(os.Stdout, file), maxLines)
	l.closer = file
	return l, nil
}

// Discard returns a Logger that drops all output. Useful in tests.
func Discard() *Logger {
	return New(io.Discard, 0)
}

// Close closes the underlying log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	return err
}

// SetLevel updates the minimum log level.
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
}

// GetLevel returns the current minimum log level.
func (l *Logger) GetLevel() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.minLevel
}

func (l *Logger) logf(level LogLevel, format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if levelRank(level) < levelRank(l.minLevel) {
		return
	}

	msg := fmt.Sprintf(format, v...)
	logEntry := fmt.Sprintf("[%s] %s", level.String(), msg)

	l.stdLogger.Output(3, logEntry) // caller of Infof/Warnf/...

	if l.maxLines <= 0 {
		return
	}
	l.logMessages = append(l.logMessages, logEntry)
	if len(l.logMessages) > l.maxLines {
		l.logMessages = l.logMessages[len(l.logMessages)-l.maxLines:]
	}
}

// Infof logs an info message.
func (l *Logger) Infof(format string, v ...interface{}) {
	l.logf(INFO, format, v...)
}

// Warnf logs a warning message.
func (l *Logger) Warnf(format string, v ...interface{}) {
	l.logf(WARN, format, v...)
}

// Errorf logs an error message.
func (l *Logger) Errorf(format string, v ...interface{}) {
	l.logf(ERROR, format, v...)
}

// Debugf logs a debug message.
func (l *Logger) Debugf(format string, v ...interface{}) {
	l.logf(DEBUG, format, v...)
}

// Tracef logs a trace message.
func (l *Logger) Tracef(format string, v ...interface{}) {
	l.logf(TRACE, format, v...)
}

// GetLogs returns a copy of the buffered log lines.
func (l *Logger) GetLogs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	logs := make([]string, len(l.logMessages))
	copy(logs, l.logMessages)
	return logs
}

// Clear removes all in-memory log messages.
func (l *Logger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logMessages = l.logMessages[:0]
}

func (l LogLevel) String() string {
	switch l {
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case DEBUG:
		return "DEBUG"
	case TRACE:
		return "TRACE"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a level name (case-insensitive, WARNING accepted) to a LogLevel.
func ParseLevel(name string) (LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "TRACE":
		return TRACE, nil
	case "DEBUG":
		return DEBUG, nil
	case "", "INFO":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	default:
		return INFO, fmt.Errorf("unknown log level %q", name)
	}
}

func levelRank(level LogLevel) int {
	switch level {
	case TRACE:
		return 0
	case DEBUG:
		return 1
	case INFO:
		return 2
	case WARN:
		return 3
	case ERROR:
		return 4
	default:
		return 5
	}
}

// Truncate shortens text to limit runes for log output.
func Truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "...(truncated)"
}
