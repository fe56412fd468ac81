package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LogLevel represents the logging level
type LogLevel int32

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a level name such as "info" or "WARN" into a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG, nil
	case "", "INFO":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	case "FATAL":
		return FATAL, nil
	default:
		return INFO, fmt.Errorf("unknown log level %q", s)
	}
}

var (
	defaultLevel  atomic.Int32
	defaultOutput = struct {
		sync.RWMutex
		w io.Writer
	}{w: os.Stdout}
)

func init() {
	defaultLevel.Store(int32(INFO))
}

// SetDefaultLevel sets the level picked up by loggers created afterwards.
// Loggers that already exist keep their own level.
func SetDefaultLevel(level LogLevel) {
	defaultLevel.Store(int32(level))
}

// SetDefaultOutput redirects loggers created afterwards to w.
func SetDefaultOutput(w io.Writer) {
	defaultOutput.Lock()
	defaultOutput.w = w
	defaultOutput.Unlock()
}

// Logger represents a logger with configurable log level
type Logger struct {
	level  atomic.Int32
	prefix string
	logger *log.Logger
}

// NewLogger creates a new Logger instance using the process default level and output
func NewLogger(prefix string) *Logger {
	defaultOutput.RLock()
	w := defaultOutput.w
	defaultOutput.RUnlock()
	return NewLoggerWithOutput(prefix, w)
}

// NewLoggerWithOutput creates a Logger writing to w.
func NewLoggerWithOutput(prefix string, w io.Writer) *Logger {
	l := &Logger{
		prefix: prefix,
		logger: log.New(w, "", 0),
	}
	l.level.Store(defaultLevel.Load())
	return l
}

// Named returns a child logger whose prefix is "<parent>/<name>", sharing output and level.
func (l *Logger) Named(name string) *Logger {
	child := &Logger{
		prefix: l.prefix + "/" + name,
		logger: l.logger,
	}
	child.level.Store(l.level.Load())
	return child
}

// Prefix returns the component prefix of this logger
func (l *Logger) Prefix() string {
	return l.prefix
}

// SetLevel sets the logging level
func (l *Logger) SetLevel(level LogLevel) {
	l.level.Store(int32(level))
}

// GetLevel returns the current logging level
func (l *Logger) GetLevel() LogLevel {
	return LogLevel(l.level.Load())
}

// Enabled reports whether messages at level would be written
func (l *Logger) Enabled(level LogLevel) bool {
	return level >= l.GetLevel()
}

// log is the internal logging method
func (l *Logger) log(level LogLevel, format string, args ...interface{}) {
	if !l.Enabled(level) {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	prefix := fmt.Sprintf("[%s] [%s] [%s] ", timestamp, level.String(), l.prefix)

	message := fmt.Sprintf(format, args...)
	l.logger.Print(prefix + message)

	if level == FATAL {
		l.logger.Print(string(debug.Stack()))
		os.Exit(1)
	}
}

// Debugf logs a debug message
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(DEBUG, format, args...)
}

// Infof logs an info message
func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(INFO, format, args...)
}

// Warnf logs a warning message
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(WARN, format, args...)
}

// Errorf logs an error message
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(ERROR, format, args...)
}

// Fatalf logs a fatal message and exits the program
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.log(FATAL, format, args...)
}
