package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

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
	default:
		return "UNKNOWN"
	}
}

var (
	loggerInstance *Logger
	loggerOnce     sync.Once
)

// Logger provides component-scoped logging to conductor-debug.log
type Logger struct {
	file       *os.File
	logger     *log.Logger
	level      LogLevel
	mu         *sync.Mutex
	component  string
	enableFile bool
}

// GetLogger returns the singleton logger instance
func GetLogger() *Logger {
	loggerOnce.Do(func() {
		loggerInstance = newLogger(levelFromEnv(), true)
	})
	return loggerInstance
}

// NewComponentLogger creates a logger for a specific component
func NewComponentLogger(component string) *Logger {
	logger := GetLogger()
	return &Logger{
		file:       logger.file,
		logger:     logger.logger,
		level:      logger.level,
		mu:         logger.mu,
		component:  component,
		enableFile: logger.enableFile,
	}
}

func levelFromEnv() LogLevel {
	switch os.Getenv("CONDUCTOR_LOG_LEVEL") {
	case "debug":
		return DEBUG
	case "warn":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

func newLogger(level LogLevel, enableFile bool) *Logger {
	l := &Logger{
		level:      level,
		enableFile: enableFile,
		mu:         &sync.Mutex{},
	}

	if enableFile {
		dir := os.Getenv("CONDUCTOR_LOG_DIR")
		if dir == "" {
			dir = os.TempDir()
		}

		logPath := filepath.Join(dir, "conductor-debug.log")
		file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Printf("Failed to open log file: %v", err)
			return l
		}

		l.file = file
		l.logger = log.New(file, "", 0) // We format ourselves
	}

	return l
}

// SetLevel sets the minimum log level
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// Close closes the log file
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *Logger) log(level LogLevel, format string, args ...interface{}) {
	if level < l.level || !l.enableFile || l.logger == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	component := l.component
	if component == "" {
		component = "main"
	}

	msg := fmt.Sprintf(format, args...)
	l.logger.Printf("%s [%s] [%s] %s:%d %s",
		time.Now().Format("2006-01-02 15:04:05.000"),
		level, component, file, line, msg)
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(DEBUG, format, args...)
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(INFO, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(WARN, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(ERROR, format, args...)
}
