package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Fields represents key-value pairs for structured logging
type Fields map[string]interface{}

// Logger defines the interface for logging operations
type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})
	WithFields(fields Fields) Logger
}

// LogrusLogger wraps a logrus entry to implement our Logger interface
type LogrusLogger struct {
	*logrus.Entry
}

// WithFields returns a new logger carrying the given fields
func (l *LogrusLogger) WithFields(fields Fields) Logger {
	return &LogrusLogger{Entry: l.Entry.WithFields(logrus.Fields(fields))}
}

// ensure LogrusLogger implements Logger interface
var _ Logger = (*LogrusLogger)(nil)

// New creates a new logger instance writing to stdout
func New(level, format string) Logger {
	return NewWithOutput(level, format, os.Stdout)
}

// NewWithOutput creates a logger writing to the given output
func NewWithOutput(level, format string, output io.Writer) Logger {
	logrusLogger := logrus.New()
	logrusLogger.SetOutput(output)

	switch format {
	case "text":
		logrusLogger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		logrusLogger.SetFormatter(&logrus.JSONFormatter{})
	}

	logrusLogger.SetLevel(ParseLevel(level))

	return &LogrusLogger{Entry: logrus.NewEntry(logrusLogger)}
}

// NewLogrusLogger creates a logger from an existing logrus.Logger instance
func NewLogrusLogger(logrusLogger *logrus.Logger) Logger {
	return &LogrusLogger{Entry: logrus.NewEntry(logrusLogger)}
}

// ParseLevel maps a config level name to a logrus level, defaulting to info
func ParseLevel(level string) logrus.Level {
	switch level {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
