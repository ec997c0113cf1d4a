package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Constants for logging levels
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Output formats
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Logger interface defines the logging contract
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	With(args ...any) Logger
	WithGroup(name string) Logger
}

// New creates logger for the environment: JSON for 'prod', text otherwise
func New(environment string, level string) (Logger, error) {
	if environment == "prod" {
		return NewJSONLogger(level)
	}
	return NewTextLogger(level)
}

// NewTextLogger creates a new text logger with the specified level writing to stderr
func NewTextLogger(level string) (Logger, error) {
	return NewWriterLogger(os.Stderr, FormatText, level)
}

// NewJSONLogger creates a new JSON logger with the specified level writing to stderr
func NewJSONLogger(level string) (Logger, error) {
	return NewWriterLogger(os.Stderr, FormatJSON, level)
}

// NewWriterLogger creates logger writing to w
func NewWriterLogger(w io.Writer, format string, level string) (Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{
		Level:       lvl,
		AddSource:   true,
		ReplaceAttr: replaceAttr,
	}

	var handler slog.Handler
	switch format {
	case FormatText:
		handler = slog.NewTextHandler(w, opts)
	case FormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	return &slogLogger{logger: slog.New(handler)}, nil
}

// NewNoOpLogger creates a logger that discards all log messages
func NewNoOpLogger() Logger {
	logger := slog.New(slog.DiscardHandler)
	return &slogLogger{logger: logger}
}
