// Package logging provides the structured logging facade used across the
// module. Library packages accept a Logger and never construct one; the
// client facade and the examples build a concrete implementation (plain
// JSON or zap-backed) from configuration.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// String returns the string representation of a log level.
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

// ParseLevel maps a configuration string ("debug", "info", "warn",
// "error") to a Level. Unknown values fall back to INFO.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// Logger is the logging interface the rest of the module depends on.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// WithFields returns a logger that attaches fields to every entry.
	WithFields(fields ...Field) Logger

	// SetLevel sets the minimum level that produces output.
	SetLevel(level Level)

	// SetOutput redirects output, used by tests to capture entries.
	SetOutput(w io.Writer)
}

// Field is a key-value pair attached to a log entry.
type Field struct {
	Key   string
	Value interface{}
}

// Field constructors for common types.
func String(key, value string) Field           { return Field{Key: key, Value: value} }
func Int(key string, value int) Field          { return Field{Key: key, Value: value} }
func Int64(key string, value int64) Field      { return Field{Key: key, Value: value} }
func Float64(key string, value float64) Field  { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field        { return Field{Key: key, Value: value} }
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: "<nil>"}
	}
	return Field{Key: "error", Value: err.Error()}
}

// logger is the plain JSON implementation, the default when no zap logger
// is configured.
type logger struct {
	mu     sync.Mutex
	out    io.Writer
	level  Level
	fields []Field
}

// NewLogger creates a JSON logger writing to stdout at INFO level.
func NewLogger() Logger {
	return &logger{
		out:   os.Stdout,
		level: INFO,
	}
}

func (l *logger) log(level Level, msg string, fields ...Field) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	entry := map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"level":     level.String(),
		"message":   msg,
	}
	for _, f := range l.fields {
		entry[f.Key] = f.Value
	}
	for _, f := range fields {
		entry[f.Key] = f.Value
	}

	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error marshaling log entry: %v\n", err)
		return
	}
	data = append(data, '\n')
	if _, err := l.out.Write(data); err != nil {
		fmt.Fprintf(os.Stderr, "error writing log entry: %v\n", err)
	}
}

func (l *logger) Debug(msg string, fields ...Field) { l.log(DEBUG, msg, fields...) }
func (l *logger) Info(msg string, fields ...Field)  { l.log(INFO, msg, fields...) }
func (l *logger) Warn(msg string, fields ...Field)  { l.log(WARN, msg, fields...) }
func (l *logger) Error(msg string, fields ...Field) { l.log(ERROR, msg, fields...) }

func (l *logger) WithFields(fields ...Field) Logger {
	child := &logger{
		out:   l.out,
		level: l.level,
	}
	child.fields = make([]Field, 0, len(l.fields)+len(fields))
	child.fields = append(child.fields, l.fields...)
	child.fields = append(child.fields, fields...)
	return child
}

func (l *logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = w
}

// nop discards everything. Tests that exercise failure paths use it to
// keep output quiet.
type nop struct{}

// NewNop returns a logger that discards all entries.
func NewNop() Logger { return nop{} }

func (nop) Debug(string, ...Field)      {}
func (nop) Info(string, ...Field)       {}
func (nop) Warn(string, ...Field)       {}
func (nop) Error(string, ...Field)      {}
func (n nop) WithFields(...Field) Logger { return n }
func (nop) SetLevel(Level)              {}
func (nop) SetOutput(io.Writer)         {}
