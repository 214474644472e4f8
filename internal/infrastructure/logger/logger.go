package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log level
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	levelOff
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses log level from string, defaulting to info
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// Format selects the line encoding
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Fields carries structured context attached to every entry
type Fields map[string]interface{}

// Entry represents a log entry
type Entry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Fields  Fields    `json:"fields,omitempty"`
}

// Logger provides structured logging. Child loggers created with WithField
// share the parent's writer lock so lines never interleave.
type Logger struct {
	mu     *sync.Mutex
	level  Level
	format Format
	output io.Writer
	fields Fields
}

// New creates a JSON logger
func New(level Level, output io.Writer) *Logger {
	return NewWithFormat(level, FormatJSON, output)
}

// NewWithFormat creates a logger writing lines in the given format
func NewWithFormat(level Level, format Format, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}
	if format != FormatText {
		format = FormatJSON
	}
	return &Logger{
		mu:     &sync.Mutex{},
		level:  level,
		format: format,
		output: output,
		fields: Fields{},
	}
}

// Discard returns a logger that drops everything
func Discard() *Logger {
	return New(levelOff, io.Discard)
}

// Options configures Open
type Options struct {
	Level  string
	Format string
	Output string
}

// Open builds a logger from textual options. Output is "stdout", "stderr"
// or a file path opened for append; the returned closer releases the file.
func Open(opts Options) (*Logger, io.Closer, error) {
	var out io.Writer
	var closer io.Closer = io.NopCloser(nil)

	switch opts.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		f, err := os.OpenFile(opts.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log output: %w", err)
		}
		out = f
		closer = f
	}

	return NewWithFormat(ParseLevel(opts.Level), Format(strings.ToLower(opts.Format)), out), closer, nil
}

// WithField returns a new logger with the field added
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(Fields{key: value})
}

// WithFields returns a new logger with the fields added
func (l *Logger) WithFields(fields Fields) *Logger {
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{
		mu:     l.mu,
		level:  l.level,
		format: l.format,
		output: l.output,
		fields: merged,
	}
}

// Enabled reports whether entries at level are written
func (l *Logger) Enabled(level Level) bool {
	return level >= l.level
}

func (l *Logger) log(level Level, msg string, args ...interface{}) {
	if !l.Enabled(level) {
		return
	}

	entry := Entry{
		Time:    time.Now().UTC(),
		Level:   level.String(),
		Message: fmt.Sprintf(msg, args...),
	}
	if len(l.fields) > 0 {
		entry.Fields = l.fields
	}

	var line []byte
	if l.format == FormatText {
		line = []byte(entry.text())
	} else {
		data, err := json.Marshal(entry)
		if err != nil {
			return
		}
		line = data
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.output, string(line))
}

func (e Entry) text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-5s %s", e.Time.Format(time.RFC3339), e.Level, e.Message)

	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Fields[k])
	}
	return b.String()
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, args ...interface{}) {
	l.log(LevelDebug, msg, args...)
}

// Info logs an info message
func (l *Logger) Info(msg string, args ...interface{}) {
	l.log(LevelInfo, msg, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, args ...interface{}) {
	l.log(LevelWarn, msg, args...)
}

// Error logs an error message
func (l *Logger) Error(msg string, args ...interface{}) {
	l.log(LevelError, msg, args...)
}

var defaultLogger = New(LevelInfo, os.Stdout)

// SetDefault sets the default logger
func SetDefault(l *Logger) {
	defaultLogger = l
}

// Default returns the default logger
func Default() *Logger {
	return defaultLogger
}
