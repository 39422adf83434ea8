// Package logging provides structured JSON logging for the sync core.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

var levelRank = map[LogLevel]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel maps a case-insensitive level name to a LogLevel, defaulting to
// LevelInfo.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger provides structured JSON logging.
type Logger struct {
	mu       sync.Mutex
	out      io.Writer
	minLevel LogLevel
}

var (
	globalMu sync.RWMutex
	global   *Logger
)

// New creates a logger writing to out.
func New(out io.Writer, minLevel LogLevel) *Logger {
	return &Logger{out: out, minLevel: minLevel}
}

// Init replaces the global logger.
func Init(out io.Writer, minLevel LogLevel) {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = New(out, minLevel)
}

// Get returns the global logger instance.
func Get() *Logger {
	globalMu.RLock()
	l := global
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New(os.Stderr, LevelInfo)
	}
	return global
}

// SetOutput changes the destination of the logger.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = w
}

// SetLevel changes the minimum level.
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
}

// LogEntry represents a structured log entry.
type LogEntry struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Code      string         `json:"code,omitempty"`
	Error     string         `json:"error,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	SpanID    string         `json:"span_id,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

func (l *Logger) log(ctx context.Context, level LogLevel, code, message string, err error, fields map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if levelRank[level] < levelRank[l.minLevel] {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     string(level),
		Message:   message,
		Code:      code,
		Context:   fields,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if ctx != nil {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			entry.TraceID = sc.TraceID().String()
			entry.SpanID = sc.SpanID().String()
		}
	}

	data, jsonErr := json.Marshal(entry)
	if jsonErr != nil {
		log.Printf("Failed to marshal log entry: %v", jsonErr)
		return
	}
	fmt.Fprintln(l.out, string(data))
}

// mergeFields flattens optional context maps into one.
func mergeFields(fields ...map[string]any) map[string]any {
	switch len(fields) {
	case 0:
		return nil
	case 1:
		return fields[0]
	}
	merged := make(map[string]any)
	for _, f := range fields {
		for k, v := range f {
			merged[k] = v
		}
	}
	return merged
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, fields ...map[string]any) {
	l.log(context.Background(), LevelDebug, "", message, nil, mergeFields(fields...))
}

// Info logs an info message.
func (l *Logger) Info(message string, fields ...map[string]any) {
	l.log(context.Background(), LevelInfo, "", message, nil, mergeFields(fields...))
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, fields ...map[string]any) {
	l.log(context.Background(), LevelWarn, "", message, nil, mergeFields(fields...))
}

// Error logs an error message.
func (l *Logger) Error(message string, err error, fields ...map[string]any) {
	l.log(context.Background(), LevelError, "", message, err, mergeFields(fields...))
}

// ErrorWithCode logs an error message tagged with an error code.
func (l *Logger) ErrorWithCode(message, code string, err error, fields ...map[string]any) {
	l.log(context.Background(), LevelError, code, message, err, mergeFields(fields...))
}

// InfoCtx logs an info message correlated with the span in ctx.
func (l *Logger) InfoCtx(ctx context.Context, message string, fields ...map[string]any) {
	l.log(ctx, LevelInfo, "", message, nil, mergeFields(fields...))
}

// WarnCtx logs a warning correlated with the span in ctx.
func (l *Logger) WarnCtx(ctx context.Context, message string, fields ...map[string]any) {
	l.log(ctx, LevelWarn, "", message, nil, mergeFields(fields...))
}

// ErrorCtx logs an error correlated with the span in ctx.
func (l *Logger) ErrorCtx(ctx context.Context, message string, err error, fields ...map[string]any) {
	l.log(ctx, LevelError, "", message, err, mergeFields(fields...))
}

// Convenience functions using the global logger

func Debug(message string, fields ...map[string]any) {
	Get().Debug(message, fields...)
}

func Info(message string, fields ...map[string]any) {
	Get().Info(message, fields...)
}

func Warn(message string, fields ...map[string]any) {
	Get().Warn(message, fields...)
}

func Error(message string, err error, fields ...map[string]any) {
	Get().Error(message, err, fields...)
}

func ErrorWithCode(message, code string, err error, fields ...map[string]any) {
	Get().ErrorWithCode(message, code, err, fields...)
}

func InfoCtx(ctx context.Context, message string, fields ...map[string]any) {
	Get().InfoCtx(ctx, message, fields...)
}

func WarnCtx(ctx context.Context, message string, fields ...map[string]any) {
	Get().WarnCtx(ctx, message, fields...)
}

func ErrorCtx(ctx context.Context, message string, err error, fields ...map[string]any) {
	Get().ErrorCtx(ctx, message, err, fields...)
}
