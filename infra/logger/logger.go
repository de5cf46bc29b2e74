package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogContext holds contextual information attached to a log entry
type LogContext struct {
	Provider      string
	RequestID     string
	CorrelationID string
	Fields        map[string]any
}

var (
	mu   sync.RWMutex
	base = zerolog.New(os.Stdout).Level(zerolog.InfoLevel).With().
		Timestamp().
		Str("service", "paygate").
		Logger()
)

// Init configures the global logger. Development environments get a
// human-readable console writer and debug level; everything else emits
// JSON lines suitable for log shipping.
func Init(service, environment, level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var w io.Writer = os.Stdout
	if environment == "development" {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006-01-02 15:04:05"}
		if lvl > zerolog.DebugLevel {
			lvl = zerolog.DebugLevel
		}
	}

	zerolog.TimeFieldFormat = time.RFC3339

	mu.Lock()
	base = zerolog.New(w).Level(lvl).With().
		Timestamp().
		Str("service", service).
		Str("environment", environment).
		Logger()
	mu.Unlock()
}

// SetOutput redirects log output, primarily for tests
func SetOutput(w io.Writer) {
	mu.Lock()
	base = base.Output(w)
	mu.Unlock()
}

// Debug logs a debug message
func Debug(message string, ctx ...LogContext) {
	l := logger()
	emit(l.Debug(), message, nil, ctx...)
}

// Info logs an info message
func Info(message string, ctx ...LogContext) {
	l := logger()
	emit(l.Info(), message, nil, ctx...)
}

// Warn logs a warning message
func Warn(message string, ctx ...LogContext) {
	l := logger()
	emit(l.Warn(), message, nil, ctx...)
}

// Error logs an error message
func Error(message string, err error, ctx ...LogContext) {
	l := logger()
	emit(l.Error(), message, err, ctx...)
}

// Fatal logs a fatal message and exits
func Fatal(message string, err error, ctx ...LogContext) {
	l := logger()
	emit(l.Fatal(), message, err, ctx...)
}

func logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

func emit(ev *zerolog.Event, message string, err error, ctx ...LogContext) {
	if err != nil {
		ev = ev.Err(err)
	}
	if len(ctx) > 0 {
		c := ctx[0]
		if c.Provider != "" {
			ev = ev.Str("provider", c.Provider)
		}
		if c.RequestID != "" {
			ev = ev.Str("request_id", c.RequestID)
		}
		if c.CorrelationID != "" {
			ev = ev.Str("correlation_id", c.CorrelationID)
		}
		for k, v := range c.Fields {
			ev = ev.Interface(k, v)
		}
	}
	ev.Msg(message)
}

// WithContext creates a logger that attaches the same context to every entry
func WithContext(ctx LogContext) *ContextLogger {
	return &ContextLogger{context: ctx}
}

// WithProvider creates a context logger scoped to a provider
func WithProvider(provider string) *ContextLogger {
	return WithContext(LogContext{Provider: provider})
}

// WithCorrelation creates a context logger scoped to a correlation id
func WithCorrelation(correlationID string) *ContextLogger {
	return WithContext(LogContext{CorrelationID: correlationID})
}

// ContextLogger carries a LogContext across multiple log calls
type ContextLogger struct {
	context LogContext
}

// Debug logs a debug message with context
func (cl *ContextLogger) Debug(message string) {
	Debug(message, cl.context)
}

// Info logs an info message with context
func (cl *ContextLogger) Info(message string) {
	Info(message, cl.context)
}

// Warn logs a warning message with context
func (cl *ContextLogger) Warn(message string) {
	Warn(message, cl.context)
}

// Error logs an error message with context
func (cl *ContextLogger) Error(message string, err error) {
	Error(message, err, cl.context)
}

// AddField adds a field to the context
func (cl *ContextLogger) AddField(key string, value any) *ContextLogger {
	if cl.context.Fields == nil {
		cl.context.Fields = make(map[string]any)
	}
	cl.context.Fields[key] = value
	return cl
}

// SetProvider sets the provider in context
func (cl *ContextLogger) SetProvider(provider string) *ContextLogger {
	cl.context.Provider = provider
	return cl
}

// SetRequestID sets the request ID in context
func (cl *ContextLogger) SetRequestID(requestID string) *ContextLogger {
	cl.context.RequestID = requestID
	return cl
}

// SetCorrelationID sets the correlation id in context
func (cl *ContextLogger) SetCorrelationID(correlationID string) *ContextLogger {
	cl.context.CorrelationID = correlationID
	return cl
}
