package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger provides structured logging with consistent fields.
type Logger struct {
	base zerolog.Logger
}

// New creates a logger writing JSON lines to stdout with component metadata.
func New(component, level string) *Logger {
	return NewWithWriter(os.Stdout, component, level)
}

func NewWithWriter(w io.Writer, component, level string) *Logger {
	zerolog.DurationFieldUnit = time.Millisecond
	l := zerolog.New(w).With().
		Timestamp().
		Str("component", component).
		Logger().
		Level(parseLevel(level))
	return &Logger{base: l}
}

// Nop discards everything. Used by tests and optional collaborators.
func Nop() *Logger {
	return &Logger{base: zerolog.Nop()}
}

// With returns a child logger that always carries the given key/value pairs.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	if l == nil {
		return Nop()
	}
	return &Logger{base: l.base.With().Fields(kvToMap(keyvals...)).Logger()}
}

// Component returns a child logger tagged with a different component name.
func (l *Logger) Component(name string) *Logger {
	if l == nil {
		return Nop()
	}
	return &Logger{base: l.base.With().Str("component", name).Logger()}
}

func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	if l == nil {
		return
	}
	l.base.Debug().Fields(kvToMap(keyvals...)).Msg(msg)
}

func (l *Logger) Info(msg string, keyvals ...interface{}) {
	if l == nil {
		return
	}
	l.base.Info().Fields(kvToMap(keyvals...)).Msg(msg)
}

func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	if l == nil {
		return
	}
	l.base.Warn().Fields(kvToMap(keyvals...)).Msg(msg)
}

// Error logs at error level; pass the error itself under the "error" key.
func (l *Logger) Error(msg string, keyvals ...interface{}) {
	if l == nil {
		return
	}
	l.base.Error().Fields(kvToMap(keyvals...)).Msg(msg)
}

// kvToMap converts a flat list of key/value pairs into a map for zerolog.
// Errors are rendered as strings so they survive JSON encoding.
func kvToMap(kv ...interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(kv)/2)
	for i := 0; i < len(kv)-1; i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		if err, isErr := kv[i+1].(error); isErr && err != nil {
			fields[key] = err.Error()
			continue
		}
		fields[key] = kv[i+1]
	}
	return fields
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
