// Package logging provides the structured logger shared by the api, worker and
// pipelinectl binaries. It wraps zerolog behind a small interface so packages can
// take a Logger and tests can pass NewNopLogger().
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level       string
	ServiceName string
	Environment string
	// JSONFormat enables JSON output; otherwise a console writer is used.
	JSONFormat bool
	Output     io.Writer
}

// Logger is the interface for structured logging.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
	Zerolog() zerolog.Logger
}

// Field is a key-value pair attached to a log entry.
type Field struct {
	Key   string
	Value interface{}
}

// F creates a new Field.
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Err creates a Field for an error.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

type logger struct {
	zl zerolog.Logger
}

// NewLogger creates a Logger from cfg.
func NewLogger(cfg Config) Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSONFormat {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	zl := zerolog.New(out).
		Level(parseLevel(cfg.Level)).
		With().
		Timestamp().
		Str("service_name", cfg.ServiceName).
		Str("environment", cfg.Environment).
		Logger()
	return &logger{zl: zl}
}

// NewNopLogger returns a Logger that discards everything.
func NewNopLogger() Logger {
	return &logger{zl: zerolog.Nop()}
}

func parseLevel(l string) zerolog.Level {
	switch strings.ToLower(l) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (l *logger) Zerolog() zerolog.Logger { return l.zl }

func (l *logger) Debug(msg string, fields ...Field) { addFields(l.zl.Debug(), fields).Msg(msg) }
func (l *logger) Info(msg string, fields ...Field)  { addFields(l.zl.Info(), fields).Msg(msg) }
func (l *logger) Warn(msg string, fields ...Field)  { addFields(l.zl.Warn(), fields).Msg(msg) }
func (l *logger) Error(msg string, fields ...Field) { addFields(l.zl.Error(), fields).Msg(msg) }

// With returns a child logger carrying fields on every entry.
func (l *logger) With(fields ...Field) Logger {
	ctx := l.zl.With()
	for _, f := range fields {
		if err, ok := f.Value.(error); ok {
			ctx = ctx.AnErr(f.Key, err)
			continue
		}
		ctx = ctx.Interface(f.Key, f.Value)
	}
	return &logger{zl: ctx.Logger()}
}

func addFields(event *zerolog.Event, fields []Field) *zerolog.Event {
	for _, f := range fields {
		switch v := f.Value.(type) {
		case error:
			event = event.AnErr(f.Key, v)
		case string:
			event = event.Str(f.Key, v)
		case int:
			event = event.Int(f.Key, v)
		case int64:
			event = event.Int64(f.Key, v)
		case float64:
			event = event.Float64(f.Key, v)
		case bool:
			event = event.Bool(f.Key, v)
		case time.Duration:
			event = event.Dur(f.Key, v)
		case time.Time:
			event = event.Time(f.Key, v)
		default:
			event = event.Interface(f.Key, v)
		}
	}
	return event
}
