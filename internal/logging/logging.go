// Package logging defines the narrow logging capability the core
// consumes. The logging backend itself (here, zerolog) is an external
// collaborator per spec.md §1: the core only ever sees this interface.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Fields attaches structured context to a log line.
type Fields map[string]any

// Logger is the narrow surface the core depends on. Warnings cover
// expected peer misbehavior or disconnects; errors cover
// library-internal anomalies. Neither terminates the server.
type Logger interface {
	Debug(msg string, fields Fields)
	Warn(msg string, fields Fields)
	Error(msg string, err error, fields Fields)
	With(fields Fields) Logger
}

type zlog struct {
	l zerolog.Logger
}

// New builds a Logger backed by zerolog, writing leveled, structured
// lines to w (pass os.Stdout for console output).
func New(w io.Writer, level zerolog.Level) Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	l := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return &zlog{l: l}
}

// NewDefault builds a Logger writing to stdout at info level, used by
// cmd/wsserver when no explicit logger is configured.
func NewDefault() Logger {
	return New(os.Stdout, zerolog.InfoLevel)
}

func apply(e *zerolog.Event, fields Fields) *zerolog.Event {
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	return e
}

func (z *zlog) Debug(msg string, fields Fields) {
	apply(z.l.Debug(), fields).Msg(msg)
}

func (z *zlog) Warn(msg string, fields Fields) {
	apply(z.l.Warn(), fields).Msg(msg)
}

func (z *zlog) Error(msg string, err error, fields Fields) {
	apply(z.l.Error().Err(err), fields).Msg(msg)
}

func (z *zlog) With(fields Fields) Logger {
	ctx := z.l.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &zlog{l: ctx.Logger()}
}
