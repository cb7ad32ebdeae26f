// Package obslog provides the runtime's structured logger, a thin
// wrapper over zerolog that keeps the call-site idiom the teacher used
// with log/slog (Info("msg", Str("key", val))) while emitting through
// the ecosystem logger the rest of the retrieval pack reaches for.
package obslog

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Field is a single structured logging attribute.
type Field struct {
	key string
	val any
}

func Str(key, val string) Field   { return Field{key, val} }
func Int(key string, val int) Field { return Field{key, val} }
func Bool(key string, val bool) Field { return Field{key, val} }
func Err(err error) Field {
	if err == nil {
		return Field{"error", ""}
	}
	return Field{"error", err.Error()}
}
func Any(key string, val any) Field { return Field{key, val} }

// Logger wraps a zerolog.Logger with the Field-based call site.
type Logger struct {
	z zerolog.Logger
}

// New builds a Logger at the requested level ("debug", "info", "warn",
// "error") and format ("json" or "console"); defaults to info/json.
func New(level, format string) *Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter is New but against an explicit writer, used by tests.
func NewWithWriter(w io.Writer, level, format string) *Logger {
	lvl := parseLevel(level)
	var out io.Writer = w
	if strings.EqualFold(format, "console") {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}
	z := zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	return &Logger{z: z}
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
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

func (l *Logger) with(ev *zerolog.Event, fields []Field) {
	for _, f := range fields {
		switch v := f.val.(type) {
		case string:
			ev.Str(f.key, v)
		case int:
			ev.Int(f.key, v)
		case bool:
			ev.Bool(f.key, v)
		default:
			ev.Interface(f.key, v)
		}
	}
}

func (l *Logger) Debug(msg string, fields ...Field) {
	ev := l.z.Debug()
	l.with(ev, fields)
	ev.Msg(msg)
}

func (l *Logger) Info(msg string, fields ...Field) {
	ev := l.z.Info()
	l.with(ev, fields)
	ev.Msg(msg)
}

func (l *Logger) Warn(msg string, fields ...Field) {
	ev := l.z.Warn()
	l.with(ev, fields)
	ev.Msg(msg)
}

func (l *Logger) Error(msg string, fields ...Field) {
	ev := l.z.Error()
	l.with(ev, fields)
	ev.Msg(msg)
}

// With returns a child logger carrying the given fields on every entry.
func (l *Logger) With(fields ...Field) *Logger {
	ctx := l.z.With()
	for _, f := range fields {
		switch v := f.val.(type) {
		case string:
			ctx = ctx.Str(f.key, v)
		case int:
			ctx = ctx.Int(f.key, v)
		case bool:
			ctx = ctx.Bool(f.key, v)
		default:
			ctx = ctx.Interface(f.key, v)
		}
	}
	return &Logger{z: ctx.Logger()}
}
