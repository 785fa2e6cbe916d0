// Package logger wraps zerolog.Logger with the constructors used by the
// relay and by syncing devices.
package logger

import (
	"io"
	"os"
	"runtime"

	"github.com/rs/zerolog"
)

// Logger embeds zerolog.Logger so the full zerolog API is available.
type Logger struct {
	zerolog.Logger
}

func init() {
	zerolog.CallerMarshalFunc = func(pc uintptr, file string, line int) string {
		return runtime.FuncForPC(pc).Name()
	}
	zerolog.CallerFieldName = "func"
}

// NewLogger returns a JSON logger on stdout tagged with role. Debug output
// is enabled only when debug is set.
func NewLogger(role string, debug bool) *Logger {
	return New(os.Stdout, role, debug)
}

// New is NewLogger with an explicit writer.
func New(w io.Writer, role string, debug bool) *Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	logger := zerolog.New(w).Level(level).With().
		Str("role", role).
		Timestamp().
		Caller().
		Logger()

	return &Logger{logger}
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return &Logger{zerolog.Nop()}
}

// WithField returns a child logger carrying an extra string field.
func (l *Logger) WithField(key, value string) *Logger {
	return &Logger{l.Logger.With().Str(key, value).Logger()}
}
