// Package logger configures the process-wide zerolog logger. Output is
// discarded until a daemon entrypoint calls SetSilentMode(false), so
// short-lived CLI invocations stay quiet.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var logger zerolog.Logger

func init() {
	SetSilentMode(true)
}

// SetSilentMode routes log output to stderr via a console writer, or
// discards it entirely. Resets the global level to info either way.
func SetSilentMode(silent bool) {
	var output io.Writer
	if silent {
		output = io.Discard
	} else {
		output = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
			NoColor:    false,
		}
	}

	logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// New returns the current process logger.
func New() zerolog.Logger {
	return logger
}

// Component returns the process logger tagged with a component name, so
// every line from a subsystem carries its origin.
func Component(name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

// SetLevel sets the global log level by name. Unrecognized names fall
// back to info.
func SetLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
