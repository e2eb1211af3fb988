/*
Package logx wraps zerolog with the handful of helpers the server and
tools use.

Init configures the global logger once at startup. Components that need
contextual fields derive a child logger from Logger() with With().
*/
package logx

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options controls Init.
type Options struct {
	// Level is one of trace, debug, info, warn, error. Defaults to info.
	Level string
	// Format is "console" for human-readable output or "json".
	Format string
	// Writer defaults to os.Stderr.
	Writer io.Writer
}

// Init configures the global zerolog instance.
func Init(opts Options) {
	zerolog.TimeFieldFormat = time.RFC3339

	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	var logger zerolog.Logger
	if strings.EqualFold(opts.Format, "json") {
		logger = zerolog.New(w)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        w,
			NoColor:    w != os.Stderr && w != os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}

	log.Logger = logger.With().Timestamp().Logger().Level(ParseLevel(opts.Level))
}

// Discard silences all logging, used by tests.
func Discard() {
	log.Logger = zerolog.Nop()
}

// ParseLevel falls back to info for unknown or empty input.
func ParseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Logger returns the global logger.
func Logger() *zerolog.Logger {
	return &log.Logger
}

// checkFields drops an odd-length key/value list instead of letting
// zerolog panic on it.
func checkFields(level string, fields []any) []any {
	if len(fields)%2 != 0 {
		Logger().Warn().
			Int("fields_count", len(fields)).
			Str("log_level", level).
			Msgf("logx.%s called with odd number of fields, ignored", level)
		return nil
	}
	return fields
}

func Debug(msg string, fields ...any) {
	fields = checkFields("Debug", fields)
	Logger().Debug().Fields(fields).Msg(msg)
}

func Info(msg string, fields ...any) {
	fields = checkFields("Info", fields)
	Logger().Info().Fields(fields).Msg(msg)
}

func Warn(msg string, fields ...any) {
	fields = checkFields("Warn", fields)
	Logger().Warn().Fields(fields).Msg(msg)
}

// Error logs err at error level.
func Error(err error, msg string, fields ...any) {
	fields = checkFields("Error", fields)
	Logger().Error().Err(err).Fields(fields).Msg(msg)
}

// Fatal logs err and exits the process with status 1.
func Fatal(err error, msg string, fields ...any) {
	fields = checkFields("Fatal", fields)
	Logger().Fatal().Err(err).Fields(fields).Msg(msg)
}
