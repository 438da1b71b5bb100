// Package logging configures zerolog for the binaries and bridges pion's
// leveled loggers onto it.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/pion/logging"
	"github.com/rs/zerolog"
)

// New returns a console logger on w at the given level. Unknown levels fall
// back to info.
func New(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	return zerolog.New(cw).Level(lvl).With().Timestamp().Logger()
}

// NewStderr is New on os.Stderr.
func NewStderr(level string) zerolog.Logger {
	return New(os.Stderr, level)
}

// PionFactory implements logging.LoggerFactory on top of a zerolog logger.
type PionFactory struct {
	Logger zerolog.Logger
}

// NewLogger implements logging.LoggerFactory.
func (f PionFactory) NewLogger(scope string) logging.LeveledLogger {
	return pionLogger{l: f.Logger.With().Str("component", "pion").Str("scope", scope).Logger()}
}

type pionLogger struct {
	l zerolog.Logger
}

func (p pionLogger) Trace(msg string)                  { p.l.Trace().Msg(msg) }
func (p pionLogger) Tracef(format string, args ...any) { p.l.Trace().Msgf(format, args...) }
func (p pionLogger) Debug(msg string)                  { p.l.Debug().Msg(msg) }
func (p pionLogger) Debugf(format string, args ...any) { p.l.Debug().Msgf(format, args...) }
func (p pionLogger) Info(msg string)                   { p.l.Info().Msg(msg) }
func (p pionLogger) Infof(format string, args ...any)  { p.l.Info().Msgf(format, args...) }
func (p pionLogger) Warn(msg string)                   { p.l.Warn().Msg(msg) }
func (p pionLogger) Warnf(format string, args ...any)  { p.l.Warn().Msgf(format, args...) }
func (p pionLogger) Error(msg string)                  { p.l.Error().Msg(msg) }
func (p pionLogger) Errorf(format string, args ...any) { p.l.Error().Msgf(format, args...) }
