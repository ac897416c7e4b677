package zerolog

import (
	"io"
	"strings"
	"time"

	"github.com/3rs4lg4d0/ticketflow/outbox"
	"github.com/rs/zerolog"
)

// zerolog implementation of outbox.Logger interface.
type Logger struct {
	Logger zerolog.Logger
}

var _ outbox.Logger = (*Logger)(nil)

// New builds a timestamped logger writing JSON lines to w, or human
// readable lines when console is set. Unknown levels fall back to info.
func New(w io.Writer, level string, console bool) *Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if console {
		w = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	}
	return &Logger{
		Logger: zerolog.New(w).Level(lvl).With().Timestamp().Logger(),
	}
}

func (l *Logger) Debug(msg string) {
	l.Logger.Debug().Msg(msg)
}

func (l *Logger) Warn(msg string) {
	l.Logger.Warn().Msg(msg)
}

func (l *Logger) Error(msg string, err error) {
	l.Logger.Err(err).Msg(msg)
}

func (l *Logger) Info(msg string) {
	l.Logger.Info().Msg(msg)
}
