package zap

import (
	"strings"

	"github.com/3rs4lg4d0/ticketflow/outbox"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// zap implementation of outbox.Logger interface.
type Logger struct {
	Logger *zap.Logger
}

var _ outbox.Logger = (*Logger)(nil)

// Config returns a JSON production configuration at the given level.
// Unknown levels fall back to info.
func Config(level string) zap.Config {
	lvl := zapcore.InfoLevel
	if err := lvl.Set(strings.ToLower(strings.TrimSpace(level))); err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}

// New builds a JSON logger writing to stdout.
func New(level string) (*Logger, error) {
	l, err := Config(level).Build()
	if err != nil {
		return nil, err
	}
	return &Logger{Logger: l}, nil
}

func (l *Logger) Debug(msg string) {
	l.Logger.Debug(msg)
}

func (l *Logger) Warn(msg string) {
	l.Logger.Warn(msg)
}

func (l *Logger) Error(msg string, err error) {
	l.Logger.Error(msg, zap.Error(err))
}

func (l *Logger) Info(msg string) {
	l.Logger.Info(msg)
}
