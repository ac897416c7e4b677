package zap

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := &Logger{Logger: zap.New(core)}

	l.Debug("lock denied")
	l.Info("cycle done")
	l.Warn("replayed")
	l.Error("publish failed", errors.New("broker down"))

	entries := logs.AllUntimed()
	require.Len(t, entries, 4)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[3].Level)
	assert.Equal(t, "publish failed", entries[3].Message)
	assert.Equal(t, "broker down", entries[3].ContextMap()["error"])
}

func TestConfig(t *testing.T) {
	testcases := []struct {
		name      string
		level     string
		wantLevel zapcore.Level
	}{
		{name: "debug", level: "debug", wantLevel: zapcore.DebugLevel},
		{name: "upper case warn", level: " WARN ", wantLevel: zapcore.WarnLevel},
		{name: "unknown level", level: "verbose", wantLevel: zapcore.InfoLevel},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Config(tc.level)
			assert.Equal(t, tc.wantLevel, cfg.Level.Level())
			assert.Equal(t, "json", cfg.Encoding)
		})
	}

	l, err := New("info")
	require.NoError(t, err)
	assert.NotNil(t, l.Logger)
}
