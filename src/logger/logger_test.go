package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewAllLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "warning", "error", ""} {
		log, err := New(level)
		require.NoError(t, err, level)
		assert.NotNil(t, log, level)
	}
}

func TestParseLevelFallsBackToInfo(t *testing.T) {
	assert.Equal(t, zapcore.InfoLevel, parseLevel("verbose"))
	assert.Equal(t, zapcore.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
}

func TestNewNop(t *testing.T) {
	log := NewNop()
	log.Infow("discarded", "k", "v")
}
