package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	logger, err := New(Config{Level: "warn"})
	require.NoError(t, err)

	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestLevelName(t *testing.T) {
	assert.Equal(t, "info", Config{}.LevelName())
	assert.Equal(t, "debug", Config{Level: "DEBUG"}.LevelName())
}

func TestNewWorkerLevel(t *testing.T) {
	t.Setenv(WorkerLevelEnv, "error")
	assert.False(t, NewWorker().Core().Enabled(zapcore.WarnLevel))

	t.Setenv(WorkerLevelEnv, "nonsense")
	assert.True(t, NewWorker().Core().Enabled(zapcore.InfoLevel))
}

func TestDefaultsNeverNil(t *testing.T) {
	assert.NotNil(t, NewDefault())
	assert.NotNil(t, NewDevelopment())
}
