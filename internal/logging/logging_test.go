package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	l, err := New(true, "debug")
	require.NoError(t, err)
	assert.True(t, l.Desugar().Core().Enabled(zapcore.DebugLevel))

	l, err = New(false, "")
	require.NoError(t, err)
	assert.False(t, l.Desugar().Core().Enabled(zapcore.DebugLevel))

	_, err = New(false, "loud")
	assert.Error(t, err)
}

func TestInitializeReplacesGlobal(t *testing.T) {
	prev := Logger
	t.Cleanup(func() { Logger = prev })
	require.NoError(t, Initialize(false, "warn"))
	assert.NotSame(t, prev, Logger)
	assert.False(t, Logger.Desugar().Core().Enabled(zapcore.InfoLevel))
}
