package logging

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	tests := map[string]zapcore.Level{
		"debug":      zapcore.DebugLevel,
		"dev":        zapcore.DebugLevel,
		"INFO":       zapcore.InfoLevel,
		"warning":    zapcore.WarnLevel,
		"production": zapcore.ErrorLevel,
		"":           zapcore.ErrorLevel,
		"bogus":      zapcore.ErrorLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestParseLevelFallsBackToEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "info")
	assert.Equal(t, zapcore.InfoLevel, ParseLevel(""))
}

func TestInitWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "callguard.log")

	logger, err := Init(Options{Level: "debug", File: path})
	require.NoError(t, err)
	defer zap.ReplaceGlobals(zap.NewNop())

	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
	assert.Same(t, logger, zap.L())
}
