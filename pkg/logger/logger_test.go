package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLoggerLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "panic", "fatal", "none"} {
		_, err := NewLogger("json", level)
		require.NoError(t, err, level)
	}
	_, err := NewLogger("json", "verbose")
	require.Error(t, err)
}

func TestForWorkspaceTagsEveryLine(t *testing.T) {
	obs, logs := observer.New(zapcore.InfoLevel)
	log := &ZapLogger{zap.New(obs)}

	log.ForWorkspace("ws-1").Info("ready")

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "ws-1", entries[0].ContextMap()["workspace"])
}
