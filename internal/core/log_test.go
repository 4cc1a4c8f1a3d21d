package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func restoreLogger(t *testing.T) {
	previous := Logger
	t.Cleanup(func() { Logger = previous })
}

func TestParseLevel(t *testing.T) {
	for name, want := range map[string]zapcore.Level{
		"":        zap.InfoLevel,
		"debug":   zap.DebugLevel,
		" INFO ":  zap.InfoLevel,
		"warning": zap.WarnLevel,
		"error":   zap.ErrorLevel,
	} {
		got, err := ParseLevel(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestConfigureLoggerWritesJSON(t *testing.T) {
	restoreLogger(t)

	path := filepath.Join(t.TempDir(), "collab.log")
	require.NoError(t, ConfigureLogger(false, "warn", path))

	Named("bus").Info("dropped")
	Named("bus").Warn("kept", zap.String("document_id", "doc-1"))
	_ = GetLogger().Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, `"msg":"kept"`)
	assert.Contains(t, out, `"logger":"bus"`)
	assert.Contains(t, out, `"timestamp"`)
	assert.Contains(t, out, `"document_id":"doc-1"`)
}

func TestConfigureLoggerRejectsUnknownLevel(t *testing.T) {
	restoreLogger(t)
	previous := GetLogger()

	assert.Error(t, ConfigureLogger(true, "verbose"))
	assert.Same(t, previous, GetLogger())
}
