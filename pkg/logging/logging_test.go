package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "engine.log")

	log, err := New(Config{Level: "debug", OutputPath: path, Format: "json"})
	require.NoError(t, err)

	log.Info("session created", zap.String("session_key", "sess-1"))
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(firstLine(data), &entry))
	assert.Equal(t, "session created", entry["msg"])
	assert.Equal(t, "sess-1", entry["session_key"])
	assert.NotEmpty(t, entry["timestamp"])
}

func TestNewUnknownLevelFallsBackToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")

	log, err := New(Config{Level: "loud", OutputPath: path, Format: "json"})
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("visible")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "visible")
}

func TestNewConsoleToStdout(t *testing.T) {
	log, err := New(Config{Level: "info", OutputPath: "stdout", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, log)
}

func firstLine(data []byte) []byte {
	for i, b := range data {
		if b == '\n' {
			return data[:i]
		}
	}
	return data
}
