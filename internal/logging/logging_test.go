package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBuild_WritesConsoleAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rebalancer.log")
	var console bytes.Buffer

	logger, err := build(Config{Level: "info", File: path, MaxSizeMB: 1}, &console)
	require.NoError(t, err)

	logger.Named("engine").Info("position opened", zap.String("position_id", "42"))
	logger.Debug("filtered out")
	require.NoError(t, logger.Sync())

	assert.Contains(t, console.String(), "position opened")
	assert.Contains(t, console.String(), "INFO")
	assert.NotContains(t, console.String(), "filtered out")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "position opened", entry["msg"])
	assert.Equal(t, "engine", entry["logger"])
	assert.Equal(t, "42", entry["position_id"])
	assert.Contains(t, entry, "timestamp")
}

func TestBuild_ConsoleOnly(t *testing.T) {
	var console bytes.Buffer
	logger, err := build(Config{Level: "debug"}, &console)
	require.NoError(t, err)

	logger.Debug("visible")
	assert.Contains(t, console.String(), "visible")
}

func TestBuild_RejectsUnknownLevel(t *testing.T) {
	_, err := build(Config{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)
}
