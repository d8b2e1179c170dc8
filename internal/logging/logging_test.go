package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/rabbit-patterns/internal/config"
)

func TestNewWithWriter(t *testing.T) {
	t.Run("json handler honours the level", func(t *testing.T) {
		var buf bytes.Buffer
		logger, closer, err := NewWithWriter(config.LogConfig{Level: "warn", Format: "json"}, &buf)
		require.NoError(t, err)
		defer closer.Close()

		logger.Info("dropped")
		logger.Warn("kept", "queue", "tutorial-three-q1")

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "kept", entry["msg"])
		assert.Equal(t, "tutorial-three-q1", entry["queue"])
	})

	t.Run("text handler is the default", func(t *testing.T) {
		var buf bytes.Buffer
		logger, _, err := NewWithWriter(config.LogConfig{}, &buf)
		require.NoError(t, err)

		logger.Info("hello", "count", 3)
		assert.Contains(t, buf.String(), "msg=hello")
		assert.Contains(t, buf.String(), "count=3")
	})

	t.Run("file output", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "harness.log")

		var buf bytes.Buffer
		logger, closer, err := NewWithWriter(config.LogConfig{Level: "info", File: path, MaxSizeMB: 1}, &buf)
		require.NoError(t, err)

		logger.Info("to both")
		require.NoError(t, closer.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "to both")
		assert.Contains(t, buf.String(), "to both")
	})

	t.Run("invalid settings", func(t *testing.T) {
		_, _, err := NewWithWriter(config.LogConfig{Level: "chatty"}, &bytes.Buffer{})
		assert.Error(t, err)

		_, _, err = NewWithWriter(config.LogConfig{Format: "yaml"}, &bytes.Buffer{})
		assert.Error(t, err)
	})
}

func TestDiscard(t *testing.T) {
	assert.False(t, Discard().Enabled(context.Background(), slog.LevelError))
}
