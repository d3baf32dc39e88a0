package utils

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogHandler(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		out := new(bytes.Buffer)
		logger := slog.New(newLogHandler(out, HandlerTypeJSON, LogLevelInfo, false /*addSource*/))
		logger.Info("Cache cleanup completed.", "removed", 3)

		record := make(map[string]any)
		require.NoError(t, json.Unmarshal(out.Bytes(), &record))
		assert.Equal(t, "Cache cleanup completed.", record["msg"])
		assert.EqualValues(t, 3, record["removed"])
	})
	t.Run("text", func(t *testing.T) {
		out := new(bytes.Buffer)
		logger := slog.New(newLogHandler(out, HandlerTypeText, LogLevelInfo, false /*addSource*/))
		logger.Info("hello", "key", "value")
		assert.Contains(t, out.String(), "key=value")
	})
	t.Run("level_filters_records", func(t *testing.T) {
		handler := newLogHandler(new(bytes.Buffer), HandlerTypeJSON, LogLevelWarn, false /*addSource*/)
		assert.False(t, handler.Enabled(context.Background(), slog.LevelInfo))
		assert.True(t, handler.Enabled(context.Background(), slog.LevelError))
	})
}

func TestToSlogLevel(t *testing.T) {
	for _, testCase := range []struct {
		level    LogLevel
		expected slog.Level
	}{
		{level: LogLevelDebug, expected: slog.LevelDebug},
		{level: LogLevelInfo, expected: slog.LevelInfo},
		{level: LogLevelWarn, expected: slog.LevelWarn},
		{level: LogLevelError, expected: slog.LevelError},
	} {
		t.Run(string(testCase.level), func(t *testing.T) {
			assert.Equal(t, testCase.expected, toSlogLevel(testCase.level))
		})
	}
}
