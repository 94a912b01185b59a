package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONFormat(t *testing.T) {
	logger, err := New(Config{Format: "json", Output: "stdout", Level: "info"})
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestColorTextHandlerWritesLineWithLevelAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := newColorTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false)
	logger := slog.New(h)
	logger.Info("hello", "key", "value")

	out := buf.String()
	assert.Contains(t, out, "[INFO]")
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "key=value")
}

func TestColorTextHandlerRespectsMinLevel(t *testing.T) {
	var buf bytes.Buffer
	h := newColorTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}, false)
	logger := slog.New(h)
	logger.Debug("should not appear")
	logger.Warn("should appear")

	out := buf.String()
	assert.False(t, strings.Contains(out, "should not appear"))
	assert.True(t, strings.Contains(out, "should appear"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}
