package logger

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jsoniter "github.com/json-iterator/go"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		" DEBUG ": slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestNewWithWriterFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "warn")

	l.Info("Dropped")
	assert.Zero(t, buf.Len())

	l.Warn("Kept", "order_id", int64(7))

	var line map[string]any
	require.NoError(t, jsoniter.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "Kept", line["msg"])
	assert.Equal(t, "WARN", line["level"])
	assert.EqualValues(t, 7, line["order_id"])
}
