package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewJSONIncludesServiceAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "smallchat", "info", "json")
	require.NoError(t, err)

	logger.Info("client connected", slog.Int("fd", 5))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "client connected", entry["msg"])
	require.Equal(t, "smallchat", entry["service"])
	require.EqualValues(t, 5, entry["fd"])
	require.Contains(t, entry, "pid")
}

func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "smallchat", "warn", "text")
	require.NoError(t, err)

	logger.Info("hidden")
	require.Empty(t, buf.String())

	logger.Warn("shown")
	require.Contains(t, buf.String(), "shown")
}

func TestNewRejectsUnknownSettings(t *testing.T) {
	_, err := New(nil, "smallchat", "loud", "text")
	require.Error(t, err)

	_, err = New(nil, "smallchat", "info", "xml")
	require.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	for name, want := range map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	} {
		got, err := ParseLevel(name)
		require.NoError(t, err, name)
		require.Equal(t, want, got, name)
	}
}
