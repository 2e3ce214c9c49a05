package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"":      slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err)
		require.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	require.Error(t, err)
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("warn", "json", &buf)
	require.NoError(t, err)

	log.Info("dropped")
	log.Warn("kept", slog.String("job", "rollup_hour"))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "kept", rec["msg"])
	require.Equal(t, "rollup_hour", rec["job"])

	_, err = New("info", "xml", &buf)
	require.Error(t, err)
}

func TestCronLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("debug", "text", &buf)
	require.NoError(t, err)

	c := NewCronLogger(log)
	c.Info("wake", "now", "2026-07-04")
	c.Error(errors.New("boom"), "job panicked", "entry", 3)

	out := buf.String()
	require.Contains(t, out, "level=DEBUG msg=wake component=cron now=2026-07-04")
	require.Contains(t, out, "level=ERROR msg=\"job panicked\" component=cron error=boom entry=3")
}
