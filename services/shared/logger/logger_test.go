package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestNew_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "info", ServiceName: "authentiq", Environment: "test", Output: &buf})

	ctx := ContextWithAttemptID(context.Background(), "att-1")
	ctx = ContextWithTraceID(ctx, "trace-1")
	l.InfoContext(ctx, "hello", "k", "v")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	entry := lines[0]

	assert.Equal(t, "hello", entry["message"])
	assert.Contains(t, entry, "timestamp")
	assert.Equal(t, "authentiq", entry["service"])
	assert.Equal(t, "test", entry["environment"])
	assert.Equal(t, "att-1", entry["attempt_id"])
	assert.Equal(t, "trace-1", entry["trace_id"])
	assert.Equal(t, "v", entry["k"])
}

func TestNew_Level(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "warn", Output: &buf})

	l.Info("dropped")
	l.Warn("kept")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "kept", lines[0]["message"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestLogger_LogAttempt(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		var buf bytes.Buffer
		l := New(Config{Output: &buf})

		l.LogAttempt(context.Background(), "authentiq", "user-1", 20*time.Millisecond, "", nil)

		lines := decodeLines(t, &buf)
		require.Len(t, lines, 1)
		assert.Equal(t, "authentication succeeded", lines[0]["message"])
		assert.Equal(t, "INFO", lines[0]["level"])
		assert.Equal(t, "user-1", lines[0]["subject"])
	})

	t.Run("failure", func(t *testing.T) {
		var buf bytes.Buffer
		l := New(Config{Output: &buf})

		l.LogAttempt(context.Background(), "authentiq", "", time.Millisecond, "MISSING_TOKEN", errors.New("no token"))

		lines := decodeLines(t, &buf)
		require.Len(t, lines, 1)
		assert.Equal(t, "WARN", lines[0]["level"])
		assert.Equal(t, "MISSING_TOKEN", lines[0]["code"])
		assert.NotContains(t, lines[0], "subject")
	})
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "debug", Output: &buf}).WithComponent("transport").WithError(errors.New("boom"))

	l.LogProviderRequest(context.Background(), "token", 502, time.Second, errors.New("bad gateway"))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "transport", lines[0]["component"])
	assert.Equal(t, "token", lines[0]["endpoint"])
	assert.EqualValues(t, 502, lines[0]["status"])
}
