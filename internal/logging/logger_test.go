package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(buf *bytes.Buffer, level string) *Logger {
	return NewWithWriter(&Config{Level: level, Component: "test", JSONFormat: true}, buf)
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLevel("debug"))
	assert.Equal(t, WARN, ParseLevel("WARNING"))
	assert.Equal(t, ERROR, ParseLevel("error"))
	assert.Equal(t, INFO, ParseLevel("bogus"))
}

func TestLoggerKeyValueFields(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf, "DEBUG")

	l.WithField("license_id", "abc").Info("usage tracked", "hours_remaining", 1.5, "err", errors.New("boom"))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "usage tracked", lines[0]["message"])
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "test", lines[0]["component"])
	assert.Equal(t, "abc", lines[0]["license_id"])
	assert.Equal(t, 1.5, lines[0]["hours_remaining"])
	assert.Equal(t, "boom", lines[0]["err"])
}

func TestLoggerPrintfStyle(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf, "INFO")

	l.Warn("limit reached for %s", "dev-1")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "limit reached for dev-1", lines[0]["message"])
	assert.Equal(t, "warn", lines[0]["level"])
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf, "WARN")

	l.Debug("hidden")
	l.Info("hidden")
	l.Error("shown")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "shown", lines[0]["message"])
}

func TestDerivedLoggersDoNotShareFields(t *testing.T) {
	var buf bytes.Buffer
	base := newTestLogger(&buf, "INFO")

	a := base.WithField("a", 1)
	_ = base.WithField("b", 2)
	a.WithDuration(2 * time.Second).Info("one")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "a")
	assert.NotContains(t, lines[0], "b")
	assert.Equal(t, "2s", lines[0]["duration"])
}

func TestTraceContext(t *testing.T) {
	var buf bytes.Buffer
	base := newTestLogger(&buf, "INFO")

	ctx, l := ContextWithTraceID(context.Background(), base, "trace-123")
	assert.Equal(t, "trace-123", TraceIDFromContext(ctx))
	assert.Same(t, l, FromContext(ctx))

	LicenseContext(ctx, "validate", "ABC-1234-5678-9999").Info("validated")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "trace-123", lines[0]["trace_id"])
	assert.Equal(t, "license", lines[0]["component"])
	assert.Equal(t, "ABC-****", lines[0]["license_key"])
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))
	assert.Len(t, GenerateTraceID(), 32)
}

func TestSetDefaultBeforeFirstUse(t *testing.T) {
	defaultMu.Lock()
	prev := defaultLogger
	defaultLogger = nil
	defaultMu.Unlock()
	t.Cleanup(func() { SetDefault(prev) })

	var buf bytes.Buffer
	custom := newTestLogger(&buf, "DEBUG")
	SetDefault(custom)
	assert.Same(t, custom, Default())

	SetDefault(nil)
	fallback := Default()
	require.NotNil(t, fallback)
	assert.Same(t, fallback, Default())
}
