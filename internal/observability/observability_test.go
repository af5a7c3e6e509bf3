package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/apresai/domain-analyzer/internal/config"
)

func spanContext(t *testing.T) trace.SpanContext {
	t.Helper()
	tid, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	sid, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	return trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid, TraceFlags: trace.FlagsSampled})
}

func TestLoggerAddsTraceIDs(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(config.LogConfig{Level: "info"}, &buf).With("component", "test")

	ctx := trace.ContextWithSpanContext(context.Background(), spanContext(t))
	log.InfoContext(ctx, "Step complete", "step", "keywords")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", rec["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", rec["span_id"])
	assert.Equal(t, "keywords", rec["step"])
	assert.Equal(t, "test", rec["component"])
}

func TestLoggerWithoutTrace(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(config.LogConfig{}, &buf).Info("hello")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.NotContains(t, rec, "trace_id")
}

func TestLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(config.LogConfig{Level: "warn"}, &buf)
	log.Info("dropped")
	assert.Zero(t, buf.Len())
	log.Warn("kept")
	assert.NotZero(t, buf.Len())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestOpenLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "analyzer.log")
	log, closer, err := OpenLogger(config.LogConfig{File: path})
	require.NoError(t, err)
	log.Info("written")
	require.NoError(t, closer.Close())
	assert.FileExists(t, path)
}

func TestDetachKeepsTraceDropsCancel(t *testing.T) {
	src, cancel := context.WithCancel(trace.ContextWithSpanContext(context.Background(), spanContext(t)))
	cancel()

	ctx := Detach(src, context.Background())
	assert.NoError(t, ctx.Err())
	assert.Equal(t, spanContext(t).TraceID(), trace.SpanContextFromContext(ctx).TraceID())

	plain := context.Background()
	assert.Equal(t, plain, Detach(context.Background(), plain))
}
