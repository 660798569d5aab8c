package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func newJSONLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(NewTraceHandler(slog.NewJSONHandler(buf, nil)))
}

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	return entry
}

func spanContext(t *testing.T) context.Context {
	t.Helper()

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)

	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})

	return trace.ContextWithSpanContext(context.Background(), sc)
}

func TestTraceHandler(t *testing.T) {
	tests := []struct {
		name    string
		ctx     func(t *testing.T) context.Context
		present map[string]string
		absent  []string
	}{
		{
			name:   "plain context",
			ctx:    func(*testing.T) context.Context { return context.Background() },
			absent: []string{"trace_id", "span_id", "task_id"},
		},
		{
			name: "span context",
			ctx:  spanContext,
			present: map[string]string{
				"trace_id": "4bf92f3577b34da6a3ce929d0e0e4736",
				"span_id":  "00f067aa0ba902b7",
			},
			absent: []string{"task_id"},
		},
		{
			name: "task context",
			ctx: func(*testing.T) context.Context {
				return WithTaskID(context.Background(), "abc123")
			},
			present: map[string]string{"task_id": "abc123"},
			absent:  []string{"trace_id", "span_id"},
		},
		{
			name: "span and task context",
			ctx: func(t *testing.T) context.Context {
				return WithTaskID(spanContext(t), "abc123")
			},
			present: map[string]string{
				"trace_id": "4bf92f3577b34da6a3ce929d0e0e4736",
				"task_id":  "abc123",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			newJSONLogger(&buf).InfoContext(tt.ctx(t), "transfer started", "key", "value")

			entry := decode(t, &buf)
			assert.Equal(t, "transfer started", entry["msg"])
			assert.Equal(t, "value", entry["key"])

			for k, v := range tt.present {
				assert.Equal(t, v, entry[k], k)
			}

			for _, k := range tt.absent {
				assert.NotContains(t, entry, k)
			}
		})
	}
}

func TestTraceHandler_Enabled(t *testing.T) {
	h := NewTraceHandler(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))

	assert.False(t, h.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, h.Enabled(context.Background(), slog.LevelWarn))
	assert.True(t, h.Enabled(context.Background(), slog.LevelError))
}

func TestTraceHandler_WithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	h := NewTraceHandler(slog.NewJSONHandler(&buf, nil))

	withAttrs := h.WithAttrs([]slog.Attr{slog.String("component", "scheduler")})
	require.IsType(t, &TraceHandler{}, withAttrs)

	withGroup := withAttrs.WithGroup("transfer")
	require.IsType(t, &TraceHandler{}, withGroup)

	slog.New(withGroup).InfoContext(WithTaskID(context.Background(), "t1"), "tick", "bytes", 42)

	entry := decode(t, &buf)
	assert.Equal(t, "scheduler", entry["component"])

	group, ok := entry["transfer"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 42, group["bytes"])
	assert.Equal(t, "t1", group["task_id"])
}

func TestNewTraceHandler_NilPanics(t *testing.T) {
	assert.Panics(t, func() { NewTraceHandler(nil) })
}

func TestLoggerFromContext(t *testing.T) {
	assert.Same(t, slog.Default(), LoggerFromContext(context.Background()))

	l := slog.New(slog.NewTextHandler(io.Discard, nil))
	assert.Same(t, l, LoggerFromContext(WithLogger(context.Background(), l)))

	_, ok := TaskIDFromContext(WithTaskID(context.Background(), ""))
	assert.False(t, ok)
}
