package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewLogger_JSONCarriesComponent(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("ipc", LogOptions{Level: "debug", Format: "json", Output: &buf})
	require.NoError(t, err)

	logger.Debug("listening", "addr", "/tmp/termium.sock")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "ipc", record["component"])
	assert.Equal(t, "termium", record["system"])
	assert.Equal(t, "listening", record["msg"])
	assert.Equal(t, "/tmp/termium.sock", record["addr"])
}

func TestNewLogger_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("browser", LogOptions{Level: "warn", Output: &buf})
	require.NoError(t, err)

	logger.Info("hidden")
	assert.Empty(t, buf.String())
	logger.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestNewLogger_AppendsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "termium.log")

	logger, err := NewLogger("cli", LogOptions{File: path})
	require.NoError(t, err)
	logger.Info("first")
	require.NoError(t, logger.Close())

	logger, err = NewLogger("cli", LogOptions{File: path})
	require.NoError(t, err)
	logger.Info("second")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "first")
	assert.Contains(t, string(data), "second")
}

func TestNewLogger_RejectsUnknownSettings(t *testing.T) {
	_, err := NewLogger("x", LogOptions{Level: "loud"})
	assert.Error(t, err)

	_, err = NewLogger("x", LogOptions{Format: "xml"})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestWithContext_AddsTraceIDs(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	ctx, span := provider.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	var buf bytes.Buffer
	logger, err := NewLogger("browser", LogOptions{Format: "json", Output: &buf})
	require.NoError(t, err)
	logger.WithContext(ctx).Info("traced")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, span.SpanContext().TraceID().String(), record["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), record["span_id"])
}

func TestWithContext_NoSpanReturnsSameLogger(t *testing.T) {
	logger, err := NewLogger("browser", LogOptions{Output: &bytes.Buffer{}})
	require.NoError(t, err)
	assert.Same(t, logger, logger.WithContext(context.Background()))
}

func TestEndSpan_RecordsError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	_, span := provider.Tracer("test").Start(context.Background(), "browser.navigate")

	EndSpan(span, errors.New("net::ERR_NAME_NOT_RESOLVED"))

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "browser.navigate", ended[0].Name())
	assert.Equal(t, "net::ERR_NAME_NOT_RESOLVED", ended[0].Status().Description)
	assert.Len(t, ended[0].Events(), 1)
}

func TestTracerProvider_ShutdownNil(t *testing.T) {
	var tp *TracerProvider
	assert.NoError(t, tp.Shutdown(context.Background()))
}
