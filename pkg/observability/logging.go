package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// LogOptions selects the handler, level and destination for a Logger.
type LogOptions struct {
	Level  string
	Format string // "json" or "text"
	// File appends logs to the named file instead of Output.
	File   string
	Output io.Writer
}

// Logger is a structured logger for termium components
type Logger struct {
	*slog.Logger
	closer io.Closer
}

// NewLogger creates a new structured logger tagged with component.
func NewLogger(component string, opts LogOptions) (*Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	var closer io.Closer
	if path := strings.TrimSpace(opts.File); path != "" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create log dir: %w", err)
			}
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out, closer = f, f
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "text":
		handler = slog.NewTextHandler(out, handlerOpts)
	case "json":
		handler = slog.NewJSONHandler(out, handlerOpts)
	default:
		if closer != nil {
			_ = closer.Close()
		}
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	logger := slog.New(handler).With(
		slog.String("component", component),
		slog.String("system", "termium"),
	)
	return &Logger{Logger: logger, closer: closer}, nil
}

// ParseLevel maps a config level name onto slog.Level. Empty means info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
}

// Close releases the log file, if one was opened.
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// WithContext returns a logger carrying the trace and span ids of ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return l
	}
	return &Logger{
		Logger: l.Logger.With(
			slog.String("trace_id", spanCtx.TraceID().String()),
			slog.String("span_id", spanCtx.SpanID().String()),
		),
		closer: l.closer,
	}
}

// WithStream returns a logger with stream-specific fields
func (l *Logger) WithStream(streamID string, fps int) *Logger {
	return &Logger{
		Logger: l.Logger.With(
			slog.String("stream_id", streamID),
			slog.Int("fps", fps),
		),
		closer: l.closer,
	}
}
