package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestWithRequestID_And_RequestIDFromContext(t *testing.T) {
	ctx := context.Background()
	requestID := "req-12345"

	// Initially empty
	if got := RequestIDFromContext(ctx); got != "" {
		t.Errorf("RequestIDFromContext() on empty ctx = %v, want empty", got)
	}

	// After setting
	ctx = WithRequestID(ctx, requestID)
	if got := RequestIDFromContext(ctx); got != requestID {
		t.Errorf("RequestIDFromContext() = %v, want %v", got, requestID)
	}
}

func TestFromContext_AttachesFields(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter(&buf, "info")

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})

	ctx := WithRequestID(context.Background(), "req-67890")
	ctx = trace.ContextWithSpanContext(ctx, sc)
	FromContext(ctx, base).Info("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if line["request_id"] != "req-67890" {
		t.Errorf("request_id = %v", line["request_id"])
	}
	if line["trace_id"] != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace_id = %v", line["trace_id"])
	}
}

func TestFromContext_Empty(t *testing.T) {
	base := New("info")
	if got := FromContext(context.Background(), base); got != base {
		t.Error("FromContext() without fields should return the base logger")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNew_HonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "warn")
	l.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info line written at warn level: %s", buf.String())
	}
	l.Warn("kept")
	if buf.Len() == 0 {
		t.Error("warn line not written")
	}
}
