package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"
)

func TestInitWriter_RoutesStdLog(t *testing.T) {
	prev, flags := slog.Default(), log.Flags()
	defer func() {
		slog.SetDefault(prev)
		log.SetOutput(os.Stderr)
		log.SetFlags(flags)
	}()

	var buf bytes.Buffer
	if l := InitWriter(&buf, "pushsender", slog.LevelInfo); l == nil {
		t.Fatal("expected non-nil logger")
	}
	log.Printf("[sender] hello")

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("expected one JSON line, got %q: %v", buf.String(), err)
	}
	if line["service"] != "pushsender" || line["msg"] != "[sender] hello" {
		t.Errorf("unexpected line %v", line)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
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

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if tid := TraceID(ctx); tid != "" {
		t.Errorf("expected empty trace id, got %q", tid)
	}
	ctx = WithTraceID(ctx, "test-trace-123")
	if tid := TraceID(ctx); tid != "test-trace-123" {
		t.Errorf("expected 'test-trace-123', got %q", tid)
	}
}

func TestGenerateTraceID(t *testing.T) {
	ts := time.Date(2024, 1, 15, 10, 30, 0, 123456789, time.UTC)
	tid := GenerateTraceID("2024-01-15T10:00:00.000Z", ts)

	if !strings.HasPrefix(tid, "2024-01-15T10:00:00.000Z-") {
		t.Errorf("expected trace id to start with the event key, got %s", tid)
	}
	if !strings.Contains(tid, "123456789") {
		t.Errorf("expected trace id to contain nanoseconds, got %s", tid)
	}
}

func TestNewTraceID_Unique(t *testing.T) {
	if NewTraceID() == NewTraceID() {
		t.Error("expected distinct trace ids")
	}
}

func TestLogWithTrace(t *testing.T) {
	ctx := context.Background()
	if attrs := LogWithTrace(ctx); attrs != nil {
		t.Errorf("expected nil attrs when no trace id, got %v", attrs)
	}
	ctx = WithTraceID(ctx, "abc-123")
	if attrs := LogWithTrace(ctx); len(attrs) != 1 {
		t.Fatalf("expected one attr with trace id set, got %v", attrs)
	}
}
