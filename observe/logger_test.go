package observe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func decodeLine(t *testing.T, line string) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("failed to parse log output as JSON: %v\nOutput: %s", err, line)
	}
	return entry
}

// TestLogger_IncludesOpFields verifies operation fields are present in log output.
func TestLogger_IncludesOpFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", &buf).WithOp(OpMeta{
		Op:       "get",
		Category: "recent-snapshot",
		Tier:     TierDurable,
	})

	logger.Info(context.Background(), "lookup")

	entry := decodeLine(t, buf.String())
	if entry["cache.op"] != "get" {
		t.Errorf("expected cache.op='get', got %v", entry["cache.op"])
	}
	if entry["cache.category"] != "recent-snapshot" {
		t.Errorf("expected cache.category='recent-snapshot', got %v", entry["cache.category"])
	}
	if entry["cache.tier"] != TierDurable {
		t.Errorf("expected cache.tier=%q, got %v", TierDurable, entry["cache.tier"])
	}
	if entry["message"] != "lookup" {
		t.Errorf("expected message='lookup', got %v", entry["message"])
	}
	if entry["level"] != "info" {
		t.Errorf("expected level='info', got %v", entry["level"])
	}
}

// TestLogger_OmitsEmptyOpFields verifies optional fields are dropped when empty.
func TestLogger_OmitsEmptyOpFields(t *testing.T) {
	var buf bytes.Buffer
	NewLoggerWithWriter("info", &buf).WithOp(OpMeta{Op: "maintenance"}).
		Info(context.Background(), "pass")

	entry := decodeLine(t, buf.String())
	if _, ok := entry["cache.category"]; ok {
		t.Error("cache.category should be omitted")
	}
	if _, ok := entry["cache.tier"]; ok {
		t.Error("cache.tier should be omitted")
	}
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("debug", &buf)

	logger.Warn(context.Background(), "payload unreadable",
		F("key", "abc"),
		F("size", 42),
		F("error", errors.New("unexpected EOF")),
	)

	entry := decodeLine(t, buf.String())
	if entry["key"] != "abc" {
		t.Errorf("key = %v", entry["key"])
	}
	if entry["size"] != float64(42) {
		t.Errorf("size = %v", entry["size"])
	}
	if entry["error"] != "unexpected EOF" {
		t.Errorf("error = %v", entry["error"])
	}
	if entry["level"] != "warn" {
		t.Errorf("level = %v", entry["level"])
	}
}

func TestLogger_SensitiveFieldsRedacted(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", &buf)

	logger.Info(context.Background(), "configured", F("token", "s3cr3t"), F("api_key", "k"))

	out := buf.String()
	if strings.Contains(out, "s3cr3t") {
		t.Errorf("token leaked into output: %s", out)
	}
	entry := decodeLine(t, out)
	if entry["token"] != "[REDACTED]" || entry["api_key"] != "[REDACTED]" {
		t.Errorf("expected redaction, got %v", entry)
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("warn", &buf)
	ctx := context.Background()

	logger.Debug(ctx, "debug")
	logger.Info(ctx, "info")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below warn, got: %s", buf.String())
	}

	logger.Warn(ctx, "warn")
	logger.Error(ctx, "error")
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %s", len(lines), buf.String())
	}
	if decodeLine(t, lines[1])["level"] != "error" {
		t.Errorf("second line should be error level: %s", lines[1])
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LevelDebug,
		"info":    LevelInfo,
		"warn":    LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"verbose": LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
	if LevelWarn.String() != "warn" {
		t.Errorf("LevelWarn.String() = %q", LevelWarn.String())
	}
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()
	logger.Info(context.Background(), "ignored", F("k", "v"))
	if logger.WithOp(OpMeta{Op: "get"}) == nil {
		t.Fatal("WithOp should return non-nil logger")
	}
}
