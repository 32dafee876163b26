package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q): expected %v, got %v", in, want, got)
		}
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New("info", FormatJSON, &buf)
	logger.Debug("hidden")
	logger.Info("Orchestrator HandleInboundMessage", "status", "answered")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["status"] != "answered" {
		t.Errorf("expected status attribute, got %v", entry["status"])
	}
}

func TestConsoleFormatWrites(t *testing.T) {
	var buf bytes.Buffer
	logger := New("debug", FormatConsole, &buf)
	logger.Info("hello console", "key", "value")
	if !strings.Contains(buf.String(), "hello console") {
		t.Errorf("expected message in console output, got %q", buf.String())
	}
}
