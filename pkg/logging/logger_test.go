package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		enable slog.Level
	}{
		{"debug level", "debug", slog.LevelDebug},
		{"warn level", "warn", slog.LevelWarn},
		{"warning alias", "WARNING", slog.LevelWarn},
		{"default info", "", slog.LevelInfo},
	}

	ctx := context.Background()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.level)
			if !logger.Enabled(ctx, tt.enable) {
				t.Fatalf("expected level %s to be enabled", tt.enable)
			}
		})
	}
}

func TestDefaultLogger(t *testing.T) {
	logger := Default()
	ctx := context.Background()
	if !logger.Enabled(ctx, slog.LevelInfo) {
		t.Error("Default() should enable info level")
	}
	if logger.Enabled(ctx, slog.LevelDebug) {
		t.Error("Default() should not enable debug level")
	}
}

func TestWithAddsAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter("info", "json", &buf).With("backend", "local")
	logger.Info("routed", "tenant", "demo")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["backend"] != "local" || entry["tenant"] != "demo" {
		t.Fatalf("unexpected log entry: %v", entry)
	}
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter("debug", "text", &buf).Debug("hello", "k", "v")
	if !strings.Contains(buf.String(), "k=v") {
		t.Fatalf("expected text output, got %q", buf.String())
	}
}

func TestNilLoggerWith(t *testing.T) {
	var logger *Logger
	if logger.With("a", 1) == nil {
		t.Fatal("expected a usable logger from nil receiver")
	}
}
