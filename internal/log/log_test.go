package log

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewWithWriter_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, Config{Level: slog.LevelInfo})

	logger.Info("memory stored", "id", "m-1")

	out := buf.String()
	if !strings.Contains(out, "memory stored") {
		t.Errorf("expected message in output, got: %s", out)
	}
	if !strings.Contains(out, "id=m-1") {
		t.Errorf("expected attribute in output, got: %s", out)
	}
}

func TestNewWithWriter_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, Config{JSON: true})

	logger.Info("tier healthy", "tier", "relational")

	out := buf.String()
	if !strings.Contains(out, `"msg":"tier healthy"`) {
		t.Errorf("expected JSON message in output, got: %s", out)
	}
	if !strings.Contains(out, `"tier":"relational"`) {
		t.Errorf("expected JSON attribute in output, got: %s", out)
	}
}

func TestNewWithWriter_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, Config{Level: slog.LevelWarn})

	logger.Debug("should be filtered")
	logger.Info("should be filtered too")
	logger.Warn("should appear")

	out := buf.String()
	if strings.Contains(out, "filtered") {
		t.Errorf("expected debug/info suppressed, got: %s", out)
	}
	if !strings.Contains(out, "should appear") {
		t.Errorf("expected warn message, got: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want slog.Level
	}{
		{"debug", "debug", slog.LevelDebug},
		{"info", "info", slog.LevelInfo},
		{"warn", "warn", slog.LevelWarn},
		{"error", "error", slog.LevelError},
		{"uppercase", "WARN", slog.LevelWarn},
		{"empty defaults to info", "", slog.LevelInfo},
		{"garbage defaults to info", "loud", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseLevel_DrivesFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, Config{Level: ParseLevel("error")})

	logger.Warn("suppressed")
	logger.Error("kept")

	out := buf.String()
	if strings.Contains(out, "suppressed") {
		t.Errorf("expected warn suppressed at error level, got: %s", out)
	}
	if !strings.Contains(out, "kept") {
		t.Errorf("expected error message, got: %s", out)
	}
}

func TestNewNop_DiscardsOutput(t *testing.T) {
	logger := NewNop()
	// Must not panic; output goes nowhere.
	logger.Error("dropped", "key", "value")
	logger.With("component", "decay").Info("also dropped")
}
