package logging

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func TestComponentLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)
	SetLevel(LevelWarn)
	defer SetLevel(LevelInfo)

	logger := NewComponentLogger("Test")
	logger.Info("should be filtered")
	logger.Warn("kept %d", 1)

	out := buf.String()
	if strings.Contains(out, "filtered") {
		t.Errorf("info line leaked through warn filter: %q", out)
	}
	if !strings.Contains(out, "kept 1") || !strings.Contains(out, "[Test]") {
		t.Errorf("missing warn line or component prefix: %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   LevelDebug,
		"WARN":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) returned nil")
	}
	var typed *componentLogger
	if got := OrNop(typed); IsNil(got) {
		t.Fatal("OrNop of typed-nil should return usable logger")
	}
}

func TestNewRequestID(t *testing.T) {
	id := NewRequestID()
	if len(id) != 8 {
		t.Fatalf("request id %q not 8 chars", id)
	}
}
