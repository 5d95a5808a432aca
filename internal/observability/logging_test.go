package observability

import (
	"bytes"
	"strings"
	"testing"
)

func TestLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf, Format: "json"})

	logger.Info("telegram start",
		"token", "1234567890:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
		"key", "sk-abcdefghijklmnopqrstuvwxyz",
	)

	out := buf.String()
	if strings.Contains(out, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA") {
		t.Errorf("bot token leaked: %s", out)
	}
	if strings.Contains(out, "sk-abcdefghijklmnopqrstuvwxyz") {
		t.Errorf("api key leaked: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("no redaction applied: %s", out)
	}
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf, Level: "warn"})

	logger.Info("dropped")
	logger.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("info record passed warn level: %s", out)
	}
	if !strings.Contains(out, "kept") {
		t.Errorf("warn record missing: %s", out)
	}
}

func TestLoggerCustomPattern(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Output:         &buf,
		RedactPatterns: []string{`internal-[0-9]+`},
	})

	logger.Info("x", "id", "internal-12345")
	if strings.Contains(buf.String(), "internal-12345") {
		t.Errorf("custom pattern not applied: %s", buf.String())
	}
}
