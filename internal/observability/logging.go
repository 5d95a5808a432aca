// Package observability provides structured logging with secret redaction,
// Prometheus metrics, and optional OTLP tracing for the daemon.
package observability

import (
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures the daemon logger.
type LogConfig struct {
	// Level is the minimum level: "debug", "info", "warn", "error".
	Level string

	// Format is "json" or "text".
	Format string

	// Output defaults to os.Stdout.
	Output io.Writer

	// AddSource includes file and line in records.
	AddSource bool

	// RedactPatterns are extra regexes applied to string attribute values on
	// top of the built-in secret patterns.
	RedactPatterns []string
}

// defaultRedactPatterns match credentials that tend to leak into logs: bot
// tokens, API keys, and bearer-style secrets.
var defaultRedactPatterns = []string{
	`\b\d{8,10}:[A-Za-z0-9_-]{35}\b`, // telegram bot token
	`sk-[A-Za-z0-9_-]{20,}`,
	`(?i)(bearer|token|secret|password)[\s:=]+\S{8,}`,
	`eyJ[A-Za-z0-9_-]*\.eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]*`, // jwt
}

// NewLogger builds a slog.Logger that redacts secrets from string attribute
// values before they reach the handler.
func NewLogger(cfg LogConfig) *slog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	patterns := make([]*regexp.Regexp, 0, len(defaultRedactPatterns)+len(cfg.RedactPatterns))
	for _, p := range defaultRedactPatterns {
		patterns = append(patterns, regexp.MustCompile(p))
	}
	for _, p := range cfg.RedactPatterns {
		if re, err := regexp.Compile(p); err == nil {
			patterns = append(patterns, re)
		}
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Value.Kind() != slog.KindString {
				return a
			}
			value := a.Value.String()
			for _, re := range patterns {
				value = re.ReplaceAllString(value, "[REDACTED]")
			}
			a.Value = slog.StringValue(value)
			return a
		},
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = slog.NewTextHandler(cfg.Output, opts)
	}
	return slog.New(handler)
}
