package resume

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/lemonhq/lemon/internal/gateway"
)

// Strict resume lines: a line that is nothing but a CLI resume invocation or
// a resume footer. Only whole lines match, so a token mentioned mid-sentence
// is left alone.
var resumeLinePatterns = []struct {
	re     *regexp.Regexp
	engine string // "" means the engine is captured from the line
}{
	{regexp.MustCompile(`^codex resume ([A-Za-z0-9._-]+)$`), "codex"},
	{regexp.MustCompile(`^claude --resume ([A-Za-z0-9._-]+)$`), "claude"},
	{regexp.MustCompile(`^resume: ([a-z0-9_-]+):([A-Za-z0-9._-]+)$`), ""},
}

// Extract pulls the first resume token out of text and returns the text with
// every strict resume line removed. Returns (nil, text) when no token is
// found.
func Extract(text string) (*gateway.ResumeToken, string) {
	if text == "" {
		return nil, text
	}

	var token *gateway.ResumeToken
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		matched := false
		for _, p := range resumeLinePatterns {
			m := p.re.FindStringSubmatch(trimmed)
			if m == nil {
				continue
			}
			matched = true
			if token == nil {
				if p.engine != "" {
					token = &gateway.ResumeToken{Engine: p.engine, Value: m[1]}
				} else {
					token = &gateway.ResumeToken{Engine: m[1], Value: m[2]}
				}
			}
			break
		}
		if !matched {
			kept = append(kept, line)
		}
	}
	return token, strings.TrimSpace(strings.Join(kept, "\n"))
}

// Footer renders the resume footer appended to final answers. Replies that
// quote it round-trip through Extract.
func Footer(token gateway.ResumeToken) string {
	if token.Value == "" {
		return ""
	}
	engine := token.Engine
	if engine == "" {
		engine = "codex"
	}
	return fmt.Sprintf("\n\nresume: %s:%s", engine, token.Value)
}
