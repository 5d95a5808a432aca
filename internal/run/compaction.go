package run

import "strings"

// Markers a context-window overflow error is recognized by. Matching is on a
// downcased rendering of the error string.
var overflowMarkers = []string{
	"context_length_exceeded",
	"context length exceeded",
	"context window",
}

// IsContextOverflow reports whether an engine error indicates the
// conversation no longer fits the model's context window.
func IsContextOverflow(errText string) bool {
	lower := strings.ToLower(errText)
	for _, marker := range overflowMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Preemptive-compaction defaults. The reserve leaves room for the next
// prompt; the ratio caps the threshold on small windows.
const (
	defaultReserveTokens = 20000
	defaultTriggerRatio  = 0.85
)

// CompactionConfig tunes the near-limit compaction trigger.
type CompactionConfig struct {
	// ContextWindow overrides the model registry's window when > 0.
	ContextWindow int

	// ReserveTokens is subtracted from the window to form the threshold.
	ReserveTokens int

	// TriggerRatio caps the threshold at window*ratio.
	TriggerRatio float64
}

// Threshold computes the input-token count at which a chat is marked pending
// compaction. Returns 0 when the window is unknown.
func (c CompactionConfig) Threshold(contextWindow int) int {
	if contextWindow <= 0 {
		return 0
	}
	reserve := c.ReserveTokens
	if reserve <= 0 {
		reserve = defaultReserveTokens
	}
	ratio := c.TriggerRatio
	if ratio <= 0 || ratio > 1 {
		ratio = defaultTriggerRatio
	}

	byReserve := contextWindow - reserve
	byRatio := int(float64(contextWindow) * ratio)
	if byReserve < byRatio {
		return byReserve
	}
	return byRatio
}
