package bus

import (
	"sync"
	"time"
)

// LogLine is one captured service log line.
type LogLine struct {
	At   time.Time
	Text string
}

// RingLog keeps the last N log lines per service and republishes each line
// on the service's log topic.
type RingLog struct {
	mu       sync.Mutex
	services map[string][]LogLine
	capacity int
	bus      *Bus
}

// NewRingLog creates a RingLog keeping capacity lines per service (default
// 256). The bus is optional; when set, appended lines are also published on
// ServiceLogTopic.
func NewRingLog(capacity int, b *Bus) *RingLog {
	if capacity <= 0 {
		capacity = 256
	}
	return &RingLog{
		services: make(map[string][]LogLine),
		capacity: capacity,
		bus:      b,
	}
}

// Append records a line for a service.
func (r *RingLog) Append(serviceID, text string) {
	line := LogLine{At: time.Now(), Text: text}

	r.mu.Lock()
	lines := append(r.services[serviceID], line)
	if len(lines) > r.capacity {
		lines = lines[len(lines)-r.capacity:]
	}
	r.services[serviceID] = lines
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(ServiceLogTopic(serviceID), line)
	}
}

// Snapshot returns a copy of the retained lines for a service, oldest first.
func (r *RingLog) Snapshot(serviceID string) []LogLine {
	r.mu.Lock()
	defer r.mu.Unlock()
	lines := r.services[serviceID]
	out := make([]LogLine, len(lines))
	copy(out, lines)
	return out
}

// Services returns the ids with retained lines.
func (r *RingLog) Services() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.services))
	for id := range r.services {
		out = append(out, id)
	}
	return out
}
