// Package bus provides the in-process event bus the routing core runs on.
// Publishing is best effort: a subscriber that cannot keep up loses events
// rather than blocking the publisher, and lost events must never strand a
// run (the run process synthesizes completions for exactly that reason).
package bus

import (
	"sync"
)

// Topic names used by the core.
const (
	TopicApprovals     = "exec_approvals"
	TopicServicesAll   = "services:all"
	TopicRunsSubmitted = "runs:submitted"
)

// RunTopic is the per-run event topic fed by the gateway.
func RunTopic(runID string) string { return "run:" + runID }

// SessionTopic carries the fan-out of run events to session subscribers.
func SessionTopic(sessionKey string) string { return "session:" + sessionKey }

// ServiceTopic carries lifecycle events for one service.
func ServiceTopic(serviceID string) string { return "service:" + serviceID }

// ServiceLogTopic carries log lines for one service.
func ServiceLogTopic(serviceID string) string { return "service:" + serviceID + ":logs" }

// Event is a published message with its topic attached.
type Event struct {
	Topic   string
	Payload any
}

// Subscription receives events for one topic. C is closed on Unsubscribe.
type Subscription struct {
	C     <-chan Event
	bus   *Bus
	topic string
	ch    chan Event
	once  sync.Once
}

// Unsubscribe detaches from the topic and closes C.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.remove(s.topic, s)
	})
}

// Bus is a topic-indexed set of subscribers. Publish fans out sequentially
// and never blocks.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
	buffer int
}

// New creates a Bus. Subscriber channels hold up to buffer events (default
// 64) before the bus starts dropping for that subscriber.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		topics: make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe attaches to a topic.
func (b *Bus) Subscribe(topic string) *Subscription {
	ch := make(chan Event, b.buffer)
	sub := &Subscription{C: ch, ch: ch, bus: b, topic: topic}

	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		b.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	return sub
}

// remove closes the subscriber channel under the write lock so no publisher
// can race the close.
func (b *Bus) remove(topic string, sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.topics[topic]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
	close(sub.ch)
}

// Publish delivers payload to every subscriber of topic. Full subscriber
// buffers drop the event.
func (b *Bus) Publish(topic string, payload any) {
	ev := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.topics[topic] {
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// SubscriberCount returns the number of subscribers on a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}
