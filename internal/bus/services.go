package bus

import "time"

// Service lifecycle states.
const (
	ServiceStarting = "starting"
	ServiceUp       = "up"
	ServiceDown     = "down"
)

// ServiceEvent is one lifecycle transition of a daemon component, published
// on the service's own topic and on TopicServicesAll.
type ServiceEvent struct {
	ServiceID string
	State     string
	Detail    string
	At        time.Time
}

// ServiceReporter fans component lifecycle onto the service topics and
// mirrors each transition into the ring log. A nil reporter discards
// reports, so optional components need no guard.
type ServiceReporter struct {
	bus *Bus
	log *RingLog
	now func() time.Time
}

// NewServiceReporter builds a reporter. The ring log is optional.
func NewServiceReporter(b *Bus, log *RingLog) *ServiceReporter {
	return &ServiceReporter{bus: b, log: log, now: time.Now}
}

// Report publishes one transition.
func (r *ServiceReporter) Report(serviceID, state, detail string) {
	if r == nil {
		return
	}
	ev := ServiceEvent{ServiceID: serviceID, State: state, Detail: detail, At: r.now()}
	r.bus.Publish(ServiceTopic(serviceID), ev)
	r.bus.Publish(TopicServicesAll, ev)
	if r.log != nil {
		text := state
		if detail != "" {
			text += ": " + detail
		}
		r.log.Append(serviceID, text)
	}
}

// Log exposes the backing ring log, nil when none was attached.
func (r *ServiceReporter) Log() *RingLog {
	if r == nil {
		return nil
	}
	return r.log
}
