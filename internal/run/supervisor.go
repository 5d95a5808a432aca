package run

import (
	"errors"
	"sync"
)

// ErrCapacity is returned when the supervisor is at its run bound. Callers
// surface it as backpressure.
var ErrCapacity = errors.New("run: capacity reached")

// defaultMaxRuns bounds concurrent runs per node.
const defaultMaxRuns = 500

// Supervisor admits run processes under a concurrency bound and tracks their
// lifetime.
type Supervisor struct {
	mu     sync.Mutex
	max    int
	active int
}

// NewSupervisor creates a supervisor. max <= 0 means unbounded.
func NewSupervisor(max int) *Supervisor {
	return &Supervisor{max: max}
}

// NewDefaultSupervisor creates a supervisor with the default bound.
func NewDefaultSupervisor() *Supervisor {
	return &Supervisor{max: defaultMaxRuns}
}

// Start admits and starts a process. The slot is released when the process
// exits.
func (s *Supervisor) Start(p *Process) error {
	s.mu.Lock()
	if s.max > 0 && s.active >= s.max {
		s.mu.Unlock()
		return ErrCapacity
	}
	s.active++
	s.mu.Unlock()

	p.onExit = append(p.onExit, s.release)
	p.start()
	return nil
}

// Active reports the number of admitted, still-running processes.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Supervisor) release() {
	s.mu.Lock()
	if s.active > 0 {
		s.active--
	}
	s.mu.Unlock()
}
