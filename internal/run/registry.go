package run

import "sync"

// SessionRegistry enforces single-flight per session: at most one run owns a
// session key at any moment. Register is an atomic compare-and-insert; a
// losing run retries until the owner releases the slot.
type SessionRegistry struct {
	mu     sync.Mutex
	owners map[string]string // session key -> run id
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{owners: make(map[string]string)}
}

// Register claims the session slot for runID. On contention it returns the
// current owner and false.
func (r *SessionRegistry) Register(sessionKey, runID string) (owner string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, taken := r.owners[sessionKey]; taken && cur != runID {
		return cur, false
	}
	r.owners[sessionKey] = runID
	return runID, true
}

// Unregister releases the slot if runID still owns it.
func (r *SessionRegistry) Unregister(sessionKey, runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.owners[sessionKey] == runID {
		delete(r.owners, sessionKey)
	}
}

// Active returns the run currently owning the session.
func (r *SessionRegistry) Active(sessionKey string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	runID, ok := r.owners[sessionKey]
	return runID, ok
}

// RunRegistry resolves run ids to their live process, for abort routing.
type RunRegistry struct {
	mu   sync.Mutex
	runs map[string]*Process
}

// NewRunRegistry creates an empty registry.
func NewRunRegistry() *RunRegistry {
	return &RunRegistry{runs: make(map[string]*Process)}
}

// Register records a live process. Returns false if the run id is taken.
func (r *RunRegistry) Register(runID string, p *Process) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.runs[runID]; taken {
		return false
	}
	r.runs[runID] = p
	return true
}

// Unregister removes the process if it is still the registered one.
func (r *RunRegistry) Unregister(runID string, p *Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runs[runID] == p {
		delete(r.runs, runID)
	}
}

// Lookup returns the process for a run id.
func (r *RunRegistry) Lookup(runID string) (*Process, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.runs[runID]
	return p, ok
}

// Count reports the number of live runs.
func (r *RunRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}
