package gateway

import "context"

// Gateway submits jobs to the engine runtime and cancels them. The runtime
// emits events on bus.RunTopic(job.RunID) as the run progresses.
type Gateway interface {
	// Available reports whether the gateway can currently accept jobs. The
	// run process retries submission with backoff while this is false.
	Available() bool

	// Submit hands a job to the gateway. Submission is idempotent per run id.
	Submit(ctx context.Context, job *Job) error

	// Cancel best-effort cancels a running job by run id.
	Cancel(ctx context.Context, runID string) error

	// DefaultCwd is the working directory used when neither the request nor
	// the profile specifies one.
	DefaultCwd() string
}

// RunDown reports that a gateway run terminated without a completion event.
type RunDown struct {
	RunID  string
	Reason string // "normal", "shutdown", or an abnormal reason
}

// Watcher is an optional Gateway capability: monitoring a gateway run so its
// abnormal exit can synthesize a completion. WatchRun returns a channel that
// delivers at most one RunDown, and false when the run is not discoverable.
type Watcher interface {
	WatchRun(runID string) (<-chan RunDown, bool)
}
