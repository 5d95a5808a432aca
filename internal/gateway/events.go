package gateway

// Events emitted by the gateway on the run topic. The run process consumes
// these and fans them out; unknown payload types are forwarded untouched.

// ActionKind classifies an engine action.
type ActionKind string

const (
	ActionTool       ActionKind = "tool"
	ActionCommand    ActionKind = "command"
	ActionFileChange ActionKind = "file_change"
	ActionWebSearch  ActionKind = "web_search"
	ActionSubagent   ActionKind = "subagent"
	// ActionNote carries high-volume thinking traces; the tool-status
	// coalescer filters these before ingestion.
	ActionNote ActionKind = "note"
)

// ActionPhase is the lifecycle phase of an engine action.
type ActionPhase string

const (
	PhaseStarted   ActionPhase = "started"
	PhaseUpdated   ActionPhase = "updated"
	PhaseCompleted ActionPhase = "completed"
)

// ActionDetail carries optional per-action payloads.
type ActionDetail struct {
	Args          map[string]any `json:"args,omitempty"`
	ResultPreview string         `json:"result_preview,omitempty"`
	Changes       []FileChange   `json:"changes,omitempty"`
	Status        string         `json:"status,omitempty"`
	ExitCode      *int           `json:"exit_code,omitempty"`
	Command       string         `json:"command,omitempty"`
	Role          string         `json:"role,omitempty"`
	AsyncVia      string         `json:"async_via,omitempty"`
	// AutoSendFiles lists files a tool asked to be delivered to the chat.
	AutoSendFiles []AutoSendFile `json:"auto_send_files,omitempty"`
}

// FileChange describes one file touched by a file-change action.
type FileChange struct {
	Path string `json:"path"`
	Kind string `json:"kind"` // created, modified, deleted
}

// AutoSendFile is a file a tool requested to send to the originating chat.
type AutoSendFile struct {
	Path     string `json:"path"`
	Filename string `json:"filename,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// RunStarted announces that the gateway accepted the job and the engine run
// is live.
type RunStarted struct {
	RunID      string `json:"run_id"`
	SessionKey string `json:"session_key"`
}

// Delta is an incremental text chunk. Seq is monotonically increasing per
// run; consumers drop seq ≤ last seen.
type Delta struct {
	RunID string `json:"run_id"`
	Seq   int64  `json:"seq"`
	Text  string `json:"text"`
}

// EngineAction is a tool/command lifecycle event.
type EngineAction struct {
	RunID        string       `json:"run_id"`
	ID           string       `json:"id"`
	Kind         ActionKind   `json:"kind"`
	Title        string       `json:"title"`
	Phase        ActionPhase  `json:"phase"`
	OK           *bool        `json:"ok,omitempty"`
	Detail       ActionDetail `json:"detail"`
	CallerEngine string       `json:"caller_engine,omitempty"`
}

// RunCompleted is the terminal event for a run. The run process synthesizes
// one when the gateway dies without emitting it.
type RunCompleted struct {
	RunID  string       `json:"run_id"`
	OK     bool         `json:"ok"`
	Answer string       `json:"answer,omitempty"`
	Resume *ResumeToken `json:"resume,omitempty"`
	Usage  *Usage       `json:"usage,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// RunFailed is emitted on the run topic when the run process itself dies
// abnormally before completion.
type RunFailed struct {
	RunID  string `json:"run_id"`
	Reason string `json:"reason"`
}
