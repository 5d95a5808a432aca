// Package gateway defines the contract between the routing core and the
// external engine gateway: the Job submitted per run and the event stream
// the gateway emits on the run topic. The gateway itself is opaque; the core
// only submits, cancels, and consumes events.
package gateway

import "strings"

// QueueMode controls how a submitted prompt interacts with an in-flight run
// on the same session.
type QueueMode string

const (
	QueueCollect      QueueMode = "collect"
	QueueFollowup     QueueMode = "followup"
	QueueSteer        QueueMode = "steer"
	QueueSteerBacklog QueueMode = "steer_backlog"
	QueueInterrupt    QueueMode = "interrupt"
)

var queueModes = map[string]QueueMode{
	"collect":       QueueCollect,
	"followup":      QueueFollowup,
	"steer":         QueueSteer,
	"steer_backlog": QueueSteerBacklog,
	"interrupt":     QueueInterrupt,
}

// NormalizeQueueMode maps a free-form string onto the allowed set,
// case-insensitively. Unknown or empty input yields fallback.
func NormalizeQueueMode(s string, fallback QueueMode) QueueMode {
	if mode, ok := queueModes[strings.ToLower(strings.TrimSpace(s))]; ok {
		return mode
	}
	return fallback
}

// Origin identifies where a run request came from.
type Origin string

const (
	OriginChannel      Origin = "channel"
	OriginControlPlane Origin = "control_plane"
	OriginCron         Origin = "cron"
	OriginNode         Origin = "node"
)

// ResumeToken is an engine-specific opaque handle that lets a later run
// continue a prior conversation.
type ResumeToken struct {
	Engine string `json:"engine"`
	Value  string `json:"value"`
}

// Usage reports token accounting for a completed run.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// JobMeta carries per-run routing context through the gateway and back out
// on events.
type JobMeta struct {
	Origin        Origin         `json:"origin"`
	AgentID       string         `json:"agent_id"`
	ThinkingLevel string         `json:"thinking_level,omitempty"`
	Model         string         `json:"model,omitempty"`
	SystemPrompt  string         `json:"system_prompt,omitempty"`
	ChannelID     string         `json:"channel_id,omitempty"`
	AccountID     string         `json:"account_id,omitempty"`
	PeerKind      string         `json:"peer_kind,omitempty"`
	PeerID        string         `json:"peer_id,omitempty"`
	ThreadID      string         `json:"thread_id,omitempty"`
	ProgressMsgID string         `json:"progress_msg_id,omitempty"`
	StatusMsgID   string         `json:"status_msg_id,omitempty"`
	UserMsgID     string         `json:"user_msg_id,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// Job is one prompt→completion unit of work handed to the gateway.
type Job struct {
	RunID      string         `json:"run_id"`
	SessionKey string         `json:"session_key"`
	Prompt     string         `json:"prompt"`
	EngineID   string         `json:"engine_id,omitempty"`
	Cwd        string         `json:"cwd,omitempty"`
	Resume     *ResumeToken   `json:"resume,omitempty"`
	QueueMode  QueueMode      `json:"queue_mode"`
	Lane       string         `json:"lane,omitempty"`
	ToolPolicy map[string]any `json:"tool_policy,omitempty"`
	Meta       JobMeta        `json:"meta"`
}
