// Package coalesce batches run output for the channels. The stream coalescer
// turns high-frequency answer deltas into bounded-rate message edits; the
// tool-status coalescer folds engine actions into a single status message.
// One instance of each exists per (session key, channel id) pair.
package coalesce

import "fmt"

// Capabilities describes how a channel can present run output.
type Capabilities struct {
	// Edit means the channel can edit previously sent messages. Channels
	// without it receive append-only text chunks.
	Edit bool

	// DualMessage means the channel separates a progress/status message
	// (cancel button, tool status) from the answer message. Telegram only.
	DualMessage bool

	// ActionDisplayLimit caps how many tool actions the status message
	// shows. 0 shows all.
	ActionDisplayLimit int

	// Decorations enables the per-action detail annotations.
	Decorations bool

	// MaxTextLen truncates edited message text to the transport limit.
	// 0 means unlimited.
	MaxTextLen int
}

// Adapter ties a channel id to its presentation capabilities.
type Adapter interface {
	ChannelID() string
	Capabilities() Capabilities
}

type staticAdapter struct {
	id   string
	caps Capabilities
}

func (a staticAdapter) ChannelID() string          { return a.id }
func (a staticAdapter) Capabilities() Capabilities { return a.caps }

// NewAdapter builds an adapter with explicit capabilities, for channels that
// have no dedicated adapter.
func NewAdapter(channelID string, caps Capabilities) Adapter {
	return staticAdapter{id: channelID, caps: caps}
}

// telegramMaxTextLen stays under Telegram's 4096-char message limit with
// headroom for the resume footer.
const telegramMaxTextLen = 4000

// TelegramAdapter returns the adapter for the Telegram channel: dual-message
// with edits, last 5 actions shown, decorated.
func TelegramAdapter() Adapter {
	return staticAdapter{
		id: "telegram",
		caps: Capabilities{
			Edit:               true,
			DualMessage:        true,
			ActionDisplayLimit: 5,
			Decorations:        true,
			MaxTextLen:         telegramMaxTextLen,
		},
	}
}

// CancelCallbackData is the inline-button payload the command bot resolves
// back to an abort of the given run.
func CancelCallbackData(runID string) string {
	return "lemon:cancel:" + runID
}

// CancelMarkup is attached to the status message's reply markup while a run
// is cancellable. The channel sender maps it to its native keyboard type.
type CancelMarkup struct {
	RunID        string
	CallbackData string
}

// NewCancelMarkup builds the cancel markup for a run.
func NewCancelMarkup(runID string) CancelMarkup {
	return CancelMarkup{RunID: runID, CallbackData: CancelCallbackData(runID)}
}

// Meta is the per-run channel context threaded through both coalescers.
// Fields are transport message ids plus the originating user message.
type Meta struct {
	AccountID     string
	UserMsgID     string
	ProgressMsgID string
	AnswerMsgID   string
	StatusMsgID   string
}

// merged overlays other onto m, keeping existing values where other is
// empty. Known transport message ids are never wiped by a sparse update.
func (m Meta) merged(other Meta) Meta {
	out := m
	if other.AccountID != "" {
		out.AccountID = other.AccountID
	}
	if other.UserMsgID != "" {
		out.UserMsgID = other.UserMsgID
	}
	if other.ProgressMsgID != "" {
		out.ProgressMsgID = other.ProgressMsgID
	}
	if other.AnswerMsgID != "" {
		out.AnswerMsgID = other.AnswerMsgID
	}
	if other.StatusMsgID != "" {
		out.StatusMsgID = other.StatusMsgID
	}
	return out
}

func answerKey(runID string, seq int64) string {
	return fmt.Sprintf("%s:answer:%d", runID, seq)
}

func statusKey(runID string, seq int64) string {
	return fmt.Sprintf("%s:status:%d", runID, seq)
}

func finalKey(runID string) string {
	return runID + ":final:send"
}
