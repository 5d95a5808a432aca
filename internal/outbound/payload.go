// Package outbound defines the channel-send abstraction: payloads emitted by
// the coalescers, the outbox that dedupes and dispatches them, and the
// delivery acks that flow back to interested emitters.
//
// Delivery is at-least-once; every payload carries an idempotency key of the
// form "<run_id>:<phase>[:<seq>]" and two payloads with the same key produce
// at most one observable effect at the transport.
package outbound

import (
	"github.com/lemonhq/lemon/internal/session"
)

// Kind is the payload kind.
type Kind string

const (
	KindText   Kind = "text"
	KindEdit   Kind = "edit"
	KindDelete Kind = "delete"
	KindFile   Kind = "file"
)

// Peer addresses the remote conversation end within a channel account.
type Peer struct {
	Kind     session.PeerKind `json:"kind"`
	ID       string           `json:"id"`
	ThreadID string           `json:"thread_id,omitempty"`
}

// EditContent targets an existing message.
type EditContent struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

// DeleteContent removes an existing message.
type DeleteContent struct {
	MessageID string `json:"message_id"`
}

// FileContent delivers one file.
type FileContent struct {
	Path     string `json:"path"`
	Filename string `json:"filename,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// Meta carries run context and channel hints on a payload.
type Meta struct {
	RunID             string `json:"run_id"`
	SessionKey        string `json:"session_key"`
	Final             bool   `json:"final,omitempty"`
	Seq               int64  `json:"seq,omitempty"`
	ReplyMarkup       any    `json:"reply_markup,omitempty"`
	AutoSendGenerated bool   `json:"auto_send_generated,omitempty"`
}

// Ack is the delivery acknowledgement sent to a payload's notify channel.
type Ack struct {
	Ref       string
	MessageID string
	Err       error
}

// Payload is one outbound channel operation.
type Payload struct {
	ChannelID string
	AccountID string
	Peer      Peer

	Kind   Kind
	Text   string         // KindText
	Edit   *EditContent   // KindEdit
	Delete *DeleteContent // KindDelete
	Files  []FileContent  // KindFile

	ReplyTo        string
	IdempotencyKey string
	Meta           Meta

	// NotifyRef and Notify request a delivery ack. The outbox sends exactly
	// one Ack per accepted payload when both are set.
	NotifyRef string
	Notify    chan<- Ack
}

// DeliveryResult is what a channel sender reports for a delivered payload.
type DeliveryResult struct {
	MessageID string
}
