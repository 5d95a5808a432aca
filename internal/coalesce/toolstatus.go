package coalesce

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lemonhq/lemon/internal/gateway"
	"github.com/lemonhq/lemon/internal/outbound"
	"github.com/lemonhq/lemon/internal/session"
)

// maxTrackedActions bounds the per-run action table; the oldest entries are
// evicted first.
const maxTrackedActions = 40

// ToolStatusConfig tunes one tool-status coalescer.
type ToolStatusConfig struct {
	Idle       time.Duration
	MaxLatency time.Duration
	MaxActions int
	Logger     *slog.Logger
}

func (c *ToolStatusConfig) applyDefaults() {
	if c.Idle <= 0 {
		c.Idle = defaultIdle
	}
	if c.MaxLatency <= 0 {
		c.MaxLatency = defaultMaxLatency
	}
	if c.MaxActions <= 0 {
		c.MaxActions = maxTrackedActions
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ToolStatusCoalescer folds engine action events into one status message per
// run. Note actions and actions without an id are filtered before ingestion;
// the rest upsert in insertion order.
type ToolStatusCoalescer struct {
	sessionKey session.Key
	adapter    Adapter
	outbox     outbound.Outbox
	cfg        ToolStatusConfig
	logger     *slog.Logger
	now        func() time.Time

	mu           sync.Mutex
	runID        string
	seq          int64
	actions      map[string]gateway.EngineAction
	order        []string
	firstEventAt time.Time
	finalized    bool
	lastText     string
	meta         Meta

	statusCreateRef string
	deferredText    string

	idleTimer *time.Timer
	acks      chan outbound.Ack
	done      chan struct{}
	closed    bool
}

// NewToolStatusCoalescer builds and starts a tool-status coalescer.
func NewToolStatusCoalescer(key session.Key, adapter Adapter, outbox outbound.Outbox, cfg ToolStatusConfig) *ToolStatusCoalescer {
	cfg.applyDefaults()
	c := &ToolStatusCoalescer{
		sessionKey: key,
		adapter:    adapter,
		outbox:     outbox,
		cfg:        cfg,
		logger: cfg.Logger.With(
			"component", "tool_status_coalescer",
			"session_key", key.String(),
			"channel", adapter.ChannelID()),
		now:     time.Now,
		actions: make(map[string]gateway.EngineAction),
		acks:    make(chan outbound.Ack, 32),
		done:    make(chan struct{}),
	}
	go c.ackLoop()
	return c
}

// Ingest accepts one action event.
func (c *ToolStatusCoalescer) Ingest(action gateway.EngineAction, meta Meta) {
	if action.Kind == gateway.ActionNote || action.ID == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if action.RunID != c.runID {
		c.resetLocked(action.RunID)
	}
	c.meta = c.meta.merged(meta)
	if c.finalized {
		return
	}

	if _, known := c.actions[action.ID]; !known {
		c.order = append(c.order, action.ID)
		if len(c.order) > c.cfg.MaxActions {
			evicted := c.order[0]
			c.order = c.order[1:]
			delete(c.actions, evicted)
		}
	}
	c.actions[action.ID] = action

	if c.firstEventAt.IsZero() {
		c.firstEventAt = c.now()
	}
	if c.now().Sub(c.firstEventAt) >= c.cfg.MaxLatency {
		c.flushLocked()
	} else {
		c.armIdleLocked()
	}
}

// Flush force-renders and emits the current status.
func (c *ToolStatusCoalescer) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
}

// FinalizeRun marks every still-running action completed with the run's ok
// flag and emits a last status render without the cancel button. With no
// actions ingested it is a no-op unless a progress message would be left
// dangling, in which case it becomes "Done".
func (c *ToolStatusCoalescer) FinalizeRun(runID string, ok bool, meta Meta) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if runID != c.runID {
		c.resetLocked(runID)
	}
	c.meta = c.meta.merged(meta)
	c.finalized = true
	c.stopIdleLocked()

	for id, a := range c.actions {
		if a.Phase != gateway.PhaseCompleted {
			a.Phase = gateway.PhaseCompleted
			okCopy := ok
			if a.OK == nil {
				a.OK = &okCopy
			}
			c.actions[id] = a
		}
	}

	if len(c.order) == 0 {
		if c.meta.ProgressMsgID == "" {
			return
		}
		c.emitLocked("Done")
		return
	}
	c.flushLocked()
}

// Stop cancels timers and the ack loop.
func (c *ToolStatusCoalescer) Stop() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopIdleLocked()
	c.mu.Unlock()
	close(c.done)
}

func (c *ToolStatusCoalescer) flushLocked() {
	if len(c.order) == 0 && !c.finalized {
		return
	}
	text := c.renderLocked()
	if text == "" || text == c.lastText {
		return
	}
	c.emitLocked(text)
}

func (c *ToolStatusCoalescer) renderLocked() string {
	caps := c.adapter.Capabilities()
	r := Renderer{Limit: caps.ActionDisplayLimit, Decorations: caps.Decorations}

	ordered := make([]gateway.EngineAction, 0, len(c.order))
	anyRunning := false
	for _, id := range c.order {
		a := c.actions[id]
		ordered = append(ordered, a)
		if a.Phase != gateway.PhaseCompleted {
			anyRunning = true
		}
	}
	text := r.Render(ordered)
	if text == "" {
		return ""
	}
	if c.meta.ProgressMsgID != "" && anyRunning {
		text = "Running…\n\n" + text
	}
	return truncateTail(text, caps.MaxTextLen)
}

// emitLocked delivers the rendered text: an edit when the status message is
// known, a deferred stash while creation is in flight, else a new message
// carrying the cancel button. Finalization drops the button.
func (c *ToolStatusCoalescer) emitLocked(text string) {
	caps := c.adapter.Capabilities()
	c.seq++

	switch {
	case caps.Edit && c.statusTargetLocked() != "":
		c.enqueueLocked(&outbound.Payload{
			ChannelID:      c.adapter.ChannelID(),
			AccountID:      c.meta.AccountID,
			Peer:           c.peer(),
			Kind:           outbound.KindEdit,
			Edit:           &outbound.EditContent{MessageID: c.statusTargetLocked(), Text: text},
			IdempotencyKey: statusKey(c.runID, c.seq),
			Meta:           c.statusMetaLocked(),
		})
	case caps.Edit && c.statusCreateRef != "":
		c.deferredText = text
		return
	case caps.Edit:
		ref := statusKey(c.runID, c.seq)
		c.statusCreateRef = ref
		c.enqueueLocked(&outbound.Payload{
			ChannelID:      c.adapter.ChannelID(),
			AccountID:      c.meta.AccountID,
			Peer:           c.peer(),
			Kind:           outbound.KindText,
			Text:           text,
			ReplyTo:        c.meta.UserMsgID,
			IdempotencyKey: ref,
			Meta:           c.statusMetaLocked(),
			NotifyRef:      ref,
			Notify:         c.acks,
		})
	default:
		c.enqueueLocked(&outbound.Payload{
			ChannelID:      c.adapter.ChannelID(),
			AccountID:      c.meta.AccountID,
			Peer:           c.peer(),
			Kind:           outbound.KindText,
			Text:           text,
			IdempotencyKey: statusKey(c.runID, c.seq),
			Meta:           c.statusMetaLocked(),
		})
	}
	c.lastText = text
	c.firstEventAt = time.Time{}
	c.stopIdleLocked()
}

// statusMetaLocked attaches the cancel markup while the run can still be
// cancelled.
func (c *ToolStatusCoalescer) statusMetaLocked() outbound.Meta {
	m := outbound.Meta{
		RunID:      c.runID,
		SessionKey: c.sessionKey.String(),
		Seq:        c.seq,
		Final:      c.finalized,
	}
	if !c.finalized {
		m.ReplyMarkup = NewCancelMarkup(c.runID)
	}
	return m
}

// statusTargetLocked is the message a status edit lands on: the dedicated
// status message on dual-message channels, the progress message elsewhere.
func (c *ToolStatusCoalescer) statusTargetLocked() string {
	if c.adapter.Capabilities().DualMessage {
		if c.meta.StatusMsgID != "" {
			return c.meta.StatusMsgID
		}
		return c.meta.ProgressMsgID
	}
	return c.meta.ProgressMsgID
}

func (c *ToolStatusCoalescer) ackLoop() {
	for {
		select {
		case ack := <-c.acks:
			c.handleAck(ack)
		case <-c.done:
			return
		}
	}
}

func (c *ToolStatusCoalescer) handleAck(ack outbound.Ack) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ack.Ref != c.statusCreateRef {
		return
	}
	c.statusCreateRef = ""
	if ack.Err != nil || ack.MessageID == "" {
		c.logger.Warn("status message creation failed", "error", ack.Err)
		return
	}
	c.meta.StatusMsgID = ack.MessageID
	if c.deferredText != "" && c.deferredText != c.lastText {
		text := c.deferredText
		c.deferredText = ""
		c.seq++
		c.enqueueLocked(&outbound.Payload{
			ChannelID:      c.adapter.ChannelID(),
			AccountID:      c.meta.AccountID,
			Peer:           c.peer(),
			Kind:           outbound.KindEdit,
			Edit:           &outbound.EditContent{MessageID: ack.MessageID, Text: text},
			IdempotencyKey: statusKey(c.runID, c.seq),
			Meta:           c.statusMetaLocked(),
		})
		c.lastText = text
	}
	c.deferredText = ""
}

// StatusMessageID reports the delivered status message id, when known.
func (c *ToolStatusCoalescer) StatusMessageID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meta.StatusMsgID
}

func (c *ToolStatusCoalescer) armIdleLocked() {
	c.stopIdleLocked()
	c.idleTimer = time.AfterFunc(c.cfg.Idle, c.Flush)
}

func (c *ToolStatusCoalescer) stopIdleLocked() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
}

func (c *ToolStatusCoalescer) resetLocked(runID string) {
	c.runID = runID
	c.seq = 0
	c.actions = make(map[string]gateway.EngineAction)
	c.order = nil
	c.firstEventAt = time.Time{}
	c.finalized = false
	c.lastText = ""
	c.statusCreateRef = ""
	c.deferredText = ""
	c.stopIdleLocked()
}

func (c *ToolStatusCoalescer) enqueueLocked(p *outbound.Payload) {
	if err := c.outbox.Enqueue(context.Background(), p); err != nil && err != outbound.ErrDuplicate {
		c.logger.Warn("outbound enqueue failed", "kind", p.Kind, "error", err)
	}
}

func (c *ToolStatusCoalescer) peer() outbound.Peer {
	return outbound.Peer{
		Kind:     c.sessionKey.PeerKind,
		ID:       c.sessionKey.PeerID,
		ThreadID: c.sessionKey.ThreadID,
	}
}
