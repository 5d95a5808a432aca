package coalesce

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lemonhq/lemon/internal/gateway"
	"github.com/lemonhq/lemon/internal/outbound"
	"github.com/lemonhq/lemon/internal/session"
)

// Stream tuning. The defaults bound both chattiness and perceived latency.
const (
	defaultMinChars    = 48
	defaultIdle        = 400 * time.Millisecond
	defaultMaxLatency  = 1200 * time.Millisecond
	defaultMaxFullText = 100000
)

// Pending resume-index retry schedule.
const (
	resumeRetryBase = 2 * time.Second
	resumeRetryCap  = 30 * time.Second
	resumeRetryMax  = 4
)

// ResumeIndexer records the mapping from a delivered final message to its
// resume token, so a later reply to that message resumes the same engine
// thread.
type ResumeIndexer interface {
	IndexMessage(ctx context.Context, accountID, messageID string, token gateway.ResumeToken) error
}

// StreamConfig tunes one stream coalescer.
type StreamConfig struct {
	MinChars    int
	Idle        time.Duration
	MaxLatency  time.Duration
	MaxFullText int

	// ResumeFooter, when set, renders the footer appended to the final
	// answer for resumable runs.
	ResumeFooter func(gateway.ResumeToken) string

	Logger *slog.Logger
}

func (c *StreamConfig) applyDefaults() {
	if c.MinChars <= 0 {
		c.MinChars = defaultMinChars
	}
	if c.Idle <= 0 {
		c.Idle = defaultIdle
	}
	if c.MaxLatency <= 0 {
		c.MaxLatency = defaultMaxLatency
	}
	if c.MaxFullText <= 0 {
		c.MaxFullText = defaultMaxFullText
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// StreamCoalescer batches answer deltas for one (session key, channel id)
// pair. Deltas accumulate until the buffer is long enough, the idle timer
// fires, or the max-latency deadline passes; each flush emits at most one
// outbound payload.
//
// On edit-capable channels the flush edits the accumulated full text into the
// answer message, so repeated flushes converge idempotently on the final
// text. Channels without edit support get append-only chunks.
type StreamCoalescer struct {
	sessionKey session.Key
	adapter    Adapter
	outbox     outbound.Outbox
	resume     ResumeIndexer
	cfg        StreamConfig
	logger     *slog.Logger
	now        func() time.Time

	mu           sync.Mutex
	runID        string
	lastSeq      int64
	buffer       strings.Builder
	fullText     string
	firstDeltaAt time.Time
	finalized    bool
	meta         Meta
	lastSent     string

	answerCreateRef string
	deferredAnswer  string
	deferredFinal   bool
	deferredResume  *gateway.ResumeToken

	idleTimer *time.Timer

	acks    chan outbound.Ack
	pending map[string]*pendingResume
	done    chan struct{}
	closed  bool
}

type pendingResume struct {
	token    gateway.ResumeToken
	attempts int
	timer    *time.Timer
}

// NewStreamCoalescer builds and starts a stream coalescer.
func NewStreamCoalescer(key session.Key, adapter Adapter, outbox outbound.Outbox, resume ResumeIndexer, cfg StreamConfig) *StreamCoalescer {
	cfg.applyDefaults()
	c := &StreamCoalescer{
		sessionKey: key,
		adapter:    adapter,
		outbox:     outbox,
		resume:     resume,
		cfg:        cfg,
		logger: cfg.Logger.With(
			"component", "stream_coalescer",
			"session_key", key.String(),
			"channel", adapter.ChannelID()),
		now:     time.Now,
		acks:    make(chan outbound.Ack, 32),
		pending: make(map[string]*pendingResume),
		done:    make(chan struct{}),
	}
	go c.ackLoop()
	return c
}

// Ingest accepts one delta. Out-of-order and late (post-finalize) deltas are
// dropped; a run-id change resets all per-run state while keeping known
// transport message ids.
func (c *StreamCoalescer) Ingest(runID string, seq int64, text string, meta Meta) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if runID != c.runID {
		c.resetLocked(runID)
	}
	c.meta = c.meta.merged(meta)

	if c.finalized {
		return
	}
	if seq <= c.lastSeq {
		return
	}
	c.lastSeq = seq

	if text != "" {
		c.buffer.WriteString(text)
		c.fullText = capTail(c.fullText+text, c.cfg.MaxFullText)
		if c.firstDeltaAt.IsZero() {
			c.firstDeltaAt = c.now()
		}
	}

	switch {
	case c.buffer.Len() >= c.cfg.MinChars:
		c.flushLocked()
	case !c.firstDeltaAt.IsZero() && c.now().Sub(c.firstDeltaAt) >= c.cfg.MaxLatency:
		c.flushLocked()
	default:
		c.armIdleLocked()
	}
}

// Flush force-emits any buffered text. Used on teardown and when tool status
// must be pushed out ahead of the first delta.
func (c *StreamCoalescer) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
}

// FinalizeParams carries the terminal state of a run into finalization.
type FinalizeParams struct {
	Meta      Meta
	FinalText string
	Resume    *gateway.ResumeToken
	OK        bool
}

// FinalizeRun produces the terminal answer message: the first non-empty of
// final text, accumulated full text, buffer, or "Done", with the resume
// footer appended when configured. Delivered message ids are indexed to the
// run's resume token.
func (c *StreamCoalescer) FinalizeRun(runID string, p FinalizeParams) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if runID != c.runID {
		c.resetLocked(runID)
	}
	c.meta = c.meta.merged(p.Meta)
	c.finalized = true
	c.stopIdleLocked()

	text := firstNonEmpty(p.FinalText, c.fullText, c.buffer.String(), "Done")
	if p.Resume != nil && c.cfg.ResumeFooter != nil {
		footer := c.cfg.ResumeFooter(*p.Resume)
		if footer != "" && !strings.Contains(text, footer) {
			text += footer
		}
	}
	text = truncateTail(text, c.adapter.Capabilities().MaxTextLen)

	caps := c.adapter.Capabilities()
	key := finalKey(runID)

	if caps.DualMessage && c.meta.AnswerMsgID == "" && c.answerCreateRef != "" {
		// The answer message is still being created. Defer the final edit to
		// the create ack rather than posting a duplicate answer.
		c.deferredAnswer = text
		c.deferredFinal = true
		if p.Resume != nil && c.resume != nil {
			tok := *p.Resume
			c.deferredResume = &tok
		}
		return
	}

	if caps.Edit && c.answerTargetLocked() != "" {
		msgID := c.answerTargetLocked()
		c.enqueueLocked(&outbound.Payload{
			ChannelID:      c.adapter.ChannelID(),
			AccountID:      c.meta.AccountID,
			Peer:           c.peer(),
			Kind:           outbound.KindEdit,
			Edit:           &outbound.EditContent{MessageID: msgID, Text: text},
			IdempotencyKey: key,
			Meta:           c.payloadMeta(true),
		})
		if p.Resume != nil && c.resume != nil {
			go c.index(c.meta.AccountID, msgID, *p.Resume)
		}
		c.lastSent = text
		return
	}

	payload := &outbound.Payload{
		ChannelID:      c.adapter.ChannelID(),
		AccountID:      c.meta.AccountID,
		Peer:           c.peer(),
		Kind:           outbound.KindText,
		Text:           text,
		ReplyTo:        c.meta.UserMsgID,
		IdempotencyKey: key,
		Meta:           c.payloadMeta(true),
	}
	if p.Resume != nil && c.resume != nil {
		payload.NotifyRef = key
		payload.Notify = c.acks
		c.trackPendingLocked(key, *p.Resume)
	}
	c.enqueueLocked(payload)
	c.lastSent = text
}

// Stop cancels timers and the ack loop. Pending resume-index entries keep
// their own retry timers and drop themselves when exhausted.
func (c *StreamCoalescer) Stop() {
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

// AckSink exposes the ack channel so payloads emitted on this coalescer's
// behalf (answer-create, resume-indexed finals) report back here.
func (c *StreamCoalescer) AckSink() chan<- outbound.Ack { return c.acks }

func (c *StreamCoalescer) flushLocked() {
	if c.buffer.Len() == 0 {
		return
	}
	caps := c.adapter.Capabilities()

	switch {
	case caps.DualMessage:
		c.flushDualLocked()
	case caps.Edit && c.meta.ProgressMsgID != "":
		text := truncateTail(c.fullText, caps.MaxTextLen)
		if text != c.lastSent {
			c.enqueueLocked(&outbound.Payload{
				ChannelID:      c.adapter.ChannelID(),
				AccountID:      c.meta.AccountID,
				Peer:           c.peer(),
				Kind:           outbound.KindEdit,
				Edit:           &outbound.EditContent{MessageID: c.meta.ProgressMsgID, Text: text},
				IdempotencyKey: answerKey(c.runID, c.lastSeq),
				Meta:           c.payloadMeta(false),
			})
			c.lastSent = text
		}
	default:
		c.enqueueLocked(&outbound.Payload{
			ChannelID:      c.adapter.ChannelID(),
			AccountID:      c.meta.AccountID,
			Peer:           c.peer(),
			Kind:           outbound.KindText,
			Text:           c.buffer.String(),
			IdempotencyKey: answerKey(c.runID, c.lastSeq),
			Meta:           c.payloadMeta(false),
		})
	}

	c.buffer.Reset()
	c.firstDeltaAt = time.Time{}
	c.stopIdleLocked()
}

// flushDualLocked implements the dual-message answer path: edit the answer
// message when known, defer while its creation is in flight, else create it.
func (c *StreamCoalescer) flushDualLocked() {
	caps := c.adapter.Capabilities()
	text := truncateTail(c.fullText, caps.MaxTextLen)

	switch {
	case c.meta.AnswerMsgID != "":
		if text == c.lastSent {
			return
		}
		c.enqueueLocked(&outbound.Payload{
			ChannelID:      c.adapter.ChannelID(),
			AccountID:      c.meta.AccountID,
			Peer:           c.peer(),
			Kind:           outbound.KindEdit,
			Edit:           &outbound.EditContent{MessageID: c.meta.AnswerMsgID, Text: text},
			IdempotencyKey: answerKey(c.runID, c.lastSeq),
			Meta:           c.payloadMeta(false),
		})
		c.lastSent = text
	case c.answerCreateRef != "":
		c.deferredAnswer = text
	default:
		ref := answerKey(c.runID, c.lastSeq)
		c.answerCreateRef = ref
		c.enqueueLocked(&outbound.Payload{
			ChannelID:      c.adapter.ChannelID(),
			AccountID:      c.meta.AccountID,
			Peer:           c.peer(),
			Kind:           outbound.KindText,
			Text:           text,
			ReplyTo:        c.meta.UserMsgID,
			IdempotencyKey: ref,
			Meta:           c.payloadMeta(false),
			NotifyRef:      ref,
			Notify:         c.acks,
		})
		c.lastSent = text
	}
}

func (c *StreamCoalescer) ackLoop() {
	for {
		select {
		case ack := <-c.acks:
			c.handleAck(ack)
		case <-c.done:
			return
		}
	}
}

func (c *StreamCoalescer) handleAck(ack outbound.Ack) {
	c.mu.Lock()

	if pend, ok := c.pending[ack.Ref]; ok {
		if ack.Err == nil && ack.MessageID != "" {
			pend.timer.Stop()
			delete(c.pending, ack.Ref)
			token := pend.token
			account := c.meta.AccountID
			msgID := ack.MessageID
			c.mu.Unlock()
			c.index(account, msgID, token)
			return
		}
		// Failed delivery: leave the entry for the retry timer to expire.
		c.mu.Unlock()
		return
	}

	if ack.Ref == c.answerCreateRef {
		c.answerCreateRef = ""
		if ack.Err != nil || ack.MessageID == "" {
			c.logger.Warn("answer message creation failed", "error", ack.Err)
			c.recoverDeferredFinalLocked()
			c.mu.Unlock()
			return
		}
		c.meta.AnswerMsgID = ack.MessageID
		idx := c.applyDeferredLocked(ack.MessageID)
		c.mu.Unlock()
		if idx != nil {
			c.index(idx.account, idx.msgID, idx.token)
		}
		return
	}
	c.mu.Unlock()
}

type indexJob struct {
	account string
	msgID   string
	token   gateway.ResumeToken
}

// applyDeferredLocked lands text held back behind the answer-create ack as
// an edit on the created message, marked final when FinalizeRun arrived
// while the create was in flight. Returns the resume-index work to run
// outside the lock.
func (c *StreamCoalescer) applyDeferredLocked(msgID string) *indexJob {
	text := c.deferredAnswer
	final := c.deferredFinal
	resume := c.deferredResume
	c.deferredAnswer = ""
	c.deferredFinal = false
	c.deferredResume = nil

	if text == "" || (!final && text == c.lastSent) {
		return nil
	}
	key := answerKey(c.runID, c.lastSeq)
	if final {
		key = finalKey(c.runID)
	}
	c.enqueueLocked(&outbound.Payload{
		ChannelID:      c.adapter.ChannelID(),
		AccountID:      c.meta.AccountID,
		Peer:           c.peer(),
		Kind:           outbound.KindEdit,
		Edit:           &outbound.EditContent{MessageID: msgID, Text: text},
		IdempotencyKey: key,
		Meta:           c.payloadMeta(final),
	})
	c.lastSent = text
	if final && resume != nil && c.resume != nil {
		return &indexJob{account: c.meta.AccountID, msgID: msgID, token: *resume}
	}
	return nil
}

// recoverDeferredFinalLocked posts the deferred final as a fresh message when
// the answer create it was waiting on never landed.
func (c *StreamCoalescer) recoverDeferredFinalLocked() {
	text := c.deferredAnswer
	final := c.deferredFinal
	resume := c.deferredResume
	c.deferredAnswer = ""
	c.deferredFinal = false
	c.deferredResume = nil

	if !final || text == "" {
		return
	}
	key := finalKey(c.runID)
	payload := &outbound.Payload{
		ChannelID:      c.adapter.ChannelID(),
		AccountID:      c.meta.AccountID,
		Peer:           c.peer(),
		Kind:           outbound.KindText,
		Text:           text,
		ReplyTo:        c.meta.UserMsgID,
		IdempotencyKey: key,
		Meta:           c.payloadMeta(true),
	}
	if resume != nil && c.resume != nil {
		payload.NotifyRef = key
		payload.Notify = c.acks
		c.trackPendingLocked(key, *resume)
	}
	c.enqueueLocked(payload)
	c.lastSent = text
}

// trackPendingLocked arms the retry-with-backoff cleanup for a resume-index
// entry awaiting its delivery ack.
func (c *StreamCoalescer) trackPendingLocked(ref string, token gateway.ResumeToken) {
	pend := &pendingResume{token: token}
	pend.timer = time.AfterFunc(resumeRetryBase, func() { c.retryPending(ref) })
	c.pending[ref] = pend
}

func (c *StreamCoalescer) retryPending(ref string) {
	c.mu.Lock()
	pend, ok := c.pending[ref]
	if !ok {
		c.mu.Unlock()
		return
	}
	pend.attempts++
	if pend.attempts >= resumeRetryMax {
		delete(c.pending, ref)
		c.mu.Unlock()
		c.logger.Warn("dropping stale resume-index entry", "ref", ref)
		return
	}
	backoff := resumeRetryBase << pend.attempts
	if backoff > resumeRetryCap {
		backoff = resumeRetryCap
	}
	pend.timer = time.AfterFunc(backoff, func() { c.retryPending(ref) })
	c.mu.Unlock()
}

func (c *StreamCoalescer) index(accountID, messageID string, token gateway.ResumeToken) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.resume.IndexMessage(ctx, accountID, messageID, token); err != nil {
		c.logger.Warn("resume indexing failed", "message_id", messageID, "error", err)
	}
}

func (c *StreamCoalescer) armIdleLocked() {
	c.stopIdleLocked()
	c.idleTimer = time.AfterFunc(c.cfg.Idle, c.Flush)
}

func (c *StreamCoalescer) stopIdleLocked() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
}

func (c *StreamCoalescer) resetLocked(runID string) {
	c.runID = runID
	c.lastSeq = 0
	c.buffer.Reset()
	c.fullText = ""
	c.firstDeltaAt = time.Time{}
	c.finalized = false
	c.lastSent = ""
	c.answerCreateRef = ""
	c.deferredAnswer = ""
	c.deferredFinal = false
	c.deferredResume = nil
	c.stopIdleLocked()
}

// answerTargetLocked is the message a final edit lands on: the answer message
// on dual-message channels, the progress message elsewhere.
func (c *StreamCoalescer) answerTargetLocked() string {
	if c.adapter.Capabilities().DualMessage {
		return c.meta.AnswerMsgID
	}
	return c.meta.ProgressMsgID
}

func (c *StreamCoalescer) enqueueLocked(p *outbound.Payload) {
	if err := c.outbox.Enqueue(context.Background(), p); err != nil && err != outbound.ErrDuplicate {
		c.logger.Warn("outbound enqueue failed", "kind", p.Kind, "error", err)
	}
}

func (c *StreamCoalescer) peer() outbound.Peer {
	return outbound.Peer{
		Kind:     c.sessionKey.PeerKind,
		ID:       c.sessionKey.PeerID,
		ThreadID: c.sessionKey.ThreadID,
	}
}

func (c *StreamCoalescer) payloadMeta(final bool) outbound.Meta {
	return outbound.Meta{
		RunID:      c.runID,
		SessionKey: c.sessionKey.String(),
		Final:      final,
		Seq:        c.lastSeq,
	}
}

// capTail keeps the last max characters of s.
func capTail(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}

// truncateTail bounds s to the transport limit, keeping the tail so the most
// recent output stays visible.
func truncateTail(s string, max int) string {
	return capTail(s, max)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
