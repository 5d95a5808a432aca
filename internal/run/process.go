// Package run owns the per-run lifecycle: submitting the job to the gateway,
// consuming the run's event stream, enforcing single-flight per session, and
// driving the coalescers. One Process exists per run id; the supervisor
// bounds how many run at once.
package run

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lemonhq/lemon/internal/bus"
	"github.com/lemonhq/lemon/internal/coalesce"
	"github.com/lemonhq/lemon/internal/gateway"
	"github.com/lemonhq/lemon/internal/outbound"
	"github.com/lemonhq/lemon/internal/resume"
	"github.com/lemonhq/lemon/internal/session"
)

// Retry and grace cadences.
const (
	defaultSubmitRetryBase   = 100 * time.Millisecond
	defaultSubmitRetryCap    = 2000 * time.Millisecond
	defaultRegisterRetryBase = 25 * time.Millisecond
	defaultRegisterRetryCap  = 250 * time.Millisecond
	defaultDownGraceNormal   = 200 * time.Millisecond
	defaultDownGraceAbnormal = 20 * time.Millisecond
)

// imageExts is the extension set auto-sent to the chat when a tool writes
// image files.
var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
	".bmp": true, ".svg": true, ".tif": true, ".tiff": true, ".heic": true,
	".heif": true,
}

// Deps are the collaborators a Process needs.
type Deps struct {
	Gateway    gateway.Gateway
	Bus        *bus.Bus
	Sessions   *SessionRegistry
	Runs       *RunRegistry
	Coalescers *coalesce.Registry
	Resume     *resume.Store
	Models     *gateway.ModelRegistry
	Outbox     outbound.Outbox
	Logger     *slog.Logger
}

// Options tunes retry cadences and the compaction trigger. Zero values take
// the defaults above.
type Options struct {
	SubmitRetryBase   time.Duration
	SubmitRetryCap    time.Duration
	RegisterRetryBase time.Duration
	RegisterRetryCap  time.Duration
	DownGraceNormal   time.Duration
	DownGraceAbnormal time.Duration
	Compaction        CompactionConfig
}

func (o *Options) applyDefaults() {
	if o.SubmitRetryBase <= 0 {
		o.SubmitRetryBase = defaultSubmitRetryBase
	}
	if o.SubmitRetryCap <= 0 {
		o.SubmitRetryCap = defaultSubmitRetryCap
	}
	if o.RegisterRetryBase <= 0 {
		o.RegisterRetryBase = defaultRegisterRetryBase
	}
	if o.RegisterRetryCap <= 0 {
		o.RegisterRetryCap = defaultRegisterRetryCap
	}
	if o.DownGraceNormal <= 0 {
		o.DownGraceNormal = defaultDownGraceNormal
	}
	if o.DownGraceAbnormal <= 0 {
		o.DownGraceAbnormal = defaultDownGraceAbnormal
	}
}

// Inbox messages. Everything the loop reacts to besides bus events.
type (
	submitTick   struct{}
	registerTick struct{}
	downTick     struct{ reason string }
	abortMsg     struct{}
)

// Process is the actor owning one run. All state below deps/logger is loop
// local; external callers interact through Abort and the registries.
type Process struct {
	job    *gateway.Job
	deps   Deps
	opts   Options
	logger *slog.Logger
	key    session.Key

	inbox  chan any
	sub    *bus.Subscription
	watch  <-chan gateway.RunDown
	exited chan struct{}
	onExit []func()

	gatewaySubmitted bool
	registered       bool
	completed        bool
	aborted          bool
	sawDelta         bool
	pendingStarted   *gateway.RunStarted
	submitDelay      time.Duration
	registerDelay    time.Duration

	imageSeen  map[string]bool
	imagePaths []string
	autoFiles  []gateway.AutoSendFile
}

// NewProcess builds a run process. Start it through the supervisor.
func NewProcess(job *gateway.Job, deps Deps, opts Options) *Process {
	opts.applyDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	key, err := session.Parse(job.SessionKey)
	if err != nil {
		key = session.Main(job.Meta.AgentID)
	}
	return &Process{
		job:       job,
		deps:      deps,
		opts:      opts,
		logger:    logger.With("component", "run", "run_id", job.RunID, "session_key", job.SessionKey),
		key:       key,
		inbox:     make(chan any, 64),
		exited:    make(chan struct{}),
		imageSeen: make(map[string]bool),
	}
}

// RunID returns the run's id.
func (p *Process) RunID() string { return p.job.RunID }

// SessionKey returns the run's session key.
func (p *Process) SessionKey() string { return p.job.SessionKey }

// Done is closed when the process has fully terminated.
func (p *Process) Done() <-chan struct{} { return p.exited }

// Abort requests a cooperative cancel. Idempotent; the completion event
// (synthetic if necessary) drives teardown.
func (p *Process) Abort() {
	p.send(abortMsg{})
}

func (p *Process) start() {
	p.deps.Runs.Register(p.job.RunID, p)
	p.sub = p.deps.Bus.Subscribe(bus.RunTopic(p.job.RunID))
	p.submitDelay = p.opts.SubmitRetryBase
	p.registerDelay = p.opts.RegisterRetryBase
	go p.loop()
	p.send(submitTick{})
}

func (p *Process) send(msg any) {
	select {
	case p.inbox <- msg:
	case <-p.exited:
	}
}

func (p *Process) sendAfter(d time.Duration, msg any) {
	time.AfterFunc(d, func() { p.send(msg) })
}

func (p *Process) loop() {
	defer p.terminate()
	for {
		select {
		case ev, ok := <-p.sub.C:
			if !ok {
				return
			}
			p.handleEvent(ev.Payload)
		case msg := <-p.inbox:
			p.handleMsg(msg)
		case down, ok := <-p.watch:
			if !ok {
				p.watch = nil
				continue
			}
			p.watch = nil
			p.handleRunDown(down.Reason)
		}
		if p.completed {
			return
		}
	}
}

func (p *Process) handleMsg(msg any) {
	switch m := msg.(type) {
	case submitTick:
		p.trySubmit()
	case registerTick:
		p.tryRegister()
	case downTick:
		if !p.completed {
			p.logger.Warn("gateway run down, synthesizing completion", "reason", m.reason)
			p.deps.Bus.Publish(bus.RunTopic(p.job.RunID), gateway.RunCompleted{
				RunID: p.job.RunID,
				OK:    false,
				Error: "gateway_run_down: " + m.reason,
			})
		}
	case abortMsg:
		if p.aborted || p.completed {
			return
		}
		p.aborted = true
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.deps.Gateway.Cancel(ctx, p.job.RunID); err != nil {
			p.logger.Warn("gateway cancel failed", "error", err)
		}
		cancel()
	}
}

// trySubmit submits the job once the gateway is available, with exponential
// backoff while it is not.
func (p *Process) trySubmit() {
	if p.gatewaySubmitted || p.aborted || p.completed {
		return
	}
	if !p.deps.Gateway.Available() {
		p.sendAfter(p.submitDelay, submitTick{})
		p.submitDelay *= 2
		if p.submitDelay > p.opts.SubmitRetryCap {
			p.submitDelay = p.opts.SubmitRetryCap
		}
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.deps.Gateway.Submit(ctx, p.job); err != nil {
		p.logger.Warn("gateway submit failed, retrying", "error", err)
		p.sendAfter(p.submitDelay, submitTick{})
		p.submitDelay *= 2
		if p.submitDelay > p.opts.SubmitRetryCap {
			p.submitDelay = p.opts.SubmitRetryCap
		}
		return
	}
	p.gatewaySubmitted = true
}

func (p *Process) handleEvent(payload any) {
	switch ev := payload.(type) {
	case gateway.RunStarted:
		p.pendingStarted = &ev
		p.tryRegister()
	case gateway.Delta:
		p.deps.Bus.Publish(bus.SessionTopic(p.job.SessionKey), ev)
		if p.hasChannel() {
			if !p.sawDelta {
				p.toolStatus().Flush()
			}
			p.stream().Ingest(p.job.RunID, ev.Seq, ev.Text, p.runMeta())
		}
		p.sawDelta = true
	case gateway.EngineAction:
		p.deps.Bus.Publish(bus.SessionTopic(p.job.SessionKey), ev)
		if p.hasChannel() {
			p.toolStatus().Ingest(ev, p.runMeta())
		}
		p.trackFiles(ev)
	case gateway.RunCompleted:
		p.handleCompleted(ev)
	default:
		p.deps.Bus.Publish(bus.SessionTopic(p.job.SessionKey), payload)
	}
}

// tryRegister claims the session slot. Contention does not cancel the run:
// the started event is stashed and registration retries with backoff until
// the current owner releases the slot.
func (p *Process) tryRegister() {
	if p.registered || p.completed || p.pendingStarted == nil {
		return
	}
	owner, ok := p.deps.Sessions.Register(p.job.SessionKey, p.job.RunID)
	if !ok {
		p.logger.Debug("session slot taken, retrying registration", "owner", owner)
		p.sendAfter(p.registerDelay, registerTick{})
		p.registerDelay *= 2
		if p.registerDelay > p.opts.RegisterRetryCap {
			p.registerDelay = p.opts.RegisterRetryCap
		}
		return
	}
	p.registered = true
	started := *p.pendingStarted
	p.pendingStarted = nil
	p.deps.Bus.Publish(bus.SessionTopic(p.job.SessionKey), started)

	if w, ok := p.deps.Gateway.(gateway.Watcher); ok {
		if ch, found := w.WatchRun(p.job.RunID); found {
			p.watch = ch
		}
	}
}

func (p *Process) handleRunDown(reason string) {
	if p.completed {
		return
	}
	grace := p.opts.DownGraceAbnormal
	if reason == "normal" || reason == "shutdown" {
		grace = p.opts.DownGraceNormal
	}
	p.sendAfter(grace, downTick{reason: reason})
}

func (p *Process) handleCompleted(ev gateway.RunCompleted) {
	p.completed = true

	// Free the slot first so the next queued run can register.
	if p.registered {
		p.deps.Sessions.Unregister(p.job.SessionKey, p.job.RunID)
		p.registered = false
	}
	p.watch = nil

	p.deps.Bus.Publish(bus.SessionTopic(p.job.SessionKey), ev)

	if p.hasChannel() {
		meta := p.runMeta()
		p.toolStatus().FinalizeRun(p.job.RunID, ev.OK, meta)
		p.finalizeStream(ev, meta)
		p.autoSendCollected(ev)
	}
	p.updateResumeState(ev)
}

// finalizeStream delivers the terminal answer. Dual-message channels get the
// full finalize path; other channels get a synthetic final delta only when no
// real delta was streamed.
func (p *Process) finalizeStream(ev gateway.RunCompleted, meta coalesce.Meta) {
	adapter := p.deps.Coalescers.Adapter(p.channelID())
	answer := ev.Answer
	if !ev.OK && strings.TrimSpace(answer) == "" {
		answer = "Run failed: " + ev.Error
	}

	if adapter.Capabilities().DualMessage {
		p.stream().FinalizeRun(p.job.RunID, coalesce.FinalizeParams{
			Meta:      meta,
			FinalText: answer,
			Resume:    ev.Resume,
			OK:        ev.OK,
		})
		return
	}
	if !p.sawDelta && strings.TrimSpace(answer) != "" {
		p.stream().Ingest(p.job.RunID, 1, answer, meta)
	}
	p.stream().Flush()
}

// trackFiles collects image outputs and explicit auto-send requests for
// delivery at completion.
func (p *Process) trackFiles(ev gateway.EngineAction) {
	for _, change := range ev.Detail.Changes {
		if change.Kind == "deleted" || change.Path == "" {
			continue
		}
		if !imageExts[strings.ToLower(filepath.Ext(change.Path))] {
			continue
		}
		if !p.imageSeen[change.Path] {
			p.imageSeen[change.Path] = true
			p.imagePaths = append(p.imagePaths, change.Path)
		}
	}
	for _, f := range ev.Detail.AutoSendFiles {
		if f.Path == "" {
			continue
		}
		info, err := os.Stat(f.Path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		p.autoFiles = append(p.autoFiles, f)
	}
}

func (p *Process) autoSendCollected(ev gateway.RunCompleted) {
	if !ev.OK || p.deps.Outbox == nil || p.channelID() == "" {
		return
	}

	var files []outbound.FileContent
	for _, path := range p.imagePaths {
		files = append(files, outbound.FileContent{Path: path})
	}
	for _, f := range p.autoFiles {
		files = append(files, outbound.FileContent{Path: f.Path, Filename: f.Filename, Caption: f.Caption})
	}
	if len(files) == 0 {
		return
	}

	err := p.deps.Outbox.Enqueue(context.Background(), &outbound.Payload{
		ChannelID:      p.channelID(),
		AccountID:      p.job.Meta.AccountID,
		Peer:           outbound.Peer{Kind: p.key.PeerKind, ID: p.key.PeerID, ThreadID: p.key.ThreadID},
		Kind:           outbound.KindFile,
		Files:          files,
		IdempotencyKey: p.job.RunID + ":files:send",
		Meta: outbound.Meta{
			RunID:             p.job.RunID,
			SessionKey:        p.job.SessionKey,
			AutoSendGenerated: true,
		},
	})
	if err != nil && err != outbound.ErrDuplicate {
		p.logger.Warn("auto-send enqueue failed", "error", err)
	}
}

// updateResumeState clears resume state on context overflow and marks the
// chat pending compaction when usage nears the window.
func (p *Process) updateResumeState(ev gateway.RunCompleted) {
	if p.deps.Resume == nil || p.job.Meta.PeerID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	account := p.job.Meta.AccountID
	chat := p.job.Meta.PeerID

	if !ev.OK && IsContextOverflow(ev.Error) {
		if err := p.deps.Resume.ResetChat(ctx, account, chat); err != nil {
			p.logger.Warn("resume state reset failed", "error", err)
		}
		mark := resume.PendingCompaction{Reason: resume.ReasonOverflow}
		if err := p.deps.Resume.MarkPendingCompaction(ctx, account, chat, mark); err != nil {
			p.logger.Warn("pending-compaction mark failed", "error", err)
		}
		return
	}

	if ev.OK && ev.Usage != nil {
		window := p.deps.Models.ContextWindow(p.job.Meta.Model, p.job.EngineID, p.opts.Compaction.ContextWindow)
		threshold := p.opts.Compaction.Threshold(window)
		if threshold > 0 && ev.Usage.InputTokens >= threshold {
			mark := resume.PendingCompaction{
				Reason:              resume.ReasonNearLimit,
				InputTokens:         ev.Usage.InputTokens,
				ThresholdTokens:     threshold,
				ContextWindowTokens: window,
			}
			if err := p.deps.Resume.MarkPendingCompaction(ctx, account, chat, mark); err != nil {
				p.logger.Warn("pending-compaction mark failed", "error", err)
			}
		}
	}
}

func (p *Process) terminate() {
	if p.registered {
		p.deps.Sessions.Unregister(p.job.SessionKey, p.job.RunID)
		p.registered = false
	}
	if !p.completed {
		p.deps.Bus.Publish(bus.RunTopic(p.job.RunID), gateway.RunFailed{
			RunID:  p.job.RunID,
			Reason: "run process terminated before completion",
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = p.deps.Gateway.Cancel(ctx, p.job.RunID)
		cancel()
	}
	if p.hasChannel() {
		p.stream().Flush()
		p.toolStatus().Flush()
	}
	p.deps.Runs.Unregister(p.job.RunID, p)
	p.sub.Unsubscribe()
	for _, fn := range p.onExit {
		fn()
	}
	close(p.exited)
}

// hasChannel reports whether the run is bound to a chat channel. Main
// sessions have none; their output is consumed from the session topic.
func (p *Process) hasChannel() bool { return p.channelID() != "" }

func (p *Process) channelID() string {
	if p.job.Meta.ChannelID != "" {
		return p.job.Meta.ChannelID
	}
	return p.key.ChannelID
}

func (p *Process) stream() *coalesce.StreamCoalescer {
	return p.deps.Coalescers.Stream(p.key, p.channelID())
}

func (p *Process) toolStatus() *coalesce.ToolStatusCoalescer {
	return p.deps.Coalescers.ToolStatus(p.key, p.channelID())
}

func (p *Process) runMeta() coalesce.Meta {
	return coalesce.Meta{
		AccountID:     p.job.Meta.AccountID,
		UserMsgID:     p.job.Meta.UserMsgID,
		ProgressMsgID: p.job.Meta.ProgressMsgID,
		StatusMsgID:   p.job.Meta.StatusMsgID,
	}
}

// String implements fmt.Stringer for log readability.
func (p *Process) String() string {
	return fmt.Sprintf("run(%s)", p.job.RunID)
}
