package run

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lemonhq/lemon/internal/bus"
	"github.com/lemonhq/lemon/internal/coalesce"
	"github.com/lemonhq/lemon/internal/gateway"
	"github.com/lemonhq/lemon/internal/kv"
	"github.com/lemonhq/lemon/internal/outbound"
	"github.com/lemonhq/lemon/internal/resume"
)

type fakeGateway struct {
	mu        sync.Mutex
	available bool
	submitted []*gateway.Job
	cancelled []string
	watches   map[string]chan gateway.RunDown
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{available: true, watches: make(map[string]chan gateway.RunDown)}
}

func (g *fakeGateway) Available() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.available
}

func (g *fakeGateway) setAvailable(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.available = v
}

func (g *fakeGateway) Submit(_ context.Context, job *gateway.Job) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submitted = append(g.submitted, job)
	return nil
}

func (g *fakeGateway) Cancel(_ context.Context, runID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, runID)
	return nil
}

func (g *fakeGateway) DefaultCwd() string { return "/tmp" }

func (g *fakeGateway) WatchRun(runID string) (<-chan gateway.RunDown, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.watches[runID]
	if !ok {
		ch = make(chan gateway.RunDown, 1)
		g.watches[runID] = ch
	}
	return ch, true
}

func (g *fakeGateway) submitCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.submitted)
}

func (g *fakeGateway) cancelCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.cancelled)
}

type nullOutbox struct{}

func (nullOutbox) Enqueue(context.Context, *outbound.Payload) error { return nil }

type env struct {
	bus      *bus.Bus
	gw       *fakeGateway
	sessions *SessionRegistry
	runs     *RunRegistry
	store    *resume.Store
	deps     Deps
	opts     Options
}

func newEnv(t *testing.T) *env {
	t.Helper()
	b := bus.New(64)
	gw := newFakeGateway()
	reg := coalesce.NewRegistry(nullOutbox{}, nil,
		coalesce.StreamConfig{Idle: 10 * time.Millisecond},
		coalesce.ToolStatusConfig{Idle: 10 * time.Millisecond})
	reg.RegisterAdapter(coalesce.TelegramAdapter())
	t.Cleanup(reg.Stop)

	e := &env{
		bus:      b,
		gw:       gw,
		sessions: NewSessionRegistry(),
		runs:     NewRunRegistry(),
		store:    resume.NewStore(kv.NewMemory(), nil),
	}
	e.deps = Deps{
		Gateway:    gw,
		Bus:        b,
		Sessions:   e.sessions,
		Runs:       e.runs,
		Coalescers: reg,
		Resume:     e.store,
		Models:     gateway.NewModelRegistry([]string{"codex"}, nil),
		Outbox:     nullOutbox{},
	}
	e.opts = Options{
		SubmitRetryBase:   5 * time.Millisecond,
		SubmitRetryCap:    20 * time.Millisecond,
		RegisterRetryBase: 5 * time.Millisecond,
		RegisterRetryCap:  20 * time.Millisecond,
		DownGraceNormal:   20 * time.Millisecond,
		DownGraceAbnormal: 5 * time.Millisecond,
	}
	return e
}

func telegramJob(runID, sessionKey string) *gateway.Job {
	return &gateway.Job{
		RunID:      runID,
		SessionKey: sessionKey,
		Prompt:     "hello",
		QueueMode:  gateway.QueueCollect,
		Meta: gateway.JobMeta{
			Origin:    gateway.OriginChannel,
			AgentID:   "a1",
			ChannelID: "telegram",
			AccountID: "default",
			PeerKind:  "dm",
			PeerID:    "42",
			UserMsgID: "u1",
		},
	}
}

func (e *env) startRun(t *testing.T, job *gateway.Job) *Process {
	t.Helper()
	p := NewProcess(job, e.deps, e.opts)
	sup := NewSupervisor(0)
	if err := sup.Start(p); err != nil {
		t.Fatal(err)
	}
	return p
}

func waitDone(t *testing.T, p *Process) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("process did not terminate")
	}
}

func waitCond(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(what)
}

func TestProcessHappyPath(t *testing.T) {
	e := newEnv(t)
	const key = "agent:a1:telegram:default:dm:42"
	sessionSub := e.bus.Subscribe(bus.SessionTopic(key))
	defer sessionSub.Unsubscribe()

	p := e.startRun(t, telegramJob("r1", key))

	waitCond(t, "job not submitted", func() bool { return e.gw.submitCount() == 1 })

	topic := bus.RunTopic("r1")
	e.bus.Publish(topic, gateway.RunStarted{RunID: "r1", SessionKey: key})

	waitCond(t, "session slot not claimed", func() bool {
		owner, ok := e.sessions.Active(key)
		return ok && owner == "r1"
	})

	e.bus.Publish(topic, gateway.Delta{RunID: "r1", Seq: 1, Text: "Hi "})
	e.bus.Publish(topic, gateway.Delta{RunID: "r1", Seq: 2, Text: "there!"})
	e.bus.Publish(topic, gateway.RunCompleted{RunID: "r1", OK: true, Answer: "Hi there!"})

	waitDone(t, p)

	if _, ok := e.sessions.Active(key); ok {
		t.Error("session slot not released")
	}
	if _, ok := e.runs.Lookup("r1"); ok {
		t.Error("run registry entry not removed")
	}

	// Session topic saw started, both deltas, and the completion.
	var sawStarted, sawCompleted bool
	deltas := 0
	deadline := time.After(time.Second)
collect:
	for {
		select {
		case ev := <-sessionSub.C:
			switch ev.Payload.(type) {
			case gateway.RunStarted:
				sawStarted = true
			case gateway.Delta:
				deltas++
			case gateway.RunCompleted:
				sawCompleted = true
				break collect
			}
		case <-deadline:
			break collect
		}
	}
	if !sawStarted || deltas != 2 || !sawCompleted {
		t.Errorf("session fanout: started=%v deltas=%d completed=%v", sawStarted, deltas, sawCompleted)
	}
}

func TestProcessSingleFlightContention(t *testing.T) {
	e := newEnv(t)
	const key = "agent:a1:telegram:default:dm:42"

	p1 := e.startRun(t, telegramJob("r1", key))
	p2 := e.startRun(t, telegramJob("r2", key))

	e.bus.Publish(bus.RunTopic("r1"), gateway.RunStarted{RunID: "r1", SessionKey: key})
	waitCond(t, "first run not registered", func() bool {
		owner, ok := e.sessions.Active(key)
		return ok && owner == "r1"
	})

	// Second run's started event arrives while the slot is held: it must
	// wait, not die.
	e.bus.Publish(bus.RunTopic("r2"), gateway.RunStarted{RunID: "r2", SessionKey: key})
	time.Sleep(30 * time.Millisecond)
	if owner, _ := e.sessions.Active(key); owner != "r1" {
		t.Fatalf("owner = %q during contention", owner)
	}

	e.bus.Publish(bus.RunTopic("r1"), gateway.RunCompleted{RunID: "r1", OK: true, Answer: "done"})
	waitDone(t, p1)

	waitCond(t, "second run never registered", func() bool {
		owner, ok := e.sessions.Active(key)
		return ok && owner == "r2"
	})
	if e.gw.cancelCount() != 0 {
		t.Error("contention cancelled a run")
	}

	e.bus.Publish(bus.RunTopic("r2"), gateway.RunCompleted{RunID: "r2", OK: true, Answer: "done"})
	waitDone(t, p2)
}

func TestProcessSubmitRetriesUntilAvailable(t *testing.T) {
	e := newEnv(t)
	e.gw.setAvailable(false)

	p := e.startRun(t, telegramJob("r1", "agent:a1:telegram:default:dm:42"))
	time.Sleep(30 * time.Millisecond)
	if e.gw.submitCount() != 0 {
		t.Fatal("submitted while gateway unavailable")
	}

	e.gw.setAvailable(true)
	waitCond(t, "never submitted after recovery", func() bool { return e.gw.submitCount() == 1 })

	e.bus.Publish(bus.RunTopic("r1"), gateway.RunCompleted{RunID: "r1", OK: true})
	waitDone(t, p)
}

func TestProcessGatewayDownSynthesizesCompletion(t *testing.T) {
	e := newEnv(t)
	const key = "agent:a1:telegram:default:dm:42"
	sessionSub := e.bus.Subscribe(bus.SessionTopic(key))
	defer sessionSub.Unsubscribe()

	p := e.startRun(t, telegramJob("r1", key))
	e.bus.Publish(bus.RunTopic("r1"), gateway.RunStarted{RunID: "r1", SessionKey: key})
	waitCond(t, "not registered", func() bool {
		_, ok := e.sessions.Active(key)
		return ok
	})

	var watch chan gateway.RunDown
	waitCond(t, "run never watched", func() bool {
		e.gw.mu.Lock()
		defer e.gw.mu.Unlock()
		watch = e.gw.watches["r1"]
		return watch != nil
	})
	watch <- gateway.RunDown{RunID: "r1", Reason: "killed"}

	waitDone(t, p)

	var completed *gateway.RunCompleted
	deadline := time.After(time.Second)
	for completed == nil {
		select {
		case ev := <-sessionSub.C:
			if c, ok := ev.Payload.(gateway.RunCompleted); ok {
				completed = &c
			}
		case <-deadline:
			t.Fatal("no synthetic completion on session topic")
		}
	}
	if completed.OK || !strings.Contains(completed.Error, "gateway_run_down") {
		t.Errorf("synthetic completion = %+v", completed)
	}
	if _, ok := e.sessions.Active(key); ok {
		t.Error("slot not released after synthetic completion")
	}
}

func TestProcessAbortIdempotent(t *testing.T) {
	e := newEnv(t)
	p := e.startRun(t, telegramJob("r1", "agent:a1:telegram:default:dm:42"))

	waitCond(t, "not submitted", func() bool { return e.gw.submitCount() == 1 })
	p.Abort()
	p.Abort()
	waitCond(t, "cancel not forwarded", func() bool { return e.gw.cancelCount() >= 1 })
	time.Sleep(20 * time.Millisecond)
	if e.gw.cancelCount() != 1 {
		t.Errorf("cancel called %d times", e.gw.cancelCount())
	}

	e.bus.Publish(bus.RunTopic("r1"), gateway.RunCompleted{RunID: "r1", OK: false, Error: "aborted"})
	waitDone(t, p)
}

func TestSupervisorCapacity(t *testing.T) {
	e := newEnv(t)
	sup := NewSupervisor(1)

	p1 := NewProcess(telegramJob("r1", "agent:a1:telegram:default:dm:1"), e.deps, e.opts)
	if err := sup.Start(p1); err != nil {
		t.Fatal(err)
	}
	p2 := NewProcess(telegramJob("r2", "agent:a1:telegram:default:dm:2"), e.deps, e.opts)
	if err := sup.Start(p2); err != ErrCapacity {
		t.Fatalf("second start = %v, want ErrCapacity", err)
	}

	e.bus.Publish(bus.RunTopic("r1"), gateway.RunCompleted{RunID: "r1", OK: true})
	waitDone(t, p1)
	waitCond(t, "slot not released", func() bool { return sup.Active() == 0 })

	if err := sup.Start(p2); err != nil {
		t.Fatalf("start after release: %v", err)
	}
	e.bus.Publish(bus.RunTopic("r2"), gateway.RunCompleted{RunID: "r2", OK: true})
	waitDone(t, p2)
}

func TestProcessContextOverflowResetsResumeState(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tok := gateway.ResumeToken{Engine: "codex", Value: "old"}
	if err := e.store.SetSelected(ctx, "default", "42", tok); err != nil {
		t.Fatal(err)
	}
	if err := e.store.SetChatState(ctx, "default", "42", resume.ChatState{Model: "gpt-5"}); err != nil {
		t.Fatal(err)
	}

	p := e.startRun(t, telegramJob("r1", "agent:a1:telegram:default:dm:42"))
	e.bus.Publish(bus.RunTopic("r1"), gateway.RunCompleted{
		RunID: "r1", OK: false, Error: "engine: context_length_exceeded",
	})
	waitDone(t, p)

	if _, ok, _ := e.store.Selected(ctx, "default", "42"); ok {
		t.Error("selected resume survived overflow")
	}
	if _, ok, _ := e.store.GetChatState(ctx, "default", "42"); ok {
		t.Error("chat state survived overflow")
	}
	mark, ok, _ := e.store.TakePendingCompaction(ctx, "default", "42")
	if !ok || mark.Reason != resume.ReasonOverflow {
		t.Errorf("compaction mark = %+v, %v", mark, ok)
	}
}

func TestProcessNearLimitMarksCompaction(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	job := telegramJob("r1", "agent:a1:telegram:default:dm:42")
	job.EngineID = "codex" // window heuristic 400000
	p := e.startRun(t, job)

	e.bus.Publish(bus.RunTopic("r1"), gateway.RunCompleted{
		RunID: "r1", OK: true, Answer: "ok",
		Usage: &gateway.Usage{InputTokens: 395000},
	})
	waitDone(t, p)

	mark, ok, _ := e.store.TakePendingCompaction(ctx, "default", "42")
	if !ok || mark.Reason != resume.ReasonNearLimit {
		t.Fatalf("mark = %+v, %v", mark, ok)
	}
	if mark.ContextWindowTokens != 400000 || mark.InputTokens != 395000 {
		t.Errorf("mark = %+v", mark)
	}
	if mark.ThresholdTokens <= 0 || mark.InputTokens < mark.ThresholdTokens {
		t.Errorf("threshold inconsistent: %+v", mark)
	}
}
