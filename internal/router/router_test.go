package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/lemonhq/lemon/internal/gateway"
	"github.com/lemonhq/lemon/internal/kv"
	"github.com/lemonhq/lemon/internal/orchestrator"
	"github.com/lemonhq/lemon/internal/run"
	"github.com/lemonhq/lemon/internal/session"
)

type fakeSubmitter struct {
	mu   sync.Mutex
	reqs []orchestrator.Request
	err  error
}

func (s *fakeSubmitter) Submit(_ context.Context, req orchestrator.Request) (orchestrator.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return orchestrator.Result{}, s.err
	}
	return orchestrator.Result{RunID: "r1", SessionKey: req.SessionKey}, nil
}

func (s *fakeSubmitter) last(t *testing.T) orchestrator.Request {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reqs) == 0 {
		t.Fatal("no request submitted")
	}
	return s.reqs[len(s.reqs)-1]
}

func inbound(text string) InboundMessage {
	return InboundMessage{
		ChannelID: "telegram",
		AccountID: "default",
		Peer:      Peer{Kind: "dm", ID: "42"},
		Message:   Message{ID: "m1", Text: text},
		Meta:      InboundMeta{AgentID: "agent-x"},
	}
}

func TestHandleInboundBuildsSessionKey(t *testing.T) {
	sub := &fakeSubmitter{}
	r := New(sub, nil, nil, nil)

	r.HandleInbound(context.Background(), inbound("hello"))

	req := sub.last(t)
	if req.SessionKey != "agent:agent-x:telegram:default:dm:42" {
		t.Errorf("session key = %q", req.SessionKey)
	}
	if req.Prompt != "hello" || req.Meta.UserMsgID != "m1" {
		t.Errorf("req = %+v", req)
	}
	if req.QueueMode != "collect" {
		t.Errorf("queue mode = %q", req.QueueMode)
	}
}

func TestHandleInboundPrefersValidMetaKey(t *testing.T) {
	sub := &fakeSubmitter{}
	r := New(sub, nil, nil, nil)

	msg := inbound("hi")
	msg.Meta.SessionKey = "agent:agent-x:main"
	r.HandleInbound(context.Background(), msg)
	if got := sub.last(t).SessionKey; got != "agent:agent-x:main" {
		t.Errorf("session key = %q", got)
	}

	msg.Meta.SessionKey = "not a key"
	r.HandleInbound(context.Background(), msg)
	if got := sub.last(t).SessionKey; got != "agent:agent-x:telegram:default:dm:42" {
		t.Errorf("fallback session key = %q", got)
	}
}

func TestHandleInboundSwallowsSubmitErrors(t *testing.T) {
	sub := &fakeSubmitter{err: errors.New("empty_prompt")}
	r := New(sub, nil, nil, nil)
	r.HandleInbound(context.Background(), inbound(""))
	// No panic and no retry: exactly one attempt was made.
	if len(sub.reqs) != 1 {
		t.Errorf("attempts = %d", len(sub.reqs))
	}
}

func TestAbortRoutesThroughRegistries(t *testing.T) {
	sessions := run.NewSessionRegistry()
	runs := run.NewRunRegistry()
	r := New(&fakeSubmitter{}, sessions, runs, nil)

	if r.Abort("agent:a:main") {
		t.Error("abort with no active run must report false")
	}
	if r.AbortRun("ghost") {
		t.Error("abort of unknown run must report false")
	}

	p := run.NewProcess(&gateway.Job{RunID: "r1", SessionKey: "agent:a:main"}, run.Deps{
		Bus:      nil,
		Sessions: sessions,
		Runs:     runs,
	}, run.Options{})
	runs.Register("r1", p)
	sessions.Register("agent:a:main", "r1")

	if !r.Abort("agent:a:main") {
		t.Error("abort of active run must report true")
	}
}

func newInbox(sub Submitter) (*AgentInbox, *orchestrator.Directory) {
	dir := orchestrator.NewDirectory(kv.NewMemory())
	return NewAgentInbox(sub, nil, dir, nil), dir
}

func TestSendExplicitSession(t *testing.T) {
	sub := &fakeSubmitter{}
	inbox, _ := newInbox(sub)
	ctx := context.Background()

	res, err := inbox.Send(ctx, "a", "hi", SendOptions{SessionKey: "agent:a:main"})
	if err != nil || res.SessionKey != "agent:a:main" {
		t.Fatalf("Send = %+v, %v", res, err)
	}
	if got := sub.last(t).QueueMode; got != "followup" {
		t.Errorf("inbox queue mode = %q", got)
	}

	_, err = inbox.Send(ctx, "a", "hi", SendOptions{SessionKey: "agent:b:main"})
	if !errors.Is(err, ErrSessionAgentMismatch) {
		t.Errorf("mismatch err = %v", err)
	}

	_, err = inbox.Send(ctx, "a", "hi", SendOptions{SessionKey: "garbage"})
	if !errors.Is(err, ErrInvalidSessionKey) {
		t.Errorf("invalid key err = %v", err)
	}
}

func TestSendLatestUsesDirectory(t *testing.T) {
	sub := &fakeSubmitter{}
	inbox, dir := newInbox(sub)
	ctx := context.Background()

	dir.Touch(ctx, "a", "agent:a:telegram:default:dm:42")

	res, err := inbox.Send(ctx, "a", "hi", SendOptions{})
	if err != nil || res.SessionKey != "agent:a:telegram:default:dm:42" {
		t.Fatalf("Send = %+v, %v", res, err)
	}
}

func TestSendLatestTargetFilter(t *testing.T) {
	sub := &fakeSubmitter{}
	inbox, dir := newInbox(sub)
	ctx := context.Background()

	dir.Touch(ctx, "a", "agent:a:telegram:default:dm:42")

	// A matching target reuses the indexed session.
	res, err := inbox.Send(ctx, "a", "hi", SendOptions{To: "tg:42"})
	if err != nil || res.SessionKey != "agent:a:telegram:default:dm:42" {
		t.Fatalf("Send = %+v, %v", res, err)
	}

	// An unknown target derives the route session key.
	res, err = inbox.Send(ctx, "a", "hi", SendOptions{To: "tg:99"})
	if err != nil || res.SessionKey != "agent:a:telegram:default:dm:99" {
		t.Fatalf("Send = %+v, %v", res, err)
	}
}

func TestSendLatestFallsBackToMain(t *testing.T) {
	sub := &fakeSubmitter{}
	inbox, _ := newInbox(sub)

	res, err := inbox.Send(context.Background(), "a", "hi", SendOptions{})
	if err != nil || res.SessionKey != "agent:a:main" {
		t.Fatalf("Send = %+v, %v", res, err)
	}
}

func TestSendNewForksChannelSession(t *testing.T) {
	sub := &fakeSubmitter{}
	inbox, _ := newInbox(sub)
	ctx := context.Background()

	res, err := inbox.Send(ctx, "a", "hi", SendOptions{
		SessionMode:    SessionNew,
		BaseSessionKey: "agent:a:telegram:default:dm:42",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(res.SessionKey, "agent:a:telegram:default:dm:42:sub:") {
		t.Fatalf("forked key = %q", res.SessionKey)
	}
	key, err := session.Parse(res.SessionKey)
	if err != nil || key.SubID == "" {
		t.Errorf("fork sub id missing: %q (%v)", res.SessionKey, err)
	}

	// Forking twice yields distinct sessions.
	res2, err := inbox.Send(ctx, "a", "hi", SendOptions{
		SessionMode:    SessionNew,
		BaseSessionKey: "agent:a:telegram:default:dm:42",
	})
	if err != nil || res2.SessionKey == res.SessionKey {
		t.Errorf("second fork = %q, %v", res2.SessionKey, err)
	}
}

func TestSendNewOnMainStaysMain(t *testing.T) {
	sub := &fakeSubmitter{}
	inbox, _ := newInbox(sub)

	res, err := inbox.Send(context.Background(), "a", "hi", SendOptions{SessionMode: SessionNew})
	if err != nil || res.SessionKey != "agent:a:main" {
		t.Fatalf("Send = %+v, %v", res, err)
	}
}

func TestFanoutDedupesAndDropsPrimary(t *testing.T) {
	sub := &fakeSubmitter{}
	inbox, _ := newInbox(sub)

	_, err := inbox.Send(context.Background(), "agent-x", "ping", SendOptions{
		To:        "tg:111",
		DeliverTo: []string{"tg:222", "tg:333", "tg:111", "tg:222"},
	})
	if err != nil {
		t.Fatal(err)
	}

	req := sub.last(t)
	if req.SessionKey != "agent:agent-x:telegram:default:dm:111" {
		t.Errorf("primary session = %q", req.SessionKey)
	}
	if got := req.Meta.Extra["fanout_count"]; got != 2 {
		t.Fatalf("fanout_count = %v", got)
	}
	routes, ok := req.Meta.Extra["fanout_routes"].([]session.Route)
	if !ok || len(routes) != 2 {
		t.Fatalf("fanout_routes = %#v", req.Meta.Extra["fanout_routes"])
	}
	if routes[0].PeerID != "222" || routes[1].PeerID != "333" {
		t.Errorf("routes = %+v", routes)
	}
}

func TestInvalidFanoutTarget(t *testing.T) {
	sub := &fakeSubmitter{}
	inbox, _ := newInbox(sub)
	ctx := context.Background()

	for _, selector := range []string{"bad", "tg:", ":42", "a:b:c:d"} {
		_, err := inbox.Send(ctx, "a", "hi", SendOptions{DeliverTo: []string{selector}})
		if !errors.Is(err, ErrInvalidFanoutTarget) {
			t.Errorf("selector %q: err = %v", selector, err)
		}
	}
}

func TestResolveTargetForms(t *testing.T) {
	route, err := resolveTarget("tg:111")
	if err != nil || route.ChannelID != "telegram" || route.PeerID != "111" || route.AccountID != "default" {
		t.Errorf("tg form = %+v, %v", route, err)
	}

	route, err = resolveTarget("discord:acct2:55")
	if err != nil || route.ChannelID != "discord" || route.AccountID != "acct2" || route.PeerID != "55" {
		t.Errorf("three-part form = %+v, %v", route, err)
	}

	if route, err := resolveTarget("  "); route != nil || err != nil {
		t.Errorf("empty selector = %+v, %v", route, err)
	}
}
