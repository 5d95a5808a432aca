package approvals

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/lemonhq/lemon/internal/bus"
	"github.com/lemonhq/lemon/internal/kv"
)

func newTestGate(t *testing.T) (*Gate, kv.Store, *bus.Bus) {
	t.Helper()
	store := kv.NewMemory()
	events := bus.New(16)
	g := NewGate(Config{Store: store, Events: events, NodeID: "node-1"})
	return g, store, events
}

func TestActionHashStable(t *testing.T) {
	a := map[string]any{"command": "ls", "cwd": "/tmp"}
	b := map[string]any{"cwd": "/tmp", "command": "ls"}
	ha, hb := ActionHash(a), ActionHash(b)
	if ha != hb {
		t.Errorf("key order changed hash: %s vs %s", ha, hb)
	}
	if len(ha) != 16 {
		t.Errorf("hash length = %d, want 16", len(ha))
	}
	if ActionHash(map[string]any{"command": "rm"}) == ha {
		t.Error("different actions must hash differently")
	}
}

func TestActionHashNonMap(t *testing.T) {
	if ActionHash("run the tests") == "" {
		t.Error("string action must hash")
	}
	if ActionHash(nil) != ActionHash(nil) {
		t.Error("nil action must be stable")
	}
}

func TestRequestResolveApproveSession(t *testing.T) {
	g, store, events := newTestGate(t)
	sub := events.Subscribe(bus.TopicApprovals)
	defer sub.Unsubscribe()

	type reply struct {
		res Result
		err error
	}
	done := make(chan reply, 1)
	go func() {
		res, err := g.Request(context.Background(), Params{
			Tool:       "bash",
			Action:     map[string]any{"command": "rm -rf /"},
			SessionKey: "agent:s1:main",
			ExpiresIn:  2 * time.Second,
		})
		done <- reply{res, err}
	}()

	var req Request
	select {
	case ev := <-sub.C:
		requested, ok := ev.Payload.(Requested)
		if !ok {
			t.Fatalf("unexpected event payload %T", ev.Payload)
		}
		req = requested.Request
	case <-time.After(2 * time.Second):
		t.Fatal("no approval_requested event")
	}
	if req.AgentID != "s1" {
		t.Errorf("agent id = %q, want s1", req.AgentID)
	}

	g.Resolve(context.Background(), req.ID, ApproveSession)

	r := <-done
	if r.err != nil || !r.res.Approved || r.res.Scope != ScopeSession {
		t.Fatalf("result = %+v, %v", r.res, r.err)
	}

	// The grant is persisted and a repeat request short-circuits.
	key := sessionKey("agent:s1:main", "bash", req.ActionHash)
	value, ok, err := store.Get(context.Background(), kv.BucketApprovals, key)
	if err != nil || !ok {
		t.Fatalf("grant not persisted: ok=%v err=%v", ok, err)
	}
	var rec record
	if err := json.Unmarshal(value, &rec); err != nil || !rec.Approved || rec.Scope != ScopeSession {
		t.Fatalf("bad record %s", value)
	}

	res, err := g.Request(context.Background(), Params{
		Tool:       "bash",
		Action:     map[string]any{"command": "rm -rf /"},
		SessionKey: "agent:s1:main",
	})
	if err != nil || !res.Approved || res.Scope != ScopeSession {
		t.Fatalf("repeat request = %+v, %v", res, err)
	}
}

func TestApproveOnceNotPersisted(t *testing.T) {
	g, store, _ := newTestGate(t)

	done := make(chan Result, 1)
	go func() {
		res, _ := g.Request(context.Background(), Params{
			Tool: "bash", Action: "x", SessionKey: "agent:s1:main",
		})
		done <- res
	}()

	waitPending(t, g)
	g.Resolve(context.Background(), g.Pending()[0].ID, ApproveOnce)

	res := <-done
	if !res.Approved || res.Scope != ScopeOnce {
		t.Fatalf("result = %+v", res)
	}
	keys, err := store.List(context.Background(), kv.BucketApprovals, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Errorf("approve_once persisted keys %v", keys)
	}
}

func TestDenyNotPersisted(t *testing.T) {
	g, store, _ := newTestGate(t)

	done := make(chan Result, 1)
	go func() {
		res, _ := g.Request(context.Background(), Params{
			Tool: "bash", Action: "x", SessionKey: "agent:s1:main",
		})
		done <- res
	}()

	waitPending(t, g)
	g.Resolve(context.Background(), g.Pending()[0].ID, Deny)

	res := <-done
	if res.Approved {
		t.Fatal("deny reported as approved")
	}
	keys, _ := store.List(context.Background(), kv.BucketApprovals, "")
	if len(keys) != 0 {
		t.Errorf("deny persisted keys %v", keys)
	}
}

func TestRequestTimeout(t *testing.T) {
	g, _, _ := newTestGate(t)

	_, err := g.Request(context.Background(), Params{
		Tool:       "bash",
		Action:     "x",
		SessionKey: "agent:s1:main",
		ExpiresIn:  20 * time.Millisecond,
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if len(g.Pending()) != 0 {
		t.Error("pending entry survived expiry")
	}
}

func TestWildcardGrant(t *testing.T) {
	g, store, _ := newTestGate(t)

	rec, _ := json.Marshal(record{Approved: true, Scope: ScopeAgent, Tool: "browser"})
	key := agentKey("s1", "browser", WildcardAction)
	if err := store.Put(context.Background(), kv.BucketApprovals, key, rec); err != nil {
		t.Fatal(err)
	}

	res, err := g.Request(context.Background(), Params{
		Tool:       "browser",
		Action:     map[string]any{"url": "https://example.com"},
		SessionKey: "agent:s1:telegram:default:dm:42",
	})
	if err != nil || !res.Approved || res.Scope != ScopeAgent {
		t.Fatalf("wildcard lookup = %+v, %v", res, err)
	}
}

func TestScopePrecedenceGlobalWins(t *testing.T) {
	g, store, _ := newTestGate(t)
	ctx := context.Background()
	hash := ActionHash("x")

	grant := func(key string, scope Scope) {
		rec, _ := json.Marshal(record{Approved: true, Scope: scope, Tool: "bash"})
		if err := store.Put(ctx, kv.BucketApprovals, key, rec); err != nil {
			t.Fatal(err)
		}
	}
	grant(sessionKey("agent:s1:main", "bash", hash), ScopeSession)
	grant(globalKey("bash", hash), ScopeGlobal)

	res, err := g.Request(ctx, Params{Tool: "bash", Action: "x", SessionKey: "agent:s1:main"})
	if err != nil || res.Scope != ScopeGlobal {
		t.Fatalf("scope = %v, want global first", res.Scope)
	}
}

func TestResolveAfterWaiterGonePersists(t *testing.T) {
	g, store, _ := newTestGate(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := g.Request(ctx, Params{
			Tool: "bash", Action: "x", SessionKey: "agent:s1:main",
		})
		done <- err
	}()

	waitPending(t, g)
	id := g.Pending()[0].ID
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("waiter err = %v", err)
	}

	// The waiter is gone but the grant still lands in the store.
	g.Resolve(context.Background(), id, ApproveAgent)
	keys, err := store.List(context.Background(), kv.BucketApprovals, "agent|")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 {
		t.Errorf("grant not persisted after waiter left: %v", keys)
	}
}

func TestResolveUnknownIDNoop(t *testing.T) {
	g, _, _ := newTestGate(t)
	g.Resolve(context.Background(), "nope", ApproveGlobal)
}

func waitPending(t *testing.T, g *Gate) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(g.Pending()) > 0 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("no pending request appeared")
}
