package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lemonhq/lemon/internal/approvals"
	"github.com/lemonhq/lemon/internal/bus"
	"github.com/lemonhq/lemon/internal/kv"
	"github.com/lemonhq/lemon/internal/orchestrator"
	"github.com/lemonhq/lemon/internal/router"
	"github.com/lemonhq/lemon/internal/run"
)

type fakeSubmitter struct {
	lastReq orchestrator.Request
	err     error
}

func (s *fakeSubmitter) Submit(_ context.Context, req orchestrator.Request) (orchestrator.Result, error) {
	s.lastReq = req
	if s.err != nil {
		return orchestrator.Result{}, s.err
	}
	return orchestrator.Result{RunID: "r1", SessionKey: req.SessionKey}, nil
}

func newTestServer(t *testing.T, submit *fakeSubmitter) (*Server, *bus.Bus, *approvals.Gate) {
	t.Helper()
	events := bus.New(16)
	gate := approvals.NewGate(approvals.Config{
		Store:  kv.NewMemory(),
		Events: events,
		NodeID: "node-1",
	})
	rt := router.New(submit, run.NewSessionRegistry(), run.NewRunRegistry(), nil)
	return NewServer(Config{
		Submit:    submit,
		Router:    rt,
		Approvals: gate,
		Bus:       events,
		Version:   "test",
	}), events, gate
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAgentSubmit(t *testing.T) {
	submit := &fakeSubmitter{}
	srv, _, _ := newTestServer(t, submit)
	h := srv.Handler()

	rec := postJSON(t, h, "/v1/agent", map[string]any{
		"agent_id": "agent-x",
		"prompt":   "hello",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}

	var res struct {
		RunID      string `json:"run_id"`
		SessionKey string `json:"session_key"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.RunID != "r1" || res.SessionKey != "agent:agent-x:main" {
		t.Errorf("res = %+v", res)
	}
	if submit.lastReq.Origin != "control_plane" {
		t.Errorf("origin = %q", submit.lastReq.Origin)
	}
}

func TestAgentSubmitErrorCodes(t *testing.T) {
	submit := &fakeSubmitter{err: orchestrator.ErrCapacity}
	srv, _, _ := newTestServer(t, submit)
	h := srv.Handler()

	rec := postJSON(t, h, "/v1/agent", map[string]any{"agent_id": "a", "prompt": "x"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "run_capacity_reached") {
		t.Errorf("body = %s", rec.Body)
	}

	submit.err = orchestrator.ErrEmptyPrompt
	rec = postJSON(t, h, "/v1/agent", map[string]any{"agent_id": "a", "prompt": ""})
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "empty_prompt") {
		t.Errorf("status = %d body = %s", rec.Code, rec.Body)
	}
}

func TestApprovalsEndpoints(t *testing.T) {
	srv, _, gate := newTestServer(t, &fakeSubmitter{})
	h := srv.Handler()

	// Start a pending request in the background.
	type reqOutcome struct {
		res approvals.Result
		err error
	}
	done := make(chan reqOutcome, 1)
	go func() {
		res, err := gate.Request(context.Background(), approvals.Params{
			Tool:       "bash",
			Action:     map[string]any{"command": "ls"},
			SessionKey: "agent:a:main",
			ExpiresIn:  5 * time.Second,
		})
		done <- reqOutcome{res, err}
	}()

	var pending []approvals.Request
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/approvals", nil))
		var body struct {
			Approvals []approvals.Request `json:"approvals"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatal(err)
		}
		if len(body.Approvals) > 0 {
			pending = body.Approvals
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if len(pending) != 1 || pending[0].Tool != "bash" {
		t.Fatalf("pending = %+v", pending)
	}

	rec := postJSON(t, h, "/v1/approvals/resolve", map[string]any{
		"id":       pending[0].ID,
		"decision": "approve_once",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve status = %d body = %s", rec.Code, rec.Body)
	}

	select {
	case out := <-done:
		if out.err != nil || !out.res.Approved {
			t.Errorf("request outcome = %+v, %v", out.res, out.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("approval request never resolved")
	}

	rec = postJSON(t, h, "/v1/approvals/resolve", map[string]any{
		"id":       "x",
		"decision": "approve_maybe",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid decision status = %d", rec.Code)
	}
}

func TestAbortEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeSubmitter{})
	h := srv.Handler()

	rec := postJSON(t, h, "/v1/abort", map[string]any{"session_key": "agent:a:main"})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"aborted":false`) {
		t.Errorf("status = %d body = %s", rec.Code, rec.Body)
	}

	rec = postJSON(t, h, "/v1/abort", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing target status = %d", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeSubmitter{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var status Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status.Version != "test" {
		t.Errorf("version = %q", status.Version)
	}
}

func wsReadFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame wsFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatal(err)
	}
	return frame
}

func TestWSBridge(t *testing.T) {
	srv, events, _ := newTestServer(t, &fakeSubmitter{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Requests before connect are rejected.
	if err := conn.WriteJSON(map[string]any{"type": "req", "id": "0", "method": "ping"}); err != nil {
		t.Fatal(err)
	}
	frame := wsReadFrame(t, conn)
	if frame.Error == nil || frame.Error.Code != "handshake_required" {
		t.Fatalf("pre-connect frame = %+v", frame)
	}

	if err := conn.WriteJSON(map[string]any{"type": "req", "id": "1", "method": "connect"}); err != nil {
		t.Fatal(err)
	}
	frame = wsReadFrame(t, conn)
	if frame.Type != "res" || frame.OK == nil || !*frame.OK {
		t.Fatalf("connect frame = %+v", frame)
	}

	if err := conn.WriteJSON(map[string]any{
		"type": "req", "id": "2", "method": "subscribe",
		"params": map[string]any{"topics": []string{"run:r1"}},
	}); err != nil {
		t.Fatal(err)
	}
	frame = wsReadFrame(t, conn)
	if frame.Type != "res" || frame.OK == nil || !*frame.OK {
		t.Fatalf("subscribe frame = %+v", frame)
	}

	events.Publish("run:r1", map[string]any{"hello": "world"})
	frame = wsReadFrame(t, conn)
	if frame.Type != "event" || frame.Event != "run:r1" {
		t.Fatalf("event frame = %+v", frame)
	}

	if err := conn.WriteJSON(map[string]any{
		"type": "req", "id": "3", "method": "agent.submit",
		"params": map[string]any{"agent_id": "a", "prompt": "hi"},
	}); err != nil {
		t.Fatal(err)
	}
	frame = wsReadFrame(t, conn)
	if frame.Type != "res" || frame.OK == nil || !*frame.OK {
		t.Fatalf("submit frame = %+v", frame)
	}
}
