package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lemonhq/lemon/internal/approvals"
	"github.com/lemonhq/lemon/internal/bus"
)

// Engine socket frame types.
const (
	socketFrameJob            = "job"
	socketFrameCancel         = "cancel"
	socketFrameEvent          = "event"
	socketFramePing           = "ping"
	socketFramePong           = "pong"
	socketFrameApproval       = "approval_request"
	socketFrameApprovalResult = "approval_result"
)

const (
	socketWriteWait = 10 * time.Second
	socketPongWait  = 45 * time.Second
)

// ErrNoEngine is returned when no engine runtime is attached.
var ErrNoEngine = errors.New("gateway: no engine attached")

// socketFrame is the engine-socket wire format in both directions. ID
// correlates an approval request with its result.
type socketFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Event   string          `json:"event,omitempty"`
	RunID   string          `json:"run_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// approvalParams is the approval_request payload sent by the engine before
// it executes a gated tool action.
type approvalParams struct {
	Tool       string        `json:"tool"`
	Action     any           `json:"action"`
	SessionKey string        `json:"session_key"`
	AgentID    string        `json:"agent_id,omitempty"`
	ExpiresIn  time.Duration `json:"expires_in,omitempty"`
}

// approvalResult is the approval_result payload reported back to the engine.
type approvalResult struct {
	Approved bool   `json:"approved"`
	Scope    string `json:"scope,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Approver gates engine tool actions. Satisfied by *approvals.Gate.
type Approver interface {
	Request(ctx context.Context, p approvals.Params) (approvals.Result, error)
}

// SocketConfig configures the engine socket.
type SocketConfig struct {
	Bus        *bus.Bus
	DefaultCwd string

	// Approvals, when set, answers the engine's approval_request frames.
	// Without it every gated action is denied.
	Approvals Approver

	// Services, when set, receives engine attach/detach lifecycle.
	Services *bus.ServiceReporter

	Logger *slog.Logger
}

// Socket is the Gateway implementation the daemon ships: the engine runtime
// attaches over a websocket, jobs are pushed to it as frames, and the run
// events it sends back are published on the per-run bus topics. One engine
// connection is active at a time; a new attachment replaces the old one.
type Socket struct {
	bus        *bus.Bus
	defaultCwd string
	approver   Approver
	services   *bus.ServiceReporter
	logger     *slog.Logger
	upgrader   websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	writeMu  sync.Mutex
	live     map[string]bool
	watchers map[string][]chan RunDown
}

// NewSocket builds the engine socket gateway.
func NewSocket(cfg SocketConfig) *Socket {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Socket{
		bus:        cfg.Bus,
		defaultCwd: cfg.DefaultCwd,
		approver:   cfg.Approvals,
		services:   cfg.Services,
		logger:     logger.With("component", "engine_socket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		live:     make(map[string]bool),
		watchers: make(map[string][]chan RunDown),
	}
}

// Available implements Gateway.
func (s *Socket) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// DefaultCwd implements Gateway.
func (s *Socket) DefaultCwd() string { return s.defaultCwd }

// Submit implements Gateway. Submission is idempotent per run id.
func (s *Socket) Submit(_ context.Context, job *Job) error {
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return ErrNoEngine
	}
	if s.live[job.RunID] {
		s.mu.Unlock()
		return nil
	}
	s.live[job.RunID] = true
	conn := s.conn
	s.mu.Unlock()

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("gateway: marshal job: %w", err)
	}
	if err := s.writeFrame(conn, socketFrame{Type: socketFrameJob, RunID: job.RunID, Payload: payload}); err != nil {
		s.mu.Lock()
		delete(s.live, job.RunID)
		s.mu.Unlock()
		return err
	}
	return nil
}

// Cancel implements Gateway.
func (s *Socket) Cancel(_ context.Context, runID string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNoEngine
	}
	return s.writeFrame(conn, socketFrame{Type: socketFrameCancel, RunID: runID})
}

// WatchRun implements Watcher. The returned channel delivers at most one
// RunDown when the engine connection carrying the run drops.
func (s *Socket) WatchRun(runID string) (<-chan RunDown, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.live[runID] {
		return nil, false
	}
	ch := make(chan RunDown, 1)
	s.watchers[runID] = append(s.watchers[runID], ch)
	return ch, true
}

// ServeHTTP upgrades an engine attachment and pumps its event frames onto
// the bus until the connection drops.
func (s *Socket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("engine upgrade failed", "error", err)
		return
	}

	s.mu.Lock()
	old := s.conn
	s.conn = conn
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	s.logger.Info("engine attached", "remote", r.RemoteAddr)
	s.services.Report("engine", bus.ServiceUp, r.RemoteAddr)

	conn.SetReadDeadline(time.Now().Add(socketPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(socketPongWait))
		return nil
	})

	s.readLoop(conn)

	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	s.dropLiveRuns("engine_connection_lost")
	s.logger.Info("engine detached", "remote", r.RemoteAddr)
	s.services.Report("engine", bus.ServiceDown, r.RemoteAddr)
}

func (s *Socket) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame socketFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Warn("bad engine frame", "error", err)
			continue
		}
		switch frame.Type {
		case socketFrameEvent:
			s.handleEvent(frame)
		case socketFrameApproval:
			// Own goroutine: a pending approval must not stall run events.
			go s.handleApproval(conn, frame)
		case socketFramePing:
			_ = s.writeFrame(conn, socketFrame{Type: socketFramePong})
		}
	}
}

// handleApproval blocks on the consent gate and reports the outcome back to
// the engine under the request's correlation id.
func (s *Socket) handleApproval(conn *websocket.Conn, frame socketFrame) {
	if frame.ID == "" {
		return
	}
	result := approvalResult{}
	var p approvalParams
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		s.logger.Warn("bad approval frame", "error", err)
		result.Error = "invalid approval request"
	} else if s.approver == nil {
		result.Error = "approvals not configured"
	} else {
		res, err := s.approver.Request(context.Background(), approvals.Params{
			Tool:       p.Tool,
			Action:     p.Action,
			SessionKey: p.SessionKey,
			AgentID:    p.AgentID,
			RunID:      frame.RunID,
			ExpiresIn:  p.ExpiresIn,
		})
		result.Approved = err == nil && res.Approved
		result.Scope = string(res.Scope)
		if err != nil {
			result.Error = err.Error()
		}
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := s.writeFrame(conn, socketFrame{
		Type:    socketFrameApprovalResult,
		ID:      frame.ID,
		RunID:   frame.RunID,
		Payload: payload,
	}); err != nil {
		s.logger.Warn("approval result write failed", "id", frame.ID, "error", err)
	}
}

// handleEvent decodes a typed run event and publishes it on the run topic.
// Unknown event names are forwarded as raw payloads so new engine events
// degrade gracefully.
func (s *Socket) handleEvent(frame socketFrame) {
	if frame.RunID == "" {
		return
	}
	topic := bus.RunTopic(frame.RunID)

	var payload any
	switch frame.Event {
	case "run_started":
		payload = decodeEvent[RunStarted](frame.Payload)
	case "delta":
		payload = decodeEvent[Delta](frame.Payload)
	case "action":
		payload = decodeEvent[EngineAction](frame.Payload)
	case "run_completed":
		payload = decodeEvent[RunCompleted](frame.Payload)
		s.finishRun(frame.RunID)
	case "run_failed":
		payload = decodeEvent[RunFailed](frame.Payload)
		s.finishRun(frame.RunID)
	default:
		var raw map[string]any
		_ = json.Unmarshal(frame.Payload, &raw)
		payload = raw
	}
	if payload == nil {
		return
	}
	s.bus.Publish(topic, payload)
}

func decodeEvent[T any](raw json.RawMessage) any {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

// finishRun forgets a completed run so its watchers never see a RunDown.
func (s *Socket) finishRun(runID string) {
	s.mu.Lock()
	delete(s.live, runID)
	watchers := s.watchers[runID]
	delete(s.watchers, runID)
	s.mu.Unlock()
	for _, ch := range watchers {
		close(ch)
	}
}

// dropLiveRuns notifies watchers of every run that was in flight when the
// engine connection dropped.
func (s *Socket) dropLiveRuns(reason string) {
	s.mu.Lock()
	live := s.live
	watchers := s.watchers
	s.live = make(map[string]bool)
	s.watchers = make(map[string][]chan RunDown)
	s.mu.Unlock()

	for runID := range live {
		for _, ch := range watchers[runID] {
			ch <- RunDown{RunID: runID, Reason: reason}
			close(ch)
		}
	}
}

func (s *Socket) writeFrame(conn *websocket.Conn, frame socketFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}
