package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lemonhq/lemon/internal/approvals"
	"github.com/lemonhq/lemon/internal/bus"
	"github.com/lemonhq/lemon/internal/orchestrator"
)

const (
	wsProtocolVersion = 1
	wsMaxPayloadBytes = 1 << 20
	wsTickInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

// wsBridge upgrades control-plane clients onto the event bus: requests are
// small JSON frames, bus events stream back as event frames.
type wsBridge struct {
	server   *Server
	upgrader websocket.Upgrader
}

func (s *Server) newWSBridge() http.Handler {
	return &wsBridge{
		server: s,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
}

type wsFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload any             `json:"payload,omitempty"`
	Error   *errorBody      `json:"error,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

type wsConnectParams struct {
	MinProtocol int `json:"minProtocol"`
	MaxProtocol int `json:"maxProtocol"`
}

type wsSubscribeParams struct {
	Topics []string `json:"topics"`
}

type wsClient struct {
	bridge *wsBridge
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	id        string
	connected atomic.Bool
	seq       int64

	mu   sync.Mutex
	subs map[string]*bus.Subscription
}

func (h *wsBridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	client := &wsClient{
		bridge: h,
		conn:   conn,
		send:   make(chan []byte, 64),
		ctx:    ctx,
		cancel: cancel,
		id:     uuid.NewString(),
		subs:   make(map[string]*bus.Subscription),
	}
	client.run()
}

func (c *wsClient) run() {
	defer c.close()
	go c.writeLoop()
	c.readLoop()
}

func (c *wsClient) close() {
	c.cancel()
	c.mu.Lock()
	for _, sub := range c.subs {
		sub.Unsubscribe()
	}
	c.subs = nil
	c.mu.Unlock()
	_ = c.conn.Close()
}

func (c *wsClient) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		frame, err := decodeFrame(data)
		if err != nil {
			c.sendError("", "invalid_frame", err.Error())
			continue
		}

		if !c.connected.Load() {
			if frame.Method != "connect" {
				c.sendError(frame.ID, "handshake_required", "first request must be connect")
				continue
			}
			if err := c.handleConnect(frame); err != nil {
				c.sendError(frame.ID, "connect_failed", err.Error())
				return
			}
			continue
		}

		if err := c.handleRequest(frame); err != nil {
			c.sendError(frame.ID, "request_failed", err.Error())
		}
	}
}

func (c *wsClient) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func decodeFrame(raw []byte) (*wsFrame, error) {
	var frame wsFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}
	if frame.Type == "" {
		frame.Type = "req"
	}
	if frame.Type != "req" {
		return nil, fmt.Errorf("unsupported frame type %q", frame.Type)
	}
	if frame.Method == "" {
		return nil, fmt.Errorf("method is required")
	}
	return &frame, nil
}

func (c *wsClient) handleConnect(frame *wsFrame) error {
	var params wsConnectParams
	if len(frame.Params) > 0 {
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			return err
		}
	}

	minProtocol := params.MinProtocol
	maxProtocol := params.MaxProtocol
	if minProtocol <= 0 {
		minProtocol = wsProtocolVersion
	}
	if maxProtocol <= 0 {
		maxProtocol = wsProtocolVersion
	}
	if wsProtocolVersion < minProtocol || wsProtocolVersion > maxProtocol {
		return fmt.Errorf("unsupported protocol version")
	}

	payload := map[string]any{
		"type":     "hello-ok",
		"protocol": wsProtocolVersion,
		"server":   map[string]any{"id": c.id},
		"features": map[string]any{
			"methods": supportedWSMethods(),
		},
		"policy": map[string]any{
			"maxPayloadBytes": wsMaxPayloadBytes,
			"tickIntervalMs":  wsTickInterval.Milliseconds(),
		},
	}
	if err := c.sendResponse(frame.ID, true, payload, nil); err != nil {
		return err
	}
	c.connected.Store(true)
	go c.startTicking()
	return nil
}

func (c *wsClient) handleRequest(frame *wsFrame) error {
	switch frame.Method {
	case "ping":
		return c.sendResponse(frame.ID, true, map[string]any{"timestamp": time.Now().UnixMilli()}, nil)
	case "agent.submit":
		return c.handleAgentSubmit(frame)
	case "approvals.list":
		return c.handleApprovalsList(frame)
	case "approvals.resolve":
		return c.handleApprovalsResolve(frame)
	case "abort":
		return c.handleAbort(frame)
	case "subscribe":
		return c.handleSubscribe(frame)
	case "unsubscribe":
		return c.handleUnsubscribe(frame)
	default:
		return fmt.Errorf("unknown method %q", frame.Method)
	}
}

func (c *wsClient) handleAgentSubmit(frame *wsFrame) error {
	var params agentParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}

	res, err := c.bridge.server.submitAgent(c.ctx, params)
	if err != nil {
		return c.sendResponse(frame.ID, false, nil, &errorBody{
			Code:    orchestrator.ErrorCode(err),
			Message: err.Error(),
		})
	}
	return c.sendResponse(frame.ID, true, map[string]any{
		"run_id":      res.RunID,
		"session_key": res.SessionKey,
	}, nil)
}

func (c *wsClient) handleApprovalsList(frame *wsFrame) error {
	pending := []approvals.Request{}
	if gate := c.bridge.server.cfg.Approvals; gate != nil {
		pending = gate.Pending()
	}
	return c.sendResponse(frame.ID, true, map[string]any{"approvals": pending}, nil)
}

func (c *wsClient) handleApprovalsResolve(frame *wsFrame) error {
	var params resolveParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}
	decision, ok := approvals.ParseDecision(params.Decision)
	if !ok {
		return c.sendResponse(frame.ID, false, nil, &errorBody{
			Code:    "invalid_decision",
			Message: "unknown decision " + params.Decision,
		})
	}
	gate := c.bridge.server.cfg.Approvals
	if gate == nil {
		return c.sendResponse(frame.ID, false, nil, &errorBody{
			Code:    "approvals_unavailable",
			Message: "approvals gate not configured",
		})
	}
	gate.Resolve(c.ctx, params.ID, decision)
	return c.sendResponse(frame.ID, true, map[string]any{"ok": true}, nil)
}

func (c *wsClient) handleAbort(frame *wsFrame) error {
	var params abortParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}
	rt := c.bridge.server.cfg.Router
	aborted := false
	if rt != nil {
		switch {
		case params.RunID != "":
			aborted = rt.AbortRun(params.RunID)
		case params.SessionKey != "":
			aborted = rt.Abort(params.SessionKey)
		}
	}
	return c.sendResponse(frame.ID, true, map[string]any{"aborted": aborted}, nil)
}

// handleSubscribe attaches the client to bus topics; each delivered event is
// forwarded as an event frame named after the topic.
func (c *wsClient) handleSubscribe(frame *wsFrame) error {
	eventBus := c.bridge.server.cfg.Bus
	if eventBus == nil {
		return fmt.Errorf("bus unavailable")
	}
	var params wsSubscribeParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}

	var attached []string
	for _, topic := range params.Topics {
		topic = strings.TrimSpace(topic)
		if topic == "" {
			continue
		}
		c.mu.Lock()
		if c.subs == nil {
			c.mu.Unlock()
			return fmt.Errorf("connection closing")
		}
		if _, dup := c.subs[topic]; dup {
			c.mu.Unlock()
			continue
		}
		sub := eventBus.Subscribe(topic)
		c.subs[topic] = sub
		c.mu.Unlock()

		attached = append(attached, topic)
		go c.forward(topic, sub)
	}
	return c.sendResponse(frame.ID, true, map[string]any{"subscribed": attached}, nil)
}

func (c *wsClient) handleUnsubscribe(frame *wsFrame) error {
	var params wsSubscribeParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}
	for _, topic := range params.Topics {
		c.mu.Lock()
		if sub, ok := c.subs[topic]; ok {
			sub.Unsubscribe()
			delete(c.subs, topic)
		}
		c.mu.Unlock()
	}
	return c.sendResponse(frame.ID, true, map[string]any{"ok": true}, nil)
}

func (c *wsClient) forward(topic string, sub *bus.Subscription) {
	for ev := range sub.C {
		_ = c.sendEvent(topic, ev.Payload)
	}
}

func (c *wsClient) sendResponse(id string, ok bool, payload any, errBody *errorBody) error {
	return c.enqueue(wsFrame{
		Type:    "res",
		ID:      id,
		OK:      &ok,
		Payload: payload,
		Error:   errBody,
	})
}

func (c *wsClient) sendEvent(event string, payload any) error {
	seq := atomic.AddInt64(&c.seq, 1)
	return c.enqueue(wsFrame{
		Type:    "event",
		Event:   event,
		Payload: payload,
		Seq:     &seq,
	})
}

func (c *wsClient) sendError(id string, code string, message string) {
	_ = c.sendResponse(id, false, nil, &errorBody{Code: code, Message: message})
}

func (c *wsClient) enqueue(frame wsFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if len(data) > wsMaxPayloadBytes {
		return fmt.Errorf("payload too large")
	}
	select {
	case <-c.ctx.Done():
		return fmt.Errorf("connection closed")
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}

func (c *wsClient) startTicking() {
	ticker := time.NewTicker(wsTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			_ = c.sendEvent("tick", map[string]any{"timestamp": time.Now().UnixMilli()})
		}
	}
}

func supportedWSMethods() []string {
	return []string{
		"connect",
		"ping",
		"agent.submit",
		"approvals.list",
		"approvals.resolve",
		"abort",
		"subscribe",
		"unsubscribe",
	}
}
