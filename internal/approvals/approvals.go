// Package approvals is the consent gate for tool execution. A run asks for
// approval before running a sensitive tool action; the request blocks until a
// matching persisted grant is found, an operator resolves it, or it times out.
//
// Grants are scoped. Lookup precedence is global, then node, then agent, then
// session; the first hit wins. At every scope both the concrete action hash
// and the ":any" wildcard are consulted. Grants live in the durable key/value
// store; only the pending table is in memory.
package approvals

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lemonhq/lemon/internal/bus"
	"github.com/lemonhq/lemon/internal/kv"
	"github.com/lemonhq/lemon/internal/session"
)

// Decision is an operator's answer to an approval request.
type Decision string

const (
	ApproveOnce    Decision = "approve_once"
	ApproveSession Decision = "approve_session"
	ApproveAgent   Decision = "approve_agent"
	ApproveGlobal  Decision = "approve_global"
	Deny           Decision = "deny"
)

// ParseDecision validates a wire decision string.
func ParseDecision(s string) (Decision, bool) {
	switch Decision(s) {
	case ApproveOnce, ApproveSession, ApproveAgent, ApproveGlobal, Deny:
		return Decision(s), true
	}
	return "", false
}

// Scope identifies where a grant applies.
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopeNode    Scope = "node"
	ScopeAgent   Scope = "agent"
	ScopeSession Scope = "session"
	ScopeOnce    Scope = "once"
)

// ErrTimeout is returned when a request expires before anyone resolves it.
var ErrTimeout = errors.New("approvals: request timed out")

// DefaultExpiry bounds how long a request waits for a decision.
const DefaultExpiry = 300 * time.Second

// Params describes one approval request.
type Params struct {
	Tool       string
	Action     any
	SessionKey string
	AgentID    string // derived from SessionKey when empty
	RunID      string
	ExpiresIn  time.Duration // DefaultExpiry when zero
}

// Result is the outcome of a granted or denied request.
type Result struct {
	Approved bool
	Scope    Scope
}

// Request is the pending-table view of a waiting approval, published on the
// bus and listed by the control plane.
type Request struct {
	ID          string `json:"id"`
	Tool        string `json:"tool"`
	ActionHash  string `json:"action_hash"`
	Action      any    `json:"action,omitempty"`
	SessionKey  string `json:"session_key"`
	AgentID     string `json:"agent_id"`
	RunID       string `json:"run_id,omitempty"`
	CreatedAtMs int64  `json:"created_at_ms"`
	ExpiresAtMs int64  `json:"expires_at_ms"`
}

// Requested is broadcast on the approvals topic when a request enters the
// pending table.
type Requested struct {
	Request Request `json:"request"`
}

// Resolved is broadcast when a request is decided or expires.
type Resolved struct {
	ID       string   `json:"id"`
	Decision Decision `json:"decision"`
	Scope    Scope    `json:"scope,omitempty"`
}

// record is the persisted grant value. The JSON shape is shared with
// external admin tooling.
type record struct {
	Approved     bool   `json:"approved"`
	ApprovedAtMs int64  `json:"approved_at_ms"`
	Scope        Scope  `json:"scope"`
	Tool         string `json:"tool"`
}

// Gate owns the pending table and the persisted grants.
type Gate struct {
	store      kv.Store
	events     *bus.Bus
	nodeID     string
	logger     *slog.Logger
	now        func() time.Time
	defaultTTL time.Duration

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

type pendingRequest struct {
	req    Request
	result chan outcome
	timer  *time.Timer
}

type outcome struct {
	res Result
	err error
}

// Config configures a Gate.
type Config struct {
	Store  kv.Store
	Events *bus.Bus
	NodeID string
	Logger *slog.Logger

	// DefaultTTL bounds requests that do not set ExpiresIn. Defaults to
	// DefaultExpiry.
	DefaultTTL time.Duration
}

// NewGate builds an approvals gate over the given store and event bus.
func NewGate(cfg Config) *Gate {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultExpiry
	}
	return &Gate{
		store:      cfg.Store,
		events:     cfg.Events,
		nodeID:     cfg.NodeID,
		logger:     logger.With("component", "approvals"),
		now:        time.Now,
		defaultTTL: ttl,
		pending:    make(map[string]*pendingRequest),
	}
}

// Grant keys. The layout is bit-stable: external admin UIs write the same
// keys directly into the store.

func globalKey(tool, hash string) string { return "global|" + tool + "|" + hash }
func nodeKey(node, tool, hash string) string {
	return "node|" + node + "|" + tool + "|" + hash
}
func agentKey(agent, tool, hash string) string {
	return "agent|" + agent + "|" + tool + "|" + hash
}
func sessionKey(sk, tool, hash string) string {
	return "session|" + sk + "|" + tool + "|" + hash
}

// Request blocks until the action is approved at some scope, denied, or the
// expiry elapses. A store lookup error downgrades that scope to "not
// approved" rather than failing the request.
func (g *Gate) Request(ctx context.Context, p Params) (Result, error) {
	if p.AgentID == "" {
		p.AgentID = session.AgentIDOf(p.SessionKey)
	}
	hash := ActionHash(p.Action)

	if scope, ok := g.lookup(ctx, p, hash); ok {
		return Result{Approved: true, Scope: scope}, nil
	}

	expiresIn := p.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = g.defaultTTL
	}
	now := g.now()
	req := Request{
		ID:          uuid.NewString(),
		Tool:        p.Tool,
		ActionHash:  hash,
		Action:      p.Action,
		SessionKey:  p.SessionKey,
		AgentID:     p.AgentID,
		RunID:       p.RunID,
		CreatedAtMs: now.UnixMilli(),
		ExpiresAtMs: now.Add(expiresIn).UnixMilli(),
	}

	pend := &pendingRequest{req: req, result: make(chan outcome, 1)}
	pend.timer = time.AfterFunc(expiresIn, func() { g.expire(req.ID) })

	g.mu.Lock()
	g.pending[req.ID] = pend
	g.mu.Unlock()

	g.publish(Requested{Request: req})
	g.logger.Info("approval requested",
		"approval_id", req.ID,
		"tool", req.Tool,
		"action_hash", req.ActionHash,
		"session_key", req.SessionKey)

	select {
	case out := <-pend.result:
		return out.res, out.err
	case <-ctx.Done():
		// The pending entry stays until resolve or expiry: a late resolve
		// still persists the grant even though this waiter is gone.
		return Result{}, ctx.Err()
	}
}

// Resolve applies an operator decision to a pending request. Unknown or
// already-resolved ids are a no-op. Grants are persisted before the waiter is
// woken, so a waiter that vanished mid-resolve still leaves the grant behind.
func (g *Gate) Resolve(ctx context.Context, approvalID string, decision Decision) {
	g.mu.Lock()
	pend, ok := g.pending[approvalID]
	if ok {
		delete(g.pending, approvalID)
	}
	g.mu.Unlock()
	if !ok {
		return
	}
	pend.timer.Stop()

	scope := decisionScope(decision)
	if decision != Deny && decision != ApproveOnce {
		g.persist(ctx, pend.req, scope)
	}

	select {
	case pend.result <- outcome{res: Result{Approved: decision != Deny, Scope: scope}}:
	default:
	}

	g.publish(Resolved{ID: approvalID, Decision: decision, Scope: scope})
	g.logger.Info("approval resolved",
		"approval_id", approvalID,
		"decision", decision,
		"tool", pend.req.Tool)
}

// Pending lists the waiting requests, oldest first.
func (g *Gate) Pending() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Request, 0, len(g.pending))
	for _, p := range g.pending {
		out = append(out, p.req)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAtMs < out[j-1].CreatedAtMs; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func (g *Gate) lookup(ctx context.Context, p Params, hash string) (Scope, bool) {
	type probe struct {
		scope Scope
		keys  []string
	}
	probes := []probe{
		{ScopeGlobal, []string{globalKey(p.Tool, hash), globalKey(p.Tool, WildcardAction)}},
	}
	if g.nodeID != "" {
		probes = append(probes, probe{ScopeNode, []string{
			nodeKey(g.nodeID, p.Tool, hash), nodeKey(g.nodeID, p.Tool, WildcardAction)}})
	}
	if p.AgentID != "" {
		probes = append(probes, probe{ScopeAgent, []string{
			agentKey(p.AgentID, p.Tool, hash), agentKey(p.AgentID, p.Tool, WildcardAction)}})
	}
	if p.SessionKey != "" {
		probes = append(probes, probe{ScopeSession, []string{
			sessionKey(p.SessionKey, p.Tool, hash), sessionKey(p.SessionKey, p.Tool, WildcardAction)}})
	}

	for _, pr := range probes {
		for _, key := range pr.keys {
			value, ok, err := g.store.Get(ctx, kv.BucketApprovals, key)
			if err != nil {
				g.logger.Warn("approval lookup failed, treating as not approved",
					"scope", pr.scope, "error", err)
				continue
			}
			if !ok {
				continue
			}
			var rec record
			if err := json.Unmarshal(value, &rec); err != nil || !rec.Approved {
				continue
			}
			return pr.scope, true
		}
	}
	return "", false
}

func (g *Gate) persist(ctx context.Context, req Request, scope Scope) {
	var key string
	switch scope {
	case ScopeGlobal:
		key = globalKey(req.Tool, req.ActionHash)
	case ScopeAgent:
		key = agentKey(req.AgentID, req.Tool, req.ActionHash)
	case ScopeSession:
		key = sessionKey(req.SessionKey, req.Tool, req.ActionHash)
	default:
		return
	}
	value, _ := json.Marshal(record{
		Approved:     true,
		ApprovedAtMs: g.now().UnixMilli(),
		Scope:        scope,
		Tool:         req.Tool,
	})
	if err := g.store.Put(ctx, kv.BucketApprovals, key, value); err != nil {
		g.logger.Warn("failed to persist approval", "scope", scope, "error", err)
	}
}

func (g *Gate) expire(approvalID string) {
	g.mu.Lock()
	pend, ok := g.pending[approvalID]
	if ok {
		delete(g.pending, approvalID)
	}
	g.mu.Unlock()
	if !ok {
		return
	}
	select {
	case pend.result <- outcome{err: ErrTimeout}:
	default:
	}
	g.publish(Resolved{ID: approvalID, Decision: Deny})
	g.logger.Info("approval request expired", "approval_id", approvalID, "tool", pend.req.Tool)
}

func (g *Gate) publish(payload any) {
	if g.events != nil {
		g.events.Publish(bus.TopicApprovals, payload)
	}
}

func decisionScope(d Decision) Scope {
	switch d {
	case ApproveOnce:
		return ScopeOnce
	case ApproveSession:
		return ScopeSession
	case ApproveAgent:
		return ScopeAgent
	case ApproveGlobal:
		return ScopeGlobal
	default:
		return ""
	}
}
