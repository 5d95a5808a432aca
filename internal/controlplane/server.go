// Package controlplane is the operator-facing HTTP surface: prompt
// submission, approvals listing and resolution, abort, status, and a
// websocket event bridge onto the bus.
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lemonhq/lemon/internal/approvals"
	"github.com/lemonhq/lemon/internal/bus"
	"github.com/lemonhq/lemon/internal/gateway"
	"github.com/lemonhq/lemon/internal/orchestrator"
	"github.com/lemonhq/lemon/internal/policy"
	"github.com/lemonhq/lemon/internal/router"
	"github.com/lemonhq/lemon/internal/run"
	"github.com/lemonhq/lemon/internal/session"
)

// Config wires a Server.
type Config struct {
	Addr       string
	Submit     router.Submitter
	Router     *router.Router
	Inbox      *router.AgentInbox
	Approvals  *approvals.Gate
	Bus        *bus.Bus
	Supervisor *run.Supervisor
	Runs       *run.RunRegistry
	Metrics    http.Handler
	Engine     http.Handler
	Version    string
	Logger     *slog.Logger
}

// Server serves the control plane API.
type Server struct {
	cfg       Config
	logger    *slog.Logger
	startTime time.Time
	http      *http.Server
}

// NewServer builds a Server. Call Start to begin listening.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		logger:    logger.With("component", "controlplane"),
		startTime: time.Now(),
	}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route mux, exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/agent", s.handleAgent)
	mux.HandleFunc("GET /v1/approvals", s.handleApprovalsList)
	mux.HandleFunc("POST /v1/approvals/resolve", s.handleApprovalsResolve)
	mux.HandleFunc("POST /v1/abort", s.handleAbort)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	mux.Handle("GET /v1/ws", s.newWSBridge())
	if s.cfg.Metrics != nil {
		mux.Handle("GET /metrics", s.cfg.Metrics)
	}
	if s.cfg.Engine != nil {
		mux.Handle("GET /v1/engine/ws", s.cfg.Engine)
	}
	return mux
}

// Start begins listening. It returns once the listener stops.
func (s *Server) Start() error {
	s.logger.Info("control plane listening", "addr", s.cfg.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type agentParams struct {
	AgentID    string            `json:"agent_id"`
	Prompt     string            `json:"prompt"`
	SessionKey string            `json:"session_key,omitempty"`
	QueueMode  string            `json:"queue_mode,omitempty"`
	EngineID   string            `json:"engine_id,omitempty"`
	Cwd        string            `json:"cwd,omitempty"`
	ToolPolicy policy.ToolPolicy `json:"tool_policy,omitempty"`
	Meta       agentMeta         `json:"meta,omitempty"`
}

type agentMeta struct {
	UserMsgID        string         `json:"user_msg_id,omitempty"`
	ReplyToText      string         `json:"reply_to_text,omitempty"`
	VoiceTranscribed bool           `json:"voice_transcribed,omitempty"`
	Cwd              string         `json:"cwd,omitempty"`
	Extra            map[string]any `json:"extra,omitempty"`
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	var params agentParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	res, err := s.submitAgent(r.Context(), params)
	if err != nil {
		code := orchestrator.ErrorCode(err)
		status := http.StatusBadRequest
		if errors.Is(err, orchestrator.ErrCapacity) {
			status = http.StatusTooManyRequests
		} else if errors.Is(err, orchestrator.ErrNotReady) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":      res.RunID,
		"session_key": res.SessionKey,
	})
}

func (s *Server) submitAgent(ctx context.Context, params agentParams) (orchestrator.Result, error) {
	key := strings.TrimSpace(params.SessionKey)
	if key == "" {
		agentID := strings.TrimSpace(params.AgentID)
		key = session.Main(agentID).String()
	}
	return s.cfg.Submit.Submit(ctx, orchestrator.Request{
		AgentID:    params.AgentID,
		SessionKey: key,
		Prompt:     params.Prompt,
		QueueMode:  params.QueueMode,
		EngineID:   params.EngineID,
		Origin:     gateway.OriginControlPlane,
		Cwd:        params.Cwd,
		ToolPolicy: params.ToolPolicy,
		Meta: orchestrator.RequestMeta{
			UserMsgID:        params.Meta.UserMsgID,
			ReplyToText:      params.Meta.ReplyToText,
			VoiceTranscribed: params.Meta.VoiceTranscribed,
			Cwd:              params.Meta.Cwd,
			Extra:            params.Meta.Extra,
		},
	})
}

func (s *Server) handleApprovalsList(w http.ResponseWriter, _ *http.Request) {
	pending := []approvals.Request{}
	if s.cfg.Approvals != nil {
		pending = s.cfg.Approvals.Pending()
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": pending})
}

type resolveParams struct {
	ID       string `json:"id"`
	Decision string `json:"decision"`
}

func (s *Server) handleApprovalsResolve(w http.ResponseWriter, r *http.Request) {
	var params resolveParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	decision, ok := approvals.ParseDecision(params.Decision)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_decision", "unknown decision "+params.Decision)
		return
	}
	if s.cfg.Approvals == nil {
		writeError(w, http.StatusServiceUnavailable, "approvals_unavailable", "approvals gate not configured")
		return
	}
	s.cfg.Approvals.Resolve(r.Context(), params.ID, decision)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type abortParams struct {
	SessionKey string `json:"session_key,omitempty"`
	RunID      string `json:"run_id,omitempty"`
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	var params abortParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if s.cfg.Router == nil {
		writeError(w, http.StatusServiceUnavailable, "router_not_ready", "router not configured")
		return
	}

	aborted := false
	switch {
	case params.RunID != "":
		aborted = s.cfg.Router.AbortRun(params.RunID)
	case params.SessionKey != "":
		aborted = s.cfg.Router.Abort(params.SessionKey)
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", "session_key or run_id required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"aborted": aborted})
}

// Status summarizes node runtime state.
type Status struct {
	UptimeSeconds int64  `json:"uptime_seconds"`
	ActiveRuns    int    `json:"active_runs"`
	LiveProcesses int    `json:"live_processes"`
	Version       string `json:"version,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := Status{
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Version:       s.cfg.Version,
	}
	if s.cfg.Supervisor != nil {
		status.ActiveRuns = s.cfg.Supervisor.Active()
	}
	if s.cfg.Runs != nil {
		status.LiveProcesses = s.cfg.Runs.Count()
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"error": errorBody{Code: code, Message: message}})
}
