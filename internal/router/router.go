// Package router is the entry surface for prompts: transport-inbound
// messages, programmatic inbox sends with session selection and fanout, and
// abort routing. It validates and resolves, then delegates to the
// orchestrator.
package router

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/lemonhq/lemon/internal/gateway"
	"github.com/lemonhq/lemon/internal/orchestrator"
	"github.com/lemonhq/lemon/internal/run"
	"github.com/lemonhq/lemon/internal/session"
)

// Send failures. The sentinel text doubles as the wire error code.
var (
	ErrSessionAgentMismatch = errors.New("session_agent_mismatch")
	ErrInvalidSessionKey    = errors.New("invalid_session_key")
	ErrInvalidFanoutTarget  = errors.New("invalid_fanout_target")
)

// Submitter is the orchestrator surface the router needs.
type Submitter interface {
	Submit(ctx context.Context, req orchestrator.Request) (orchestrator.Result, error)
}

// Peer identifies the remote end of an inbound message.
type Peer struct {
	Kind     string
	ID       string
	ThreadID string
}

// Message is the inbound message body.
type Message struct {
	ID        string
	Text      string
	Timestamp int64
	ReplyToID string
}

// InboundMeta is the transport-attached routing context.
type InboundMeta struct {
	AgentID          string
	SessionKey       string
	QueueMode        string
	ReplyToText      string
	VoiceTranscribed bool
	Cwd              string
	Extra            map[string]any
}

// InboundMessage is one message arriving from a channel transport.
type InboundMessage struct {
	ChannelID string
	AccountID string
	Peer      Peer
	Sender    string
	Message   Message
	Raw       any
	Meta      InboundMeta
}

// Router accepts transport-inbound messages and abort requests.
type Router struct {
	submit   Submitter
	sessions *run.SessionRegistry
	runs     *run.RunRegistry
	logger   *slog.Logger
}

// New builds a Router.
func New(submit Submitter, sessions *run.SessionRegistry, runs *run.RunRegistry, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		submit:   submit,
		sessions: sessions,
		runs:     runs,
		logger:   logger.With("component", "router"),
	}
}

// HandleInbound routes one transport message into a run. Errors are logged,
// never returned: the transport must not retry at this layer.
func (r *Router) HandleInbound(ctx context.Context, msg InboundMessage) {
	key := r.sessionKeyFor(msg)

	res, err := r.submit.Submit(ctx, orchestrator.Request{
		AgentID:    msg.Meta.AgentID,
		SessionKey: key,
		Prompt:     msg.Message.Text,
		QueueMode:  string(gateway.NormalizeQueueMode(msg.Meta.QueueMode, gateway.QueueCollect)),
		Origin:     gateway.OriginChannel,
		Meta: orchestrator.RequestMeta{
			ReplyToText:      msg.Meta.ReplyToText,
			VoiceTranscribed: msg.Meta.VoiceTranscribed,
			Cwd:              msg.Meta.Cwd,
			UserMsgID:        msg.Message.ID,
			Extra:            msg.Meta.Extra,
		},
	})
	if err != nil {
		r.logger.Warn("inbound submit failed",
			"channel", msg.ChannelID,
			"session_key", key,
			"error", err)
		return
	}
	r.logger.Debug("inbound routed", "run_id", res.RunID, "session_key", res.SessionKey)
}

// sessionKeyFor prefers a valid meta-supplied session key and otherwise
// builds one from the message route.
func (r *Router) sessionKeyFor(msg InboundMessage) string {
	if meta := strings.TrimSpace(msg.Meta.SessionKey); meta != "" {
		if session.Valid(meta) {
			return meta
		}
		r.logger.Warn("ignoring invalid meta session key", "session_key", meta)
	}
	route := session.Route{
		ChannelID: msg.ChannelID,
		AccountID: msg.AccountID,
		PeerKind:  session.NormalizePeerKind(msg.Peer.Kind),
		PeerID:    msg.Peer.ID,
		ThreadID:  msg.Peer.ThreadID,
	}
	return route.SessionKey(msg.Meta.AgentID).String()
}

// Abort cancels the run currently owning a session. Reports whether a run
// was found.
func (r *Router) Abort(sessionKey string) bool {
	if r.sessions == nil {
		return false
	}
	runID, ok := r.sessions.Active(sessionKey)
	if !ok {
		return false
	}
	return r.AbortRun(runID)
}

// AbortRun cancels a run by id. Reports whether the run was live.
func (r *Router) AbortRun(runID string) bool {
	if r.runs == nil {
		return false
	}
	p, ok := r.runs.Lookup(runID)
	if !ok {
		return false
	}
	p.Abort()
	r.logger.Info("abort requested", "run_id", runID)
	return true
}
