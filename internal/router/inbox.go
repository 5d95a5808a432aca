package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/lemonhq/lemon/internal/gateway"
	"github.com/lemonhq/lemon/internal/orchestrator"
	"github.com/lemonhq/lemon/internal/policy"
	"github.com/lemonhq/lemon/internal/profile"
	"github.com/lemonhq/lemon/internal/session"
)

// Session selection modes for inbox sends.
const (
	SessionLatest = "latest"
	SessionNew    = "new"
)

// SendOptions tunes an inbox send.
type SendOptions struct {
	// SessionKey selects an explicit session. It must belong to the agent.
	SessionKey string

	// SessionMode applies when SessionKey is empty: SessionLatest (default)
	// or SessionNew.
	SessionMode string

	// BaseSessionKey seeds SessionNew forking.
	BaseSessionKey string

	// To is the primary target selector ("tg:111", "<channel>:<peer>", or
	// "<channel>:<account>:<peer>").
	To string

	// DeliverTo lists fanout target selectors. Duplicates and the primary
	// route are dropped; the rest ride the job meta as fanout_routes.
	DeliverTo []string

	QueueMode  string
	EngineID   string
	Cwd        string
	ToolPolicy policy.ToolPolicy
	Origin     gateway.Origin
	Extra      map[string]any
}

// AgentInbox submits programmatic prompts to an agent, resolving which
// session they land on.
type AgentInbox struct {
	submit    Submitter
	profiles  *profile.Registry
	directory *orchestrator.Directory
	logger    *slog.Logger

	newSubID func() string
}

// NewAgentInbox builds an AgentInbox.
func NewAgentInbox(submit Submitter, profiles *profile.Registry, directory *orchestrator.Directory, logger *slog.Logger) *AgentInbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentInbox{
		submit:    submit,
		profiles:  profiles,
		directory: directory,
		logger:    logger.With("component", "inbox"),
		newSubID:  func() string { return uuid.NewString()[:8] },
	}
}

// Send submits a prompt to the agent. The session is chosen by opts; queue
// mode defaults to followup for inbox sends.
func (i *AgentInbox) Send(ctx context.Context, agentID, prompt string, opts SendOptions) (orchestrator.Result, error) {
	primary, err := resolveTarget(opts.To)
	if err != nil {
		return orchestrator.Result{}, err
	}

	key, err := i.selectSession(ctx, agentID, primary, opts)
	if err != nil {
		return orchestrator.Result{}, err
	}

	extra, err := attachFanout(opts.Extra, primary, opts.DeliverTo)
	if err != nil {
		return orchestrator.Result{}, err
	}

	origin := opts.Origin
	if origin == "" {
		origin = gateway.OriginNode
	}

	return i.submit.Submit(ctx, orchestrator.Request{
		AgentID:    agentID,
		SessionKey: key.String(),
		Prompt:     prompt,
		QueueMode:  string(gateway.NormalizeQueueMode(opts.QueueMode, gateway.QueueFollowup)),
		EngineID:   opts.EngineID,
		Origin:     origin,
		Cwd:        opts.Cwd,
		ToolPolicy: opts.ToolPolicy,
		Meta:       orchestrator.RequestMeta{Extra: extra},
	})
}

// selectSession implements the three selection modes.
func (i *AgentInbox) selectSession(ctx context.Context, agentID string, primary *session.Route, opts SendOptions) (session.Key, error) {
	if explicit := strings.TrimSpace(opts.SessionKey); explicit != "" {
		key, err := session.Parse(explicit)
		if err != nil {
			return session.Key{}, fmt.Errorf("%w: %v", ErrInvalidSessionKey, err)
		}
		if key.AgentID != agentID {
			return session.Key{}, fmt.Errorf("%w: key belongs to %q", ErrSessionAgentMismatch, key.AgentID)
		}
		return key, nil
	}

	switch strings.ToLower(strings.TrimSpace(opts.SessionMode)) {
	case SessionNew:
		return i.forkSession(ctx, agentID, primary, opts.BaseSessionKey)
	case SessionLatest, "":
		return i.latestSession(ctx, agentID, primary), nil
	default:
		return session.Key{}, fmt.Errorf("invalid_session_selector: %q", opts.SessionMode)
	}
}

// latestSession picks the agent's most recent session, constrained to the
// primary route when one is given. A known route wins over main when the
// directory is empty.
func (i *AgentInbox) latestSession(ctx context.Context, agentID string, primary *session.Route) session.Key {
	var filter func(session.Key) bool
	if primary != nil {
		want := primary.Signature()
		filter = func(k session.Key) bool { return k.Route().Signature() == want }
	}

	if i.directory != nil {
		if latest, ok, err := i.directory.Latest(ctx, agentID, filter); err == nil && ok {
			if key, err := session.Parse(latest); err == nil {
				return key
			}
		}
	}
	if primary != nil {
		return primary.SessionKey(agentID)
	}
	if route, ok := i.primaryRoute(agentID); ok {
		return route.SessionKey(agentID)
	}
	return session.Main(agentID)
}

// forkSession resolves a base session and, when it addresses a channel peer,
// forks it with a fresh sub id.
func (i *AgentInbox) forkSession(ctx context.Context, agentID string, primary *session.Route, base string) (session.Key, error) {
	var baseKey session.Key
	switch {
	case strings.TrimSpace(base) != "":
		key, err := session.Parse(base)
		if err != nil {
			return session.Key{}, fmt.Errorf("%w: %v", ErrInvalidSessionKey, err)
		}
		if key.AgentID != agentID {
			return session.Key{}, fmt.Errorf("%w: key belongs to %q", ErrSessionAgentMismatch, key.AgentID)
		}
		baseKey = key
	case primary != nil:
		baseKey = primary.SessionKey(agentID)
	default:
		baseKey = i.latestSession(ctx, agentID, nil)
	}

	if baseKey.IsMain() {
		return baseKey, nil
	}
	fork := session.ChannelPeer(agentID, baseKey.Route())
	return fork.WithSub(i.newSubID()), nil
}

func (i *AgentInbox) primaryRoute(agentID string) (session.Route, bool) {
	if i.profiles == nil {
		return session.Route{}, false
	}
	prof, err := i.profiles.Lookup(agentID)
	if err != nil || prof.PrimaryRoute.IsZero() {
		return session.Route{}, false
	}
	return prof.PrimaryRoute.Normalize(), true
}

// resolveTarget parses a target selector into a route. Accepted forms:
// "tg:<peer>", "<channel>:<peer>", "<channel>:<account>:<peer>". Empty input
// means no target.
func resolveTarget(selector string) (*session.Route, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return nil, nil
	}
	parts := strings.Split(selector, ":")
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidFanoutTarget, selector)
		}
	}

	channel := strings.ToLower(parts[0])
	if channel == "tg" {
		channel = "telegram"
	}
	route := session.Route{ChannelID: channel, PeerKind: session.PeerDM}
	switch len(parts) {
	case 2:
		route.PeerID = parts[1]
	case 3:
		route.AccountID = parts[1]
		route.PeerID = parts[2]
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidFanoutTarget, selector)
	}
	route = route.Normalize()
	return &route, nil
}

// attachFanout resolves fanout selectors, drops duplicates and the primary
// route, and attaches the rest to the job meta extra.
func attachFanout(extra map[string]any, primary *session.Route, deliverTo []string) (map[string]any, error) {
	if len(deliverTo) == 0 {
		return extra, nil
	}

	seen := make(map[string]bool)
	if primary != nil {
		seen[primary.Signature()] = true
	}
	var routes []session.Route
	for _, selector := range deliverTo {
		route, err := resolveTarget(selector)
		if err != nil {
			return nil, err
		}
		if route == nil || seen[route.Signature()] {
			continue
		}
		seen[route.Signature()] = true
		routes = append(routes, *route)
	}
	if len(routes) == 0 {
		return extra, nil
	}

	out := make(map[string]any, len(extra)+2)
	for k, v := range extra {
		out[k] = v
	}
	out["fanout_routes"] = routes
	out["fanout_count"] = len(routes)
	return out, nil
}
