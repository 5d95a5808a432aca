// Package orchestrator turns run requests into gateway jobs: it resolves the
// agent profile, session policy, working directory, resume token, and engine,
// then starts a run process under the bounded supervisor.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/lemonhq/lemon/internal/bus"
	"github.com/lemonhq/lemon/internal/gateway"
	"github.com/lemonhq/lemon/internal/policy"
	"github.com/lemonhq/lemon/internal/profile"
	"github.com/lemonhq/lemon/internal/resume"
	"github.com/lemonhq/lemon/internal/run"
	"github.com/lemonhq/lemon/internal/session"
)

// Submit failures. The sentinel text doubles as the wire error code.
var (
	ErrUnknownAgent      = errors.New("unknown_agent_id")
	ErrEmptyPrompt       = errors.New("empty_prompt")
	ErrInvalidSessionKey = errors.New("invalid_session_key")
	ErrCapacity          = errors.New("run_capacity_reached")
	ErrNotReady          = errors.New("router_not_ready")
)

// ErrorCode maps a Submit error onto its wire code. Unrecognized errors get
// the canonical SUBMIT_FAILED.
func ErrorCode(err error) string {
	for _, sentinel := range []error{
		ErrUnknownAgent, ErrEmptyPrompt, ErrInvalidSessionKey, ErrCapacity, ErrNotReady,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "SUBMIT_FAILED"
}

// RequestMeta is the channel context a request carries into the job.
type RequestMeta struct {
	ReplyToText      string
	VoiceTranscribed bool
	Cwd              string
	UserMsgID        string
	ProgressMsgID    string
	StatusMsgID      string
	Extra            map[string]any
}

// Request is one prompt submission.
type Request struct {
	AgentID    string
	SessionKey string
	Prompt     string
	QueueMode  string
	EngineID   string
	Origin     gateway.Origin

	// Operator overrides. Cwd beats meta and profile; ToolPolicy is merged
	// last so it can only narrow.
	Cwd        string
	ToolPolicy policy.ToolPolicy

	Meta RequestMeta
}

// Result reports an accepted submission.
type Result struct {
	RunID      string
	SessionKey string
}

// Submitted is published on bus.TopicRunsSubmitted for each accepted run.
type Submitted struct {
	RunID      string         `json:"run_id"`
	SessionKey string         `json:"session_key"`
	AgentID    string         `json:"agent_id"`
	Origin     gateway.Origin `json:"origin"`
	EngineID   string         `json:"engine_id,omitempty"`
}

// Config wires an Orchestrator.
type Config struct {
	Profiles   *profile.Registry
	Policies   *policy.KVStore
	Resolver   *policy.Resolver
	Models     *gateway.ModelRegistry
	Directory  *Directory
	Supervisor *run.Supervisor
	RunDeps    run.Deps
	RunOpts    run.Options
	Logger     *slog.Logger
}

// Orchestrator admits runs.
type Orchestrator struct {
	profiles   *profile.Registry
	policies   *policy.KVStore
	resolver   *policy.Resolver
	models     *gateway.ModelRegistry
	directory  *Directory
	supervisor *run.Supervisor
	runDeps    run.Deps
	runOpts    run.Options
	logger     *slog.Logger

	newRunID func() string
}

// New builds an Orchestrator.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		profiles:   cfg.Profiles,
		policies:   cfg.Policies,
		resolver:   cfg.Resolver,
		models:     cfg.Models,
		directory:  cfg.Directory,
		supervisor: cfg.Supervisor,
		runDeps:    cfg.RunDeps,
		runOpts:    cfg.RunOpts,
		logger:     logger.With("component", "orchestrator"),
		newRunID:   uuid.NewString,
	}
}

// Submit resolves the request into a Job and starts its run process.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (Result, error) {
	if o == nil || o.supervisor == nil {
		return Result{}, ErrNotReady
	}

	key, err := session.Parse(req.SessionKey)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidSessionKey, err)
	}

	agentID := strings.TrimSpace(req.AgentID)
	if agentID == "" {
		agentID = key.AgentID
	}
	if agentID == "" {
		agentID = session.DefaultAgentID
	}
	queueMode := gateway.NormalizeQueueMode(req.QueueMode, gateway.QueueCollect)
	runID := o.newRunID()

	prof, err := o.profiles.Lookup(agentID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}

	var rec policy.SessionRecord
	if o.policies != nil {
		stored, ok, err := o.policies.SessionRecord(ctx, key.String())
		if err != nil {
			o.logger.Warn("session record lookup failed", "session_key", key.String(), "error", err)
		} else if ok {
			rec = stored
		}
	}

	origin := req.Origin
	if origin == "" {
		origin = gateway.OriginChannel
	}

	toolPolicy := o.resolver.ResolveForRun(ctx, policy.ResolveParams{
		AgentID:    agentID,
		SessionKey: key.String(),
		Origin:     string(origin),
	})
	toolPolicy = policy.Merge(toolPolicy, prof.ToolPolicy)
	if len(req.ToolPolicy) > 0 {
		toolPolicy = policy.Merge(toolPolicy, req.ToolPolicy)
	}

	cwd := resolveCwd(o.runDeps.Gateway, req.Cwd, req.Meta.Cwd, prof.Cwd)

	token, prompt := resume.Extract(req.Prompt)
	if token == nil && key.ChannelID == "telegram" && req.Meta.ReplyToText != "" {
		token, _ = resume.Extract(req.Meta.ReplyToText)
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		if token == nil {
			return Result{}, ErrEmptyPrompt
		}
		prompt = "Continue."
	}
	if req.Meta.VoiceTranscribed {
		prompt = "(voice transcribed) " + prompt
	}

	model := rec.Model
	if model == "" {
		model = prof.Model
	}
	thinking := rec.ThinkingLevel
	if thinking == "" {
		thinking = prof.ThinkingLevel
	}

	engineID := resolveEngine(o.models, token, req.EngineID, model, prof.DefaultEngine)

	job := &gateway.Job{
		RunID:      runID,
		SessionKey: key.String(),
		Prompt:     prompt,
		EngineID:   engineID,
		Cwd:        cwd,
		Resume:     token,
		QueueMode:  queueMode,
		ToolPolicy: map[string]any(toolPolicy),
		Meta: gateway.JobMeta{
			Origin:        origin,
			AgentID:       agentID,
			ThinkingLevel: thinking,
			Model:         model,
			SystemPrompt:  prof.SystemPrompt,
			ChannelID:     key.ChannelID,
			AccountID:     key.AccountID,
			PeerKind:      string(key.PeerKind),
			PeerID:        key.PeerID,
			ThreadID:      key.ThreadID,
			ProgressMsgID: req.Meta.ProgressMsgID,
			StatusMsgID:   req.Meta.StatusMsgID,
			UserMsgID:     req.Meta.UserMsgID,
			Extra:         req.Meta.Extra,
		},
	}

	if o.directory != nil {
		if err := o.directory.Touch(ctx, agentID, key.String()); err != nil {
			o.logger.Warn("session index touch failed", "session_key", key.String(), "error", err)
		}
	}

	proc := run.NewProcess(job, o.runDeps, o.runOpts)
	if err := o.supervisor.Start(proc); err != nil {
		if errors.Is(err, run.ErrCapacity) {
			return Result{}, fmt.Errorf("%w: %v", ErrCapacity, err)
		}
		return Result{}, err
	}

	if o.runDeps.Bus != nil {
		o.runDeps.Bus.Publish(bus.TopicRunsSubmitted, Submitted{
			RunID:      runID,
			SessionKey: key.String(),
			AgentID:    agentID,
			Origin:     origin,
			EngineID:   engineID,
		})
	}
	o.logger.Info("run submitted",
		"run_id", runID,
		"session_key", key.String(),
		"agent_id", agentID,
		"engine_id", engineID,
		"queue_mode", string(queueMode),
		"origin", string(origin))

	return Result{RunID: runID, SessionKey: key.String()}, nil
}

// resolveEngine picks the engine in priority order: resume token, explicit
// request, model-as-engine selector, profile default.
func resolveEngine(models *gateway.ModelRegistry, token *gateway.ResumeToken, explicit, model, profileDefault string) string {
	if token != nil && token.Engine != "" {
		return token.Engine
	}
	if e := strings.TrimSpace(explicit); e != "" {
		return e
	}
	if e, ok := models.EngineForModel(model); ok {
		return e
	}
	return profileDefault
}

// resolveCwd picks the first usable working directory: operator override,
// request meta, profile, gateway default.
func resolveCwd(gw gateway.Gateway, candidates ...string) string {
	for _, c := range candidates {
		if dir := expandPath(c); dir != "" {
			return dir
		}
	}
	if gw != nil {
		return gw.DefaultCwd()
	}
	return ""
}

func expandPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		return filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return p
}
