// Package config loads the daemon configuration: agent profiles, the engine
// gateway, channel transports, the control plane, and cron jobs.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/lemonhq/lemon/internal/cron"
	"github.com/lemonhq/lemon/internal/policy"
	"github.com/lemonhq/lemon/internal/profile"
	"github.com/lemonhq/lemon/internal/session"
)

// Config is the root configuration.
type Config struct {
	Logging      LoggingConfig      `yaml:"logging"`
	Store        StoreConfig        `yaml:"store"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	Agents       []AgentConfig      `yaml:"agents"`
	Channels     ChannelsConfig     `yaml:"channels"`
	ControlPlane ControlPlaneConfig `yaml:"control_plane"`
	Approvals    ApprovalsConfig    `yaml:"approvals"`
	Outbound     OutboundConfig     `yaml:"outbound"`
	Coalescer    CoalescerConfig    `yaml:"coalescer"`
	Cron         CronConfig         `yaml:"cron"`
	Tracing      TracingConfig      `yaml:"tracing"`
}

// CoalescerConfig tunes streaming output batching. Zero values keep the
// built-in defaults.
type CoalescerConfig struct {
	Stream     StreamTuning     `yaml:"stream"`
	ToolStatus ToolStatusTuning `yaml:"tool_status"`
}

type StreamTuning struct {
	MinChars   int      `yaml:"min_chars"`
	Idle       Duration `yaml:"idle"`
	MaxLatency Duration `yaml:"max_latency"`
}

type ToolStatusTuning struct {
	Idle       Duration `yaml:"idle"`
	MaxLatency Duration `yaml:"max_latency"`
	MaxActions int      `yaml:"max_actions"`
}

// TracingConfig enables OTLP trace export when an endpoint is set.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StoreConfig selects the persistent key-value store. An empty path keeps
// everything in memory, which only makes sense for tests.
type StoreConfig struct {
	Path string `yaml:"path"`
}

type GatewayConfig struct {
	DefaultCwd string `yaml:"default_cwd"`

	// MaxRuns bounds concurrent runs per node. Unset defaults to 500;
	// -1 removes the bound.
	MaxRuns        int            `yaml:"max_runs"`
	Engines        []string       `yaml:"engines"`
	ContextWindows map[string]int `yaml:"context_windows"`
}

// RunCap is the supervisor bound derived from MaxRuns: -1 maps to 0, which
// the supervisor treats as unbounded.
func (g GatewayConfig) RunCap() int {
	if g.MaxRuns < 0 {
		return 0
	}
	return g.MaxRuns
}

// AgentConfig is one agent persona.
type AgentConfig struct {
	ID            string            `yaml:"id"`
	Model         string            `yaml:"model"`
	Engine        string            `yaml:"engine"`
	SystemPrompt  string            `yaml:"system_prompt"`
	ThinkingLevel string            `yaml:"thinking_level"`
	Cwd           string            `yaml:"cwd"`
	ToolPolicy    policy.ToolPolicy `yaml:"tool_policy"`
	PrimaryRoute  *RouteConfig      `yaml:"primary_route"`
}

// RouteConfig addresses a chat destination in configuration.
type RouteConfig struct {
	Channel  string `yaml:"channel"`
	Account  string `yaml:"account"`
	PeerKind string `yaml:"peer_kind"`
	PeerID   string `yaml:"peer_id"`
	ThreadID string `yaml:"thread_id"`
}

// Route converts the config shape into a normalized session route. A
// missing peer kind means a direct message.
func (r RouteConfig) Route() session.Route {
	kind := r.PeerKind
	if strings.TrimSpace(kind) == "" {
		kind = string(session.PeerDM)
	}
	return session.Route{
		ChannelID: r.Channel,
		AccountID: r.Account,
		PeerKind:  session.PeerKind(kind),
		PeerID:    r.PeerID,
		ThreadID:  r.ThreadID,
	}.Normalize()
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BotToken  string `yaml:"bot_token"`
	AccountID string `yaml:"account_id"`
	AgentID   string `yaml:"agent_id"`
}

type ControlPlaneConfig struct {
	Addr string `yaml:"addr"`
}

type ApprovalsConfig struct {
	NodeID     string   `yaml:"node_id"`
	DefaultTTL Duration `yaml:"default_ttl"`
}

type OutboundConfig struct {
	QueueSize    int      `yaml:"queue_size"`
	DedupeWindow Duration `yaml:"dedupe_window"`
}

type CronConfig struct {
	Enabled bool             `yaml:"enabled"`
	Jobs    []cron.JobConfig `yaml:"jobs"`
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Gateway.MaxRuns == 0 {
		cfg.Gateway.MaxRuns = 500
	}
	if len(cfg.Gateway.Engines) == 0 {
		cfg.Gateway.Engines = []string{"codex", "claude"}
	}
	if cfg.ControlPlane.Addr == "" {
		cfg.ControlPlane.Addr = "127.0.0.1:8765"
	}
	if cfg.Approvals.NodeID == "" {
		cfg.Approvals.NodeID = "local"
	}
	if cfg.Approvals.DefaultTTL == 0 {
		cfg.Approvals.DefaultTTL = Duration(5 * time.Minute)
	}
	if cfg.Channels.Telegram.AccountID == "" {
		cfg.Channels.Telegram.AccountID = "default"
	}
}

// Validate checks cross-field constraints after defaults are applied.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Agents))
	for i, agent := range c.Agents {
		id := strings.TrimSpace(agent.ID)
		if id == "" {
			return fmt.Errorf("agents[%d]: id is required", i)
		}
		if seen[id] {
			return fmt.Errorf("agents[%d]: duplicate id %q", i, id)
		}
		seen[id] = true
	}
	if c.Channels.Telegram.Enabled && strings.TrimSpace(c.Channels.Telegram.BotToken) == "" {
		return fmt.Errorf("channels.telegram: bot_token is required when enabled")
	}
	if c.Gateway.MaxRuns < -1 {
		return fmt.Errorf("gateway: max_runs must be positive or -1 for unbounded")
	}
	return nil
}

// Profiles converts agent configs into registry profiles.
func (c *Config) Profiles() []profile.Profile {
	out := make([]profile.Profile, 0, len(c.Agents))
	for _, agent := range c.Agents {
		p := profile.Profile{
			AgentID:       agent.ID,
			Model:         agent.Model,
			DefaultEngine: agent.Engine,
			SystemPrompt:  agent.SystemPrompt,
			ThinkingLevel: agent.ThinkingLevel,
			Cwd:           agent.Cwd,
			ToolPolicy:    agent.ToolPolicy,
		}
		if agent.PrimaryRoute != nil {
			p.PrimaryRoute = agent.PrimaryRoute.Route()
		}
		out = append(out, p)
	}
	return out
}
