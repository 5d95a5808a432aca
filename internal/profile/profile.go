// Package profile holds the configured agent personas: which engine and
// model an agent runs with, its system prompt, and its baseline tool policy.
// Profiles come from configuration; there is no runtime mutation.
package profile

import (
	"errors"
	"strings"
	"sync"

	"github.com/lemonhq/lemon/internal/policy"
	"github.com/lemonhq/lemon/internal/session"
)

// ErrUnknownAgent is returned when an agent id is not configured and no
// default profile exists.
var ErrUnknownAgent = errors.New("profile: unknown agent id")

// Profile is one configured agent persona.
type Profile struct {
	AgentID       string
	Model         string
	DefaultEngine string
	SystemPrompt  string
	ThinkingLevel string
	Cwd           string
	ToolPolicy    policy.ToolPolicy

	// PrimaryRoute, when set, is the agent's home chat used by inbox sends
	// that have no better target.
	PrimaryRoute session.Route
}

// Registry resolves agent ids to profiles.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewRegistry builds a registry from configured profiles.
func NewRegistry(profiles []Profile) *Registry {
	r := &Registry{profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		id := strings.TrimSpace(p.AgentID)
		if id == "" {
			continue
		}
		p.AgentID = id
		r.profiles[id] = p
	}
	return r
}

// Lookup resolves an agent id, falling back to the default profile when the
// id itself is not configured.
func (r *Registry) Lookup(agentID string) (Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.profiles[agentID]; ok {
		return p, nil
	}
	if p, ok := r.profiles[session.DefaultAgentID]; ok {
		p.AgentID = agentID
		return p, nil
	}
	return Profile{}, ErrUnknownAgent
}

// Known reports whether the agent id resolves to a profile.
func (r *Registry) Known(agentID string) bool {
	_, err := r.Lookup(agentID)
	return err == nil
}

// IDs lists the configured agent ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.profiles))
	for id := range r.profiles {
		out = append(out, id)
	}
	return out
}
