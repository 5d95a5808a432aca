// Package policy implements tool-policy resolution for runs. Policies are
// free-form maps with a handful of recognized options; merging is
// restrictive-wins so an operator override can only narrow what a profile
// allows.
package policy

import (
	"context"
	"sort"
	"strings"
)

// ToolPolicy is a tool policy document. Recognized options:
//
//	allowed          []string  allow list, merged by intersection
//	blocked_tools    []string  deny list, merged by union
//	require_approval []string  deny-style list, merged by union
//	approvals        map[tool]"always"|"never"
//	sandbox          bool
//
// Unrecognized keys are carried through; nested maps deep-merge.
type ToolPolicy map[string]any

// Allow lists intersect; deny lists union.
var intersectKeys = map[string]bool{"allowed": true}

var unionKeys = map[string]bool{
	"blocked_tools":    true,
	"require_approval": true,
}

// Merge combines two policies. If either side is nil the other is returned
// (both nil yields an empty policy). Nested maps merge recursively, allow
// lists intersect, deny lists union, and for everything else b overrides a.
func Merge(a, b ToolPolicy) ToolPolicy {
	if a == nil && b == nil {
		return ToolPolicy{}
	}
	if a == nil {
		return b.clone()
	}
	if b == nil {
		return a.clone()
	}

	out := a.clone()
	for key, bv := range b {
		av, exists := out[key]
		if !exists {
			out[key] = cloneValue(bv)
			continue
		}
		switch {
		case intersectKeys[key]:
			out[key] = intersectLists(av, bv)
		case unionKeys[key]:
			out[key] = unionLists(av, bv)
		default:
			am, aok := toMap(av)
			bm, bok := toMap(bv)
			if aok && bok {
				out[key] = map[string]any(Merge(am, bm))
			} else {
				out[key] = cloneValue(bv)
			}
		}
	}
	return out
}

func (p ToolPolicy) clone() ToolPolicy {
	out := make(ToolPolicy, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = cloneValue(vv)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]any, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}

func toMap(v any) (ToolPolicy, bool) {
	switch t := v.(type) {
	case map[string]any:
		return ToolPolicy(t), true
	case ToolPolicy:
		return t, true
	default:
		return nil, false
	}
}

// toStrings coerces a list value ([]string or []any) into strings, dropping
// non-string members.
func toStrings(v any) ([]string, bool) {
	switch t := v.(type) {
	case []string:
		return t, true
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out, true
	default:
		return nil, false
	}
}

func intersectLists(a, b any) any {
	as, aok := toStrings(a)
	bs, bok := toStrings(b)
	if !aok || !bok {
		return cloneValue(b)
	}
	in := make(map[string]bool, len(as))
	for _, s := range as {
		in[s] = true
	}
	var out []string
	seen := make(map[string]bool)
	for _, s := range bs {
		if in[s] && !seen[s] {
			out = append(out, s)
			seen[s] = true
		}
	}
	sort.Strings(out)
	if out == nil {
		out = []string{}
	}
	return out
}

func unionLists(a, b any) any {
	as, aok := toStrings(a)
	bs, bok := toStrings(b)
	if !aok || !bok {
		return cloneValue(b)
	}
	seen := make(map[string]bool)
	var out []string
	for _, s := range append(append([]string{}, as...), bs...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Allowed returns the allow list, or nil when the policy does not restrict.
func (p ToolPolicy) Allowed() []string {
	if p == nil {
		return nil
	}
	s, _ := toStrings(p["allowed"])
	return s
}

// Blocked returns the deny list.
func (p ToolPolicy) Blocked() []string {
	if p == nil {
		return nil
	}
	s, _ := toStrings(p["blocked_tools"])
	return s
}

// RequiresApproval reports whether the named tool is gated by the policy's
// require_approval list or an approvals override.
func (p ToolPolicy) RequiresApproval(tool string) bool {
	if p == nil {
		return false
	}
	if m, ok := toMap(p["approvals"]); ok {
		if v, ok := m[tool].(string); ok {
			return strings.EqualFold(v, "always")
		}
	}
	list, _ := toStrings(p["require_approval"])
	for _, t := range list {
		if t == tool {
			return true
		}
	}
	return false
}

// ResolveParams identify the run a base policy is resolved for.
type ResolveParams struct {
	AgentID        string
	SessionKey     string
	Origin         string
	ChannelContext string
}

// Store looks up stored session policies. Lookup errors are treated as "no
// policy".
type Store interface {
	SessionPolicy(ctx context.Context, sessionKey string) (ToolPolicy, error)
}

// Resolver produces the per-run base policy which the orchestrator layers
// profile and operator overrides onto.
type Resolver struct {
	store Store
}

// NewResolver builds a Resolver. A nil store is allowed and yields empty
// base policies.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// ResolveForRun returns the base policy for a run. The result may be empty
// but is never nil.
func (r *Resolver) ResolveForRun(ctx context.Context, params ResolveParams) ToolPolicy {
	if r == nil || r.store == nil {
		return ToolPolicy{}
	}
	stored, err := r.store.SessionPolicy(ctx, params.SessionKey)
	if err != nil || stored == nil {
		return ToolPolicy{}
	}
	return stored.clone()
}
