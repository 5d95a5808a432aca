// Package session implements the session-key algebra used to identify
// conversational threads and route runs between agents, channels, and
// threads.
//
// A session key has one of two canonical text forms:
//
//	agent:<agent_id>:main
//	agent:<agent_id>:<channel_id>:<account_id>:<peer_kind>:<peer_id>[:thread:<thread_id>][:sub:<sub_id>]
//
// A legacy prefix "channel:telegram:<transport>:<chat_id>[:thread:<tid>]" is
// accepted on parse and normalized to the canonical form on format.
package session

import (
	"fmt"
	"strings"
)

// DefaultAgentID is used when a key or request does not carry an agent id.
const DefaultAgentID = "default"

// PeerKind classifies the remote end of a channel conversation.
type PeerKind string

const (
	PeerDM      PeerKind = "dm"
	PeerGroup   PeerKind = "group"
	PeerChannel PeerKind = "channel"
	PeerMain    PeerKind = "main"
	PeerUnknown PeerKind = "unknown"
)

// peerKinds is the closed whitelist of peer kinds. Input outside the
// whitelist never introduces a new identifier into any table.
var peerKinds = map[string]PeerKind{
	"dm":      PeerDM,
	"group":   PeerGroup,
	"channel": PeerChannel,
	"main":    PeerMain,
	"unknown": PeerUnknown,
}

// NormalizePeerKind maps arbitrary input onto the whitelist. Anything not in
// the whitelist (case-sensitive) becomes PeerUnknown.
func NormalizePeerKind(s string) PeerKind {
	if k, ok := peerKinds[s]; ok {
		return k
	}
	return PeerUnknown
}

// ParseErrorCode identifies the reason a session key failed to parse.
type ParseErrorCode string

const (
	ParseEmpty           ParseErrorCode = "empty"
	ParseBadPrefix       ParseErrorCode = "bad_prefix"
	ParseTruncated       ParseErrorCode = "truncated"
	ParseInvalidPeerKind ParseErrorCode = "invalid_peer_kind"
	ParseTrailingInput   ParseErrorCode = "trailing_input"
)

// ParseError is a structured session-key parse failure.
type ParseError struct {
	Code  ParseErrorCode
	Input string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid session key %q: %s", e.Input, e.Code)
}

// IsInvalidPeerKind reports whether err is a peer-kind whitelist violation.
func IsInvalidPeerKind(err error) bool {
	pe, ok := err.(*ParseError)
	return ok && pe.Code == ParseInvalidPeerKind
}

// Key is a parsed session key. A zero ChannelID marks the main variant.
type Key struct {
	AgentID   string
	ChannelID string
	AccountID string
	PeerKind  PeerKind
	PeerID    string
	ThreadID  string
	SubID     string
}

// Main returns the main session key for an agent.
func Main(agentID string) Key {
	if strings.TrimSpace(agentID) == "" {
		agentID = DefaultAgentID
	}
	return Key{AgentID: agentID}
}

// ChannelPeer returns the session key for a channel peer conversation.
func ChannelPeer(agentID string, r Route) Key {
	if strings.TrimSpace(agentID) == "" {
		agentID = DefaultAgentID
	}
	return Key{
		AgentID:   agentID,
		ChannelID: r.ChannelID,
		AccountID: r.AccountID,
		PeerKind:  r.PeerKind,
		PeerID:    r.PeerID,
		ThreadID:  r.ThreadID,
	}
}

// IsMain reports whether k is the main variant.
func (k Key) IsMain() bool { return k.ChannelID == "" }

// Route returns the channel route embedded in a channel-peer key. The zero
// Route is returned for main keys.
func (k Key) Route() Route {
	if k.IsMain() {
		return Route{}
	}
	return Route{
		ChannelID: k.ChannelID,
		AccountID: k.AccountID,
		PeerKind:  k.PeerKind,
		PeerID:    k.PeerID,
		ThreadID:  k.ThreadID,
	}
}

// WithSub returns a copy of k carrying the given sub id. Forking a main key
// is a no-op.
func (k Key) WithSub(subID string) Key {
	if k.IsMain() {
		return k
	}
	k.SubID = subID
	return k
}

// String renders the canonical text form. Parse(k.String()) == k for every
// valid key.
func (k Key) String() string {
	if k.IsMain() {
		return "agent:" + k.AgentID + ":main"
	}
	var b strings.Builder
	b.WriteString("agent:")
	b.WriteString(k.AgentID)
	b.WriteByte(':')
	b.WriteString(k.ChannelID)
	b.WriteByte(':')
	b.WriteString(k.AccountID)
	b.WriteByte(':')
	b.WriteString(string(k.PeerKind))
	b.WriteByte(':')
	b.WriteString(k.PeerID)
	if k.ThreadID != "" {
		b.WriteString(":thread:")
		b.WriteString(k.ThreadID)
	}
	if k.SubID != "" {
		b.WriteString(":sub:")
		b.WriteString(k.SubID)
	}
	return b.String()
}

// Parse parses a canonical or legacy session key. Peer kinds outside the
// whitelist yield a ParseError with code ParseInvalidPeerKind, never a new
// identifier.
func Parse(s string) (Key, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return Key{}, &ParseError{Code: ParseEmpty, Input: s}
	}

	parts := strings.Split(raw, ":")
	switch parts[0] {
	case "agent":
		return parseAgent(raw, parts)
	case "channel":
		return parseLegacyChannel(raw, parts)
	default:
		return Key{}, &ParseError{Code: ParseBadPrefix, Input: raw}
	}
}

func parseAgent(raw string, parts []string) (Key, error) {
	if len(parts) < 3 || parts[1] == "" {
		return Key{}, &ParseError{Code: ParseTruncated, Input: raw}
	}
	if len(parts) == 3 {
		if parts[2] != "main" {
			return Key{}, &ParseError{Code: ParseTruncated, Input: raw}
		}
		return Key{AgentID: parts[1]}, nil
	}
	if len(parts) < 6 {
		return Key{}, &ParseError{Code: ParseTruncated, Input: raw}
	}

	kind, ok := peerKinds[parts[4]]
	if !ok {
		return Key{}, &ParseError{Code: ParseInvalidPeerKind, Input: raw}
	}
	if parts[2] == "" || parts[3] == "" || parts[5] == "" {
		return Key{}, &ParseError{Code: ParseTruncated, Input: raw}
	}

	key := Key{
		AgentID:   parts[1],
		ChannelID: parts[2],
		AccountID: parts[3],
		PeerKind:  kind,
		PeerID:    parts[5],
	}

	rest := parts[6:]
	for len(rest) > 0 {
		if len(rest) < 2 {
			return Key{}, &ParseError{Code: ParseTrailingInput, Input: raw}
		}
		switch rest[0] {
		case "thread":
			if key.ThreadID != "" {
				return Key{}, &ParseError{Code: ParseTrailingInput, Input: raw}
			}
			key.ThreadID = rest[1]
		case "sub":
			if key.SubID != "" {
				return Key{}, &ParseError{Code: ParseTrailingInput, Input: raw}
			}
			key.SubID = rest[1]
		default:
			return Key{}, &ParseError{Code: ParseTrailingInput, Input: raw}
		}
		rest = rest[2:]
	}
	return key, nil
}

// parseLegacyChannel accepts the historical
// "channel:telegram:<transport>:<chat_id>[:thread:<tid>]" form. The agent id
// defaults to "default" and the peer kind to dm; String() renders the
// canonical form.
func parseLegacyChannel(raw string, parts []string) (Key, error) {
	if len(parts) < 4 || parts[1] != "telegram" {
		return Key{}, &ParseError{Code: ParseBadPrefix, Input: raw}
	}
	if parts[2] == "" || parts[3] == "" {
		return Key{}, &ParseError{Code: ParseTruncated, Input: raw}
	}
	key := Key{
		AgentID:   DefaultAgentID,
		ChannelID: "telegram",
		AccountID: parts[2],
		PeerKind:  PeerDM,
		PeerID:    parts[3],
	}
	rest := parts[4:]
	if len(rest) == 0 {
		return key, nil
	}
	if len(rest) == 2 && rest[0] == "thread" {
		key.ThreadID = rest[1]
		return key, nil
	}
	return Key{}, &ParseError{Code: ParseTrailingInput, Input: raw}
}

// Valid reports whether s parses as a session key.
func Valid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// AgentIDOf extracts the agent id from a session key string, or "" when the
// key does not parse.
func AgentIDOf(s string) string {
	key, err := Parse(s)
	if err != nil {
		return ""
	}
	return key.AgentID
}
