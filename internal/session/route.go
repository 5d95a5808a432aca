package session

import "strings"

// Route describes a chat destination: a channel account plus the peer (and
// optionally the thread) inside it.
type Route struct {
	ChannelID string   `json:"channel_id"`
	AccountID string   `json:"account_id"`
	PeerKind  PeerKind `json:"peer_kind"`
	PeerID    string   `json:"peer_id"`
	ThreadID  string   `json:"thread_id,omitempty"`
}

// Normalize fills route defaults: empty account becomes "default" and the
// peer kind is forced onto the whitelist.
func (r Route) Normalize() Route {
	if strings.TrimSpace(r.AccountID) == "" {
		r.AccountID = "default"
	}
	r.PeerKind = NormalizePeerKind(string(r.PeerKind))
	return r
}

// Signature is a case-insensitive identity used to deduplicate fanout
// targets. Two routes with equal signatures address the same destination.
func (r Route) Signature() string {
	return strings.ToLower(strings.Join([]string{
		r.ChannelID, r.AccountID, string(r.PeerKind), r.PeerID, r.ThreadID,
	}, "|"))
}

// IsZero reports whether the route is unset.
func (r Route) IsZero() bool {
	return r.ChannelID == "" && r.PeerID == ""
}

// SessionKey builds the channel-peer session key addressing this route for
// the given agent.
func (r Route) SessionKey(agentID string) Key {
	return ChannelPeer(agentID, r.Normalize())
}
