package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/lemonhq/lemon/internal/kv"
	"github.com/lemonhq/lemon/internal/session"
)

// Directory is the persisted per-agent session index: every submitted run
// touches its session here, so inbox sends can find an agent's most recent
// conversation.
type Directory struct {
	kv  kv.Store
	now func() time.Time
}

type directoryEntry struct {
	SessionKey     string `json:"session_key"`
	LastActivityMs int64  `json:"last_activity_ms"`
}

// NewDirectory wraps the key/value store.
func NewDirectory(store kv.Store) *Directory {
	return &Directory{kv: store, now: time.Now}
}

func directoryKey(agentID, sessionKey string) string {
	return agentID + "|" + sessionKey
}

// Touch records activity on a session.
func (d *Directory) Touch(ctx context.Context, agentID, sessionKey string) error {
	entry := directoryEntry{SessionKey: sessionKey, LastActivityMs: d.now().UnixMilli()}
	value, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return d.kv.Put(ctx, kv.BucketSessionsIndex, directoryKey(agentID, sessionKey), value)
}

// Latest returns the agent's most recently active session key matching the
// optional filter.
func (d *Directory) Latest(ctx context.Context, agentID string, filter func(session.Key) bool) (string, bool, error) {
	entries, err := d.kv.List(ctx, kv.BucketSessionsIndex, agentID+"|")
	if err != nil {
		return "", false, err
	}

	var best directoryEntry
	for key, value := range entries {
		var entry directoryEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			continue
		}
		if entry.SessionKey == "" {
			entry.SessionKey = strings.TrimPrefix(key, agentID+"|")
		}
		parsed, err := session.Parse(entry.SessionKey)
		if err != nil || parsed.AgentID != agentID {
			continue
		}
		if filter != nil && !filter(parsed) {
			continue
		}
		if entry.LastActivityMs > best.LastActivityMs {
			best = entry
		}
	}
	if best.SessionKey == "" {
		return "", false, nil
	}
	return best.SessionKey, true, nil
}
