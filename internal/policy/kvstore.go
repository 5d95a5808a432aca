package policy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lemonhq/lemon/internal/kv"
)

// SessionRecord is the per-session settings document stored by operators:
// presentation model, thinking level, and a session-scoped tool policy.
type SessionRecord struct {
	Model         string     `json:"model,omitempty"`
	ThinkingLevel string     `json:"thinking_level,omitempty"`
	ToolPolicy    ToolPolicy `json:"tool_policy,omitempty"`
}

// KVStore persists session records in the durable key/value store. It
// implements Store for the resolver.
type KVStore struct {
	kv kv.Store
}

// NewKVStore wraps a key/value store.
func NewKVStore(store kv.Store) *KVStore {
	return &KVStore{kv: store}
}

// SessionRecord returns the stored record for a session key.
func (s *KVStore) SessionRecord(ctx context.Context, sessionKey string) (SessionRecord, bool, error) {
	value, ok, err := s.kv.Get(ctx, kv.BucketSessionPolicies, sessionKey)
	if err != nil || !ok {
		return SessionRecord{}, false, err
	}
	var rec SessionRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		return SessionRecord{}, false, fmt.Errorf("decode session record: %w", err)
	}
	return rec, true, nil
}

// PutSessionRecord stores the record for a session key.
func (s *KVStore) PutSessionRecord(ctx context.Context, sessionKey string, rec SessionRecord) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}
	return s.kv.Put(ctx, kv.BucketSessionPolicies, sessionKey, value)
}

// SessionPolicy implements Store.
func (s *KVStore) SessionPolicy(ctx context.Context, sessionKey string) (ToolPolicy, error) {
	rec, ok, err := s.SessionRecord(ctx, sessionKey)
	if err != nil || !ok {
		return nil, err
	}
	return rec.ToolPolicy, nil
}
