// Package resume persists the Telegram-side continuation state: which final
// message maps to which engine resume token, per-thread and per-chat selected
// tokens, chat presentation state, and pending-compaction marks. Everything
// lives in the durable key/value store so an operator restart does not lose
// conversation continuity.
package resume

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lemonhq/lemon/internal/gateway"
	"github.com/lemonhq/lemon/internal/kv"
)

// CompactionReason says why a chat was marked for compaction.
type CompactionReason string

const (
	ReasonOverflow  CompactionReason = "overflow"
	ReasonNearLimit CompactionReason = "near_limit"
)

// PendingCompaction is the persisted mark telling the next run to compact its
// history first.
type PendingCompaction struct {
	Reason              CompactionReason `json:"reason"`
	InputTokens         int              `json:"input_tokens,omitempty"`
	ThresholdTokens     int              `json:"threshold_tokens,omitempty"`
	ContextWindowTokens int              `json:"context_window_tokens,omitempty"`
	MarkedAtMs          int64            `json:"marked_at_ms"`
}

// ChatState is per-chat presentation state set through bot commands.
type ChatState struct {
	Model         string `json:"model,omitempty"`
	ThinkingLevel string `json:"thinking_level,omitempty"`
	EngineID      string `json:"engine_id,omitempty"`
}

// Store reads and writes the resume buckets. Key layouts are bit-stable; the
// admin tooling reads them directly.
type Store struct {
	kv     kv.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewStore wraps the key/value store.
func NewStore(store kv.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		kv:     store,
		logger: logger.With("component", "resume_store"),
		now:    time.Now,
	}
}

func msgKey(accountID, messageID string) string {
	return accountID + "|" + messageID
}

func threadKey(accountID, chatID, threadID string) string {
	return accountID + "|" + chatID + "|" + threadID
}

func chatKey(accountID, chatID string) string {
	return accountID + "|" + chatID
}

// IndexMessage records a delivered final message's resume token so a later
// reply to it resumes the same engine thread.
func (s *Store) IndexMessage(ctx context.Context, accountID, messageID string, token gateway.ResumeToken) error {
	value, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshal resume token: %w", err)
	}
	return s.kv.Put(ctx, kv.BucketMsgResume, msgKey(accountID, messageID), value)
}

// MessageToken looks up the token indexed for a message.
func (s *Store) MessageToken(ctx context.Context, accountID, messageID string) (gateway.ResumeToken, bool, error) {
	return s.getToken(ctx, kv.BucketMsgResume, msgKey(accountID, messageID))
}

// IndexThread records the latest resume token for a forum thread.
func (s *Store) IndexThread(ctx context.Context, accountID, chatID, threadID string, token gateway.ResumeToken) error {
	value, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshal resume token: %w", err)
	}
	return s.kv.Put(ctx, kv.BucketThreadResume, threadKey(accountID, chatID, threadID), value)
}

// ThreadToken looks up the latest token for a forum thread.
func (s *Store) ThreadToken(ctx context.Context, accountID, chatID, threadID string) (gateway.ResumeToken, bool, error) {
	return s.getToken(ctx, kv.BucketThreadResume, threadKey(accountID, chatID, threadID))
}

// SetSelected pins the chat's active resume token, set when a user picks a
// conversation to continue.
func (s *Store) SetSelected(ctx context.Context, accountID, chatID string, token gateway.ResumeToken) error {
	value, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshal resume token: %w", err)
	}
	return s.kv.Put(ctx, kv.BucketSelectedResume, chatKey(accountID, chatID), value)
}

// Selected returns the chat's pinned resume token.
func (s *Store) Selected(ctx context.Context, accountID, chatID string) (gateway.ResumeToken, bool, error) {
	return s.getToken(ctx, kv.BucketSelectedResume, chatKey(accountID, chatID))
}

// ClearSelected unpins the chat's resume token.
func (s *Store) ClearSelected(ctx context.Context, accountID, chatID string) error {
	return s.kv.Delete(ctx, kv.BucketSelectedResume, chatKey(accountID, chatID))
}

// SetChatState stores per-chat presentation state.
func (s *Store) SetChatState(ctx context.Context, accountID, chatID string, state ChatState) error {
	value, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal chat state: %w", err)
	}
	return s.kv.Put(ctx, kv.BucketChatState, chatKey(accountID, chatID), value)
}

// GetChatState returns the chat's stored state.
func (s *Store) GetChatState(ctx context.Context, accountID, chatID string) (ChatState, bool, error) {
	value, ok, err := s.kv.Get(ctx, kv.BucketChatState, chatKey(accountID, chatID))
	if err != nil || !ok {
		return ChatState{}, false, err
	}
	var state ChatState
	if err := json.Unmarshal(value, &state); err != nil {
		return ChatState{}, false, fmt.Errorf("decode chat state: %w", err)
	}
	return state, true, nil
}

// MarkPendingCompaction flags the chat for history compaction before its next
// run.
func (s *Store) MarkPendingCompaction(ctx context.Context, accountID, chatID string, mark PendingCompaction) error {
	if mark.MarkedAtMs == 0 {
		mark.MarkedAtMs = s.now().UnixMilli()
	}
	value, err := json.Marshal(mark)
	if err != nil {
		return fmt.Errorf("marshal compaction mark: %w", err)
	}
	return s.kv.Put(ctx, kv.BucketPendingCompaction, chatKey(accountID, chatID), value)
}

// TakePendingCompaction returns and clears the chat's compaction mark.
func (s *Store) TakePendingCompaction(ctx context.Context, accountID, chatID string) (PendingCompaction, bool, error) {
	key := chatKey(accountID, chatID)
	value, ok, err := s.kv.Get(ctx, kv.BucketPendingCompaction, key)
	if err != nil || !ok {
		return PendingCompaction{}, false, err
	}
	var mark PendingCompaction
	if err := json.Unmarshal(value, &mark); err != nil {
		return PendingCompaction{}, false, fmt.Errorf("decode compaction mark: %w", err)
	}
	if err := s.kv.Delete(ctx, kv.BucketPendingCompaction, key); err != nil {
		return mark, true, err
	}
	return mark, true, nil
}

// ResetChat clears every piece of resume state for a chat: chat state, the
// selected token, and all thread indices. Called on context-overflow so the
// next message starts fresh.
func (s *Store) ResetChat(ctx context.Context, accountID, chatID string) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(s.kv.Delete(ctx, kv.BucketChatState, chatKey(accountID, chatID)))
	record(s.ClearSelected(ctx, accountID, chatID))

	threads, err := s.kv.List(ctx, kv.BucketThreadResume, accountID+"|"+chatID+"|")
	record(err)
	for key := range threads {
		record(s.kv.Delete(ctx, kv.BucketThreadResume, key))
	}
	return firstErr
}

func (s *Store) getToken(ctx context.Context, bucket, key string) (gateway.ResumeToken, bool, error) {
	value, ok, err := s.kv.Get(ctx, bucket, key)
	if err != nil || !ok {
		return gateway.ResumeToken{}, false, err
	}
	var token gateway.ResumeToken
	if err := json.Unmarshal(value, &token); err != nil {
		return gateway.ResumeToken{}, false, fmt.Errorf("decode resume token: %w", err)
	}
	if token.Value == "" {
		return gateway.ResumeToken{}, false, nil
	}
	return token, true, nil
}
