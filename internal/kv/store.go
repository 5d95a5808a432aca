// Package kv provides the opaque key/value store backing approvals, session
// policies, resume indices, and chat state. The routing core only ever
// touches these through the Store interface; everything else in the process
// is in-memory by design.
package kv

import (
	"context"
	"errors"
)

// Bucket names used by the core. Key formats inside each bucket are owned by
// the writing package and must stay bit-stable for external admin tooling.
const (
	BucketApprovals         = "exec_approvals"
	BucketSessionPolicies   = "session_policies"
	BucketSessionsIndex     = "sessions_index"
	BucketMsgResume         = "telegram_msg_resume"
	BucketThreadResume      = "telegram_thread_resume"
	BucketSelectedResume    = "telegram_selected_resume"
	BucketChatState         = "telegram_chat_state"
	BucketPendingCompaction = "telegram_pending_compaction"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("kv: store closed")

// Store is a flat multi-bucket key/value store. Implementations must be safe
// for concurrent use.
type Store interface {
	// Get returns the value for key, with ok=false when absent.
	Get(ctx context.Context, bucket, key string) (value []byte, ok bool, err error)

	// Put inserts or replaces the value for key.
	Put(ctx context.Context, bucket, key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, bucket, key string) error

	// List returns all entries in bucket whose key starts with prefix.
	List(ctx context.Context, bucket, prefix string) (map[string][]byte, error)

	// Close releases underlying resources.
	Close() error
}
