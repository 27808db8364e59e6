// Package store abstracts the external key/value store behind the small set
// of primitives the queue layer needs: lists, sets, TTL'd keys, hashes, one
// pipelined batch, and a few atomic compare-and-act operations.
package store

import (
	"context"
	"time"
)

// PopState reports what ListPopHeadOrDefer did with the head of a list.
type PopState int

const (
	// PopEmpty means the list had no head.
	PopEmpty PopState = iota
	// PopOK means the head was removed and returned.
	PopOK
	// PopDeferred means the head's not_before is in the future; it was
	// moved to the tail without being consumed.
	PopDeferred
)

// TailPush is the write set applied atomically when an item enters a queue:
// the list push, the dedupe-set add, and the first-seen hash field. HashKey
// may be empty to skip the hash write.
type TailPush struct {
	ListKey   string
	Value     string
	SetKey    string
	SetMember string
	HashKey   string
	HashField string
	HashValue string
}

// Store is the adapter contract consumed by the queue, lease, and throttle
// layers. Implementations must be safe for concurrent use.
type Store interface {
	// Lists
	ListPushTail(ctx context.Context, key, value string) error
	ListPopHead(ctx context.Context, key string) (string, bool, error)
	ListPopHeadOrDefer(ctx context.Context, key string, now float64) (string, PopState, error)
	ListLen(ctx context.Context, key string) (int64, error)
	ListIndex(ctx context.Context, key string, index int64) (string, bool, error)
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ListRemove(ctx context.Context, key string, count int64, value string) (int64, error)

	// Sets
	SetAdd(ctx context.Context, key, member string) (bool, error)
	SetContains(ctx context.Context, key, member string) (bool, error)
	SetRemove(ctx context.Context, key, member string) error

	// Plain keys (ttl <= 0 means no expiry)
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	PutIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) error

	// Hashes
	HashSet(ctx context.Context, key, field, value string) error
	HashSetIfAbsent(ctx context.Context, key, field, value string) error
	HashDeleteField(ctx context.Context, key, field string) error

	// Atomic compare-and-act on plain keys (owner-checked lease refresh/release)
	CompareAndExpire(ctx context.Context, key, expect string, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, expect string) (bool, error)

	// Batch enqueue, applied in a single round trip
	PushTailBatch(ctx context.Context, p TailPush) error

	ScanKeys(ctx context.Context, pattern string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}
