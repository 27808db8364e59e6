package queue

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/bemcculley/auto-merge/internal/metrics"
	"github.com/bemcculley/auto-merge/internal/models"
)

// Lease is the per-repo drain lock. At most one holder per repo; the holder
// must keep the TTL refreshed while it works so a crashed drain frees the
// repo after at most one TTL.
type Lease struct {
	store leaseStore
	keys  Keys
	ttl   time.Duration
}

type leaseStore interface {
	PutIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	CompareAndExpire(ctx context.Context, key, expect string, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, expect string) (bool, error)
}

func NewLease(s leaseStore, namespace string, ttl time.Duration) *Lease {
	return &Lease{store: s, keys: Keys{Namespace: namespace}, ttl: ttl}
}

// Acquire takes the repo lock for holderID. False means another holder owns
// it and the caller should walk away.
func (l *Lease) Acquire(ctx context.Context, ref models.RepoRef, holderID string) (bool, error) {
	ok, err := l.store.PutIfAbsent(ctx, l.keys.Lock(ref), holderID, l.ttl)
	if err != nil {
		metrics.WorkerLockFailed.WithLabelValues(ref.Owner, ref.Repo).Inc()
		return false, fmt.Errorf("acquire lock %s: %w", ref.Slug(), err)
	}
	if !ok {
		metrics.WorkerLockFailed.WithLabelValues(ref.Owner, ref.Repo).Inc()
		return false, nil
	}
	metrics.WorkerLockAcquired.WithLabelValues(ref.Owner, ref.Repo).Inc()
	metrics.WorkerActive.WithLabelValues(ref.Owner, ref.Repo).Set(1)
	return true, nil
}

// Refresh extends the TTL if holderID still owns the lock. A store failure
// counts as lost: continuing without a confirmed lock risks double
// processing.
func (l *Lease) Refresh(ctx context.Context, ref models.RepoRef, holderID string) bool {
	ok, err := l.store.CompareAndExpire(ctx, l.keys.Lock(ref), holderID, l.ttl)
	if err != nil {
		log.Printf("[lease] refresh failed for %s: %v", ref.Slug(), err)
		return false
	}
	return ok
}

// Release deletes the lock if holderID still owns it; a lock that changed
// hands is left alone. The active gauge clears either way.
func (l *Lease) Release(ctx context.Context, ref models.RepoRef, holderID string) {
	if _, err := l.store.CompareAndDelete(ctx, l.keys.Lock(ref), holderID); err != nil {
		log.Printf("[lease] release failed for %s: %v", ref.Slug(), err)
	}
	metrics.WorkerActive.WithLabelValues(ref.Owner, ref.Repo).Set(0)
}
