// Package queue holds the Redis-backed coordination state for the merge
// service: per-repo work lists with webhook dedupe, deferred delivery and a
// dead-letter list, the per-repo drain lease, and the per-installation
// throttle gate.
package queue

import (
	"context"
	"fmt"
	"log"
	"math"
	"strconv"
	"time"

	"github.com/bemcculley/auto-merge/internal/metrics"
	"github.com/bemcculley/auto-merge/internal/models"
	"github.com/bemcculley/auto-merge/internal/store"
)

// EnqueueOutcome reports what Enqueue did with an event.
type EnqueueOutcome int

const (
	// Enqueued means the item was appended to the repo queue.
	Enqueued EnqueueOutcome = iota
	// Deduped means the PR already had a pending item; nothing was written.
	Deduped
)

// BackoffPolicy computes retry delays: base * factor^(retries-1), capped at
// MaxSeconds.
type BackoffPolicy struct {
	BaseSeconds float64
	Factor      float64
	MaxSeconds  float64
}

func (b BackoffPolicy) Delay(retries int) float64 {
	if retries < 1 {
		retries = 1
	}
	d := b.BaseSeconds * math.Pow(b.Factor, float64(retries-1))
	if d > b.MaxSeconds {
		return b.MaxSeconds
	}
	return d
}

// Queue is the per-repository FIFO of merge candidates.
type Queue struct {
	store   store.Store
	keys    Keys
	backoff BackoffPolicy

	now func() time.Time
}

func New(s store.Store, namespace string, backoff BackoffPolicy) *Queue {
	return &Queue{
		store:   s,
		keys:    Keys{Namespace: namespace},
		backoff: backoff,
		now:     time.Now,
	}
}

func epoch(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func (q *Queue) nowEpoch() float64 {
	return epoch(q.now())
}

// Enqueue appends a merge candidate unless the PR already has a pending
// item. The list push, dedupe-set add, and first-seen timestamp are written
// in one transaction. The dedupe check itself runs before the write; the
// narrow race between them is tolerated because processing a duplicate item
// is harmless.
func (q *Queue) Enqueue(ctx context.Context, id models.PRIdentity) (EnqueueOutcome, error) {
	ref := id.RepoRef
	member := strconv.Itoa(id.Number)

	dup, err := q.store.SetContains(ctx, q.keys.Dedupe(ref), member)
	if err != nil {
		metrics.QueuePushFailures.WithLabelValues(ref.Owner, ref.Repo).Inc()
		return 0, fmt.Errorf("dedupe check %s#%d: %w", ref.Slug(), id.Number, err)
	}
	if dup {
		metrics.EventsDeduped.WithLabelValues(ref.Owner, ref.Repo).Inc()
		return Deduped, nil
	}

	item := models.QueueItem{
		Number:    id.Number,
		Sender:    id.Sender,
		Timestamp: q.nowEpoch(),
	}
	data, err := item.Encode()
	if err != nil {
		metrics.QueuePushFailures.WithLabelValues(ref.Owner, ref.Repo).Inc()
		return 0, err
	}
	err = q.store.PushTailBatch(ctx, store.TailPush{
		ListKey:   q.keys.Queue(ref),
		Value:     data,
		SetKey:    q.keys.Dedupe(ref),
		SetMember: member,
		HashKey:   q.keys.Meta(ref),
		HashField: "first_ts",
		HashValue: formatEpoch(item.Timestamp),
	})
	if err != nil {
		metrics.QueuePushFailures.WithLabelValues(ref.Owner, ref.Repo).Inc()
		return 0, fmt.Errorf("enqueue %s#%d: %w", ref.Slug(), id.Number, err)
	}
	metrics.EventsEnqueued.WithLabelValues(ref.Owner, ref.Repo).Inc()
	q.UpdateGauges(ctx, ref)
	return Enqueued, nil
}

// Pop removes and returns the head of the repo queue. A head whose
// not_before is still in the future is rotated to the tail without touching
// its dedupe entry; Pop reports no item for this attempt and returns the
// head's not_before so the caller can schedule a resume. A true pop
// releases the PR's dedupe entry so fresh webhooks can re-enqueue it while
// it is being processed.
func (q *Queue) Pop(ctx context.Context, ref models.RepoRef) (*models.QueueItem, float64, error) {
	raw, state, err := q.store.ListPopHeadOrDefer(ctx, q.keys.Queue(ref), q.nowEpoch())
	if err != nil {
		return nil, 0, fmt.Errorf("pop %s: %w", ref.Slug(), err)
	}
	switch state {
	case store.PopEmpty:
		metrics.QueuePopsEmpty.WithLabelValues(ref.Owner, ref.Repo).Inc()
		q.UpdateGauges(ctx, ref)
		return nil, 0, nil
	case store.PopDeferred:
		metrics.QueueDeferred.WithLabelValues(ref.Owner, ref.Repo).Inc()
		q.UpdateGauges(ctx, ref)
		var until float64
		if head, err := models.DecodeQueueItem(raw); err == nil {
			until = head.NotBefore
		}
		return nil, until, nil
	}

	item, err := models.DecodeQueueItem(raw)
	if err != nil {
		// The payload is already off the list; report it rather than
		// pretending the queue was empty.
		return nil, 0, fmt.Errorf("decode queued item for %s: %w", ref.Slug(), err)
	}
	metrics.QueuePops.WithLabelValues(ref.Owner, ref.Repo).Inc()
	if err := q.store.SetRemove(ctx, q.keys.Dedupe(ref), strconv.Itoa(item.Number)); err != nil {
		log.Printf("[queue] dedupe remove failed for %s#%d: %v", ref.Slug(), item.Number, err)
	}
	q.UpdateGauges(ctx, ref)
	return item, 0, nil
}

// RequeueWithBackoff pushes a failed item back to the tail with its retry
// count incremented and not_before set so it will not pop again before the
// backoff delay has passed. The PR re-enters the dedupe set so duplicate
// webhooks stay collapsed while it cools down.
func (q *Queue) RequeueWithBackoff(ctx context.Context, ref models.RepoRef, item *models.QueueItem, phase, reason string) error {
	item.Retries++
	item.NotBefore = q.nowEpoch() + q.backoff.Delay(item.Retries)
	if err := q.pushBack(ctx, ref, item); err != nil {
		return fmt.Errorf("requeue %s#%d: %w", ref.Slug(), item.Number, err)
	}
	metrics.Retries.WithLabelValues(phase, reason).Inc()
	q.UpdateGauges(ctx, ref)
	return nil
}

// RequeueTail pushes the item back unchanged. Used when an attempt ran past
// the per-item window: the item yields its turn without burning a retry.
func (q *Queue) RequeueTail(ctx context.Context, ref models.RepoRef, item *models.QueueItem) error {
	if err := q.pushBack(ctx, ref, item); err != nil {
		return fmt.Errorf("requeue tail %s#%d: %w", ref.Slug(), item.Number, err)
	}
	q.UpdateGauges(ctx, ref)
	return nil
}

// pushBack re-appends an already-popped item: list push plus dedupe re-add in
// one round trip. The meta hash is untouched; the item keeps its original ts.
func (q *Queue) pushBack(ctx context.Context, ref models.RepoRef, item *models.QueueItem) error {
	data, err := item.Encode()
	if err != nil {
		return err
	}
	err = q.store.PushTailBatch(ctx, store.TailPush{
		ListKey:   q.keys.Queue(ref),
		Value:     data,
		SetKey:    q.keys.Dedupe(ref),
		SetMember: strconv.Itoa(item.Number),
	})
	if err != nil {
		metrics.QueuePushFailures.WithLabelValues(ref.Owner, ref.Repo).Inc()
	}
	return err
}

// SendToDeadLetter moves an exhausted item to the repo's dead-letter list
// for operator inspection.
func (q *Queue) SendToDeadLetter(ctx context.Context, ref models.RepoRef, item *models.QueueItem) error {
	data, err := item.Encode()
	if err != nil {
		return err
	}
	if err := q.store.ListPushTail(ctx, q.keys.DeadLetter(ref), data); err != nil {
		metrics.QueuePushFailures.WithLabelValues(ref.Owner, ref.Repo).Inc()
		return fmt.Errorf("dead letter %s#%d: %w", ref.Slug(), item.Number, err)
	}
	metrics.DeadLettered.WithLabelValues(ref.Owner, ref.Repo).Inc()
	return nil
}

// FindPosition reports the 1-based position of a PR in its repo queue,
// scanning at most the first 1000 entries. 0 means not found.
func (q *Queue) FindPosition(ctx context.Context, ref models.RepoRef, number int) (int, error) {
	entries, err := q.store.ListRange(ctx, q.keys.Queue(ref), 0, 999)
	if err != nil {
		return 0, fmt.Errorf("scan queue %s: %w", ref.Slug(), err)
	}
	for i, raw := range entries {
		item, err := models.DecodeQueueItem(raw)
		if err != nil {
			continue
		}
		if item.Number == number {
			return i + 1, nil
		}
	}
	return 0, nil
}

// Depth returns the queue length.
func (q *Queue) Depth(ctx context.Context, ref models.RepoRef) (int64, error) {
	return q.store.ListLen(ctx, q.keys.Queue(ref))
}

// UpdateGauges refreshes the depth and oldest-age gauges for a repo queue.
// Best effort: gauge upkeep never fails an operation.
func (q *Queue) UpdateGauges(ctx context.Context, ref models.RepoRef) {
	qkey := q.keys.Queue(ref)
	depth, err := q.store.ListLen(ctx, qkey)
	if err != nil {
		return
	}
	metrics.QueueDepth.WithLabelValues(ref.Owner, ref.Repo).Set(float64(depth))
	if depth == 0 {
		q.store.HashDeleteField(ctx, q.keys.Meta(ref), "first_ts")
		metrics.QueueOldestAge.WithLabelValues(ref.Owner, ref.Repo).Set(0)
		return
	}
	head, ok, err := q.store.ListIndex(ctx, qkey, 0)
	if err != nil || !ok {
		return
	}
	age := 0.0
	ts := q.nowEpoch()
	if item, err := models.DecodeQueueItem(head); err == nil && item.Timestamp > 0 {
		ts = item.Timestamp
		if a := q.nowEpoch() - item.Timestamp; a > 0 {
			age = a
		}
	}
	metrics.QueueOldestAge.WithLabelValues(ref.Owner, ref.Repo).Set(age)
	q.store.HashSet(ctx, q.keys.Meta(ref), "first_ts", formatEpoch(ts))
}

// ListActiveRepos discovers repos with queue state by key scan. Best effort;
// feeds the gauge sweep and the resync poller.
func (q *Queue) ListActiveRepos(ctx context.Context) []models.RepoRef {
	keys, err := q.store.ScanKeys(ctx, q.keys.QueuePattern())
	if err != nil {
		log.Printf("[queue] key scan failed: %v", err)
		return nil
	}
	var out []models.RepoRef
	for _, k := range keys {
		if ref, ok := q.keys.ParseQueueKey(k); ok {
			out = append(out, ref)
		}
	}
	return out
}

func formatEpoch(ts float64) string {
	return strconv.FormatFloat(ts, 'f', -1, 64)
}
