package worker

import (
	"context"
	"testing"
	"time"

	"github.com/bemcculley/auto-merge/internal/config"
	"github.com/bemcculley/auto-merge/internal/models"
	"github.com/bemcculley/auto-merge/internal/queue"
	"github.com/bemcculley/auto-merge/internal/store"
)

var drainRef = models.RepoRef{InstallationID: 42, Owner: "octo", Repo: "hello"}

// cancelAwareStore mimics the real client: writes fail once the request
// context is canceled. The plain Memory fake ignores contexts.
type cancelAwareStore struct {
	*store.Memory
}

func (s *cancelAwareStore) PushTailBatch(ctx context.Context, p store.TailPush) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Memory.PushTailBatch(ctx, p)
}

func (s *cancelAwareStore) ListPushTail(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Memory.ListPushTail(ctx, key, value)
}

type drainFixture struct {
	disp        *Dispatcher
	queue       *queue.Queue
	lease       *queue.Lease
	throttle    *queue.Throttle
	store       *store.Memory
	forge       *fakeForge
	cancel      context.CancelFunc
	afterDelays []time.Duration
}

func newDrainFixture(t *testing.T, f *fakeForge) *drainFixture {
	t.Helper()
	m := store.NewMemory()
	cfg := config.Defaults()
	q := queue.New(&cancelAwareStore{m}, cfg.RedisNamespace, queue.BackoffPolicy{
		BaseSeconds: float64(cfg.BackoffBaseSeconds),
		Factor:      cfg.BackoffFactor,
		MaxSeconds:  float64(cfg.MaxBackoffSeconds),
	})
	lease := queue.NewLease(m, cfg.RedisNamespace, time.Duration(cfg.RedisLockTTLSeconds)*time.Second)
	throttle := queue.NewThrottle(m, cfg.RedisNamespace)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	disp := NewDispatcher(ctx, &cfg, q, lease, throttle, func(int64) Forge { return f })
	fx := &drainFixture{disp: disp, queue: q, lease: lease, throttle: throttle, store: m, forge: f, cancel: cancel}
	// Record scheduled respawns instead of arming real timers.
	disp.after = func(delay time.Duration, fn func()) {
		fx.afterDelays = append(fx.afterDelays, delay)
	}
	return fx
}

func (fx *drainFixture) enqueue(t *testing.T, number int) {
	t.Helper()
	out, err := fx.queue.Enqueue(context.Background(), models.PRIdentity{RepoRef: drainRef, Number: number})
	if err != nil || out != queue.Enqueued {
		t.Fatalf("enqueue PR %d: out=%v err=%v", number, out, err)
	}
}

func (fx *drainFixture) depth(t *testing.T) int64 {
	t.Helper()
	n, err := fx.queue.Depth(context.Background(), drainRef)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	return n
}

func greenForge() *fakeForge {
	return &fakeForge{
		pr:       labeledPR(6, "clean", boolPtr(true)),
		combined: &models.CombinedStatus{State: "success", TotalCount: 1, Statuses: []models.CommitStatus{{State: "success"}}},
		suites:   []models.CheckSuite{{Conclusion: "success"}},
		mergeOK:  true,
	}
}

func TestDrainMergesAndReleasesLease(t *testing.T) {
	fx := newDrainFixture(t, greenForge())
	fx.enqueue(t, 6)

	fx.disp.drain(drainRef)

	if fx.forge.mergeCalls != 1 {
		t.Fatalf("expected one merge, got %d", fx.forge.mergeCalls)
	}
	if n := fx.depth(t); n != 0 {
		t.Fatalf("queue should be drained, depth=%d", n)
	}
	// The lease came back.
	if ok, _ := fx.lease.Acquire(context.Background(), drainRef, "probe"); !ok {
		t.Fatal("lease should be released after drain")
	}
}

func TestDrainDedupeYieldsSingleMerge(t *testing.T) {
	fx := newDrainFixture(t, greenForge())
	fx.enqueue(t, 6)
	// A second event for the same PR collapses into the queued item.
	out, _ := fx.queue.Enqueue(context.Background(), models.PRIdentity{RepoRef: drainRef, Number: 6})
	if out != queue.Deduped {
		t.Fatalf("expected dedupe, got %v", out)
	}

	fx.disp.drain(drainRef)

	if fx.forge.mergeCalls != 1 {
		t.Fatalf("dedupe must yield exactly one merge attempt, got %d", fx.forge.mergeCalls)
	}
}

func TestDrainPermanentVerdictDropsItem(t *testing.T) {
	f := greenForge()
	f.pr.Draft = true
	fx := newDrainFixture(t, f)
	fx.enqueue(t, 6)

	fx.disp.drain(drainRef)

	if fx.forge.mergeCalls != 0 {
		t.Fatal("draft PR must not merge")
	}
	if n := fx.depth(t); n != 0 {
		t.Fatalf("permanent verdict should consume the item, depth=%d", n)
	}
	dlq, _ := fx.store.ListRange(context.Background(), "automerge:dlq:42:octo/hello", 0, -1)
	if len(dlq) != 0 {
		t.Fatalf("permanent verdict must not dead-letter, dlq=%v", dlq)
	}
}

func TestDrainTransientRequeuesWithBackoff(t *testing.T) {
	f := greenForge()
	f.suites = []models.CheckSuite{{Conclusion: "skipped"}, {Conclusion: "failure"}}
	fx := newDrainFixture(t, f)
	fx.enqueue(t, 6)

	before := time.Now()
	fx.disp.drain(drainRef)

	if n := fx.depth(t); n != 1 {
		t.Fatalf("transient failure should requeue, depth=%d", n)
	}
	entries, _ := fx.store.ListRange(context.Background(), "automerge:queue:42:octo/hello", 0, -1)
	item, err := models.DecodeQueueItem(entries[0])
	if err != nil {
		t.Fatalf("decode requeued item: %v", err)
	}
	if item.Retries != 1 {
		t.Fatalf("expected retries=1, got %d", item.Retries)
	}
	if min := float64(before.Unix()) + 5; item.NotBefore < min {
		t.Fatalf("expected not_before >= now+base (%v), got %v", min, item.NotBefore)
	}
}

func TestDrainDeadLettersAfterMaxRetries(t *testing.T) {
	f := greenForge()
	f.pr = nil // every fetch fails
	fx := newDrainFixture(t, f)

	// Seed an item that has already burned all but one retry.
	item := &models.QueueItem{Number: 6, Timestamp: float64(time.Now().Unix()), Retries: 4}
	data, _ := item.Encode()
	fx.store.ListPushTail(context.Background(), "automerge:queue:42:octo/hello", data)
	fx.store.SetAdd(context.Background(), "automerge:dedupe:42:octo/hello", "6")

	fx.disp.drain(drainRef)

	if n := fx.depth(t); n != 0 {
		t.Fatalf("exhausted item must leave the live queue, depth=%d", n)
	}
	dlq, _ := fx.store.ListRange(context.Background(), "automerge:dlq:42:octo/hello", 0, -1)
	if len(dlq) != 1 {
		t.Fatalf("expected one dead-lettered item, got %d", len(dlq))
	}
	dead, _ := models.DecodeQueueItem(dlq[0])
	if dead.Number != 6 || dead.Retries != 4 {
		t.Fatalf("unexpected dead-letter payload %+v", dead)
	}
}

func TestDrainSkipsWhenLeaseHeld(t *testing.T) {
	fx := newDrainFixture(t, greenForge())
	fx.enqueue(t, 6)

	if ok, _ := fx.lease.Acquire(context.Background(), drainRef, "other-worker"); !ok {
		t.Fatal("pre-acquire failed")
	}
	fx.disp.drain(drainRef)

	if fx.forge.mergeCalls != 0 {
		t.Fatal("drain must not process while another worker holds the lease")
	}
	if n := fx.depth(t); n != 1 {
		t.Fatalf("queue must be untouched, depth=%d", n)
	}
}

func TestDrainThrottleDefersWithoutPopping(t *testing.T) {
	fx := newDrainFixture(t, greenForge())
	fx.enqueue(t, 6)

	until := float64(time.Now().Unix()) + 30
	if err := fx.throttle.Set(context.Background(), drainRef.InstallationID, until, "retry_after"); err != nil {
		t.Fatalf("set throttle: %v", err)
	}

	fx.disp.drain(drainRef)

	if fx.forge.mergeCalls != 0 {
		t.Fatal("throttled drain must not call the forge")
	}
	if n := fx.depth(t); n != 1 {
		t.Fatalf("throttled drain must not pop, depth=%d", n)
	}
	// The lease was released so the deferred re-drain (or any other worker)
	// can take over.
	if ok, _ := fx.lease.Acquire(context.Background(), drainRef, "probe"); !ok {
		t.Fatal("lease should be free after a throttle defer")
	}
	if len(fx.afterDelays) != 1 {
		t.Fatalf("expected a scheduled re-drain after the throttle, got %v", fx.afterDelays)
	}
}

func TestDrainStarvationRequeuesTailWithoutRetry(t *testing.T) {
	f := greenForge()
	f.suites = []models.CheckSuite{{Conclusion: "failure"}}
	fx := newDrainFixture(t, f)
	fx.enqueue(t, 6)

	// Shrink the window and make the clock jump far past it per call.
	fx.disp.cfg.MaxItemWindowSeconds = 5
	base := time.Unix(1_700_000_000, 0)
	calls := 0
	fx.disp.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * 10 * time.Second)
	}

	fx.disp.drain(drainRef)

	if n := fx.depth(t); n != 1 {
		t.Fatalf("starved item should requeue to tail, depth=%d", n)
	}
	entries, _ := fx.store.ListRange(context.Background(), "automerge:queue:42:octo/hello", 0, -1)
	item, _ := models.DecodeQueueItem(entries[0])
	if item.Retries != 0 || item.NotBefore != 0 {
		t.Fatalf("starvation requeue must not touch retry state, got %+v", item)
	}
	// The tail requeue left the item immediately poppable; the drain must
	// end its turn instead of replaying the same starved head forever.
	if fx.forge.statusPolls != 1 {
		t.Fatalf("expected a single attempt before yielding, got %d", fx.forge.statusPolls)
	}
}

func TestDrainShutdownRequeuesInFlightItem(t *testing.T) {
	f := greenForge()
	f.mergeOK = false
	f.mergeMsg = "base branch was modified"
	fx := newDrainFixture(t, f)
	fx.enqueue(t, 6)

	// Shutdown lands while the merge call is in flight; the canceled drain
	// must still put the item back.
	f.onMerge = func() { fx.cancel() }

	fx.disp.drain(drainRef)

	if n := fx.depth(t); n != 1 {
		t.Fatalf("in-flight item must survive shutdown, depth=%d", n)
	}
	entries, _ := fx.store.ListRange(context.Background(), "automerge:queue:42:octo/hello", 0, -1)
	item, _ := models.DecodeQueueItem(entries[0])
	if item.Number != 6 || item.Retries != 1 {
		t.Fatalf("expected PR 6 requeued with retries=1, got %+v", item)
	}
}

func TestDrainSchedulesResumeForDeferredHead(t *testing.T) {
	fx := newDrainFixture(t, greenForge())

	// A backoff-requeued item still cooling down.
	item := &models.QueueItem{
		Number:    6,
		Timestamp: float64(time.Now().Unix()),
		Retries:   1,
		NotBefore: float64(time.Now().Unix()) + 40,
	}
	data, _ := item.Encode()
	fx.store.ListPushTail(context.Background(), "automerge:queue:42:octo/hello", data)
	fx.store.SetAdd(context.Background(), "automerge:dedupe:42:octo/hello", "6")

	fx.disp.drain(drainRef)

	if fx.forge.mergeCalls != 0 {
		t.Fatal("deferred head must not be processed")
	}
	if n := fx.depth(t); n != 1 {
		t.Fatalf("deferred item must stay queued, depth=%d", n)
	}
	if len(fx.afterDelays) != 1 {
		t.Fatalf("expected one scheduled resume, got %v", fx.afterDelays)
	}
	if d := fx.afterDelays[0]; d < 30*time.Second || d > 41*time.Second {
		t.Fatalf("resume delay should track not_before, got %v", d)
	}
}

func TestDrainStopsWhenLeaseLostMidDrain(t *testing.T) {
	f := greenForge()
	fx := newDrainFixture(t, f)
	fx.enqueue(t, 6)
	out, _ := fx.queue.Enqueue(context.Background(), models.PRIdentity{RepoRef: drainRef, Number: 7})
	if out != queue.Enqueued {
		t.Fatal("second enqueue failed")
	}

	// The lock disappears while the first merge is in flight (TTL expiry in
	// production); the post-item refresh must notice and stop.
	f.onMerge = func() {
		fx.store.Delete(context.Background(), "automerge:lock:42:octo/hello")
	}
	fx.disp.drain(drainRef)

	if fx.forge.mergeCalls != 1 {
		t.Fatalf("expected drain to stop after the first item, merges=%d", fx.forge.mergeCalls)
	}
	if n := fx.depth(t); n != 1 {
		t.Fatalf("second item must stay queued for the next holder, depth=%d", n)
	}
}

func TestDrainRecoversFromPanicAndRetries(t *testing.T) {
	f := greenForge()
	f.onMerge = func() { panic("boom") }
	fx := newDrainFixture(t, f)
	fx.enqueue(t, 6)

	fx.disp.drain(drainRef)

	if n := fx.depth(t); n != 1 {
		t.Fatalf("panic should requeue with backoff, depth=%d", n)
	}
	entries, _ := fx.store.ListRange(context.Background(), "automerge:queue:42:octo/hello", 0, -1)
	item, _ := models.DecodeQueueItem(entries[0])
	if item.Retries != 1 {
		t.Fatalf("expected retries=1 after panic, got %d", item.Retries)
	}
}
