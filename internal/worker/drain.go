package worker

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bemcculley/auto-merge/internal/config"
	"github.com/bemcculley/auto-merge/internal/metrics"
	"github.com/bemcculley/auto-merge/internal/models"
	"github.com/bemcculley/auto-merge/internal/queue"
)

// Dispatcher spawns one drain per repo event. The Redis lease collapses
// concurrent spawns for the same repo: whoever loses the acquire simply
// walks away and trusts the holder to drain.
type Dispatcher struct {
	cfg      *config.Settings
	queue    *queue.Queue
	lease    *queue.Lease
	throttle *queue.Throttle
	forge    func(installationID int64) Forge

	ctx   context.Context
	wg    sync.WaitGroup
	now   func() time.Time
	after func(delay time.Duration, fn func())
}

func NewDispatcher(ctx context.Context, cfg *config.Settings, q *queue.Queue, lease *queue.Lease, throttle *queue.Throttle, forge func(installationID int64) Forge) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		queue:    q,
		lease:    lease,
		throttle: throttle,
		forge:    forge,
		ctx:      ctx,
		now:      time.Now,
		after:    func(delay time.Duration, fn func()) { time.AfterFunc(delay, fn) },
	}
}

// Spawn starts a background drain for the repo. Safe to call for every
// webhook; redundant spawns exit at the lease.
func (d *Dispatcher) Spawn(ref models.RepoRef) {
	if d.ctx.Err() != nil {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.drain(ref)
	}()
}

// Wait blocks until all in-flight drains finished. Call after canceling the
// dispatcher context.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// respawnAfter schedules a fresh drain once a cooldown has passed.
func (d *Dispatcher) respawnAfter(ref models.RepoRef, delay time.Duration) {
	d.after(delay, func() {
		d.Spawn(ref)
	})
}

// scheduleResume arms a timer for a head that is still cooling down, so a
// backoff-requeued item resumes without waiting for fresh webhook traffic.
func (d *Dispatcher) scheduleResume(ref models.RepoRef, until float64) {
	delay := until - float64(d.now().UnixNano())/1e9
	if delay < 1 {
		delay = 1
	}
	if max := float64(d.cfg.MaxBackoffSeconds); delay > max {
		delay = max
	}
	d.respawnAfter(ref, time.Duration(delay*float64(time.Second)))
}

// drain owns the repo lease for its lifetime: gate on the installation
// throttle, pop until empty, run each item through the merge engine, and
// classify what comes back. Exits early when the lease is lost.
func (d *Dispatcher) drain(ref models.RepoRef) {
	workerID := uuid.NewString()
	ctx, cancel := context.WithCancel(d.ctx)
	defer cancel()

	ok, err := d.lease.Acquire(ctx, ref, workerID)
	if err != nil {
		log.Printf("[drain] lease acquire error for %s: %v", ref.Slug(), err)
		return
	}
	if !ok {
		return
	}
	defer d.lease.Release(context.WithoutCancel(ctx), ref, workerID)

	if state, err := d.throttle.Get(ctx, ref.InstallationID); err == nil && state != nil {
		now := float64(d.now().UnixNano()) / 1e9
		if state.Until > now {
			delay := state.Until - now
			if max := float64(d.cfg.MaxBackoffSeconds); delay > max {
				delay = max
			}
			log.Printf("[drain] backpressure on installation %d (%s); resuming %s in %.1fs",
				ref.InstallationID, state.Reason, ref.Slug(), delay)
			d.respawnAfter(ref, time.Duration(delay*float64(time.Second)))
			return
		}
	}

	heartbeat := func() {
		if !d.lease.Refresh(ctx, ref, workerID) {
			metrics.WorkerLockLost.WithLabelValues(ref.Owner, ref.Repo).Inc()
			cancel()
		}
	}
	go d.heartbeatLoop(ctx, ref, workerID, cancel)

	engine := NewEngine(d.forge(ref.InstallationID))
	for ctx.Err() == nil {
		item, deferredUntil, err := d.queue.Pop(ctx, ref)
		if err != nil {
			log.Printf("[drain] pop failed for %s: %v", ref.Slug(), err)
			return
		}
		if item == nil {
			if deferredUntil > 0 {
				d.scheduleResume(ref, deferredUntil)
			}
			return
		}

		start := d.now()
		ok, reason, err := d.processItem(ctx, engine, ref, item.Number, heartbeat)
		elapsed := d.now().Sub(start)
		if stop := d.settle(ctx, ref, item, ok, reason, err, elapsed); stop {
			return
		}

		// Post-item refresh; a lost lease means another worker may already
		// be draining, so stop before touching the forge again.
		if !d.lease.Refresh(ctx, ref, workerID) {
			metrics.WorkerLockLost.WithLabelValues(ref.Owner, ref.Repo).Inc()
			log.Printf("[drain] lease lost while draining %s; stopping", ref.Slug())
			return
		}
	}
}

// heartbeatLoop refreshes the lease on a fixed cadence, independent of where
// the state machine happens to be blocked.
func (d *Dispatcher) heartbeatLoop(ctx context.Context, ref models.RepoRef, workerID string, cancel context.CancelFunc) {
	interval := time.Duration(d.cfg.RedisHeartbeatSeconds) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !d.lease.Refresh(ctx, ref, workerID) {
				metrics.WorkerLockLost.WithLabelValues(ref.Owner, ref.Repo).Inc()
				cancel()
				return
			}
		}
	}
}

// processItem shields the drain from the state machine: a panic surfaces as
// an ordinary error and gets the transient treatment.
func (d *Dispatcher) processItem(ctx context.Context, engine *Engine, ref models.RepoRef, number int, hb func()) (ok bool, reason string, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, reason = false, ""
			err = fmt.Errorf("process PR #%d: panic: %v", number, r)
		}
	}()
	return engine.ProcessItem(ctx, ref, number, hb)
}

// settle decides what happens to a processed item and reports whether the
// drain should stop. Errors get the retry policy outright; a slow
// non-success yields its queue turn without burning a retry and ends the
// drain, since the same head would otherwise pop straight back; transient
// reasons retry with backoff until the budget runs out; anything else is a
// permanent verdict and the item is dropped.
func (d *Dispatcher) settle(ctx context.Context, ref models.RepoRef, item *models.QueueItem, ok bool, reason string, err error, elapsed time.Duration) bool {
	// The popped item still has to land in a list when the lease was lost
	// or shutdown canceled the drain mid-item.
	ctx = context.WithoutCancel(ctx)
	if err != nil {
		log.Printf("[drain] PR #%d on %s failed: %v (retries=%d)", item.Number, ref.Slug(), err, item.Retries+1)
		d.retryOrDeadLetter(ctx, ref, item, "process", "exception")
		return false
	}
	if ok {
		log.Printf("[drain] merged PR #%d on %s: %s", item.Number, ref.Slug(), reason)
		return false
	}
	if elapsed > time.Duration(d.cfg.MaxItemWindowSeconds)*time.Second {
		metrics.QueueStarvation.WithLabelValues(ref.Owner, ref.Repo).Inc()
		log.Printf("[drain] PR #%d on %s ran %.0fs without success; yielding its turn", item.Number, ref.Slug(), elapsed.Seconds())
		if err := d.queue.RequeueTail(ctx, ref, item); err != nil {
			log.Printf("[drain] starvation requeue failed for %s#%d: %v", ref.Slug(), item.Number, err)
		}
		return true
	}
	if transientReason(reason) {
		log.Printf("[drain] PR #%d on %s not merged (%s); will retry", item.Number, ref.Slug(), reason)
		d.retryOrDeadLetter(ctx, ref, item, "process", reason)
		return false
	}
	// Permanent verdict (draft, locked, missing label, ...). The pop already
	// consumed the item.
	log.Printf("[drain] PR #%d on %s not eligible: %s", item.Number, ref.Slug(), reason)
	return false
}

// retryOrDeadLetter applies the shared retry budget: backoff requeue while
// retries remain, dead-letter once they are spent. A failed dead-letter push
// drops the item; the push-failure counter records the loss.
func (d *Dispatcher) retryOrDeadLetter(ctx context.Context, ref models.RepoRef, item *models.QueueItem, phase, reason string) {
	if item.Retries+1 >= d.cfg.MaxRetries {
		if err := d.queue.SendToDeadLetter(ctx, ref, item); err != nil {
			log.Printf("[drain] dead-letter push failed for %s#%d, dropping item: %v", ref.Slug(), item.Number, err)
		}
		return
	}
	if err := d.queue.RequeueWithBackoff(ctx, ref, item, phase, reason); err != nil {
		log.Printf("[drain] requeue failed for %s#%d: %v", ref.Slug(), item.Number, err)
	}
}

// transientReason classifies a state-machine verdict as retryable. Everything
// here is a condition that can clear on its own (or with one more attempt);
// the rest describe the PR itself and retrying would not change them.
func transientReason(reason string) bool {
	if strings.Contains(reason, "checks_not_green") {
		return true
	}
	for _, prefix := range []string{
		"checks_timeout",
		"failed_to_fetch",
		"update_branch_failed",
		"not_mergeable_after_update",
		"merge_api_error",
	} {
		if strings.HasPrefix(reason, prefix) {
			return true
		}
	}
	return false
}
