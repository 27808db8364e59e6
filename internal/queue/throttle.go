package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/bemcculley/auto-merge/internal/metrics"
	"github.com/bemcculley/auto-merge/internal/models"
	"github.com/bemcculley/auto-merge/internal/store"
)

// Throttle is the per-installation backpressure gate. The forge client sets
// it when rate-limit responses come back; drains consult it before doing any
// forge work. State expires on its own once the cooldown passes.
type Throttle struct {
	store store.Store
	keys  Keys

	now func() time.Time
}

func NewThrottle(s store.Store, namespace string) *Throttle {
	return &Throttle{store: s, keys: Keys{Namespace: namespace}, now: time.Now}
}

// Set records backpressure until the given epoch second.
func (t *Throttle) Set(ctx context.Context, installationID int64, until float64, reason string) error {
	data, err := json.Marshal(models.ThrottleState{Until: until, Reason: reason})
	if err != nil {
		return err
	}
	secs := int64(until - epoch(t.now()))
	if secs < 1 {
		secs = 1
	}
	key := t.keys.Throttle(installationID)
	if err := t.store.Put(ctx, key, string(data), time.Duration(secs)*time.Second); err != nil {
		return fmt.Errorf("set throttle for installation %d: %w", installationID, err)
	}
	metrics.BackpressureActive.WithLabelValues(strconv.FormatInt(installationID, 10)).Set(1)
	return nil
}

// Get returns the live throttle state, or nil when none is active. The
// backpressure gauge tracks what Get observed.
func (t *Throttle) Get(ctx context.Context, installationID int64) (*models.ThrottleState, error) {
	inst := strconv.FormatInt(installationID, 10)
	raw, found, err := t.store.Get(ctx, t.keys.Throttle(installationID))
	if err != nil {
		return nil, fmt.Errorf("get throttle for installation %d: %w", installationID, err)
	}
	if !found {
		metrics.BackpressureActive.WithLabelValues(inst).Set(0)
		return nil, nil
	}
	var state models.ThrottleState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("decode throttle for installation %d: %w", installationID, err)
	}
	metrics.BackpressureActive.WithLabelValues(inst).Set(1)
	return &state, nil
}

// Clear drops the throttle before its natural expiry.
func (t *Throttle) Clear(ctx context.Context, installationID int64) {
	if err := t.store.Delete(ctx, t.keys.Throttle(installationID)); err != nil {
		log.Printf("[throttle] clear failed for installation %d: %v", installationID, err)
	}
	metrics.BackpressureActive.WithLabelValues(strconv.FormatInt(installationID, 10)).Set(0)
}
