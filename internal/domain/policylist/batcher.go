package policylist

import (
	"context"
	"sync"
	"time"

	"maunium.net/go/mautrix/id"
)

const (
	defaultWaitPeriod = 200 * time.Millisecond
	defaultMaxWait    = 3 * time.Second
)

// UpdateBatcher coalesces bursts of incoming events into a single refresh.
// While events keep arriving within the wait period the refresh is delayed,
// up to the maximum wait; then the refresh callback fires once.
type UpdateBatcher struct {
	waitPeriod time.Duration
	maxWait    time.Duration
	refresh    func(ctx context.Context)

	mu      sync.Mutex
	latest  id.EventID
	waiting bool
}

// NewUpdateBatcher creates a batcher that invokes refresh after event bursts
// settle. The refresh callback is responsible for its own mutual exclusion.
func NewUpdateBatcher(waitPeriod, maxWait time.Duration, refresh func(ctx context.Context)) *UpdateBatcher {
	return &UpdateBatcher{
		waitPeriod: waitPeriod,
		maxWait:    maxWait,
		refresh:    refresh,
	}
}

// Add records an incoming event. If a wait loop is already running it only
// updates the latest seen event; otherwise it starts one.
func (b *UpdateBatcher) Add(ctx context.Context, eventID id.EventID) {
	b.mu.Lock()
	b.latest = eventID
	if b.waiting {
		b.mu.Unlock()
		return
	}
	b.waiting = true
	b.mu.Unlock()
	go b.wait(ctx, eventID)
}

func (b *UpdateBatcher) wait(ctx context.Context, lastSeen id.EventID) {
	deadline := time.Now().Add(b.maxWait)
	timer := time.NewTimer(b.waitPeriod)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			b.waiting = false
			b.mu.Unlock()
			return
		case <-timer.C:
		}
		b.mu.Lock()
		current := b.latest
		b.mu.Unlock()
		if current == lastSeen || !time.Now().Before(deadline) {
			break
		}
		lastSeen = current
		timer.Reset(b.waitPeriod)
	}
	b.mu.Lock()
	b.waiting = false
	b.mu.Unlock()
	b.refresh(ctx)
}
