// Package queue drains the production queue one item at a time.
//
// A run that completes a queue item tells the Drainer, which wakes the
// Worker when more items are waiting. The Worker claims items atomically
// through the store, so no two workers ever run the same item.
package queue

import (
	"context"
	"log/slog"

	"github.com/StepTenInc/contentflow/internal/logging"
	"github.com/StepTenInc/contentflow/pkg/store"
)

// Signal is a coalescing wake-up. Any number of Notify calls made while the
// worker is busy collapse into one pending wake-up.
type Signal struct {
	ch chan struct{}
}

// NewSignal returns an idle signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

// Notify queues a wake-up without blocking. It reports false when one was
// already pending.
func (s *Signal) Notify() bool {
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// C is received from by the worker.
func (s *Signal) C() <-chan struct{} {
	return s.ch
}

// Pending reports whether a wake-up is waiting.
func (s *Signal) Pending() bool {
	return len(s.ch) > 0
}

// Observer receives queue activity. metrics.Metrics implements it.
type Observer interface {
	Claimed()
	DrainTriggered()
	SetQueueDepth(stats map[string]int)
}

type nopObserver struct{}

func (nopObserver) Claimed()                     {}
func (nopObserver) DrainTriggered()              {}
func (nopObserver) SetQueueDepth(map[string]int) {}

// Drainer triggers the worker after a completed run when items are queued.
type Drainer struct {
	store    store.Store
	signal   *Signal
	logger   *slog.Logger
	observer Observer
}

// NewDrainer returns a Drainer that wakes sig.
func NewDrainer(st store.Store, sig *Signal, obs Observer) *Drainer {
	if obs == nil {
		obs = nopObserver{}
	}
	return &Drainer{
		store:    st,
		signal:   sig,
		logger:   logging.New("queue"),
		observer: obs,
	}
}

// AfterRun counts queued items and fires one trigger if there are any. It
// never waits for the triggered work.
func (d *Drainer) AfterRun(ctx context.Context) {
	n, err := d.store.CountQueueItems(ctx, store.QueueQueued)
	if err != nil {
		d.logger.WarnContext(ctx, "count queued items failed", "error", err)
		return
	}
	if n == 0 {
		d.logger.InfoContext(ctx, "queue empty")
		return
	}
	d.signal.Notify()
	d.observer.DrainTriggered()
	d.logger.InfoContext(ctx, "triggering next item", "remaining", n)
}
