package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/StepTenInc/contentflow/internal/logging"
	"github.com/StepTenInc/contentflow/pkg/errlog"
	"github.com/StepTenInc/contentflow/pkg/pipeline"
	"github.com/StepTenInc/contentflow/pkg/store"
)

// MaxErrorLength bounds the error message kept on a failed item.
const MaxErrorLength = 500

// DefaultPollInterval is how often an idle worker checks for queued items
// without being signalled.
const DefaultPollInterval = 30 * time.Second

// Runner runs one pipeline. *pipeline.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.RunResult, error)
}

// Worker is the single consumer of the production queue.
type Worker struct {
	store    store.Store
	runner   Runner
	signal   *Signal
	owner    string
	poll     time.Duration
	logger   *slog.Logger
	observer Observer
	sink     errlog.Sink
	running  atomic.Bool
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithOwner sets the id recorded on claimed items.
func WithOwner(owner string) WorkerOption {
	return func(w *Worker) { w.owner = owner }
}

// WithPollInterval sets the idle poll interval.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.poll = d
		}
	}
}

// WithObserver receives claim and queue depth updates.
func WithObserver(obs Observer) WorkerOption {
	return func(w *Worker) { w.observer = obs }
}

// WithErrorSink sets where failed items are reported.
func WithErrorSink(s errlog.Sink) WorkerOption {
	return func(w *Worker) { w.sink = s }
}

// WithWorkerLogger sets the logger.
func WithWorkerLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) { w.logger = l }
}

// NewWorker returns a started worker that wakes on sig.
func NewWorker(st store.Store, runner Runner, sig *Signal, opts ...WorkerOption) *Worker {
	w := &Worker{
		store:    st,
		runner:   runner,
		signal:   sig,
		owner:    "worker",
		poll:     DefaultPollInterval,
		logger:   logging.New("queue"),
		observer: nopObserver{},
		sink:     errlog.SlogSink{},
	}
	for _, opt := range opts {
		opt(w)
	}
	w.running.Store(true)
	return w
}

// Start resumes draining and wakes the worker.
func (w *Worker) Start() {
	w.running.Store(true)
	w.signal.Notify()
}

// Wake asks the worker to drain without changing whether it is running.
func (w *Worker) Wake() {
	w.signal.Notify()
}

// Stop halts draining after the current item.
func (w *Worker) Stop() {
	w.running.Store(false)
}

// Running reports whether the worker drains the queue.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Run drains the queue each time it is signalled or the poll interval
// passes, until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	w.logger.InfoContext(ctx, "queue worker started", "owner", w.owner, "poll", w.poll)
	w.signal.Notify()
	for {
		select {
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "queue worker stopped", "owner", w.owner)
			return nil
		case <-w.signal.C():
		case <-ticker.C:
		}
		w.Drain(ctx)
	}
}

// Drain processes queued items until none are left, the worker is stopped,
// or ctx is done. It returns the number of items processed.
func (w *Worker) Drain(ctx context.Context) int {
	processed := 0
	for ctx.Err() == nil && w.Running() {
		ok, err := w.Next(ctx)
		if err != nil {
			w.logger.WarnContext(ctx, "queue item failed", "error", err)
		}
		if !ok {
			break
		}
		processed++
	}
	w.refreshDepth(ctx)
	return processed
}

// Next claims and runs the next queued item. It reports false when nothing
// was queued.
func (w *Worker) Next(ctx context.Context) (bool, error) {
	item, err := w.store.ClaimNextQueued(ctx, w.owner)
	if errors.Is(err, store.ErrNothingQueued) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim next item: %w", err)
	}
	w.observer.Claimed()
	_, err = w.process(ctx, item)
	return true, err
}

// Process claims a specific item and runs it, whatever its priority.
func (w *Worker) Process(ctx context.Context, itemID string) (*pipeline.RunResult, error) {
	item, err := w.store.ClaimQueueItem(ctx, itemID, w.owner)
	if err != nil {
		return nil, fmt.Errorf("claim item %s: %w", itemID, err)
	}
	w.observer.Claimed()
	res, err := w.process(ctx, item)
	w.refreshDepth(ctx)
	return res, err
}

func (w *Worker) process(ctx context.Context, item *store.QueueItem) (*pipeline.RunResult, error) {
	logger := w.logger.With("queue_item_id", item.ID, "slug", item.Slug)
	logger.InfoContext(ctx, "processing queue item", "title", item.Title, "silo", item.SiloName, "level", item.Level)

	res, err := w.runner.Run(ctx, RequestFor(item))
	if err != nil {
		w.fail(ctx, item, err.Error())
		w.sink.Report(ctx, err, errlog.Fields{
			Endpoint:        "/api/queue",
			HTTPMethod:      "POST",
			ExternalService: "production_queue",
			QueueItemID:     item.ID,
		})
		return nil, fmt.Errorf("queue item %s: %w", item.ID, err)
	}
	logger.InfoContext(ctx, "queue item published", "pipeline_id", res.PipelineID, "duration_seconds", res.TotalDuration)
	return res, nil
}

// fail stalls the item. It is never requeued automatically. The write
// outlives cancellation of ctx so a run cut short by shutdown is not left
// looking in progress.
func (w *Worker) fail(ctx context.Context, item *store.QueueItem, msg string) {
	wctx, cancel := store.Detached(ctx)
	defer cancel()
	err := w.store.UpdateQueueItem(wctx, item.ID, store.QueueUpdate{
		Status:       store.Ptr(store.QueueFailed),
		ErrorMessage: store.Ptr(truncate(msg, MaxErrorLength)),
		RetryCount:   store.Ptr(item.RetryCount + 1),
	})
	if err != nil {
		w.logger.WarnContext(ctx, "mark queue item failed", "queue_item_id", item.ID, "error", err)
	}
}

func (w *Worker) refreshDepth(ctx context.Context) {
	stats, err := w.store.QueueStats(ctx)
	if err != nil {
		return
	}
	depth := make(map[string]int, len(store.QueueStatuses))
	for _, s := range store.QueueStatuses {
		depth[string(s)] = stats[s]
	}
	w.observer.SetQueueDepth(depth)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
