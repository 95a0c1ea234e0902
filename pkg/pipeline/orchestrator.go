package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/StepTenInc/contentflow/internal/logging"
	"github.com/StepTenInc/contentflow/pkg/errlog"
	"github.com/StepTenInc/contentflow/pkg/stage"
	"github.com/StepTenInc/contentflow/pkg/store"
	"github.com/google/uuid"
)

// Orchestrator runs the stage sequence for one brief at a time per call.
// Distinct runs share nothing but the store.
type Orchestrator struct {
	store    store.Store
	invoker  stage.Invoker
	logger   *slog.Logger
	observer Observer
	sink     errlog.Sink
	drainer  Drainer
	now      func() time.Time
	newID    func() string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithObserver receives stage and run outcomes.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithErrorSink sets where fatal run errors are reported.
func WithErrorSink(s errlog.Sink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

// WithDrainer sets the queue drainer told about completed queue items.
func WithDrainer(d Drainer) Option {
	return func(o *Orchestrator) { o.drainer = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDFunc replaces the pipeline id generator.
func WithIDFunc(f func() string) Option {
	return func(o *Orchestrator) { o.newID = f }
}

// New creates an Orchestrator over st and inv.
func New(st store.Store, inv stage.Invoker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    st,
		invoker:  inv,
		logger:   logging.New("pipeline"),
		observer: nopObserver{},
		sink:     errlog.SlogSink{},
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes every stage in order and returns the aggregate result. A
// failing stage aborts the run with a *StageError after the record is
// marked failed.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*RunResult, error) {
	start := o.now()
	if utf8.RuneCountInString(req.Brief) < MinBriefLength {
		return nil, ErrInvalidBrief
	}

	id := o.newID()
	rec := &store.Pipeline{
		ID:              id,
		Status:          store.PipelineInProgress,
		CurrentStage:    0,
		BriefTranscript: req.Brief,
		SelectedSilo:    req.SiloTopic,
		SelectedSiloID:  req.SiloID,
		RunOptions:      encodeOptions(req.Options()),
		CreatedAt:       start.UTC(),
		UpdatedAt:       start.UTC(),
	}
	if err := o.store.CreatePipeline(ctx, rec); err != nil {
		err = fmt.Errorf("create pipeline record: %w", err)
		o.report(ctx, err, "", id, req.QueueItemID)
		o.observer.RunFinished(false, o.now().Sub(start))
		return nil, err
	}

	logger := o.logger.With("pipeline_id", id)
	logger.InfoContext(ctx, "pipeline started", "queue_item_id", req.QueueItemID, "level", req.Options().Level)

	qm := queueMeta{slug: req.Slug, silo: req.SiloTopic}
	c := stage.NewContext(req.Brief, req.Options())
	for _, n := range stage.Sequence {
		o.setQueueStatus(ctx, req.QueueItemID, queueStatus[n])

		stageStart := o.now()
		res := o.invoker.Invoke(ctx, stage.Call{Stage: n, Context: c, PipelineID: id})
		elapsed := o.now().Sub(stageStart)
		o.observer.StageFinished(n, res, elapsed)

		if !res.Success {
			return nil, o.fail(ctx, logger, id, req.QueueItemID, n, res, start)
		}
		logger.InfoContext(ctx, "stage complete", "stage", n, "duration", elapsed, "attempts", res.Attempts)

		c = c.With(n, res.Data)
		if n == stage.Finalize {
			break
		}
		u := stageFields(n, res.Data, qm)
		u.CurrentStage = store.Ptr(n.Index())
		o.persist(ctx, id, "stage_"+string(n), u)
	}

	done := o.now()
	o.persist(ctx, id, "complete", store.PipelineUpdate{
		Status:       store.Ptr(store.PipelineCompleted),
		CurrentStage: store.Ptr(stage.Finalize.Index()),
		CompletedAt:  store.Ptr(done.UTC()),
	})

	if req.QueueItemID != "" {
		o.updateQueueItem(ctx, req.QueueItemID, store.QueueUpdate{
			Status:      store.Ptr(store.QueuePublished),
			CompletedAt: store.Ptr(done.UTC()),
			PipelineID:  store.Ptr(id),
			InsightID:   store.Ptr(articleID(c.Value("article"))),
		})
		if o.drainer != nil {
			o.drainer.AfterRun(ctx)
		}
	}

	total := done.Sub(start)
	o.observer.RunFinished(true, total)
	logger.InfoContext(ctx, "pipeline complete", "duration", total)

	return &RunResult{
		Success:          true,
		Article:          c.Value("article"),
		OptimizedArticle: c.BestArticle(),
		Quality:          c.Value("quality"),
		PipelineID:       id,
		TotalDuration:    seconds(total),
		Stages:           completedStages(),
		Context:          c,
	}, nil
}

func (o *Orchestrator) fail(ctx context.Context, logger *slog.Logger, id, queueItemID string, n stage.Name, res stage.Result, start time.Time) *StageError {
	msg := res.Err
	if msg == "" {
		msg = fmt.Sprintf("%s failed", n)
	}
	failedAt := o.now()
	o.persist(ctx, id, "mark_failed", store.PipelineUpdate{
		Status:       store.Ptr(store.PipelineFailed),
		CurrentStage: store.Ptr(n.Index()),
		ErrorMessage: store.Ptr(msg),
		FailedAt:     store.Ptr(failedAt.UTC()),
	})

	stageErr := &StageError{
		Stage:      n,
		Kind:       res.Kind,
		Message:    msg,
		PipelineID: id,
		Duration:   failedAt.Sub(start),
	}
	logger.ErrorContext(ctx, "pipeline failed", "stage", n, "kind", res.Kind, "error", msg, "duration", stageErr.Duration)
	o.report(ctx, stageErr, n, id, queueItemID)
	o.observer.RunFinished(false, stageErr.Duration)
	return stageErr
}

func (o *Orchestrator) report(ctx context.Context, err error, n stage.Name, pipelineID, queueItemID string) {
	o.sink.Report(ctx, err, errlog.Fields{
		Endpoint:        Endpoint,
		HTTPMethod:      http.MethodPost,
		ExternalService: "pipeline_orchestrator",
		Stage:           string(n),
		PipelineID:      pipelineID,
		QueueItemID:     queueItemID,
	})
}

// persist applies u and logs, rather than returns, any failure. The write
// outlives cancellation of ctx so an aborted run is still marked.
func (o *Orchestrator) persist(ctx context.Context, id, op string, u store.PipelineUpdate) {
	wctx, cancel := store.Detached(ctx)
	defer cancel()
	if err := o.store.UpdatePipeline(wctx, id, u); err != nil {
		o.logger.WarnContext(ctx, "pipeline update failed", "pipeline_id", id, "op", op, "error", err)
		o.observer.PersistenceFailed(op)
	}
}

func (o *Orchestrator) setQueueStatus(ctx context.Context, itemID string, status store.QueueStatus) {
	if itemID == "" || status == "" {
		return
	}
	o.updateQueueItem(ctx, itemID, store.QueueUpdate{Status: store.Ptr(status)})
}

func (o *Orchestrator) updateQueueItem(ctx context.Context, itemID string, u store.QueueUpdate) {
	wctx, cancel := store.Detached(ctx)
	defer cancel()
	if err := o.store.UpdateQueueItem(wctx, itemID, u); err != nil {
		o.logger.WarnContext(ctx, "queue item update failed", "queue_item_id", itemID, "error", err)
		o.observer.PersistenceFailed("queue_item")
	}
}
