package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/StepTenInc/contentflow/pkg/stage"
	"github.com/StepTenInc/contentflow/pkg/store"
	"github.com/google/uuid"
)

var (
	// ErrStageNotCompleted is returned when redoing a stage the record has
	// not reached.
	ErrStageNotCompleted = errors.New("stage has not completed")
	// ErrNotRedoable is returned for stages whose output is not kept on the
	// record.
	ErrNotRedoable = errors.New("stage cannot be redone")
)

// Draft pairs a stage's accepted output with a freshly generated candidate.
// Nothing is written until the draft is accepted.
type Draft struct {
	ID         string         `json:"id"`
	PipelineID string         `json:"pipelineId"`
	Stage      stage.Name     `json:"stage"`
	Previous   map[string]any `json:"previous"`
	Candidate  map[string]any `json:"candidate"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Redo re-invokes stage n of a pipeline with the context rebuilt from the
// outputs of earlier stages.
func (o *Orchestrator) Redo(ctx context.Context, pipelineID string, n stage.Name) (*Draft, error) {
	if !n.Valid() {
		return nil, fmt.Errorf("redo: unknown stage %q", n)
	}
	if n == stage.Finalize {
		return nil, fmt.Errorf("redo %s: %w", n, ErrNotRedoable)
	}

	rec, err := o.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("redo %s: %w", n, err)
	}
	if rec.CurrentStage < n.Index() {
		return nil, fmt.Errorf("redo %s: %w (current stage %d)", n, ErrStageNotCompleted, rec.CurrentStage)
	}

	start := o.now()
	res := o.invoker.Invoke(ctx, stage.Call{
		Stage:      n,
		Context:    contextFromRecord(rec, n),
		PipelineID: pipelineID,
	})
	o.observer.StageFinished(n, res, o.now().Sub(start))
	if !res.Success {
		return nil, &StageError{
			Stage:      n,
			Kind:       res.Kind,
			Message:    res.Err,
			PipelineID: pipelineID,
			Duration:   o.now().Sub(start),
		}
	}

	o.logger.InfoContext(ctx, "stage redone", "pipeline_id", pipelineID, "stage", n)
	return &Draft{
		ID:         uuid.NewString(),
		PipelineID: pipelineID,
		Stage:      n,
		Previous:   stageOutput(rec, n),
		Candidate:  res.Data,
		CreatedAt:  start.UTC(),
	}, nil
}

// Accept persists the candidate over the stage's own fields. Other stages'
// fields and the current stage are left as they are.
func (o *Orchestrator) Accept(ctx context.Context, d *Draft) error {
	if d == nil {
		return errors.New("accept: draft is required")
	}
	rec, err := o.store.GetPipeline(ctx, d.PipelineID)
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}
	u := stageFields(d.Stage, d.Candidate, queueMetaFrom(rec))
	if u.IsZero() {
		return fmt.Errorf("accept %s: %w", d.Stage, ErrNotRedoable)
	}
	if err := o.store.UpdatePipeline(ctx, d.PipelineID, u); err != nil {
		return fmt.Errorf("accept %s: %w", d.Stage, err)
	}
	o.logger.InfoContext(ctx, "draft accepted", "pipeline_id", d.PipelineID, "stage", d.Stage, "draft_id", d.ID)
	return nil
}

// Reject discards the candidate. The record is not touched.
func (o *Orchestrator) Reject(ctx context.Context, d *Draft) {
	if d == nil {
		return
	}
	o.logger.InfoContext(ctx, "draft rejected", "pipeline_id", d.PipelineID, "stage", d.Stage, "draft_id", d.ID)
}

// Pipeline returns the stored record.
func (o *Orchestrator) Pipeline(ctx context.Context, id string) (*store.Pipeline, error) {
	return o.store.GetPipeline(ctx, id)
}
