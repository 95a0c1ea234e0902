// Package pipeline drives one article through the fixed stage sequence and
// keeps its pipeline record current.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/StepTenInc/contentflow/pkg/quality"
	"github.com/StepTenInc/contentflow/pkg/stage"
)

// MinBriefLength is the shortest brief, in characters, a run accepts.
const MinBriefLength = 50

// Endpoint is the route name reported with orchestration errors.
const Endpoint = "/api/pipeline/orchestrate"

// ErrInvalidBrief is returned before any record is created when the brief is
// missing or too short.
var ErrInvalidBrief = fmt.Errorf("brief is required and must be at least %d characters", MinBriefLength)

// Request starts a run.
type Request struct {
	Brief        string `json:"brief"`
	AutoPublish  bool   `json:"autoPublish,omitempty"`
	ForcePublish bool   `json:"forcePublish,omitempty"`
	QueueItemID  string `json:"queueItemId,omitempty"`
	Topic        string `json:"topic,omitempty"`
	FocusKeyword string `json:"focusKeyword,omitempty"`
	SiloTopic    string `json:"siloTopic,omitempty"`
	Slug         string `json:"slug,omitempty"`
	Level        string `json:"level,omitempty"`
	SiloID       string `json:"siloId,omitempty"`
}

// Options converts the request into stage options.
func (r Request) Options() stage.Options {
	return stage.Options{
		Topic:        r.Topic,
		FocusKeyword: r.FocusKeyword,
		SiloTopic:    r.SiloTopic,
		SiloID:       r.SiloID,
		Slug:         r.Slug,
		Level:        quality.ParseLevel(r.Level),
		AutoPublish:  r.AutoPublish,
		ForcePublish: r.ForcePublish,
	}
}

// RunResult is returned for a run that reached the end of finalize.
type RunResult struct {
	Success          bool            `json:"success"`
	Article          any             `json:"article"`
	OptimizedArticle string          `json:"optimizedArticle"`
	Quality          any             `json:"quality"`
	PipelineID       string          `json:"pipelineId"`
	TotalDuration    float64         `json:"totalDuration"`
	Stages           map[string]bool `json:"stages"`

	// Context is the final accumulated stage data.
	Context stage.Context `json:"-"`
}

// StageError aborts a run. It carries the failing stage and the time spent
// before the failure.
type StageError struct {
	Stage      stage.Name
	Kind       stage.ErrorKind
	Message    string
	PipelineID string
	Duration   time.Duration
}

func (e *StageError) Error() string {
	return e.Message
}

// IsStageError reports whether err aborted a run at a stage.
func IsStageError(err error) bool {
	var stageErr *StageError
	return errors.As(err, &stageErr)
}

// Observer receives run and stage outcomes. metrics.Metrics implements it.
type Observer interface {
	StageFinished(name stage.Name, res stage.Result, d time.Duration)
	RunFinished(success bool, d time.Duration)
	PersistenceFailed(op string)
}

// Drainer is told about every run that completed a queue item.
// AfterRun must not block on processing further items.
type Drainer interface {
	AfterRun(ctx context.Context)
}

type nopObserver struct{}

func (nopObserver) StageFinished(stage.Name, stage.Result, time.Duration) {}
func (nopObserver) RunFinished(bool, time.Duration)                       {}
func (nopObserver) PersistenceFailed(string)                              {}

func completedStages() map[string]bool {
	stages := make(map[string]bool, len(stage.Sequence)+1)
	for _, n := range stage.Sequence {
		stages[string(n)] = true
	}
	stages["media"] = true
	return stages
}

func seconds(d time.Duration) float64 {
	return float64(d.Milliseconds()/10) / 100
}
