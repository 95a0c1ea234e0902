// Package store persists pipeline records and production queue items.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a pipeline or queue item does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNothingQueued is returned by ClaimNextQueued when no item is waiting.
	ErrNothingQueued = errors.New("no queued items")
	// ErrAlreadyClaimed is returned when an item is already being processed.
	ErrAlreadyClaimed = errors.New("queue item already claimed")
)

// PipelineStatus is the lifecycle state of a pipeline run.
type PipelineStatus string

const (
	PipelineInProgress PipelineStatus = "in_progress"
	PipelineFailed     PipelineStatus = "failed"
	PipelineCompleted  PipelineStatus = "completed"
)

// Pipeline is the persisted record of one article run.
type Pipeline struct {
	ID                string          `json:"id"`
	Status            PipelineStatus  `json:"status"`
	CurrentStage      int             `json:"current_stage"`
	BriefTranscript   string          `json:"brief_transcript"`
	SelectedSilo      string          `json:"selected_silo,omitempty"`
	SelectedSiloID    string          `json:"selected_silo_id,omitempty"`
	ResearchSynthesis json.RawMessage `json:"research_synthesis,omitempty"`
	SerperResults     json.RawMessage `json:"serper_results,omitempty"`
	ArticlePlan       json.RawMessage `json:"article_plan,omitempty"`
	RawArticle        string          `json:"raw_article,omitempty"`
	WordCount         int             `json:"word_count,omitempty"`
	HumanizedArticle  string          `json:"humanized_article,omitempty"`
	HumanScore        float64         `json:"human_score,omitempty"`
	SEOArticle        string          `json:"seo_article,omitempty"`
	SEOStats          json.RawMessage `json:"seo_stats,omitempty"`
	MetaData          json.RawMessage `json:"meta_data,omitempty"`
	RunOptions        json.RawMessage `json:"run_options,omitempty"`
	InsightID         string          `json:"insight_id,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	FailedAt          *time.Time      `json:"failed_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
}

// PipelineUpdate is a partial update. Nil fields are left untouched.
type PipelineUpdate struct {
	Status            *PipelineStatus
	CurrentStage      *int
	SelectedSilo      *string
	SelectedSiloID    *string
	ResearchSynthesis json.RawMessage
	SerperResults     json.RawMessage
	ArticlePlan       json.RawMessage
	RawArticle        *string
	WordCount         *int
	HumanizedArticle  *string
	HumanScore        *float64
	SEOArticle        *string
	SEOStats          json.RawMessage
	MetaData          json.RawMessage
	InsightID         *string
	ErrorMessage      *string
	FailedAt          *time.Time
	CompletedAt       *time.Time
}

// IsZero reports whether the update changes nothing.
func (u PipelineUpdate) IsZero() bool {
	return u.Status == nil && u.CurrentStage == nil && u.SelectedSilo == nil &&
		u.SelectedSiloID == nil && u.ResearchSynthesis == nil && u.SerperResults == nil &&
		u.ArticlePlan == nil && u.RawArticle == nil && u.WordCount == nil &&
		u.HumanizedArticle == nil && u.HumanScore == nil && u.SEOArticle == nil &&
		u.SEOStats == nil && u.MetaData == nil && u.InsightID == nil &&
		u.ErrorMessage == nil && u.FailedAt == nil && u.CompletedAt == nil
}

func (u PipelineUpdate) apply(p *Pipeline) {
	if u.Status != nil {
		p.Status = *u.Status
	}
	if u.CurrentStage != nil {
		p.CurrentStage = *u.CurrentStage
	}
	if u.SelectedSilo != nil {
		p.SelectedSilo = *u.SelectedSilo
	}
	if u.SelectedSiloID != nil {
		p.SelectedSiloID = *u.SelectedSiloID
	}
	if u.ResearchSynthesis != nil {
		p.ResearchSynthesis = cloneRaw(u.ResearchSynthesis)
	}
	if u.SerperResults != nil {
		p.SerperResults = cloneRaw(u.SerperResults)
	}
	if u.ArticlePlan != nil {
		p.ArticlePlan = cloneRaw(u.ArticlePlan)
	}
	if u.RawArticle != nil {
		p.RawArticle = *u.RawArticle
	}
	if u.WordCount != nil {
		p.WordCount = *u.WordCount
	}
	if u.HumanizedArticle != nil {
		p.HumanizedArticle = *u.HumanizedArticle
	}
	if u.HumanScore != nil {
		p.HumanScore = *u.HumanScore
	}
	if u.SEOArticle != nil {
		p.SEOArticle = *u.SEOArticle
	}
	if u.SEOStats != nil {
		p.SEOStats = cloneRaw(u.SEOStats)
	}
	if u.MetaData != nil {
		p.MetaData = cloneRaw(u.MetaData)
	}
	if u.InsightID != nil {
		p.InsightID = *u.InsightID
	}
	if u.ErrorMessage != nil {
		p.ErrorMessage = *u.ErrorMessage
	}
	if u.FailedAt != nil {
		t := *u.FailedAt
		p.FailedAt = &t
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		p.CompletedAt = &t
	}
}

// QueueStatus is the production queue state of an item.
type QueueStatus string

const (
	QueueQueued     QueueStatus = "queued"
	QueueResearch   QueueStatus = "research"
	QueueIdea       QueueStatus = "idea"
	QueueWriting    QueueStatus = "writing"
	QueueHumanizing QueueStatus = "humanizing"
	QueueSEO        QueueStatus = "seo"
	QueuePublishing QueueStatus = "publishing"
	QueueMedia      QueueStatus = "media"
	QueuePublished  QueueStatus = "published"
	QueueFailed     QueueStatus = "failed"
	QueuePaused     QueueStatus = "paused"
)

// QueueStatuses lists every queue status in display order.
var QueueStatuses = []QueueStatus{
	QueueQueued, QueueResearch, QueueIdea, QueueWriting, QueueHumanizing,
	QueueSEO, QueuePublishing, QueueMedia, QueuePublished, QueueFailed, QueuePaused,
}

// InProgress reports whether the status belongs to an active run.
func (s QueueStatus) InProgress() bool {
	switch s {
	case QueueQueued, QueuePublished, QueueFailed, QueuePaused:
		return false
	default:
		return true
	}
}

// QueueItem is one article waiting for or moving through production.
type QueueItem struct {
	ID             string      `json:"id"`
	Title          string      `json:"title"`
	Slug           string      `json:"slug"`
	SiloName       string      `json:"silo_name,omitempty"`
	SiloID         string      `json:"silo_id,omitempty"`
	Level          string      `json:"level,omitempty"`
	TargetKeywords string      `json:"target_keywords,omitempty"`
	ContentSummary string      `json:"content_summary,omitempty"`
	ClusterName    string      `json:"cluster_name,omitempty"`
	Priority       int         `json:"priority"`
	Status         QueueStatus `json:"status"`
	RetryCount     int         `json:"retry_count"`
	ErrorMessage   string      `json:"error_message,omitempty"`
	PipelineID     string      `json:"pipeline_id,omitempty"`
	InsightID      string      `json:"insight_id,omitempty"`
	ClaimedBy      string      `json:"claimed_by,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
}

// QueueUpdate is a partial update. Nil fields are left untouched; a pointer
// to the zero time clears a timestamp.
type QueueUpdate struct {
	Status       *QueueStatus
	ErrorMessage *string
	RetryCount   *int
	PipelineID   *string
	InsightID    *string
	ClaimedBy    *string
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

func (u QueueUpdate) apply(q *QueueItem) {
	if u.Status != nil {
		q.Status = *u.Status
	}
	if u.ErrorMessage != nil {
		q.ErrorMessage = *u.ErrorMessage
	}
	if u.RetryCount != nil {
		q.RetryCount = *u.RetryCount
	}
	if u.PipelineID != nil {
		q.PipelineID = *u.PipelineID
	}
	if u.InsightID != nil {
		q.InsightID = *u.InsightID
	}
	if u.ClaimedBy != nil {
		q.ClaimedBy = *u.ClaimedBy
	}
	if u.StartedAt != nil {
		q.StartedAt = timePtr(*u.StartedAt)
	}
	if u.CompletedAt != nil {
		q.CompletedAt = timePtr(*u.CompletedAt)
	}
}

// QueueFilter narrows ListQueueItems. Zero values match everything.
type QueueFilter struct {
	Status QueueStatus
	Limit  int
}

// Store is the persistence boundary of the pipeline core.
type Store interface {
	CreatePipeline(ctx context.Context, p *Pipeline) error
	GetPipeline(ctx context.Context, id string) (*Pipeline, error)
	UpdatePipeline(ctx context.Context, id string, u PipelineUpdate) error
	ListPipelines(ctx context.Context, limit int) ([]*Pipeline, error)

	CreateQueueItem(ctx context.Context, item *QueueItem) error
	GetQueueItem(ctx context.Context, id string) (*QueueItem, error)
	UpdateQueueItem(ctx context.Context, id string, u QueueUpdate) error
	ListQueueItems(ctx context.Context, f QueueFilter) ([]*QueueItem, error)
	CountQueueItems(ctx context.Context, status QueueStatus) (int, error)
	QueueStats(ctx context.Context) (map[QueueStatus]int, error)

	// ClaimNextQueued atomically moves the highest-priority, oldest queued
	// item to research and records owner. At most one caller wins each item.
	ClaimNextQueued(ctx context.Context, owner string) (*QueueItem, error)
	// ClaimQueueItem claims a specific item that is not already in progress.
	ClaimQueueItem(ctx context.Context, id, owner string) (*QueueItem, error)

	Close() error
}

// WriteTimeout bounds a write made with Detached.
const WriteTimeout = 10 * time.Second

// Detached returns a context for a write that must land even after ctx is
// cancelled. It keeps ctx's values and is bounded by WriteTimeout.
func Detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), WriteTimeout)
}

// Ptr returns a pointer to v, for building updates.
func Ptr[T any](v T) *T { return &v }

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	out := make(json.RawMessage, len(r))
	copy(out, r)
	return out
}
