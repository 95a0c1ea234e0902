package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/StepTenInc/contentflow/pkg/quality"
	"github.com/StepTenInc/contentflow/pkg/store"
)

// Action is an admin operation on one queue item.
type Action string

const (
	ActionPause  Action = "pause"
	ActionResume Action = "resume"
	ActionRetry  Action = "retry"
	ActionSkip   Action = "skip"
	ActionReset  Action = "reset"
)

// SkippedMessage is recorded on skipped items.
const SkippedMessage = "Skipped by admin"

var (
	// ErrUnknownAction is returned for actions other than the five above.
	ErrUnknownAction = errors.New("invalid action, use: pause, resume, retry, skip, reset")
	// ErrInProgress is returned when acting on an item a run owns, for any
	// action but reset.
	ErrInProgress = errors.New("queue item is being processed")
)

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionPause, ActionResume, ActionRetry, ActionSkip, ActionReset:
		return a, nil
	default:
		return "", fmt.Errorf("%q: %w", s, ErrUnknownAction)
	}
}

// update is the change an action makes.
func (a Action) update() (store.QueueUpdate, error) {
	var zero time.Time
	switch a {
	case ActionPause:
		return store.QueueUpdate{Status: store.Ptr(store.QueuePaused)}, nil
	case ActionResume:
		return store.QueueUpdate{Status: store.Ptr(store.QueueQueued)}, nil
	case ActionRetry:
		return store.QueueUpdate{
			Status:       store.Ptr(store.QueueQueued),
			ErrorMessage: store.Ptr(""),
			RetryCount:   store.Ptr(0),
		}, nil
	case ActionSkip:
		return store.QueueUpdate{
			Status:       store.Ptr(store.QueuePaused),
			ErrorMessage: store.Ptr(SkippedMessage),
		}, nil
	case ActionReset:
		return store.QueueUpdate{
			Status:       store.Ptr(store.QueueQueued),
			ErrorMessage: store.Ptr(""),
			RetryCount:   store.Ptr(0),
			PipelineID:   store.Ptr(""),
			InsightID:    store.Ptr(""),
			ClaimedBy:    store.Ptr(""),
			StartedAt:    &zero,
			CompletedAt:  &zero,
		}, nil
	default:
		return store.QueueUpdate{}, ErrUnknownAction
	}
}

// Apply performs an admin action and returns the updated item. Items owned
// by a running pipeline are refused, except by reset, which is how an item
// orphaned by a crashed worker is recovered.
func Apply(ctx context.Context, st store.Store, itemID string, a Action) (*store.QueueItem, error) {
	u, err := a.update()
	if err != nil {
		return nil, err
	}
	item, err := st.GetQueueItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.Status.InProgress() && a != ActionReset {
		return nil, fmt.Errorf("%s %s: %w (status %s)", a, itemID, ErrInProgress, item.Status)
	}
	if err := st.UpdateQueueItem(ctx, itemID, u); err != nil {
		return nil, err
	}
	return st.GetQueueItem(ctx, itemID)
}

// ErrNoTitle is returned by Add for items without a title.
var ErrNoTitle = errors.New("queue item title is required")

// Add queues a new item. The slug defaults to the slugified title and the
// level to SUPPORTING.
func Add(ctx context.Context, st store.Store, item *store.QueueItem) error {
	item.Title = strings.TrimSpace(item.Title)
	if item.Title == "" {
		return ErrNoTitle
	}
	if item.Slug == "" {
		item.Slug = quality.Slugify(item.Title)
	}
	item.Level = string(quality.ParseLevel(item.Level))
	item.ID = ""
	item.Status = store.QueueQueued
	return st.CreateQueueItem(ctx, item)
}

// SiloStats counts one silo's items by coarse state.
type SiloStats struct {
	Total      int `json:"total"`
	Published  int `json:"published"`
	Queued     int `json:"queued"`
	InProgress int `json:"inProgress"`
	Failed     int `json:"failed"`
}

// Stats summarizes the queue.
type Stats struct {
	Total      int                  `json:"total"`
	InProgress int                  `json:"inProgress"`
	ByStatus   map[string]int       `json:"byStatus"`
	Silos      map[string]SiloStats `json:"siloStats"`
}

// Overview is the queue dashboard snapshot.
type Overview struct {
	Stats         Stats              `json:"stats"`
	Active        []*store.QueueItem `json:"activeItems"`
	NextUp        []*store.QueueItem `json:"nextUp"`
	Failed        []*store.QueueItem `json:"failedItems"`
	Published     []*store.QueueItem `json:"recentPublished"`
	EngineRunning bool               `json:"engineRunning"`
}

const overviewLimit = 5

// ComputeStats counts every item by status and by silo.
func ComputeStats(ctx context.Context, st store.Store) (Stats, error) {
	items, err := st.ListQueueItems(ctx, store.QueueFilter{})
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{
		Total:    len(items),
		ByStatus: make(map[string]int, len(store.QueueStatuses)),
		Silos:    make(map[string]SiloStats),
	}
	for _, s := range store.QueueStatuses {
		stats.ByStatus[string(s)] = 0
	}
	for _, item := range items {
		stats.ByStatus[string(item.Status)]++
		silo := stats.Silos[item.SiloName]
		silo.Total++
		switch {
		case item.Status == store.QueuePublished:
			silo.Published++
		case item.Status == store.QueueQueued || item.Status == store.QueuePaused:
			silo.Queued++
		case item.Status == store.QueueFailed:
			silo.Failed++
		default:
			silo.InProgress++
			stats.InProgress++
		}
		stats.Silos[item.SiloName] = silo
	}
	return stats, nil
}

// Snapshot builds the dashboard overview.
func (w *Worker) Snapshot(ctx context.Context) (*Overview, error) {
	stats, err := ComputeStats(ctx, w.store)
	if err != nil {
		return nil, err
	}
	all, err := w.store.ListQueueItems(ctx, store.QueueFilter{})
	if err != nil {
		return nil, err
	}
	ov := &Overview{Stats: stats, EngineRunning: w.Running()}
	for _, item := range all {
		if item.Status.InProgress() {
			ov.Active = append(ov.Active, item)
		}
	}
	if ov.NextUp, err = w.store.ListQueueItems(ctx, store.QueueFilter{Status: store.QueueQueued, Limit: overviewLimit}); err != nil {
		return nil, err
	}
	if ov.Failed, err = w.store.ListQueueItems(ctx, store.QueueFilter{Status: store.QueueFailed, Limit: overviewLimit}); err != nil {
		return nil, err
	}
	if ov.Published, err = w.store.ListQueueItems(ctx, store.QueueFilter{Status: store.QueuePublished, Limit: overviewLimit}); err != nil {
		return nil, err
	}
	return ov, nil
}
