package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store for tests and single-process runs.
type MemStore struct {
	mu        sync.Mutex
	pipelines map[string]*Pipeline
	queue     map[string]*queueEntry
	seq       int64
	now       func() time.Time
}

type queueEntry struct {
	item *QueueItem
	seq  int64
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		pipelines: make(map[string]*Pipeline),
		queue:     make(map[string]*queueEntry),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemStore) CreatePipeline(_ context.Context, p *Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = PipelineInProgress
	}
	now := s.now()
	p.CreatedAt, p.UpdatedAt = now, now
	s.pipelines[p.ID] = copyPipeline(p)
	return nil
}

func (s *MemStore) GetPipeline(_ context.Context, id string) (*Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyPipeline(p), nil
}

func (s *MemStore) UpdatePipeline(_ context.Context, id string, u PipelineUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[id]
	if !ok {
		return ErrNotFound
	}
	if u.IsZero() {
		return nil
	}
	u.apply(p)
	p.UpdatedAt = s.now()
	return nil
}

func (s *MemStore) ListPipelines(_ context.Context, limit int) ([]*Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Pipeline, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		out = append(out, copyPipeline(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) CreateQueueItem(_ context.Context, item *QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Status == "" {
		item.Status = QueueQueued
	}
	now := s.now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	s.seq++
	s.queue[item.ID] = &queueEntry{item: copyQueueItem(item), seq: s.seq}
	return nil
}

func (s *MemStore) GetQueueItem(_ context.Context, id string) (*QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.queue[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyQueueItem(e.item), nil
}

func (s *MemStore) UpdateQueueItem(_ context.Context, id string, u QueueUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.queue[id]
	if !ok {
		return ErrNotFound
	}
	u.apply(e.item)
	e.item.UpdatedAt = s.now()
	return nil
}

func (s *MemStore) ListQueueItems(_ context.Context, f QueueFilter) ([]*QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.sortedLocked(f.Status)
	if f.Limit > 0 && len(entries) > f.Limit {
		entries = entries[:f.Limit]
	}
	out := make([]*QueueItem, len(entries))
	for i, e := range entries {
		out[i] = copyQueueItem(e.item)
	}
	return out, nil
}

func (s *MemStore) CountQueueItems(_ context.Context, status QueueStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.queue {
		if e.item.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *MemStore) QueueStats(_ context.Context) (map[QueueStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := make(map[QueueStatus]int)
	for _, e := range s.queue {
		stats[e.item.Status]++
	}
	return stats, nil
}

func (s *MemStore) ClaimNextQueued(_ context.Context, owner string) (*QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.sortedLocked(QueueQueued)
	if len(entries) == 0 {
		return nil, ErrNothingQueued
	}
	return s.claimLocked(entries[0].item, owner), nil
}

func (s *MemStore) ClaimQueueItem(_ context.Context, id, owner string) (*QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.queue[id]
	if !ok {
		return nil, ErrNotFound
	}
	if e.item.Status.InProgress() {
		return nil, ErrAlreadyClaimed
	}
	return s.claimLocked(e.item, owner), nil
}

func (s *MemStore) Close() error { return nil }

func (s *MemStore) claimLocked(item *QueueItem, owner string) *QueueItem {
	now := s.now()
	item.Status = QueueResearch
	item.ClaimedBy = owner
	item.ErrorMessage = ""
	item.StartedAt = timePtr(now)
	item.UpdatedAt = now
	return copyQueueItem(item)
}

// sortedLocked orders by priority desc, then creation order.
func (s *MemStore) sortedLocked(status QueueStatus) []*queueEntry {
	var entries []*queueEntry
	for _, e := range s.queue {
		if status == "" || e.item.Status == status {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.item.Priority != b.item.Priority {
			return a.item.Priority > b.item.Priority
		}
		if !a.item.CreatedAt.Equal(b.item.CreatedAt) {
			return a.item.CreatedAt.Before(b.item.CreatedAt)
		}
		return a.seq < b.seq
	})
	return entries
}

func copyPipeline(p *Pipeline) *Pipeline {
	c := *p
	c.ResearchSynthesis = cloneRaw(p.ResearchSynthesis)
	c.SerperResults = cloneRaw(p.SerperResults)
	c.ArticlePlan = cloneRaw(p.ArticlePlan)
	c.SEOStats = cloneRaw(p.SEOStats)
	c.MetaData = cloneRaw(p.MetaData)
	c.RunOptions = cloneRaw(p.RunOptions)
	if p.FailedAt != nil {
		t := *p.FailedAt
		c.FailedAt = &t
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func copyQueueItem(q *QueueItem) *QueueItem {
	c := *q
	if q.StartedAt != nil {
		t := *q.StartedAt
		c.StartedAt = &t
	}
	if q.CompletedAt != nil {
		t := *q.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
