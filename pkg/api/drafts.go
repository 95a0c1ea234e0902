package api

import (
	"sync"
	"time"

	"github.com/StepTenInc/contentflow/pkg/pipeline"
)

// DefaultDraftTTL is how long an undecided draft is kept.
const DefaultDraftTTL = time.Hour

// DraftBook holds redo drafts until they are accepted or rejected. Drafts
// live only in memory.
type DraftBook struct {
	mu     sync.Mutex
	drafts map[string]*pipeline.Draft
	ttl    time.Duration
	now    func() time.Time
}

// NewDraftBook returns an empty book. A non-positive ttl keeps drafts forever.
func NewDraftBook(ttl time.Duration) *DraftBook {
	return &DraftBook{
		drafts: make(map[string]*pipeline.Draft),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Put stores d and drops expired drafts.
func (b *DraftBook) Put(d *pipeline.Draft) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ttl > 0 {
		cutoff := b.now().Add(-b.ttl)
		for id, old := range b.drafts {
			if old.CreatedAt.Before(cutoff) {
				delete(b.drafts, id)
			}
		}
	}
	b.drafts[d.ID] = d
}

// Get returns a draft without removing it.
func (b *DraftBook) Get(id string) (*pipeline.Draft, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.drafts[id]
	return d, ok
}

// Take removes and returns a draft. At most one caller gets each draft.
func (b *DraftBook) Take(id string) (*pipeline.Draft, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.drafts[id]
	if ok {
		delete(b.drafts, id)
	}
	return d, ok
}

// Len reports the number of pending drafts.
func (b *DraftBook) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.drafts)
}
