package testrequest

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryRepository keeps aggregates in process. It is the default driver
// for development and tests.
type MemoryRepository struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*TestRequest
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{items: make(map[uuid.UUID]*TestRequest)}
}

func (r *MemoryRepository) Create(_ context.Context, tr *TestRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tr.ID == uuid.Nil {
		tr.ID = uuid.New()
	}
	if _, exists := r.items[tr.ID]; exists {
		return validationError("id", "test request %s already exists", tr.ID)
	}
	tr.Version = 0
	if tr.Timeline == nil {
		tr.Timeline = []TimelineEntry{}
	}
	r.items[tr.ID] = tr.Clone()
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*TestRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tr, ok := r.items[id]
	if !ok {
		return nil, notFoundError(id.String())
	}
	return tr.Clone(), nil
}

func (r *MemoryRepository) Commit(_ context.Context, id uuid.UUID, expectedVersion int, patch *Patch) (*TestRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.items[id]
	if !ok {
		return nil, notFoundError(id.String())
	}
	if current.Version != expectedVersion {
		return nil, versionConflictError(expectedVersion, current.Version)
	}
	next := current.Clone()
	patch.Apply(next)
	next.Version++
	r.items[id] = next
	return next.Clone(), nil
}

func (r *MemoryRepository) List(_ context.Context, f ListFilter) ([]*TestRequest, int, error) {
	r.mu.RLock()
	var matched []*TestRequest
	for _, tr := range r.items {
		if f.Matches(tr) {
			matched = append(matched, tr)
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID.String() < matched[j].ID.String()
	})

	total := len(matched)
	start := min(max(f.Offset, 0), total)
	end := total
	if f.Limit > 0 {
		end = min(start+f.Limit, total)
	}

	page := make([]*TestRequest, 0, end-start)
	for _, tr := range matched[start:end] {
		c := tr.Clone()
		c.Timeline = nil
		page = append(page, c)
	}
	return page, total, nil
}
