package run

import (
	"context"
	"sort"
	"sync"

	"github.com/BaSui01/runflow/types"
)

// RunStore is the persistence interface for Runs. Runs are never deleted by
// the engine; retention is an external concern.
type RunStore interface {
	Save(ctx context.Context, r *Run) error
	Load(ctx context.Context, runID string) (*Run, error)
	Update(ctx context.Context, r *Run) error
	ListBySession(ctx context.Context, sessionID string) ([]*Run, error)
	ListByParent(ctx context.Context, parentRunID string) ([]*Run, error)
}

// InMemoryRunStore keeps runs in memory. For development and testing.
type InMemoryRunStore struct {
	runs map[string]*Run
	mu   sync.RWMutex
}

// NewInMemoryRunStore creates an empty in-memory run store.
func NewInMemoryRunStore() *InMemoryRunStore {
	return &InMemoryRunStore{
		runs: make(map[string]*Run),
	}
}

func (s *InMemoryRunStore) Save(ctx context.Context, r *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.ID] = r.Clone()
	return nil
}

func (s *InMemoryRunStore) Load(ctx context.Context, runID string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[runID]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "run not found: %s", runID)
	}
	return r.Clone(), nil
}

func (s *InMemoryRunStore) Update(ctx context.Context, r *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[r.ID]; !ok {
		return types.Errorf(types.ErrNotFound, "run not found: %s", r.ID)
	}
	s.runs[r.ID] = r.Clone()
	return nil
}

func (s *InMemoryRunStore) ListBySession(ctx context.Context, sessionID string) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]*Run, 0)
	for _, r := range s.runs {
		if r.SessionID == sessionID {
			runs = append(runs, r.Clone())
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.Before(runs[j].CreatedAt) })
	return runs, nil
}

func (s *InMemoryRunStore) ListByParent(ctx context.Context, parentRunID string) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]*Run, 0)
	for _, r := range s.runs {
		if r.ParentRunID == parentRunID && parentRunID != "" {
			runs = append(runs, r.Clone())
		}
	}
	return runs, nil
}
