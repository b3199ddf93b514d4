package approval

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/runflow/types"
)

// Store is the persistence interface for the approval ledger. UpdateStatus
// is the guarded compare-and-swap: it must apply the new status atomically
// iff the stored status equals expected, and fail with STALE_APPROVAL
// otherwise.
type Store interface {
	Create(ctx context.Context, a *Approval) error
	Get(ctx context.Context, approvalID string) (*Approval, error)
	List(ctx context.Context, f Filter) ([]*Approval, error)
	UpdateStatus(ctx context.Context, approvalID string, expected, next Status, resolvedAt time.Time) (*Approval, error)
}

// InMemoryStore keeps approvals in memory. For development and testing.
type InMemoryStore struct {
	approvals map[string]*Approval
	mu        sync.RWMutex
}

// NewInMemoryStore creates an empty in-memory approval store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		approvals: make(map[string]*Approval),
	}
}

func (s *InMemoryStore) Create(ctx context.Context, a *Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvals[a.ID] = a.Clone()
	return nil
}

func (s *InMemoryStore) Get(ctx context.Context, approvalID string) (*Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.approvals[approvalID]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "approval not found: %s", approvalID)
	}
	return a.Clone(), nil
}

func (s *InMemoryStore) List(ctx context.Context, f Filter) ([]*Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Approval, 0)
	for _, a := range s.approvals {
		if f.RunID != "" && a.RunID != f.RunID {
			continue
		}
		if f.Type != "" && a.Type != f.Type {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		out = append(out, a.Clone())
	}
	return out, nil
}

// UpdateStatus performs the compare-and-swap under the store lock: the
// expected-value check and the write are a single atomic step.
func (s *InMemoryStore) UpdateStatus(ctx context.Context, approvalID string, expected, next Status, resolvedAt time.Time) (*Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.approvals[approvalID]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "approval not found: %s", approvalID)
	}
	if a.Status != expected {
		return nil, types.Errorf(types.ErrStaleApproval, "approval %s is %s, expected %s", approvalID, a.Status, expected)
	}

	a.Status = next
	a.ResolvedAt = &resolvedAt
	return a.Clone(), nil
}
