package schedule

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/runflow/types"
)

// Store is the persistence interface for schedules and their fire history.
// Claim is the lease compare-and-swap: it must set the lease atomically iff
// the current lease is null or already past, failing with SCHEDULE_CLAIMED
// otherwise. History is append-only.
type Store interface {
	Create(ctx context.Context, s *Schedule) error
	Get(ctx context.Context, scheduleID string) (*Schedule, error)
	List(ctx context.Context) ([]*Schedule, error)
	SetEnabled(ctx context.Context, scheduleID string, enabled bool) (*Schedule, error)
	Delete(ctx context.Context, scheduleID string) error

	Claim(ctx context.Context, scheduleID string, until, now time.Time) (*Schedule, error)
	MarkFired(ctx context.Context, scheduleID string, firedAt time.Time) error

	AppendHistory(ctx context.Context, h *RunHistory) error
	History(ctx context.Context, scheduleID string) ([]*RunHistory, error)
}

// InMemoryStore keeps schedules in memory. For development and testing.
type InMemoryStore struct {
	mu        sync.RWMutex
	schedules map[string]*Schedule
	byName    map[string]string
	history   map[string][]*RunHistory
	historyID uint
}

// NewInMemoryStore creates an empty in-memory schedule store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		schedules: make(map[string]*Schedule),
		byName:    make(map[string]string),
		history:   make(map[string][]*RunHistory),
	}
}

func (s *InMemoryStore) Create(ctx context.Context, sch *Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.byName[sch.Name]; dup {
		return types.Errorf(types.ErrDuplicateName, "schedule name already exists: %s", sch.Name)
	}
	s.schedules[sch.ID] = sch.Clone()
	s.byName[sch.Name] = sch.ID
	return nil
}

func (s *InMemoryStore) Get(ctx context.Context, scheduleID string) (*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(scheduleID)
}

func (s *InMemoryStore) get(scheduleID string) (*Schedule, error) {
	sch, ok := s.schedules[scheduleID]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "schedule not found: %s", scheduleID)
	}
	return sch.Clone(), nil
}

func (s *InMemoryStore) List(ctx context.Context) ([]*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Schedule, 0, len(s.schedules))
	for _, sch := range s.schedules {
		out = append(out, sch.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) SetEnabled(ctx context.Context, scheduleID string, enabled bool) (*Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sch, ok := s.schedules[scheduleID]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "schedule not found: %s", scheduleID)
	}
	sch.Enabled = enabled
	sch.UpdatedAt = time.Now()
	return sch.Clone(), nil
}

func (s *InMemoryStore) Delete(ctx context.Context, scheduleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sch, ok := s.schedules[scheduleID]
	if !ok {
		return types.Errorf(types.ErrNotFound, "schedule not found: %s", scheduleID)
	}
	delete(s.byName, sch.Name)
	delete(s.schedules, scheduleID)
	return nil
}

// Claim performs the lease compare-and-swap under the store lock.
func (s *InMemoryStore) Claim(ctx context.Context, scheduleID string, until, now time.Time) (*Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sch, ok := s.schedules[scheduleID]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "schedule not found: %s", scheduleID)
	}
	if sch.ClaimedUntil != nil && sch.ClaimedUntil.After(now) {
		return nil, types.Errorf(types.ErrScheduleClaimed, "schedule %s is leased until %s", scheduleID, sch.ClaimedUntil.Format(time.RFC3339))
	}

	u := until
	sch.ClaimedUntil = &u
	sch.UpdatedAt = now
	return sch.Clone(), nil
}

func (s *InMemoryStore) MarkFired(ctx context.Context, scheduleID string, firedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sch, ok := s.schedules[scheduleID]
	if !ok {
		return types.Errorf(types.ErrNotFound, "schedule not found: %s", scheduleID)
	}
	t := firedAt
	sch.LastFiredAt = &t
	sch.UpdatedAt = firedAt
	return nil
}

func (s *InMemoryStore) AppendHistory(ctx context.Context, h *RunHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.historyID++
	row := *h
	row.ID = s.historyID
	s.history[h.ScheduleID] = append(s.history[h.ScheduleID], &row)
	return nil
}

func (s *InMemoryStore) History(ctx context.Context, scheduleID string) ([]*RunHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.history[scheduleID]
	out := make([]*RunHistory, 0, len(rows))
	for _, r := range rows {
		row := *r
		out = append(out, &row)
	}
	return out, nil
}
