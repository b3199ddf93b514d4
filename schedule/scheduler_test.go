package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/runflow/run"
	"github.com/BaSui01/runflow/types"
)

// submitterMock counts submissions; failures can be scripted to fail the
// first N calls.
type submitterMock struct {
	mu        sync.Mutex
	calls     int
	failFirst int
}

func (s *submitterMock) Submit(ctx context.Context, spec *run.Spec, sessionID string) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failFirst {
		return nil, types.NewError(types.ErrStoreUnavailable, "submit failed").WithRetryable(true)
	}
	return &run.Run{ID: "run-1", Status: run.StatusPending}, nil
}

func (s *submitterMock) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testScheduleSpec() *run.Spec {
	return &run.Spec{Name: "nightly-report", Kind: run.SpecKindAgent}
}

func newTestScheduler(sub Submitter, now func() time.Time) (*Scheduler, *InMemoryStore) {
	store := NewInMemoryStore()
	s := NewScheduler(store, sub, Config{PollInterval: time.Second, LeaseDuration: time.Minute}, nil)
	s.now = now
	return s, store
}

func TestSchedule_Validate(t *testing.T) {
	valid := &Schedule{
		Name:     "reports",
		Spec:     testScheduleSpec(),
		CronExpr: "0 6 * * *",
		Timezone: "Europe/Berlin",
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(s *Schedule)
		code   types.ErrorCode
	}{
		{"empty name", func(s *Schedule) { s.Name = " " }, types.ErrInvalidRequest},
		{"bad cron", func(s *Schedule) { s.CronExpr = "every day at noon" }, types.ErrInvalidCron},
		{"six fields", func(s *Schedule) { s.CronExpr = "0 0 6 * * *" }, types.ErrInvalidCron},
		{"unknown timezone", func(s *Schedule) { s.Timezone = "Mars/Olympus" }, types.ErrUnknownTimezone},
		{"negative retries", func(s *Schedule) { s.RetryCount = -1 }, types.ErrInvalidRequest},
		{"nil spec", func(s *Schedule) { s.Spec = nil }, types.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := *valid
			tt.mutate(&s)
			err := s.Validate()
			require.Error(t, err)
			assert.Equal(t, tt.code, types.GetErrorCode(err))
		})
	}
}

func TestSchedule_NextFireUsesTimezone(t *testing.T) {
	s := &Schedule{
		Name:     "morning",
		Spec:     testScheduleSpec(),
		CronExpr: "0 9 * * *",
		Timezone: "America/New_York",
	}
	require.NoError(t, s.Validate())

	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	after := time.Date(2026, 3, 2, 8, 0, 0, 0, loc)
	next, err := s.NextFire(after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, loc), next.In(loc))
}

func TestScheduler_CreateSchedule(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s, _ := newTestScheduler(&submitterMock{}, func() time.Time { return base })
	ctx := context.Background()

	sch, err := s.CreateSchedule(ctx, &Schedule{
		Name:     "hourly",
		Spec:     testScheduleSpec(),
		CronExpr: "0 * * * *",
		Enabled:  true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, sch.ID)
	assert.Equal(t, base, sch.CreatedAt)

	_, err = s.CreateSchedule(ctx, &Schedule{
		Name:     "hourly",
		Spec:     testScheduleSpec(),
		CronExpr: "30 * * * *",
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrDuplicateName, types.GetErrorCode(err))
}

func TestScheduler_TickFiresDueScheduleOnce(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 30, 0, time.UTC)
	now := base
	sub := &submitterMock{}
	s, store := newTestScheduler(sub, func() time.Time { return now })
	ctx := context.Background()

	sch, err := s.CreateSchedule(ctx, &Schedule{
		Name:     "minutely",
		Spec:     testScheduleSpec(),
		CronExpr: "* * * * *",
		Enabled:  true,
	})
	require.NoError(t, err)

	// Not due yet: created 12:00:30, next fire 12:01:00.
	s.Tick(ctx)
	assert.Equal(t, 0, sub.count())

	now = base.Add(time.Minute)
	s.Tick(ctx)
	assert.Equal(t, 1, sub.count())

	history, err := store.History(ctx, sch.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, HistorySubmitted, history[0].Status)
	assert.Equal(t, "run-1", history[0].RunID)

	// Same instant again: last fire advanced, not due.
	s.Tick(ctx)
	assert.Equal(t, 1, sub.count())

	// The next minute fires again once the lease has expired.
	now = now.Add(2 * time.Minute)
	s.Tick(ctx)
	assert.Equal(t, 2, sub.count())
}

// Two pollers sharing a store must never double-fire: the lease claim admits
// exactly one.
func TestScheduler_ConcurrentPollersFireOnce(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	now := base.Add(90 * time.Second)
	sub := &submitterMock{}

	store := NewInMemoryStore()
	clock := func() time.Time { return now }
	a := NewScheduler(store, sub, Config{LeaseDuration: time.Minute}, nil)
	a.now = clock
	b := NewScheduler(store, sub, Config{LeaseDuration: time.Minute}, nil)
	b.now = clock
	ctx := context.Background()

	sch := &Schedule{
		Name:      "contested",
		Spec:      testScheduleSpec(),
		CronExpr:  "* * * * *",
		Enabled:   true,
		CreatedAt: base,
		UpdatedAt: base,
		ID:        "sched-1",
	}
	require.NoError(t, store.Create(ctx, sch))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); a.Tick(ctx) }()
	go func() { defer wg.Done(); b.Tick(ctx) }()
	wg.Wait()

	assert.Equal(t, 1, sub.count())

	history, err := store.History(ctx, "sched-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestScheduler_RetriesThenRecordsFailure(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 2, 0, 0, time.UTC)
	sub := &submitterMock{failFirst: 100}
	s, store := newTestScheduler(sub, func() time.Time { return base })
	ctx := context.Background()

	sch, err := s.CreateSchedule(ctx, &Schedule{
		Name:       "doomed",
		Spec:       testScheduleSpec(),
		CronExpr:   "* * * * *",
		Enabled:    true,
		RetryCount: 2,
		RetryDelay: time.Millisecond,
	})
	require.NoError(t, err)

	// Make the schedule due.
	s.now = func() time.Time { return base.Add(90 * time.Second) }
	s.Tick(ctx)

	assert.Equal(t, 3, sub.count(), "initial attempt plus two retries")

	history, err := store.History(ctx, sch.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, HistoryFailed, history[0].Status)
	assert.Contains(t, history[0].Error, "submit failed")

	// A failed fire never disables the schedule.
	cur, err := store.Get(ctx, sch.ID)
	require.NoError(t, err)
	assert.True(t, cur.Enabled)
}

func TestScheduler_SkipsDisabledSchedules(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sub := &submitterMock{}
	s, _ := newTestScheduler(sub, func() time.Time { return base.Add(time.Hour) })
	ctx := context.Background()

	_, err := s.CreateSchedule(ctx, &Schedule{
		Name:     "dormant",
		Spec:     testScheduleSpec(),
		CronExpr: "* * * * *",
		Enabled:  false,
	})
	require.NoError(t, err)

	s.Tick(ctx)
	assert.Equal(t, 0, sub.count())
}

func TestInMemoryStore_ClaimLease(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	sch := &Schedule{ID: "s1", Name: "leased", Spec: testScheduleSpec(), CronExpr: "* * * * *", CreatedAt: base}
	require.NoError(t, store.Create(ctx, sch))

	_, err := store.Claim(ctx, "s1", base.Add(time.Minute), base)
	require.NoError(t, err)

	// Held lease rejects a second claim.
	_, err = store.Claim(ctx, "s1", base.Add(2*time.Minute), base.Add(30*time.Second))
	require.Error(t, err)
	assert.Equal(t, types.ErrScheduleClaimed, types.GetErrorCode(err))

	// Past lease is reclaimable.
	_, err = store.Claim(ctx, "s1", base.Add(3*time.Minute), base.Add(2*time.Minute))
	require.NoError(t, err)

	_, err = store.Claim(ctx, "missing", base.Add(time.Minute), base)
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}
