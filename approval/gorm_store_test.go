package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/runflow/types"
)

func newTestGormStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, AutoMigrateApprovals(db))
	return NewGormStore(db)
}

func TestGormStore_CreateGetRoundTrip(t *testing.T) {
	store := newTestGormStore(t)
	ctx := context.Background()

	a := &Approval{
		ID:        "ap-1",
		RunID:     "run-1",
		Type:      TypeRequired,
		Status:    StatusPending,
		Prompt:    "approve?",
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.Create(ctx, a))

	loaded, err := store.Get(ctx, "ap-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, loaded.Status)
	assert.Equal(t, "approve?", loaded.Prompt)
	assert.Nil(t, loaded.ResolvedAt)

	_, err = store.Get(ctx, "missing")
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

// The guarded UPDATE must admit exactly one winner under contention.
func TestGormStore_UpdateStatusCAS(t *testing.T) {
	store := newTestGormStore(t)
	ctx := context.Background()

	a := &Approval{
		ID:        "ap-2",
		RunID:     "run-1",
		Type:      TypeRequired,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.Create(ctx, a))

	const resolvers = 6
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  int
		stale int
	)
	for i := 0; i < resolvers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.UpdateStatus(ctx, "ap-2", StatusPending, StatusApproved, time.Now())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case types.IsCode(err, types.ErrStaleApproval):
				stale++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, resolvers-1, stale)
}

func TestGormStore_UpdateStatusMissingRow(t *testing.T) {
	store := newTestGormStore(t)
	ctx := context.Background()

	_, err := store.UpdateStatus(ctx, "missing", StatusPending, StatusApproved, time.Now())
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestGormStore_ListFilters(t *testing.T) {
	store := newTestGormStore(t)
	ctx := context.Background()

	rows := []*Approval{
		{ID: "1", RunID: "run-a", Type: TypeRequired, Status: StatusPending, CreatedAt: time.Now()},
		{ID: "2", RunID: "run-a", Type: TypeAudit, Status: StatusApproved, CreatedAt: time.Now()},
		{ID: "3", RunID: "run-b", Type: TypeRequired, Status: StatusPending, CreatedAt: time.Now()},
	}
	for _, a := range rows {
		require.NoError(t, store.Create(ctx, a))
	}

	byRun, err := store.List(ctx, Filter{RunID: "run-a"})
	require.NoError(t, err)
	assert.Len(t, byRun, 2)

	pendingRequired, err := store.List(ctx, Filter{Type: TypeRequired, Status: StatusPending})
	require.NoError(t, err)
	assert.Len(t, pendingRequired, 2)
}
