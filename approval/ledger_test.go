package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/runflow/types"
)

func newTestLedger(t *testing.T, ttl time.Duration) *Ledger {
	t.Helper()
	return NewLedger(NewInMemoryStore(), ttl, nil)
}

func TestLedger_RequiredStartsPending(t *testing.T) {
	l := newTestLedger(t, 0)
	ctx := context.Background()

	a, err := l.Create(ctx, "run-1", "approve the deploy")
	require.NoError(t, err)
	assert.Equal(t, TypeRequired, a.Type)
	assert.Equal(t, StatusPending, a.Status)
	assert.Nil(t, a.ResolvedAt)
	assert.NotEmpty(t, a.ID)
}

func TestLedger_AuditIsTerminalAtCreation(t *testing.T) {
	l := newTestLedger(t, 0)
	ctx := context.Background()

	approved, err := l.CreateAudit(ctx, "run-1", "auto-approved by policy", true)
	require.NoError(t, err)
	assert.Equal(t, TypeAudit, approved.Type)
	assert.Equal(t, StatusApproved, approved.Status)
	require.NotNil(t, approved.ResolvedAt)

	rejected, err := l.CreateAudit(ctx, "run-1", "denied by policy", false)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)

	// Audit entries never go through the pending window, so resolving one
	// is a stale update by definition.
	_, err = l.Resolve(ctx, approved.ID, StatusRejected, StatusPending)
	require.Error(t, err)
	assert.Equal(t, types.ErrStaleApproval, types.GetErrorCode(err))
}

// Exactly one of N concurrent resolvers may win; the rest observe
// STALE_APPROVAL.
func TestLedger_ConcurrentResolveSingleWinner(t *testing.T) {
	l := newTestLedger(t, 0)
	ctx := context.Background()

	a, err := l.Create(ctx, "run-1", "contested decision")
	require.NoError(t, err)

	const resolvers = 8
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  int
		stale int
	)
	for i := 0; i < resolvers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := StatusApproved
			if i%2 == 0 {
				status = StatusRejected
			}
			_, err := l.Resolve(ctx, a.ID, status, StatusPending)
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
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, resolvers-1, stale)

	final, err := l.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, final.Status.Terminal())
	assert.NotNil(t, final.ResolvedAt)
}

func TestLedger_ResolveRejectsNonTerminalTarget(t *testing.T) {
	l := newTestLedger(t, 0)
	ctx := context.Background()

	a, err := l.Create(ctx, "run-1", "p")
	require.NoError(t, err)

	_, err = l.Resolve(ctx, a.ID, StatusPending, StatusPending)
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))
}

func TestLedger_ExpirySweep(t *testing.T) {
	l := newTestLedger(t, time.Minute)
	ctx := context.Background()

	base := time.Now()
	l.now = func() time.Time { return base }

	stale, err := l.Create(ctx, "run-1", "will go stale")
	require.NoError(t, err)
	resolved, err := l.Create(ctx, "run-1", "gets clicked in time")
	require.NoError(t, err)
	_, err = l.Resolve(ctx, resolved.ID, StatusApproved, StatusPending)
	require.NoError(t, err)

	// Sweep past the TTL.
	l.now = func() time.Time { return base.Add(2 * time.Minute) }
	l.sweepExpired(ctx)

	got, err := l.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)

	kept, err := l.Get(ctx, resolved.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, kept.Status, "resolved entries are not expired")
}

func TestLedger_ListFilters(t *testing.T) {
	l := newTestLedger(t, 0)
	ctx := context.Background()

	_, err := l.Create(ctx, "run-a", "p1")
	require.NoError(t, err)
	_, err = l.Create(ctx, "run-b", "p2")
	require.NoError(t, err)
	_, err = l.CreateAudit(ctx, "run-a", "p3", true)
	require.NoError(t, err)

	byRun, err := l.List(ctx, Filter{RunID: "run-a"})
	require.NoError(t, err)
	assert.Len(t, byRun, 2)

	pending, err := l.List(ctx, Filter{Status: StatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	audits, err := l.List(ctx, Filter{Type: TypeAudit})
	require.NoError(t, err)
	assert.Len(t, audits, 1)
}
