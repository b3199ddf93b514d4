// Package background decouples run execution from the submitting caller.
//
// Submit returns a run id immediately; the run itself executes on a pool
// worker under the manager's own context, so the caller can disconnect and
// poll for the outcome later. Cancellation goes through the run state
// machine and is observed cooperatively at step boundaries.
package background

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/runflow/internal/pool"
	"github.com/BaSui01/runflow/run"
	"github.com/BaSui01/runflow/types"
)

// Manager executes runs in the background on a bounded worker pool.
type Manager struct {
	machine *run.Machine
	invoker run.Invoker
	pool    *pool.WorkerPool
	logger  *zap.Logger

	// base outlives any submitting caller; closing the manager cancels it
	// and every background run observes that at its next checkpoint.
	base       context.Context
	baseCancel context.CancelFunc

	mu     sync.RWMutex
	active map[string]struct{}
}

// NewManager creates a background execution manager. The invoker is what
// executes each submitted run.
func NewManager(machine *run.Machine, invoker run.Invoker, cfg pool.Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		machine:    machine,
		invoker:    invoker,
		pool:       pool.New(cfg, logger),
		logger:     logger.With(zap.String("component", "background_manager")),
		base:       base,
		baseCancel: cancel,
		active:     make(map[string]struct{}),
	}
}

// Submit creates the run and schedules it for execution, returning the run
// snapshot immediately. Execution state is observed through Poll.
func (m *Manager) Submit(ctx context.Context, spec *run.Spec, sessionID string) (*run.Run, error) {
	r, err := m.machine.Create(ctx, spec, sessionID, "")
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.active[r.ID] = struct{}{}
	m.mu.Unlock()

	err = m.pool.Submit(m.base, func(jobCtx context.Context) error {
		defer func() {
			m.mu.Lock()
			delete(m.active, r.ID)
			m.mu.Unlock()
		}()

		final, execErr := m.machine.Execute(jobCtx, r.ID, m.invoker)
		if execErr != nil {
			m.logger.Warn("background run errored",
				zap.String("run_id", r.ID),
				zap.Error(execErr),
			)
			return execErr
		}
		m.logger.Info("background run finished",
			zap.String("run_id", r.ID),
			zap.String("status", string(final.Status)),
		)
		return nil
	})
	if err != nil {
		m.mu.Lock()
		delete(m.active, r.ID)
		m.mu.Unlock()

		// The run never started; cancel it so it does not sit pending forever.
		if _, cerr := m.machine.Cancel(ctx, r.ID); cerr != nil {
			m.logger.Warn("failed to cancel unscheduled run",
				zap.String("run_id", r.ID),
				zap.Error(cerr),
			)
		}
		return nil, types.NewError(types.ErrExecutionFailed, "failed to schedule background run").WithCause(err).WithRetryable(true)
	}

	m.logger.Info("background run submitted",
		zap.String("run_id", r.ID),
		zap.String("session_id", sessionID),
	)
	return r, nil
}

// Poll returns the run's current snapshot. Pure read; any number of pollers
// may watch the same run.
func (m *Manager) Poll(ctx context.Context, runID string) (*run.Run, error) {
	return m.machine.Get(ctx, runID)
}

// Cancel requests cooperative cancellation of a background run.
func (m *Manager) Cancel(ctx context.Context, runID string) (*run.Run, error) {
	return m.machine.Cancel(ctx, runID)
}

// Active returns the ids of runs currently submitted or executing.
func (m *Manager) Active() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.active))
	for id := range m.active {
		out = append(out, id)
	}
	return out
}

// Stats exposes worker pool counters.
func (m *Manager) Stats() pool.Stats {
	return m.pool.Stats()
}

// Close cancels all background work and waits for workers to drain.
func (m *Manager) Close() {
	m.baseCancel()
	m.pool.Close()
}
