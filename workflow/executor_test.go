package workflow

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/runflow/types"
)

func TestGraphExecutor_DiamondRespectsDependencyOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(id string) Step {
		return StepFunc{
			StepName: id,
			Fn: func(ctx context.Context, input any) (any, error) {
				mu.Lock()
				order = append(order, id)
				mu.Unlock()
				return id, nil
			},
		}
	}

	g := NewTaskGraph()
	require.NoError(t, g.Add(&Task{ID: "a", Step: record("a")}))
	require.NoError(t, g.Add(&Task{ID: "b", DependsOn: []string{"a"}, Step: record("b")}))
	require.NoError(t, g.Add(&Task{ID: "c", DependsOn: []string{"a"}, Step: record("c")}))
	require.NoError(t, g.Add(&Task{ID: "d", DependsOn: []string{"b", "c"}, Step: record("d")}))

	result, err := NewGraphExecutor(4, nil).Execute(context.Background(), g, nil)
	require.NoError(t, err)
	assert.False(t, result.Failed)

	for _, id := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, TaskStatusDone, result.Tasks[id].Status)
	}

	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	assert.Less(t, pos["a"], pos["b"])
	assert.Less(t, pos["a"], pos["c"])
	assert.Less(t, pos["b"], pos["d"])
	assert.Less(t, pos["c"], pos["d"])
}

// Once A completes, B and C must both be eligible at the same time, not one
// after the other.
func TestGraphExecutor_SiblingsBecomeEligibleConcurrently(t *testing.T) {
	bStarted := make(chan struct{})
	cStarted := make(chan struct{})

	waitBoth := func(mine, other chan struct{}) Step {
		return StepFunc{
			StepName: "sibling",
			Fn: func(ctx context.Context, input any) (any, error) {
				close(mine)
				select {
				case <-other:
					return "ok", nil
				case <-time.After(2 * time.Second):
					return nil, types.NewError(types.ErrTimeout, "sibling never started concurrently")
				}
			},
		}
	}

	g := NewTaskGraph()
	require.NoError(t, g.Add(&Task{ID: "a", Step: noopStep("a")}))
	require.NoError(t, g.Add(&Task{ID: "b", DependsOn: []string{"a"}, Step: waitBoth(bStarted, cStarted)}))
	require.NoError(t, g.Add(&Task{ID: "c", DependsOn: []string{"a"}, Step: waitBoth(cStarted, bStarted)}))

	result, err := NewGraphExecutor(4, nil).Execute(context.Background(), g, nil)
	require.NoError(t, err)
	assert.False(t, result.Failed)
	assert.Equal(t, TaskStatusDone, result.Tasks["b"].Status)
	assert.Equal(t, TaskStatusDone, result.Tasks["c"].Status)
}

func TestGraphExecutor_FailureCascadesToDependentsOnly(t *testing.T) {
	var executed sync.Map
	step := func(id string, fail bool) Step {
		return StepFunc{
			StepName: id,
			Fn: func(ctx context.Context, input any) (any, error) {
				executed.Store(id, true)
				if fail {
					return nil, types.NewError(types.ErrExecutionFailed, "boom")
				}
				return id, nil
			},
		}
	}

	g := NewTaskGraph()
	require.NoError(t, g.Add(&Task{ID: "a", Step: step("a", true)}))
	require.NoError(t, g.Add(&Task{ID: "b", DependsOn: []string{"a"}, Step: step("b", false)}))
	require.NoError(t, g.Add(&Task{ID: "c", Step: step("c", false)}))
	require.NoError(t, g.Add(&Task{ID: "d", DependsOn: []string{"b"}, Step: step("d", false)}))

	result, err := NewGraphExecutor(4, nil).Execute(context.Background(), g, nil)
	require.NoError(t, err)
	assert.True(t, result.Failed)
	require.Error(t, result.FirstErr)

	assert.Equal(t, TaskStatusFailed, result.Tasks["a"].Status)
	assert.Equal(t, TaskStatusFailed, result.Tasks["b"].Status)
	assert.Equal(t, TaskStatusFailed, result.Tasks["d"].Status)
	assert.Equal(t, TaskStatusDone, result.Tasks["c"].Status, "unrelated branch keeps running")

	// Cascaded tasks never execute.
	_, bRan := executed.Load("b")
	_, dRan := executed.Load("d")
	assert.False(t, bRan)
	assert.False(t, dRan)
}

func TestGraphExecutor_HonorsConcurrencyBound(t *testing.T) {
	const limit = 2
	var current, peak atomic.Int32

	step := func(id string) Step {
		return StepFunc{
			StepName: id,
			Fn: func(ctx context.Context, input any) (any, error) {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				current.Add(-1)
				return id, nil
			},
		}
	}

	g := NewTaskGraph()
	for _, id := range []string{"t1", "t2", "t3", "t4", "t5"} {
		require.NoError(t, g.Add(&Task{ID: id, Step: step(id)}))
	}

	result, err := NewGraphExecutor(limit, nil).Execute(context.Background(), g, nil)
	require.NoError(t, err)
	assert.False(t, result.Failed)
	assert.LessOrEqual(t, peak.Load(), int32(limit))
}

func TestGraphExecutor_DependencyResultsFlowDownstream(t *testing.T) {
	g := NewTaskGraph()
	require.NoError(t, g.Add(&Task{ID: "up", Step: StepFunc{
		StepName: "up",
		Fn: func(ctx context.Context, input any) (any, error) {
			ti := input.(*TaskInput)
			assert.Equal(t, "graph-input", ti.Input)
			assert.Empty(t, ti.Deps)
			return 41, nil
		},
	}}))
	require.NoError(t, g.Add(&Task{ID: "down", DependsOn: []string{"up"}, Step: StepFunc{
		StepName: "down",
		Fn: func(ctx context.Context, input any) (any, error) {
			ti := input.(*TaskInput)
			return ti.Deps["up"].(int) + 1, nil
		},
	}}))

	result, err := NewGraphExecutor(2, nil).Execute(context.Background(), g, "graph-input")
	require.NoError(t, err)
	assert.Equal(t, 42, result.Tasks["down"].Value)
}

func TestGraphExecutor_CancellationStopsDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	g := NewTaskGraph()
	require.NoError(t, g.Add(&Task{ID: "blocker", Step: StepFunc{
		StepName: "blocker",
		Fn: func(stepCtx context.Context, input any) (any, error) {
			close(started)
			<-stepCtx.Done()
			return nil, stepCtx.Err()
		},
	}}))
	require.NoError(t, g.Add(&Task{ID: "next", DependsOn: []string{"blocker"}, Step: noopStep("next")}))

	done := make(chan struct{})
	var result *GraphResult
	var execErr error
	go func() {
		defer close(done)
		result, execErr = NewGraphExecutor(2, nil).Execute(ctx, g, nil)
	}()

	<-started
	cancel()
	<-done

	require.Error(t, execErr)
	assert.Equal(t, types.ErrCancelled, types.GetErrorCode(execErr))
	require.NotNil(t, result)
	assert.True(t, result.Failed)
	assert.NotEqual(t, TaskStatusDone, result.Tasks["next"].Status, "no new work after cancellation")
}

// Observers see each task move ready → running → done in order, and with a
// single semaphore slot every root task is reported ready before any of them
// gets to run.
func TestGraphExecutor_ObserverSeesReadyBeforeSlotGranted(t *testing.T) {
	var mu sync.Mutex
	var seq []string
	byTask := make(map[string][]TaskStatus)

	g := NewTaskGraph()
	for _, id := range []string{"t1", "t2", "t3"} {
		require.NoError(t, g.Add(&Task{ID: id, Step: noopStep(id)}))
	}

	e := NewGraphExecutor(1, nil)
	e.SetObserver(func(taskID string, status TaskStatus) {
		mu.Lock()
		defer mu.Unlock()
		seq = append(seq, taskID+"/"+string(status))
		byTask[taskID] = append(byTask[taskID], status)
	})

	result, err := e.Execute(context.Background(), g, nil)
	require.NoError(t, err)
	assert.False(t, result.Failed)

	for _, id := range []string{"t1", "t2", "t3"} {
		assert.Equal(t,
			[]TaskStatus{TaskStatusReady, TaskStatusRunning, TaskStatusDone},
			byTask[id], "task %s", id)
	}

	// All roots are marked ready up front; with one slot none of them can be
	// running yet.
	require.GreaterOrEqual(t, len(seq), 3)
	for _, got := range seq[:3] {
		assert.Contains(t, got, "/"+string(TaskStatusReady))
	}
}

func TestGraphExecutor_ObserverSeesCascadedFailures(t *testing.T) {
	var mu sync.Mutex
	byTask := make(map[string][]TaskStatus)

	g := NewTaskGraph()
	require.NoError(t, g.Add(&Task{ID: "a", Step: StepFunc{
		StepName: "a",
		Fn: func(ctx context.Context, input any) (any, error) {
			return nil, types.NewError(types.ErrExecutionFailed, "boom")
		},
	}}))
	require.NoError(t, g.Add(&Task{ID: "b", DependsOn: []string{"a"}, Step: noopStep("b")}))

	e := NewGraphExecutor(2, nil)
	e.SetObserver(func(taskID string, status TaskStatus) {
		mu.Lock()
		defer mu.Unlock()
		byTask[taskID] = append(byTask[taskID], status)
	})

	result, err := e.Execute(context.Background(), g, nil)
	require.NoError(t, err)
	assert.True(t, result.Failed)

	assert.Equal(t, []TaskStatus{TaskStatusReady, TaskStatusRunning, TaskStatusFailed}, byTask["a"])
	assert.Equal(t, []TaskStatus{TaskStatusFailed}, byTask["b"], "cascaded dependents never become ready")
}

func TestGraphExecutor_PanicBecomesTaskFailure(t *testing.T) {
	g := NewTaskGraph()
	require.NoError(t, g.Add(&Task{ID: "bad", Step: StepFunc{
		StepName: "bad",
		Fn: func(ctx context.Context, input any) (any, error) {
			panic("unexpected nil")
		},
	}}))
	require.NoError(t, g.Add(&Task{ID: "good", Step: noopStep("good")}))

	result, err := NewGraphExecutor(2, nil).Execute(context.Background(), g, nil)
	require.NoError(t, err)
	assert.True(t, result.Failed)
	assert.Equal(t, TaskStatusFailed, result.Tasks["bad"].Status)
	assert.Equal(t, types.ErrExecutionFailed, types.GetErrorCode(result.Tasks["bad"].Err))
	assert.Equal(t, TaskStatusDone, result.Tasks["good"].Status)
}
