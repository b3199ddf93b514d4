package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/BaSui01/runflow/types"
)

// DefaultMaxConcurrent bounds simultaneous task execution when the caller
// does not set a limit.
const DefaultMaxConcurrent = 4

// TaskResult is the outcome of one task.
type TaskResult struct {
	Status   TaskStatus
	Value    any
	Err      error
	Duration time.Duration
}

// GraphResult aggregates per-task outcomes. Failed is true when any task
// failed or was skipped because a dependency failed.
type GraphResult struct {
	Tasks    map[string]*TaskResult
	Failed   bool
	FirstErr error
}

// TaskObserver is notified of every task status change. Calls happen on the
// coordinator goroutine, in transition order per task; implementations must
// not block.
type TaskObserver func(taskID string, status TaskStatus)

// GraphExecutor runs a TaskGraph respecting dependency order. A single
// coordinator goroutine owns all scheduling state; worker goroutines only
// execute steps and report back over a channel, so no task state is ever
// touched concurrently.
type GraphExecutor struct {
	maxConcurrent int64
	logger        *zap.Logger
	observe       TaskObserver
}

// NewGraphExecutor creates an executor with the given concurrency bound.
// maxConcurrent <= 0 uses DefaultMaxConcurrent.
func NewGraphExecutor(maxConcurrent int, logger *zap.Logger) *GraphExecutor {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GraphExecutor{
		maxConcurrent: int64(maxConcurrent),
		logger:        logger.With(zap.String("component", "graph_executor")),
	}
}

// SetObserver registers a status observer. Must be called before Execute.
func (e *GraphExecutor) SetObserver(fn TaskObserver) {
	e.observe = fn
}

func (e *GraphExecutor) notify(taskID string, status TaskStatus) {
	if e.observe != nil {
		e.observe(taskID, status)
	}
}

// taskEvent is a worker's report to the coordinator: either "started" (a
// semaphore slot was acquired and the step is executing) or a completion.
type taskEvent struct {
	id      string
	started bool
	value   any
	err     error
	took    time.Duration
}

// Execute validates the graph and runs it to quiescence. Every task that can
// run does run; a failed task fails its transitive dependents without
// executing them while unrelated branches continue. On context cancellation
// no new tasks are dispatched and the partial result is returned with
// CANCELLED; in-flight tasks see the cancelled context through their step.
func (e *GraphExecutor) Execute(ctx context.Context, g *TaskGraph, input any) (*GraphResult, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	result := &GraphResult{
		Tasks: make(map[string]*TaskResult, g.Len()),
	}
	pending := make(map[string]int, g.Len())
	for _, id := range g.TaskIDs() {
		result.Tasks[id] = &TaskResult{Status: TaskStatusWaiting}
		pending[id] = len(g.Get(id).DependsOn)
	}
	dependents := g.dependents()

	sem := semaphore.NewWeighted(e.maxConcurrent)
	// Two events per task: started, then settled.
	events := make(chan taskEvent, 2*g.Len())

	// dispatch marks a task ready and hands it to a worker. The task stays
	// ready until the worker wins a semaphore slot; the started event flips
	// it to running.
	dispatch := func(id string) {
		t := g.Get(id)
		tr := result.Tasks[id]
		tr.Status = TaskStatusReady
		e.notify(id, TaskStatusReady)

		deps := make(map[string]any, len(t.DependsOn))
		for _, dep := range t.DependsOn {
			deps[dep] = result.Tasks[dep].Value
		}
		taskInput := &TaskInput{Input: input, Deps: deps}

		go func() {
			if err := sem.Acquire(ctx, 1); err != nil {
				events <- taskEvent{id: id, err: err}
				return
			}
			defer sem.Release(1)

			events <- taskEvent{id: id, started: true}
			start := time.Now()
			value, err := e.runStep(ctx, t, taskInput)
			events <- taskEvent{id: id, value: value, err: err, took: time.Since(start)}
		}()
	}

	// Everything with no dependencies is ready immediately.
	inFlight := 0
	for _, id := range g.TaskIDs() {
		if pending[id] == 0 {
			dispatch(id)
			inFlight++
		}
	}

	finished := 0
	for finished < g.Len() {
		if inFlight == 0 {
			// No task is running and not everything finished: only possible
			// after cancellation stopped dispatch.
			break
		}

		select {
		case <-ctx.Done():
			e.drain(events, result, &inFlight)
			result.Failed = true
			return result, types.NewError(types.ErrCancelled, "task graph execution cancelled").WithCause(ctx.Err())

		case ev := <-events:
			if ev.started {
				result.Tasks[ev.id].Status = TaskStatusRunning
				e.notify(ev.id, TaskStatusRunning)
				continue
			}

			inFlight--
			finished++
			tr := result.Tasks[ev.id]
			tr.Duration = ev.took

			if ev.err != nil {
				tr.Status = TaskStatusFailed
				tr.Err = ev.err
				e.notify(ev.id, TaskStatusFailed)
				result.Failed = true
				if result.FirstErr == nil {
					result.FirstErr = ev.err
				}
				e.logger.Warn("task failed",
					zap.String("task_id", ev.id),
					zap.Error(ev.err),
				)
				finished += e.cascadeFailure(ev.id, result, dependents)
				continue
			}

			tr.Status = TaskStatusDone
			tr.Value = ev.value
			e.notify(ev.id, TaskStatusDone)
			e.logger.Debug("task done",
				zap.String("task_id", ev.id),
				zap.Duration("duration", ev.took),
			)

			for _, next := range dependents[ev.id] {
				if result.Tasks[next].Status != TaskStatusWaiting {
					continue
				}
				pending[next]--
				if pending[next] == 0 {
					dispatch(next)
					inFlight++
				}
			}
		}
	}

	// A task observing the cancelled context reports in as a failure event;
	// surface that as cancellation regardless of which select arm fired.
	if ctx.Err() != nil {
		result.Failed = true
		return result, types.NewError(types.ErrCancelled, "task graph execution cancelled").WithCause(ctx.Err())
	}
	return result, nil
}

// runStep executes a task's step, converting a panic into a task failure so
// one bad step cannot take down the whole graph.
func (e *GraphExecutor) runStep(ctx context.Context, t *Task, input *TaskInput) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = types.Errorf(types.ErrExecutionFailed, "task %s panicked: %v", t.ID, r)
		}
	}()

	value, err = t.Step.Execute(ctx, input)
	if err != nil {
		return nil, types.NewError(types.ErrExecutionFailed, fmt.Sprintf("task %s failed", t.ID)).WithCause(err)
	}
	return value, nil
}

// cascadeFailure marks every still-waiting transitive dependent of id as
// failed without executing it. Returns how many tasks were settled.
func (e *GraphExecutor) cascadeFailure(id string, result *GraphResult, dependents map[string][]string) int {
	settled := 0
	queue := append([]string(nil), dependents[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		tr := result.Tasks[next]
		if tr.Status != TaskStatusWaiting {
			continue
		}
		tr.Status = TaskStatusFailed
		tr.Err = types.Errorf(types.ErrExecutionFailed, "dependency %s failed", id)
		e.notify(next, TaskStatusFailed)
		settled++
		queue = append(queue, dependents[next]...)
	}
	return settled
}

// drain collects events from workers that already finished so their results
// are not lost when cancellation interrupts the loop. It never blocks.
func (e *GraphExecutor) drain(events chan taskEvent, result *GraphResult, inFlight *int) {
	for {
		select {
		case ev := <-events:
			if ev.started {
				continue
			}
			*inFlight--
			tr := result.Tasks[ev.id]
			tr.Duration = ev.took
			if ev.err != nil {
				tr.Status = TaskStatusFailed
				tr.Err = ev.err
				e.notify(ev.id, TaskStatusFailed)
			} else {
				tr.Status = TaskStatusDone
				tr.Value = ev.value
				e.notify(ev.id, TaskStatusDone)
			}
		default:
			return
		}
	}
}
