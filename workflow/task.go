package workflow

import "context"

// TaskStatus represents the execution state of one task.
type TaskStatus string

const (
	TaskStatusWaiting TaskStatus = "waiting"
	TaskStatusReady   TaskStatus = "ready"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusDone    TaskStatus = "done"
	TaskStatusFailed  TaskStatus = "failed"
)

// Terminal reports whether the task status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusDone || s == TaskStatusFailed
}

// Step is the unit of work a task executes.
type Step interface {
	Name() string
	Execute(ctx context.Context, input any) (any, error)
}

// StepFunc adapts a function to the Step interface.
type StepFunc struct {
	StepName string
	Fn       func(ctx context.Context, input any) (any, error)
}

func (s StepFunc) Name() string {
	return s.StepName
}

func (s StepFunc) Execute(ctx context.Context, input any) (any, error) {
	return s.Fn(ctx, input)
}

// Task is one node of a TaskGraph: an id, the ids it depends on, and the
// step to execute. Execution state lives in the executor, not here, so a
// graph can be executed more than once.
type Task struct {
	ID        string
	DependsOn []string
	Step      Step
}

// TaskInput is what a task's step receives: the graph-level input plus the
// results of its direct dependencies, keyed by task id.
type TaskInput struct {
	Input any
	Deps  map[string]any
}
