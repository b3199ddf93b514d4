package workflow

import (
	"github.com/BaSui01/runflow/types"
)

// TaskGraph is a set of tasks with dependency edges. Insertion order is kept
// so deterministic iteration is possible; execution order is decided by the
// executor from readiness alone.
type TaskGraph struct {
	tasks map[string]*Task
	order []string
}

// NewTaskGraph creates an empty task graph.
func NewTaskGraph() *TaskGraph {
	return &TaskGraph{
		tasks: make(map[string]*Task),
	}
}

// Add inserts a task into the graph. Task ids must be unique.
func (g *TaskGraph) Add(t *Task) error {
	if t == nil || t.ID == "" {
		return types.NewError(types.ErrInvalidRequest, "task id is required")
	}
	if t.Step == nil {
		return types.Errorf(types.ErrInvalidRequest, "task %s has no step", t.ID)
	}
	if _, exists := g.tasks[t.ID]; exists {
		return types.Errorf(types.ErrDuplicateName, "duplicate task id: %s", t.ID)
	}
	g.tasks[t.ID] = t
	g.order = append(g.order, t.ID)
	return nil
}

// Get returns a task by id, or nil.
func (g *TaskGraph) Get(id string) *Task {
	return g.tasks[id]
}

// Len returns the number of tasks in the graph.
func (g *TaskGraph) Len() int {
	return len(g.tasks)
}

// TaskIDs returns task ids in insertion order.
func (g *TaskGraph) TaskIDs() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Validate checks that every dependency refers to a known task and that the
// graph has no cycles.
func (g *TaskGraph) Validate() error {
	if len(g.tasks) == 0 {
		return types.NewError(types.ErrInvalidRequest, "task graph is empty")
	}

	for _, id := range g.order {
		for _, dep := range g.tasks[id].DependsOn {
			if _, ok := g.tasks[dep]; !ok {
				return types.Errorf(types.ErrInvalidRequest, "task %s depends on unknown task %s", id, dep)
			}
			if dep == id {
				return types.Errorf(types.ErrCyclicGraph, "task %s depends on itself", id)
			}
		}
	}

	return g.detectCycle()
}

// detectCycle runs a three-color DFS over dependency edges.
func (g *TaskGraph) detectCycle() error {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(g.tasks))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, dep := range g.tasks[id].DependsOn {
			switch color[dep] {
			case gray:
				return types.Errorf(types.ErrCyclicGraph, "cycle detected through task %s", dep)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for _, id := range g.order {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// dependents returns the reverse adjacency: for each task, the ids that
// depend on it directly.
func (g *TaskGraph) dependents() map[string][]string {
	rev := make(map[string][]string, len(g.tasks))
	for _, id := range g.order {
		for _, dep := range g.tasks[id].DependsOn {
			rev[dep] = append(rev[dep], id)
		}
	}
	return rev
}
