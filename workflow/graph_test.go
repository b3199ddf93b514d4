package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/runflow/types"
)

func noopStep(name string) Step {
	return StepFunc{
		StepName: name,
		Fn: func(ctx context.Context, input any) (any, error) {
			return name, nil
		},
	}
}

func mustAdd(t *testing.T, g *TaskGraph, id string, deps ...string) {
	t.Helper()
	require.NoError(t, g.Add(&Task{ID: id, DependsOn: deps, Step: noopStep(id)}))
}

func TestTaskGraph_AddRejectsBadTasks(t *testing.T) {
	g := NewTaskGraph()

	err := g.Add(&Task{Step: noopStep("x")})
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))

	err = g.Add(&Task{ID: "no-step"})
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))

	mustAdd(t, g, "a")
	err = g.Add(&Task{ID: "a", Step: noopStep("a")})
	require.Error(t, err)
	assert.Equal(t, types.ErrDuplicateName, types.GetErrorCode(err))
}

func TestTaskGraph_ValidateRejectsUnknownDependency(t *testing.T) {
	g := NewTaskGraph()
	mustAdd(t, g, "a", "ghost")

	err := g.Validate()
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))
}

func TestTaskGraph_ValidateRejectsCycles(t *testing.T) {
	tests := []struct {
		name  string
		build func(g *TaskGraph, t *testing.T)
	}{
		{"self loop", func(g *TaskGraph, t *testing.T) {
			mustAdd(t, g, "a", "a")
		}},
		{"two node cycle", func(g *TaskGraph, t *testing.T) {
			mustAdd(t, g, "a", "b")
			mustAdd(t, g, "b", "a")
		}},
		{"longer cycle", func(g *TaskGraph, t *testing.T) {
			mustAdd(t, g, "a", "c")
			mustAdd(t, g, "b", "a")
			mustAdd(t, g, "c", "b")
		}},
		{"cycle off a valid chain", func(g *TaskGraph, t *testing.T) {
			mustAdd(t, g, "root")
			mustAdd(t, g, "x", "root", "z")
			mustAdd(t, g, "y", "x")
			mustAdd(t, g, "z", "y")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewTaskGraph()
			tt.build(g, t)
			err := g.Validate()
			require.Error(t, err)
			assert.Equal(t, types.ErrCyclicGraph, types.GetErrorCode(err))
		})
	}
}

func TestTaskGraph_ValidateAcceptsDAG(t *testing.T) {
	g := NewTaskGraph()
	mustAdd(t, g, "a")
	mustAdd(t, g, "b", "a")
	mustAdd(t, g, "c", "a")
	mustAdd(t, g, "d", "b", "c")

	require.NoError(t, g.Validate())
	assert.Equal(t, 4, g.Len())
	assert.Equal(t, []string{"a", "b", "c", "d"}, g.TaskIDs())
}

func TestTaskGraph_ValidateRejectsEmpty(t *testing.T) {
	err := NewTaskGraph().Validate()
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))
}
