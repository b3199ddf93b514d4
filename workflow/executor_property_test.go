package workflow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"pgregory.net/rapid"
)

// Sibling completion order must never change the aggregate: whatever the
// per-task delays and the concurrency bound, the same graph yields the same
// statuses and the same downstream inputs.
func TestGraphExecutor_OrderIndependence(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		fanout := rapid.IntRange(2, 5).Draw(t, "fanout")
		limit := rapid.IntRange(1, 4).Draw(t, "limit")

		g := NewTaskGraph()
		if err := g.Add(&Task{ID: "root", Step: StepFunc{
			StepName: "root",
			Fn: func(ctx context.Context, input any) (any, error) {
				return 1, nil
			},
		}}); err != nil {
			t.Fatal(err)
		}

		mids := make([]string, 0, fanout)
		for i := 0; i < fanout; i++ {
			id := fmt.Sprintf("mid-%d", i)
			mids = append(mids, id)
			delay := time.Duration(rapid.IntRange(0, 5).Draw(t, id+"-delay")) * time.Millisecond
			weight := i + 1
			if err := g.Add(&Task{ID: id, DependsOn: []string{"root"}, Step: StepFunc{
				StepName: id,
				Fn: func(ctx context.Context, input any) (any, error) {
					time.Sleep(delay)
					ti := input.(*TaskInput)
					return ti.Deps["root"].(int) * weight, nil
				},
			}}); err != nil {
				t.Fatal(err)
			}
		}

		if err := g.Add(&Task{ID: "sink", DependsOn: mids, Step: StepFunc{
			StepName: "sink",
			Fn: func(ctx context.Context, input any) (any, error) {
				ti := input.(*TaskInput)
				sum := 0
				for _, v := range ti.Deps {
					sum += v.(int)
				}
				return sum, nil
			},
		}}); err != nil {
			t.Fatal(err)
		}

		result, err := NewGraphExecutor(limit, nil).Execute(context.Background(), g, nil)
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		if result.Failed {
			t.Fatalf("graph failed: %v", result.FirstErr)
		}

		for id, tr := range result.Tasks {
			if tr.Status != TaskStatusDone {
				t.Fatalf("task %s not done: %s", id, tr.Status)
			}
		}

		// sum of root * (1..fanout), independent of completion order
		want := fanout * (fanout + 1) / 2
		if got := result.Tasks["sink"].Value.(int); got != want {
			t.Fatalf("aggregate depends on scheduling: got %d, want %d", got, want)
		}
	})
}
