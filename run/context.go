package run

import (
	"context"

	"github.com/BaSui01/runflow/types"
)

// Context is handed to an Invoker and gives the executing step access to the
// engine: raising requirements, checking cancellation, and delegating
// sub-runs. One Context belongs to exactly one run's worker goroutine.
type Context struct {
	runID   string
	machine *Machine
}

// RunID returns the id of the run this context belongs to.
func (c *Context) RunID() string {
	return c.runID
}

// Machine exposes the owning state machine so coordination layers can create
// and execute delegated sub-runs.
func (c *Context) Machine() *Machine {
	return c.machine
}

// Checkpoint is the cooperative cancellation check. Invokers call it at
// step boundaries (before the next tool call or sub-task) and stop work when
// it returns a CANCELLED error.
func (c *Context) Checkpoint(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return types.NewError(types.ErrCancelled, "run cancelled").WithCause(ctx.Err())
	default:
	}

	r, err := c.machine.Get(ctx, c.runID)
	if err != nil {
		return err
	}
	if r.Status == StatusCancelled {
		return types.NewError(types.ErrCancelled, "run cancelled")
	}
	return nil
}

// Confirm suspends the step until a human approves or rejects it.
func (c *Context) Confirm(ctx context.Context, toolCallRef, prompt string) (bool, error) {
	res, err := c.machine.requireController().Raise(ctx, c.runID, RequirementConfirmation, toolCallRef, prompt, nil)
	if err != nil {
		return false, err
	}
	return res.Approved, nil
}

// RequestInput suspends the step until a caller supplies structured data
// matching the given shape. A nil validator accepts any non-nil input.
func (c *Context) RequestInput(ctx context.Context, toolCallRef, prompt string, v InputValidator) (any, error) {
	res, err := c.machine.requireController().Raise(ctx, c.runID, RequirementUserInput, toolCallRef, prompt, v)
	if err != nil {
		return nil, err
	}
	return res.Input, nil
}

// AwaitExternal suspends the step until an outside party performs it and
// supplies a stand-in result.
func (c *Context) AwaitExternal(ctx context.Context, toolCallRef, prompt string) (any, error) {
	res, err := c.machine.requireController().Raise(ctx, c.runID, RequirementExternalExecution, toolCallRef, prompt, nil)
	if err != nil {
		return nil, err
	}
	return res.Result, nil
}
