package run

import "context"

// Lifecycle receives callbacks at run lifecycle points. Implementations are
// registered explicitly on the Machine; callbacks run synchronously on the
// transitioning goroutine and must not block.
type Lifecycle interface {
	// OnStart fires after a run transitions pending→running.
	OnStart(ctx context.Context, r *Run)
	// OnPause fires after a run transitions running→paused.
	OnPause(ctx context.Context, r *Run, req *RunRequirement)
	// OnResolve fires after a paused run's requirement is resolved.
	OnResolve(ctx context.Context, r *Run, res *Resolution)
	// OnFail fires after a run transitions to failed.
	OnFail(ctx context.Context, r *Run, err error)
	// OnFinish fires after a run reaches any terminal state; r.Status tells
	// which. For failed runs it fires in addition to OnFail.
	OnFinish(ctx context.Context, r *Run)
}

// NoopLifecycle implements Lifecycle with no-ops, for embedding when only
// some callbacks are of interest.
type NoopLifecycle struct{}

func (NoopLifecycle) OnStart(ctx context.Context, r *Run)                       {}
func (NoopLifecycle) OnPause(ctx context.Context, r *Run, req *RunRequirement)  {}
func (NoopLifecycle) OnResolve(ctx context.Context, r *Run, res *Resolution)    {}
func (NoopLifecycle) OnFail(ctx context.Context, r *Run, err error)             {}
func (NoopLifecycle) OnFinish(ctx context.Context, r *Run)                      {}
