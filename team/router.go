package team

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/runflow/run"
	"github.com/BaSui01/runflow/types"
	"github.com/BaSui01/runflow/workflow"
)

// Config configures a delegation router.
type Config struct {
	Mode Mode
	// MaxTurns caps coordinate-mode rounds so a leader that never finishes
	// cannot spin forever.
	MaxTurns int
	// MaxConcurrent bounds tasks-mode concurrency.
	MaxConcurrent int
}

// DefaultConfig returns the router defaults.
func DefaultConfig() Config {
	return Config{
		Mode:          ModeRoute,
		MaxTurns:      5,
		MaxConcurrent: workflow.DefaultMaxConcurrent,
	}
}

// Option customizes a Router at construction.
type Option func(*Router)

// WithSelector sets the route-mode member selector.
func WithSelector(s Selector) Option {
	return func(rt *Router) { rt.selector = s }
}

// WithLeader sets the coordinate-mode leader.
func WithLeader(l Leader) Option {
	return func(rt *Router) { rt.leader = l }
}

// WithSynthesizer replaces the broadcast-mode result synthesizer.
func WithSynthesizer(s Synthesizer) Option {
	return func(rt *Router) { rt.synthesize = s }
}

// WithTaskObserver registers an observer for tasks-mode status changes, one
// call per member-task transition.
func WithTaskObserver(fn workflow.TaskObserver) Option {
	return func(rt *Router) { rt.executor.SetObserver(fn) }
}

// Router fans a team run out to its members under the configured mode. It
// implements run.Invoker so a team run executes through the same state
// machine path as any other run, and run.Lifecycle so it can record which
// member raised each requirement.
type Router struct {
	run.NoopLifecycle

	cfg     Config
	members []*Member
	byID    map[string]*Member

	selector   Selector
	leader     Leader
	synthesize Synthesizer
	executor   *workflow.GraphExecutor
	logger     *zap.Logger

	// origin maps tool_call_ref → the member (and sub-run) that raised it;
	// memberRuns maps a member sub-run id back to its member. Together they
	// let a resolution be traced to the exact member that raised the pause.
	mu         sync.RWMutex
	origin     map[string]originEntry
	memberRuns map[string]string
}

type originEntry struct {
	memberID string
	runID    string
}

// NewRouter creates a delegation router over the given members.
func NewRouter(cfg Config, members []*Member, logger *zap.Logger, opts ...Option) (*Router, error) {
	if !cfg.Mode.Valid() {
		return nil, types.Errorf(types.ErrInvalidRequest, "unknown team mode: %s", cfg.Mode)
	}
	if err := validateMembers(members); err != nil {
		return nil, err
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultConfig().MaxTurns
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	byID := make(map[string]*Member, len(members))
	for _, m := range members {
		byID[m.ID] = m
	}

	rt := &Router{
		cfg:        cfg,
		members:    members,
		byID:       byID,
		synthesize: defaultSynthesizer,
		executor:   workflow.NewGraphExecutor(cfg.MaxConcurrent, logger),
		logger:     logger.With(zap.String("component", "delegation_router")),
		origin:     make(map[string]originEntry),
		memberRuns: make(map[string]string),
	}
	for _, opt := range opts {
		opt(rt)
	}

	if cfg.Mode == ModeCoordinate && rt.leader == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "coordinate mode requires a leader")
	}
	if cfg.Mode == ModeRoute && rt.selector == nil && len(members) > 1 {
		return nil, types.NewError(types.ErrInvalidRequest, "route mode with multiple members requires a selector")
	}

	return rt, nil
}

// Invoke executes the team run under the configured mode.
func (rt *Router) Invoke(ctx context.Context, rc *run.Context, spec *run.Spec) (*run.Result, error) {
	if err := rc.Checkpoint(ctx); err != nil {
		return nil, err
	}

	rt.logger.Info("team run dispatch",
		zap.String("run_id", rc.RunID()),
		zap.String("mode", string(rt.cfg.Mode)),
		zap.Int("members", len(rt.members)),
	)

	switch rt.cfg.Mode {
	case ModeRoute:
		return rt.invokeRoute(ctx, rc, spec)
	case ModeBroadcast:
		return rt.invokeBroadcast(ctx, rc, spec)
	case ModeCoordinate:
		return rt.invokeCoordinate(ctx, rc, spec)
	case ModeTasks:
		return rt.invokeTasks(ctx, rc, spec)
	default:
		return nil, types.Errorf(types.ErrInvalidRequest, "unknown team mode: %s", rt.cfg.Mode)
	}
}

// invokeRoute hands the whole request to one member; pause propagation is a
// direct pass-through.
func (rt *Router) invokeRoute(ctx context.Context, rc *run.Context, spec *run.Spec) (*run.Result, error) {
	memberID := rt.members[0].ID
	if rt.selector != nil {
		id, err := rt.selector.Select(ctx, spec, rt.members)
		if err != nil {
			return nil, types.NewError(types.ErrExecutionFailed, "member selection failed").WithCause(err)
		}
		memberID = id
	}

	m, ok := rt.byID[memberID]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "selector picked unknown member: %s", memberID)
	}
	return rt.runMember(ctx, rc, m, spec)
}

// invokeBroadcast sends the same request to every member concurrently and
// synthesizes only after all members reach a terminal state. A member
// pausing pauses the whole team through the state machine's bubbling.
func (rt *Router) invokeBroadcast(ctx context.Context, rc *run.Context, spec *run.Spec) (*run.Result, error) {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]*run.Result, len(rt.members))
		errs    = make(map[string]error)
	)

	for _, m := range rt.members {
		wg.Add(1)
		go func(m *Member) {
			defer wg.Done()
			res, err := rt.runMember(ctx, rc, m, spec)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[m.ID] = err
				return
			}
			results[m.ID] = res
		}(m)
	}
	wg.Wait()

	if len(errs) > 0 {
		for id, err := range errs {
			if types.IsCode(err, types.ErrCancelled) {
				return nil, err
			}
			return nil, types.Errorf(types.ErrExecutionFailed, "member %s failed", id).WithCause(err)
		}
	}

	return rt.synthesize(spec, results)
}

// invokeCoordinate lets the leader pick members turn by turn; the members of
// one turn run concurrently and the turn completes when all of them are
// terminal.
func (rt *Router) invokeCoordinate(ctx context.Context, rc *run.Context, spec *run.Spec) (*run.Result, error) {
	var turns []*Turn

	for i := 0; i < rt.cfg.MaxTurns; i++ {
		if err := rc.Checkpoint(ctx); err != nil {
			return nil, err
		}

		memberIDs, done, err := rt.leader.NextTurn(ctx, spec, turns)
		if err != nil {
			return nil, types.NewError(types.ErrExecutionFailed, "leader turn planning failed").WithCause(err)
		}
		if done {
			return rt.leader.Synthesize(ctx, spec, turns)
		}
		if len(memberIDs) == 0 {
			return nil, types.NewError(types.ErrExecutionFailed, "leader returned no members and is not done")
		}

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			turnTurns []*Turn
			turnErr   error
		)
		for _, id := range memberIDs {
			m, ok := rt.byID[id]
			if !ok {
				return nil, types.Errorf(types.ErrNotFound, "leader picked unknown member: %s", id)
			}
			wg.Add(1)
			go func(m *Member) {
				defer wg.Done()
				res, err := rt.runMember(ctx, rc, m, spec)
				mu.Lock()
				defer mu.Unlock()
				if err != nil && turnErr == nil {
					turnErr = err
					return
				}
				turnTurns = append(turnTurns, &Turn{MemberID: m.ID, Result: res})
			}(m)
		}
		wg.Wait()

		if turnErr != nil {
			return nil, turnErr
		}
		turns = append(turns, turnTurns...)
	}

	return nil, types.Errorf(types.ErrExecutionFailed, "leader did not finish within %d turns", rt.cfg.MaxTurns)
}

// invokeTasks decomposes the team into a task graph: one task per member,
// dependency edges from DependsOn. A paused member suspends only its own
// branch; independent branches keep executing while the team run reports
// paused.
func (rt *Router) invokeTasks(ctx context.Context, rc *run.Context, spec *run.Spec) (*run.Result, error) {
	g := workflow.NewTaskGraph()
	for _, m := range rt.members {
		m := m
		task := &workflow.Task{
			ID:        m.ID,
			DependsOn: m.DependsOn,
			Step: workflow.StepFunc{
				StepName: m.ID,
				Fn: func(stepCtx context.Context, input any) (any, error) {
					memberSpec := spec
					if ti, ok := input.(*workflow.TaskInput); ok && len(ti.Deps) > 0 {
						memberSpec = withDepOutputs(spec, ti.Deps)
					}
					return rt.runMember(stepCtx, rc, m, memberSpec)
				},
			},
		}
		if err := g.Add(task); err != nil {
			return nil, err
		}
	}

	gr, err := rt.executor.Execute(ctx, g, spec.Payload)
	if err != nil {
		return nil, err
	}
	if gr.Failed {
		return nil, types.NewError(types.ErrExecutionFailed, "team task graph failed").WithCause(gr.FirstErr)
	}

	results := make(map[string]*run.Result, len(gr.Tasks))
	for id, tr := range gr.Tasks {
		if res, ok := tr.Value.(*run.Result); ok {
			results[id] = res
		}
	}
	return rt.synthesize(spec, results)
}

// withDepOutputs copies the spec with upstream member outputs merged into
// Meta under "dep_outputs", so a downstream member sees what it builds on.
func withDepOutputs(spec *run.Spec, deps map[string]any) *run.Spec {
	outputs := make(map[string]any, len(deps))
	for id, v := range deps {
		if res, ok := v.(*run.Result); ok && res != nil {
			outputs[id] = res.Output
		}
	}

	meta := make(map[string]any, len(spec.Meta)+1)
	for k, v := range spec.Meta {
		meta[k] = v
	}
	meta["dep_outputs"] = outputs

	out := *spec
	out.Meta = meta
	return &out
}

// runMember executes one member as a delegated sub-run and maps its terminal
// state back to a result or error.
func (rt *Router) runMember(ctx context.Context, rc *run.Context, m *Member, spec *run.Spec) (*run.Result, error) {
	machine := rc.Machine()

	parent, err := machine.Get(ctx, rc.RunID())
	if err != nil {
		return nil, err
	}

	memberSpec := &run.Spec{
		Name:    spec.Name + "/" + m.ID,
		Kind:    run.SpecKindAgent,
		Payload: spec.Payload,
		Meta:    spec.Meta,
	}
	child, err := machine.Create(ctx, memberSpec, parent.SessionID, rc.RunID())
	if err != nil {
		return nil, err
	}

	rt.mu.Lock()
	rt.memberRuns[child.ID] = m.ID
	rt.mu.Unlock()
	defer func() {
		rt.mu.Lock()
		delete(rt.memberRuns, child.ID)
		for ref, entry := range rt.origin {
			if entry.runID == child.ID {
				delete(rt.origin, ref)
			}
		}
		rt.mu.Unlock()
	}()

	final, err := machine.Execute(ctx, child.ID, m.Invoker)
	if err != nil {
		return nil, err
	}

	switch final.Status {
	case run.StatusCompleted:
		return final.Result, nil
	case run.StatusCancelled:
		return nil, types.Errorf(types.ErrCancelled, "member %s cancelled", m.ID)
	default:
		return nil, types.Errorf(types.ErrExecutionFailed, "member %s failed: %s", m.ID, final.Error)
	}
}

// Origin returns the member that raised the pause identified by
// toolCallRef, if the router observed it.
func (rt *Router) Origin(toolCallRef string) (string, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	entry, ok := rt.origin[toolCallRef]
	return entry.memberID, ok
}

// OnPause implements run.Lifecycle: when a member sub-run pauses on its own
// requirement, remember which member the tool call belongs to. Origin
// entries are purged when the member sub-run finishes, not per resolution,
// so a member that pauses repeatedly on the same tool call stays traceable.
func (rt *Router) OnPause(ctx context.Context, r *run.Run, req *run.RunRequirement) {
	if req == nil || req.OriginRunID != "" || req.ToolCallRef == "" {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if memberID, ok := rt.memberRuns[r.ID]; ok {
		rt.origin[req.ToolCallRef] = originEntry{memberID: memberID, runID: r.ID}
	}
}
