package run

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/runflow/types"
)

// Machine owns every Run status transition. A run's execution state is only
// touched by its own worker goroutine, but transitions can race against
// external actors (a resolver, a canceller, a second resolver), so every
// load-check-update runs under that run's transition lock. Locks never nest:
// at most one run's lock is held at a time.
type Machine struct {
	store  RunStore
	logger *zap.Logger

	// now is injectable for deterministic tests.
	now func() time.Time

	ctrlMu     sync.Mutex
	controller *Controller

	hooksMu sync.RWMutex
	hooks   []Lifecycle

	// locks serializes status transitions per run.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	// live tracks in-process execution state per run: the cancel function of
	// the worker context and, while paused, the suspended step's waiter.
	liveMu sync.Mutex
	live   map[string]*liveRun
}

type liveRun struct {
	cancel context.CancelFunc
	waiter *waiter
}

// waiter is the suspended step's resumption point. Resolve delivers the
// resolution here; Cancel closes the channel instead.
type waiter struct {
	req       *RunRequirement
	validator InputValidator
	ch        chan *Resolution
}

// NewMachine creates a run state machine backed by the given store.
func NewMachine(store RunStore, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		store:  store,
		logger: logger.With(zap.String("component", "run_machine")),
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
		live:   make(map[string]*liveRun),
	}
}

// runLock returns the transition lock for a run, creating it on first use.
func (m *Machine) runLock(runID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[runID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[runID] = l
	}
	return l
}

// dropRunLock forgets a run's transition lock. Terminal states absorb every
// later transition attempt, so a straggler racing the drop still gets
// rejected at the status check.
func (m *Machine) dropRunLock(runID string) {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	delete(m.locks, runID)
}

// RegisterHook registers a lifecycle hook. Not safe to call concurrently
// with transitions; register during wiring.
func (m *Machine) RegisterHook(h Lifecycle) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.hooks = append(m.hooks, h)
}

func (m *Machine) eachHook(fn func(Lifecycle)) {
	m.hooksMu.RLock()
	hooks := m.hooks
	m.hooksMu.RUnlock()
	for _, h := range hooks {
		fn(h)
	}
}

// Create validates the spec, persists a pending Run, and returns
// immediately. Execution is started separately (Execute or the background
// manager).
func (m *Machine) Create(ctx context.Context, spec *Spec, sessionID, parentRunID string) (*Run, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	now := m.now()
	r := &Run{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		ParentRunID: parentRunID,
		Spec:        spec,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := m.store.Save(ctx, r); err != nil {
		return nil, types.NewError(types.ErrStoreUnavailable, "failed to save run").WithCause(err).WithRetryable(true)
	}

	m.logger.Info("run created",
		zap.String("run_id", r.ID),
		zap.String("session_id", sessionID),
		zap.String("kind", string(spec.Kind)),
	)

	return r.Clone(), nil
}

// Get returns a snapshot of the run's current state. Pure read.
func (m *Machine) Get(ctx context.Context, runID string) (*Run, error) {
	return m.store.Load(ctx, runID)
}

// ListBySession returns every run of a session, oldest first.
func (m *Machine) ListBySession(ctx context.Context, sessionID string) ([]*Run, error) {
	return m.store.ListBySession(ctx, sessionID)
}

// Start transitions pending→running. Starting an already-running run is a
// no-op; this guards against double-start from a scheduler retry race.
func (m *Machine) Start(ctx context.Context, runID string) error {
	lock := m.runLock(runID)
	lock.Lock()

	r, err := m.store.Load(ctx, runID)
	if err != nil {
		lock.Unlock()
		return err
	}

	switch r.Status {
	case StatusRunning:
		lock.Unlock()
		return nil
	case StatusPending:
		r.Status = StatusRunning
		r.UpdatedAt = m.now()
		if err := m.store.Update(ctx, r); err != nil {
			lock.Unlock()
			return types.NewError(types.ErrStoreUnavailable, "failed to update run").WithCause(err).WithRetryable(true)
		}
		lock.Unlock()
		m.logger.Debug("run started", zap.String("run_id", runID))
		m.eachHook(func(h Lifecycle) { h.OnStart(ctx, r.Clone()) })
		return nil
	default:
		lock.Unlock()
		return types.Errorf(types.ErrInvalidTransition, "cannot start run %s in status %s", runID, r.Status)
	}
}

// Pause transitions running→paused and stores the requirement. Pausing
// bubbles up through every enclosing delegation level: each running
// ancestor is paused with a derived requirement pointing at the origin.
func (m *Machine) Pause(ctx context.Context, runID string, req *RunRequirement) error {
	return m.pause(ctx, runID, req, nil)
}

func (m *Machine) pause(ctx context.Context, runID string, req *RunRequirement, w *waiter) error {
	if req == nil || !req.Kind.Valid() {
		return types.NewError(types.ErrInvalidRequest, "requirement kind must be one of confirmation, user_input, external_execution")
	}

	lock := m.runLock(runID)
	lock.Lock()

	r, err := m.store.Load(ctx, runID)
	if err != nil {
		lock.Unlock()
		return err
	}
	if r.Status != StatusRunning {
		lock.Unlock()
		return types.Errorf(types.ErrInvalidTransition, "cannot pause run %s in status %s", runID, r.Status)
	}

	r.Status = StatusPaused
	r.Requirement = req
	r.UpdatedAt = m.now()
	if err := m.store.Update(ctx, r); err != nil {
		lock.Unlock()
		return types.NewError(types.ErrStoreUnavailable, "failed to update run").WithCause(err).WithRetryable(true)
	}

	// Register the waiter before releasing the lock so a resolver arriving
	// right after the pause always finds the suspended step.
	if w != nil {
		m.liveMu.Lock()
		lr := m.live[runID]
		if lr == nil {
			lr = &liveRun{}
			m.live[runID] = lr
		}
		lr.waiter = w
		m.liveMu.Unlock()
	}
	lock.Unlock()

	m.logger.Info("run paused",
		zap.String("run_id", runID),
		zap.String("kind", string(req.Kind)),
		zap.String("tool_call_ref", req.ToolCallRef),
	)

	m.eachHook(func(h Lifecycle) { h.OnPause(ctx, r.Clone(), req) })

	m.bubblePause(ctx, r.ParentRunID, runID, req)
	return nil
}

// bubblePause walks the parent chain, pausing each running ancestor with a
// requirement derived from the origin. An ancestor already paused implies
// the chain above it is paused too.
func (m *Machine) bubblePause(ctx context.Context, parentID, originID string, req *RunRequirement) {
	for parentID != "" {
		lock := m.runLock(parentID)
		lock.Lock()

		p, err := m.store.Load(ctx, parentID)
		if err != nil {
			lock.Unlock()
			m.logger.Warn("pause bubbling stopped: parent not loadable",
				zap.String("parent_run_id", parentID),
				zap.Error(err),
			)
			return
		}
		if p.Status != StatusRunning {
			lock.Unlock()
			return
		}

		derived := &RunRequirement{
			Kind:        req.Kind,
			Prompt:      req.Prompt,
			ToolCallRef: req.ToolCallRef,
			OriginRunID: originID,
		}
		p.Status = StatusPaused
		p.Requirement = derived
		p.UpdatedAt = m.now()
		if err := m.store.Update(ctx, p); err != nil {
			lock.Unlock()
			m.logger.Warn("pause bubbling stopped: parent not updatable",
				zap.String("parent_run_id", parentID),
				zap.Error(err),
			)
			return
		}
		lock.Unlock()

		m.logger.Debug("pause bubbled",
			zap.String("run_id", p.ID),
			zap.String("origin_run_id", originID),
		)
		m.eachHook(func(h Lifecycle) { h.OnPause(ctx, p.Clone(), derived) })

		parentID = p.ParentRunID
	}
}

// Resolve transitions paused→running and feeds the resolution to the exact
// suspended step. Calling Resolve on a run whose pause bubbled up from a
// sub-run routes the resolution to the origin. The whole check-and-resume
// runs under the run's transition lock, so of N concurrent resolvers exactly
// one wins; the rest see NOT_PAUSED (a UI click and a timeout both firing
// must not both report success).
func (m *Machine) Resolve(ctx context.Context, runID string, res *Resolution) (*Run, error) {
	lock := m.runLock(runID)
	lock.Lock()

	r, err := m.store.Load(ctx, runID)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	if r.Status != StatusPaused {
		lock.Unlock()
		return nil, types.Errorf(types.ErrNotPaused, "run %s is not paused (status: %s)", runID, r.Status)
	}

	if r.Requirement != nil && r.Requirement.OriginRunID != "" {
		origin := r.Requirement.OriginRunID
		lock.Unlock()
		return m.Resolve(ctx, origin, res)
	}

	m.liveMu.Lock()
	lr := m.live[runID]
	var w *waiter
	if lr != nil {
		w = lr.waiter
	}
	m.liveMu.Unlock()

	if w == nil {
		lock.Unlock()
		return nil, types.Errorf(types.ErrNotFound, "no suspended step registered for run %s", runID)
	}

	if err := validateResolution(w.req, w.validator, res); err != nil {
		// The run stays paused so another resolution attempt can be made.
		lock.Unlock()
		return nil, err
	}

	r.Status = StatusRunning
	r.Requirement = nil
	r.UpdatedAt = m.now()
	if err := m.store.Update(ctx, r); err != nil {
		lock.Unlock()
		return nil, types.NewError(types.ErrStoreUnavailable, "failed to update run").WithCause(err).WithRetryable(true)
	}

	m.liveMu.Lock()
	if lr := m.live[runID]; lr != nil {
		lr.waiter = nil
	}
	m.liveMu.Unlock()
	lock.Unlock()

	w.ch <- res

	m.logger.Info("run resolved",
		zap.String("run_id", runID),
		zap.String("kind", string(w.req.Kind)),
	)
	m.eachHook(func(h Lifecycle) { h.OnResolve(ctx, r.Clone(), res) })

	m.unbubble(ctx, r.ParentRunID)
	return r.Clone(), nil
}

// unbubble walks the parent chain after an origin pause clears: ancestors
// with no remaining paused descendant resume running; ancestors still
// covering another paused branch repoint their requirement at it.
func (m *Machine) unbubble(ctx context.Context, parentID string) {
	for parentID != "" {
		lock := m.runLock(parentID)
		lock.Lock()

		p, err := m.store.Load(ctx, parentID)
		if err != nil || p.Status != StatusPaused {
			lock.Unlock()
			return
		}

		origin := m.findPausedOrigin(ctx, p.ID)
		if origin == nil {
			p.Status = StatusRunning
			p.Requirement = nil
		} else {
			p.Requirement = &RunRequirement{
				Kind:        origin.Requirement.Kind,
				Prompt:      origin.Requirement.Prompt,
				ToolCallRef: origin.Requirement.ToolCallRef,
				OriginRunID: origin.ID,
			}
		}
		p.UpdatedAt = m.now()
		if err := m.store.Update(ctx, p); err != nil {
			lock.Unlock()
			m.logger.Warn("unbubble stopped: parent not updatable",
				zap.String("run_id", p.ID),
				zap.Error(err),
			)
			return
		}
		lock.Unlock()

		if origin != nil {
			// This ancestor, and therefore every ancestor above it, still
			// covers a paused branch.
			return
		}
		parentID = p.ParentRunID
	}
}

// findPausedOrigin searches the descendant tree for a run that is paused on
// its own requirement (not a bubbled one).
func (m *Machine) findPausedOrigin(ctx context.Context, rootID string) *Run {
	children, err := m.store.ListByParent(ctx, rootID)
	if err != nil {
		return nil
	}
	for _, c := range children {
		if c.Status == StatusPaused && c.Requirement != nil && c.Requirement.OriginRunID == "" {
			return c
		}
		if found := m.findPausedOrigin(ctx, c.ID); found != nil {
			return found
		}
	}
	return nil
}

// Complete transitions running→completed with the final result.
func (m *Machine) Complete(ctx context.Context, runID string, result *Result) (*Run, error) {
	return m.finish(ctx, runID, StatusCompleted, result, nil)
}

// Fail transitions running→failed, capturing the error.
func (m *Machine) Fail(ctx context.Context, runID string, cause error) (*Run, error) {
	r, err := m.finish(ctx, runID, StatusFailed, nil, cause)
	if err != nil {
		return nil, err
	}
	m.eachHook(func(h Lifecycle) { h.OnFail(ctx, r.Clone(), cause) })
	return r, nil
}

func (m *Machine) finish(ctx context.Context, runID string, status Status, result *Result, cause error) (*Run, error) {
	lock := m.runLock(runID)
	lock.Lock()

	r, err := m.store.Load(ctx, runID)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	if r.Status != StatusRunning {
		lock.Unlock()
		return nil, types.Errorf(types.ErrInvalidTransition, "cannot transition run %s from %s to %s", runID, r.Status, status)
	}

	r.Status = status
	r.Result = result
	if cause != nil {
		r.Error = cause.Error()
	}
	r.Requirement = nil
	r.UpdatedAt = m.now()
	if err := m.store.Update(ctx, r); err != nil {
		lock.Unlock()
		return nil, types.NewError(types.ErrStoreUnavailable, "failed to update run").WithCause(err).WithRetryable(true)
	}
	lock.Unlock()
	m.dropRunLock(runID)

	m.logger.Info("run finished",
		zap.String("run_id", runID),
		zap.String("status", string(status)),
	)
	m.eachHook(func(h Lifecycle) { h.OnFinish(ctx, r.Clone()) })
	return r.Clone(), nil
}

// Cancel transitions to cancelled from any non-terminal state, cancels the
// in-flight worker context, and propagates to delegated sub-runs.
// Cancellation is cooperative: in-flight collaborator calls are abandoned at
// the next step boundary, not interrupted.
func (m *Machine) Cancel(ctx context.Context, runID string) (*Run, error) {
	lock := m.runLock(runID)
	lock.Lock()

	r, err := m.store.Load(ctx, runID)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	if r.Status.Terminal() {
		lock.Unlock()
		return nil, types.Errorf(types.ErrInvalidTransition, "cannot cancel run %s in status %s", runID, r.Status)
	}

	wasOrigin := r.Status == StatusPaused && r.Requirement != nil && r.Requirement.OriginRunID == ""

	r.Status = StatusCancelled
	r.Requirement = nil
	r.UpdatedAt = m.now()
	if err := m.store.Update(ctx, r); err != nil {
		lock.Unlock()
		return nil, types.NewError(types.ErrStoreUnavailable, "failed to update run").WithCause(err).WithRetryable(true)
	}

	m.liveMu.Lock()
	lr := m.live[runID]
	var w *waiter
	var cancel context.CancelFunc
	if lr != nil {
		w = lr.waiter
		lr.waiter = nil
		cancel = lr.cancel
	}
	m.liveMu.Unlock()
	lock.Unlock()
	m.dropRunLock(runID)

	if w != nil {
		close(w.ch)
	}
	if cancel != nil {
		cancel()
	}

	m.logger.Info("run cancelled", zap.String("run_id", runID))
	m.eachHook(func(h Lifecycle) { h.OnFinish(ctx, r.Clone()) })

	// Cascade to delegated sub-runs.
	children, err := m.store.ListByParent(ctx, runID)
	if err == nil {
		for _, c := range children {
			if !c.Status.Terminal() {
				if _, cerr := m.Cancel(ctx, c.ID); cerr != nil {
					m.logger.Warn("failed to cancel sub-run",
						zap.String("run_id", c.ID),
						zap.Error(cerr),
					)
				}
			}
		}
	}

	// A cancelled pause origin no longer holds its ancestors paused.
	if wasOrigin {
		m.unbubble(ctx, r.ParentRunID)
	}

	return r.Clone(), nil
}

// Execute drives a run to a terminal state on the calling goroutine. The
// background manager calls this from pool workers; synchronous callers may
// call it directly and block until completion.
func (m *Machine) Execute(ctx context.Context, runID string, invoker Invoker) (*Run, error) {
	r, err := m.store.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if r.Status.Terminal() {
		return r, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.liveMu.Lock()
	m.live[runID] = &liveRun{cancel: cancel}
	m.liveMu.Unlock()
	defer func() {
		m.liveMu.Lock()
		delete(m.live, runID)
		m.liveMu.Unlock()
	}()

	if err := m.Start(ctx, runID); err != nil {
		return nil, err
	}

	rc := &Context{runID: runID, machine: m}
	result, invokeErr := invoker.Invoke(runCtx, rc, r.Spec)

	// Terminal states win: the run may have been cancelled while executing.
	cur, err := m.store.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if cur.Status.Terminal() {
		return cur, nil
	}

	if invokeErr != nil {
		if types.IsCode(invokeErr, types.ErrCancelled) || errors.Is(invokeErr, context.Canceled) {
			return m.Cancel(ctx, runID)
		}
		return m.Fail(ctx, runID, invokeErr)
	}
	return m.Complete(ctx, runID, result)
}

// pauseAndWait suspends the calling worker at the requirement until an
// external actor resolves or cancels the run.
func (m *Machine) pauseAndWait(ctx context.Context, runID string, req *RunRequirement, v InputValidator) (*Resolution, error) {
	w := &waiter{req: req, validator: v, ch: make(chan *Resolution, 1)}
	if err := m.pause(ctx, runID, req, w); err != nil {
		return nil, err
	}

	select {
	case res, ok := <-w.ch:
		if !ok {
			return nil, types.NewError(types.ErrCancelled, "run cancelled while paused")
		}
		return res, nil
	case <-ctx.Done():
		return nil, types.NewError(types.ErrCancelled, "run cancelled while paused").WithCause(ctx.Err())
	}
}

// validateResolution checks the resolution against the requirement kind and
// the originating tool's declared input shape.
func validateResolution(req *RunRequirement, v InputValidator, res *Resolution) error {
	if res == nil {
		return types.NewError(types.ErrInvalidResolution, "resolution cannot be nil")
	}
	switch req.Kind {
	case RequirementConfirmation:
		// Approved carries the decision; nothing further to check.
		return nil
	case RequirementUserInput:
		if res.Input == nil {
			return types.NewError(types.ErrInvalidResolution, "user_input resolution requires input data")
		}
		if v != nil {
			if err := v(res.Input); err != nil {
				return types.NewError(types.ErrInvalidResolution, "input does not match the tool's declared shape").WithCause(err)
			}
		}
		return nil
	case RequirementExternalExecution:
		if res.Result == nil {
			return types.NewError(types.ErrInvalidResolution, "external_execution resolution requires a result")
		}
		return nil
	default:
		return types.Errorf(types.ErrInvalidResolution, "unknown requirement kind: %s", req.Kind)
	}
}
