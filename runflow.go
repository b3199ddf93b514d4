// Package runflow is a run orchestration engine: a run lifecycle state
// machine with human-in-the-loop pause/resume, an approval ledger, a
// dependency-ordered task graph executor, team delegation, background
// execution, and a cron scheduler with lease-based claims.
//
// Engine is the assembled surface; the subpackages remain usable on their
// own for callers that want to wire pieces differently.
package runflow

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/runflow/approval"
	"github.com/BaSui01/runflow/background"
	"github.com/BaSui01/runflow/config"
	"github.com/BaSui01/runflow/internal/database"
	"github.com/BaSui01/runflow/internal/metrics"
	"github.com/BaSui01/runflow/internal/pool"
	"github.com/BaSui01/runflow/run"
	"github.com/BaSui01/runflow/schedule"
	"github.com/BaSui01/runflow/workflow"
)

// Option customizes engine construction.
type Option func(*engineOptions)

type engineOptions struct {
	invoker    run.Invoker
	logger     *zap.Logger
	registerer prometheus.Registerer
	db         *gorm.DB
}

// WithInvoker sets the invoker that executes runs. Required.
func WithInvoker(inv run.Invoker) Option {
	return func(o *engineOptions) { o.invoker = inv }
}

// WithLogger replaces the logger built from configuration.
func WithLogger(logger *zap.Logger) Option {
	return func(o *engineOptions) { o.logger = logger }
}

// WithRegisterer sets the Prometheus registerer metrics attach to. Defaults
// to the global registerer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *engineOptions) { o.registerer = reg }
}

// WithDB supplies a pre-opened GORM handle instead of opening one from the
// database configuration.
func WithDB(db *gorm.DB) Option {
	return func(o *engineOptions) { o.db = db }
}

// Engine assembles the orchestration components behind one surface.
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger

	machine       *run.Machine
	controller    *run.Controller
	ledger        *approval.Ledger
	manager       *background.Manager
	scheduler     *schedule.Scheduler
	scheduleStore schedule.Store
	collector     *metrics.Collector

	cancel context.CancelFunc
}

// New builds an engine from configuration. The database driver decides the
// store backends: "memory" keeps everything in process, anything else goes
// through GORM with auto-migrated tables.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.invoker == nil {
		return nil, fmt.Errorf("runflow: an invoker is required (use WithInvoker)")
	}
	if o.registerer == nil {
		o.registerer = prometheus.DefaultRegisterer
	}

	logger := o.logger
	if logger == nil {
		var err error
		if logger, err = cfg.BuildLogger(); err != nil {
			return nil, err
		}
	}

	var (
		runStore      run.RunStore
		approvalStore approval.Store
		scheduleStore schedule.Store
	)
	if cfg.Database.Driver == "memory" {
		runStore = run.NewInMemoryRunStore()
		approvalStore = approval.NewInMemoryStore()
		scheduleStore = schedule.NewInMemoryStore()
	} else {
		db := o.db
		if db == nil {
			var err error
			if db, err = database.Open(cfg.Database, logger); err != nil {
				return nil, err
			}
		}
		if err := run.AutoMigrateRuns(db); err != nil {
			return nil, err
		}
		if err := approval.AutoMigrateApprovals(db); err != nil {
			return nil, err
		}
		if err := schedule.AutoMigrateSchedules(db); err != nil {
			return nil, err
		}
		runStore = run.NewGormRunStore(db)
		approvalStore = approval.NewGormStore(db)
		scheduleStore = schedule.NewGormStore(db)
	}

	machine := run.NewMachine(runStore, logger)
	ledger := approval.NewLedger(approvalStore, cfg.Approvals.TTL, logger)
	controller := run.NewController(machine, ledger, logger)

	collector := metrics.NewCollector(o.registerer)
	machine.RegisterHook(metrics.NewRunHook(collector))
	scheduleStore = metrics.InstrumentScheduleStore(scheduleStore, collector)

	manager := background.NewManager(machine, o.invoker, pool.Config{
		MaxWorkers: cfg.Runs.MaxWorkers,
		QueueSize:  cfg.Runs.QueueSize,
	}, logger)

	scheduler := schedule.NewScheduler(scheduleStore, manager, schedule.Config{
		PollInterval:  cfg.Scheduler.PollInterval,
		LeaseDuration: cfg.Scheduler.LeaseDuration,
	}, logger)

	return &Engine{
		cfg:           cfg,
		logger:        logger.With(zap.String("component", "engine")),
		machine:       machine,
		controller:    controller,
		ledger:        ledger,
		manager:       manager,
		scheduler:     scheduler,
		scheduleStore: scheduleStore,
		collector:     collector,
	}, nil
}

// Start launches the scheduler poll loop and the approval expiry sweeper.
// Background run execution needs no start call; it is live on construction.
func (e *Engine) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.scheduler.Start(ctx)
	e.ledger.StartExpiry(ctx, e.cfg.Approvals.SweepInterval)
	e.logger.Info("engine started")
}

// Close stops the poll loops and drains background workers.
func (e *Engine) Close() {
	if e.cancel != nil {
		e.cancel()
	}
	e.manager.Close()
	e.logger.Info("engine stopped")
}

// CreateRun submits a run for background execution and returns immediately.
func (e *Engine) CreateRun(ctx context.Context, spec *run.Spec, sessionID string) (*run.Run, error) {
	return e.manager.Submit(ctx, spec, sessionID)
}

// ExecuteRun creates a run and drives it to a terminal state on the calling
// goroutine, blocking until completion. The synchronous sibling of
// CreateRun.
func (e *Engine) ExecuteRun(ctx context.Context, spec *run.Spec, sessionID string, inv run.Invoker) (*run.Run, error) {
	r, err := e.machine.Create(ctx, spec, sessionID, "")
	if err != nil {
		return nil, err
	}
	return e.machine.Execute(ctx, r.ID, inv)
}

// GetRun returns a run snapshot.
func (e *Engine) GetRun(ctx context.Context, runID string) (*run.Run, error) {
	return e.machine.Get(ctx, runID)
}

// ContinueRun resolves a paused run with the supplied resolution and returns
// the resumed snapshot.
func (e *Engine) ContinueRun(ctx context.Context, runID string, res *run.Resolution) (*run.Run, error) {
	return e.machine.Resolve(ctx, runID, res)
}

// CancelRun cancels a run and its delegated sub-runs.
func (e *Engine) CancelRun(ctx context.Context, runID string) (*run.Run, error) {
	return e.machine.Cancel(ctx, runID)
}

// ListRuns returns every run of a session.
func (e *Engine) ListRuns(ctx context.Context, sessionID string) ([]*run.Run, error) {
	return e.machine.ListBySession(ctx, sessionID)
}

// CreateApproval records a blocking required approval for a run.
func (e *Engine) CreateApproval(ctx context.Context, runID, prompt string) (*approval.Approval, error) {
	return e.ledger.Create(ctx, runID, prompt)
}

// CreateAuditApproval records an already-made decision; it never blocks.
func (e *Engine) CreateAuditApproval(ctx context.Context, runID, prompt string, approved bool) (*approval.Approval, error) {
	return e.ledger.CreateAudit(ctx, runID, prompt, approved)
}

// ResolveApproval applies next iff the stored status equals expected; a lost
// race surfaces as STALE_APPROVAL.
func (e *Engine) ResolveApproval(ctx context.Context, approvalID string, next, expected approval.Status) (*approval.Approval, error) {
	a, err := e.ledger.Resolve(ctx, approvalID, next, expected)
	if err == nil {
		e.collector.ApprovalResolutions.WithLabelValues(string(next)).Inc()
	}
	return a, err
}

// ListApprovals filters the approval ledger.
func (e *Engine) ListApprovals(ctx context.Context, f approval.Filter) ([]*approval.Approval, error) {
	return e.ledger.List(ctx, f)
}

// CreateSchedule validates and persists a cron schedule.
func (e *Engine) CreateSchedule(ctx context.Context, sch *schedule.Schedule) (*schedule.Schedule, error) {
	return e.scheduler.CreateSchedule(ctx, sch)
}

// ListSchedules returns all schedules.
func (e *Engine) ListSchedules(ctx context.Context) ([]*schedule.Schedule, error) {
	return e.scheduleStore.List(ctx)
}

// EnableSchedule turns a schedule on.
func (e *Engine) EnableSchedule(ctx context.Context, scheduleID string) (*schedule.Schedule, error) {
	return e.scheduleStore.SetEnabled(ctx, scheduleID, true)
}

// DisableSchedule turns a schedule off. The explicit operator action; fire
// failures never disable a schedule on their own.
func (e *Engine) DisableSchedule(ctx context.Context, scheduleID string) (*schedule.Schedule, error) {
	return e.scheduleStore.SetEnabled(ctx, scheduleID, false)
}

// DeleteSchedule removes a schedule. History rows are kept.
func (e *Engine) DeleteSchedule(ctx context.Context, scheduleID string) error {
	return e.scheduleStore.Delete(ctx, scheduleID)
}

// GetScheduleHistory returns the append-only fire history of a schedule.
func (e *Engine) GetScheduleHistory(ctx context.Context, scheduleID string) ([]*schedule.RunHistory, error) {
	return e.scheduleStore.History(ctx, scheduleID)
}

// Machine exposes the run state machine for advanced wiring, such as
// registering a team router's lifecycle hook.
func (e *Engine) Machine() *run.Machine {
	return e.machine
}

// TaskObserver returns an observer that records task graph outcomes in the
// engine's metrics. Pass it to a team router via team.WithTaskObserver.
func (e *Engine) TaskObserver() workflow.TaskObserver {
	return e.collector.TaskObserver()
}

// Stats returns background pool counters.
func (e *Engine) Stats() pool.Stats {
	return e.manager.Stats()
}
