// Package metrics exposes Prometheus instrumentation for the engine.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/BaSui01/runflow/run"
	"github.com/BaSui01/runflow/workflow"
)

// Collector holds every engine metric. Construct one per registry; tests
// pass their own registry so collectors never collide.
type Collector struct {
	RunTransitions      *prometheus.CounterVec
	RunPauses           *prometheus.CounterVec
	ApprovalResolutions *prometheus.CounterVec
	TaskExecutions      *prometheus.CounterVec
	ScheduleFires       *prometheus.CounterVec
	ScheduleClaims      *prometheus.CounterVec
	ActiveRuns          prometheus.Gauge
}

// NewCollector registers all engine metrics with the given registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		RunTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runflow_run_transitions_total",
			Help: "Run status transitions by resulting status.",
		}, []string{"status"}),
		RunPauses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runflow_run_pauses_total",
			Help: "Run pauses by requirement kind.",
		}, []string{"kind"}),
		ApprovalResolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runflow_approval_resolutions_total",
			Help: "Approval resolutions by resulting status.",
		}, []string{"status"}),
		TaskExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runflow_task_executions_total",
			Help: "Task graph task outcomes.",
		}, []string{"status"}),
		ScheduleFires: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runflow_schedule_fires_total",
			Help: "Schedule fire outcomes.",
		}, []string{"status"}),
		ScheduleClaims: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runflow_schedule_claims_total",
			Help: "Schedule lease claim attempts by result.",
		}, []string{"result"}),
		ActiveRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "runflow_active_runs",
			Help: "Runs currently executing or paused in this process.",
		}),
	}
}

// RunHook feeds run lifecycle events into the collector. Register it on the
// run state machine.
type RunHook struct {
	run.NoopLifecycle

	c *Collector
}

// NewRunHook creates a lifecycle hook backed by the collector.
func NewRunHook(c *Collector) *RunHook {
	return &RunHook{c: c}
}

// OnStart implements run.Lifecycle.
func (h *RunHook) OnStart(ctx context.Context, r *run.Run) {
	h.c.RunTransitions.WithLabelValues(string(run.StatusRunning)).Inc()
	h.c.ActiveRuns.Inc()
}

// OnPause implements run.Lifecycle.
func (h *RunHook) OnPause(ctx context.Context, r *run.Run, req *run.RunRequirement) {
	h.c.RunTransitions.WithLabelValues(string(run.StatusPaused)).Inc()
	if req != nil && req.OriginRunID == "" {
		h.c.RunPauses.WithLabelValues(string(req.Kind)).Inc()
	}
}

// OnResolve implements run.Lifecycle.
func (h *RunHook) OnResolve(ctx context.Context, r *run.Run, res *run.Resolution) {
	h.c.RunTransitions.WithLabelValues(string(run.StatusRunning)).Inc()
}

// OnFinish implements run.Lifecycle. Fires for every terminal state, so it
// owns the terminal transition counts and the active-runs decrement.
func (h *RunHook) OnFinish(ctx context.Context, r *run.Run) {
	h.c.RunTransitions.WithLabelValues(string(r.Status)).Inc()
	h.c.ActiveRuns.Dec()
}

// TaskObserver returns a workflow observer that records the outcome of every
// settled task. Pass it to a graph executor or a team router.
func (c *Collector) TaskObserver() workflow.TaskObserver {
	return func(taskID string, status workflow.TaskStatus) {
		if status.Terminal() {
			c.TaskExecutions.WithLabelValues(string(status)).Inc()
		}
	}
}
