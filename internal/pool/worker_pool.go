// Package pool provides the bounded worker pool that drives background run
// execution.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/runflow/types"
)

// Job is one unit of background work.
type Job func(ctx context.Context) error

// Config sizes the pool.
type Config struct {
	MaxWorkers  int           `json:"max_workers" yaml:"max_workers"`
	QueueSize   int           `json:"queue_size" yaml:"queue_size"`
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// DefaultConfig returns sensible pool defaults.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:  32,
		QueueSize:   256,
		IdleTimeout: 60 * time.Second,
	}
}

// WorkerPool runs jobs on a bounded set of lazily-spawned workers. Workers
// exit after sitting idle past the timeout; at least one stays alive while
// the pool is open.
type WorkerPool struct {
	cfg    Config
	jobs   chan job
	logger *zap.Logger

	workerCount atomic.Int32
	activeCount atomic.Int32
	closed      atomic.Bool
	wg          sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

type job struct {
	fn   Job
	ctx  context.Context
	done chan error
}

// New creates a worker pool. Zero config fields fall back to defaults.
func New(cfg Config, logger *zap.Logger) *WorkerPool {
	def := DefaultConfig()
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = def.MaxWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WorkerPool{
		cfg:    cfg,
		jobs:   make(chan job, cfg.QueueSize),
		logger: logger.With(zap.String("component", "worker_pool")),
	}
}

// Submit enqueues a job without waiting for it. A full queue is reported to
// the caller rather than blocking the submitter.
func (p *WorkerPool) Submit(ctx context.Context, fn Job) error {
	if p.closed.Load() {
		return types.NewError(types.ErrInvalidRequest, "worker pool is closed")
	}

	p.submitted.Add(1)

	select {
	case p.jobs <- job{fn: fn, ctx: ctx}:
		p.ensureWorker()
		return nil
	default:
		p.rejected.Add(1)
		return types.NewError(types.ErrExecutionFailed, "worker pool queue is full").WithRetryable(true)
	}
}

// SubmitWait enqueues a job and blocks until it finishes or ctx is done.
func (p *WorkerPool) SubmitWait(ctx context.Context, fn Job) error {
	if p.closed.Load() {
		return types.NewError(types.ErrInvalidRequest, "worker pool is closed")
	}

	p.submitted.Add(1)
	j := job{fn: fn, ctx: ctx, done: make(chan error, 1)}

	select {
	case p.jobs <- j:
		p.ensureWorker()
	case <-ctx.Done():
		p.rejected.Add(1)
		return types.NewError(types.ErrCancelled, "job submission cancelled").WithCause(ctx.Err())
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return types.NewError(types.ErrCancelled, "job abandoned").WithCause(ctx.Err())
	}
}

func (p *WorkerPool) ensureWorker() {
	for {
		current := p.workerCount.Load()
		if current >= int32(p.cfg.MaxWorkers) {
			return
		}
		if p.workerCount.CompareAndSwap(current, current+1) {
			p.wg.Add(1)
			go p.worker()
			return
		}
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	defer p.workerCount.Add(-1)

	idle := time.NewTimer(p.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case j, ok := <-p.jobs:
			if !ok {
				return
			}

			p.activeCount.Add(1)
			err := p.runJob(j)
			p.activeCount.Add(-1)

			if j.done != nil {
				j.done <- err
				close(j.done)
			}
			if err != nil {
				p.failed.Add(1)
			} else {
				p.completed.Add(1)
			}

			idle.Reset(p.cfg.IdleTimeout)

		case <-idle.C:
			// Keep one worker warm for the next burst.
			if p.workerCount.Load() > 1 {
				return
			}
			idle.Reset(p.cfg.IdleTimeout)
		}
	}
}

func (p *WorkerPool) runJob(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job panicked", zap.Any("panic", r))
			err = types.Errorf(types.ErrInternalError, "job panicked: %v", r)
		}
	}()
	return j.fn(j.ctx)
}

// Close stops accepting jobs and waits for in-flight ones to finish.
func (p *WorkerPool) Close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.jobs)
	p.wg.Wait()
}

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}

// Stats returns current pool counters.
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Workers:   int(p.workerCount.Load()),
		Active:    int(p.activeCount.Load()),
		Queued:    len(p.jobs),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}
