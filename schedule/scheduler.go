package schedule

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/runflow/run"
	"github.com/BaSui01/runflow/types"
)

// Submitter is the background execution surface the scheduler fires into.
// background.Manager satisfies it.
type Submitter interface {
	Submit(ctx context.Context, spec *run.Spec, sessionID string) (*run.Run, error)
}

// Config tunes the poll loop.
type Config struct {
	PollInterval  time.Duration `json:"poll_interval" yaml:"poll_interval"`
	LeaseDuration time.Duration `json:"lease_duration" yaml:"lease_duration"`
}

// DefaultConfig returns scheduler defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:  10 * time.Second,
		LeaseDuration: time.Minute,
	}
}

// Scheduler polls for due schedules and fires them through the submitter.
// Each Scheduler owns its store handle, lease duration, and poll interval;
// multiple instances can run side by side against the same store and the
// lease claim guarantees at most one of them fires a given schedule.
type Scheduler struct {
	store     Store
	submitter Submitter
	cfg       Config
	logger    *zap.Logger

	// now is injectable for deterministic tests.
	now func() time.Time
}

// NewScheduler creates a scheduler. Zero config fields fall back to
// defaults.
func NewScheduler(store Store, submitter Submitter, cfg Config, logger *zap.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = def.LeaseDuration
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:     store,
		submitter: submitter,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "cron_scheduler")),
		now:       time.Now,
	}
}

// CreateSchedule validates and persists a schedule.
func (s *Scheduler) CreateSchedule(ctx context.Context, sch *Schedule) (*Schedule, error) {
	if err := sch.Validate(); err != nil {
		return nil, err
	}
	if sch.ID == "" {
		sch.ID = uuid.New().String()
	}
	now := s.now()
	sch.CreatedAt = now
	sch.UpdatedAt = now

	if err := s.store.Create(ctx, sch); err != nil {
		return nil, err
	}
	s.logger.Info("schedule created",
		zap.String("schedule_id", sch.ID),
		zap.String("name", sch.Name),
		zap.String("cron", sch.CronExpr),
	)
	return sch.Clone(), nil
}

// Start runs the poll loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
}

// Tick runs one poll iteration: find due schedules, claim, fire. Exported so
// tests drive the loop deterministically with an injected clock.
func (s *Scheduler) Tick(ctx context.Context) {
	schedules, err := s.store.List(ctx)
	if err != nil {
		s.logger.Warn("poll failed to list schedules", zap.Error(err))
		return
	}

	now := s.now()
	for _, sch := range schedules {
		if !sch.Enabled {
			continue
		}
		due, err := s.isDue(sch, now)
		if err != nil {
			s.logger.Warn("skipping schedule with bad cron state",
				zap.String("schedule_id", sch.ID),
				zap.Error(err),
			)
			continue
		}
		if !due {
			continue
		}

		claimed, err := s.store.Claim(ctx, sch.ID, now.Add(s.cfg.LeaseDuration), now)
		if err != nil {
			// Another poller won the lease; that is the normal outcome
			// under multi-instance deployment.
			if types.IsCode(err, types.ErrScheduleClaimed) {
				s.logger.Debug("schedule claimed elsewhere", zap.String("schedule_id", sch.ID))
				continue
			}
			s.logger.Warn("schedule claim failed",
				zap.String("schedule_id", sch.ID),
				zap.Error(err),
			)
			continue
		}

		s.fire(ctx, claimed, now)
	}
}

// isDue reports whether the next fire time after the last fire (or creation)
// has passed.
func (s *Scheduler) isDue(sch *Schedule, now time.Time) (bool, error) {
	ref := sch.CreatedAt
	if sch.LastFiredAt != nil {
		ref = *sch.LastFiredAt
	}
	next, err := sch.NextFire(ref)
	if err != nil {
		return false, err
	}
	return !next.After(now), nil
}

// fire submits the schedule's target run, retrying per the schedule's retry
// policy, and appends exactly one history row for the outcome. A failed fire
// never disables the schedule; disabling is an explicit operator action.
func (s *Scheduler) fire(ctx context.Context, sch *Schedule, firedAt time.Time) {
	// The fire time advances no matter the outcome so a broken submitter
	// cannot make the schedule fire in a tight loop.
	if err := s.store.MarkFired(ctx, sch.ID, firedAt); err != nil {
		s.logger.Warn("failed to mark schedule fired",
			zap.String("schedule_id", sch.ID),
			zap.Error(err),
		)
	}

	var lastErr error
	for attempt := 0; attempt <= sch.RetryCount; attempt++ {
		if attempt > 0 && sch.RetryDelay > 0 {
			timer := time.NewTimer(sch.RetryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				s.appendHistory(ctx, &RunHistory{
					ScheduleID: sch.ID,
					FiredAt:    firedAt,
					Status:     HistoryFailed,
					Error:      lastErr.Error(),
				})
				return
			case <-timer.C:
			}
		}

		r, err := s.submitter.Submit(ctx, sch.Spec, sch.SessionID)
		if err == nil {
			s.appendHistory(ctx, &RunHistory{
				ScheduleID: sch.ID,
				RunID:      r.ID,
				FiredAt:    firedAt,
				Status:     HistorySubmitted,
			})
			s.logger.Info("schedule fired",
				zap.String("schedule_id", sch.ID),
				zap.String("run_id", r.ID),
			)
			return
		}
		lastErr = err
		s.logger.Warn("schedule fire attempt failed",
			zap.String("schedule_id", sch.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	s.appendHistory(ctx, &RunHistory{
		ScheduleID: sch.ID,
		FiredAt:    firedAt,
		Status:     HistoryFailed,
		Error:      lastErr.Error(),
	})
}

func (s *Scheduler) appendHistory(ctx context.Context, h *RunHistory) {
	if err := s.store.AppendHistory(ctx, h); err != nil {
		s.logger.Warn("failed to append schedule history",
			zap.String("schedule_id", h.ScheduleID),
			zap.Error(err),
		)
	}
}
