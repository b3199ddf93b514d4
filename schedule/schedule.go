// Package schedule implements the cron-driven scheduler: durable schedules,
// a lease-based claim so concurrent pollers never double-fire, and an
// append-only history of what each fire produced.
package schedule

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/BaSui01/runflow/run"
	"github.com/BaSui01/runflow/types"
)

// cronParser accepts the standard five-field cron syntax.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Schedule fires a run spec on a cron expression evaluated in its own
// timezone. ClaimedUntil is the poller lease: a schedule whose lease lies in
// the future is not eligible for re-claim.
type Schedule struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Spec      *run.Spec `json:"spec"`
	SessionID string    `json:"session_id"`

	CronExpr string `json:"cron_expr"`
	Timezone string `json:"timezone"`
	Enabled  bool   `json:"enabled"`

	RetryCount int           `json:"retry_count"`
	RetryDelay time.Duration `json:"retry_delay"`

	ClaimedUntil *time.Time `json:"claimed_until,omitempty"`
	LastFiredAt  *time.Time `json:"last_fired_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate rejects malformed schedules before they are persisted: the cron
// expression must parse and the timezone must resolve.
func (s *Schedule) Validate() error {
	if s == nil {
		return types.NewError(types.ErrInvalidRequest, "schedule cannot be nil")
	}
	if strings.TrimSpace(s.Name) == "" {
		return types.NewError(types.ErrInvalidRequest, "schedule name cannot be empty")
	}
	if err := s.Spec.Validate(); err != nil {
		return err
	}
	if _, err := cronParser.Parse(s.CronExpr); err != nil {
		return types.Errorf(types.ErrInvalidCron, "invalid cron expression %q", s.CronExpr).WithCause(err)
	}
	if _, err := s.location(); err != nil {
		return err
	}
	if s.RetryCount < 0 {
		return types.NewError(types.ErrInvalidRequest, "retry count cannot be negative")
	}
	return nil
}

func (s *Schedule) location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, types.Errorf(types.ErrUnknownTimezone, "unknown timezone %q", s.Timezone).WithCause(err)
	}
	return loc, nil
}

// NextFire returns the first fire time strictly after the given instant,
// evaluated in the schedule's timezone.
func (s *Schedule) NextFire(after time.Time) (time.Time, error) {
	spec, err := cronParser.Parse(s.CronExpr)
	if err != nil {
		return time.Time{}, types.Errorf(types.ErrInvalidCron, "invalid cron expression %q", s.CronExpr).WithCause(err)
	}
	loc, err := s.location()
	if err != nil {
		return time.Time{}, err
	}
	return spec.Next(after.In(loc)), nil
}

// Clone returns a copy safe to hand to callers.
func (s *Schedule) Clone() *Schedule {
	if s == nil {
		return nil
	}
	out := *s
	if s.ClaimedUntil != nil {
		t := *s.ClaimedUntil
		out.ClaimedUntil = &t
	}
	if s.LastFiredAt != nil {
		t := *s.LastFiredAt
		out.LastFiredAt = &t
	}
	return &out
}

// HistoryStatus is the outcome of one scheduled fire.
type HistoryStatus string

const (
	// HistorySubmitted means the fire produced a background run.
	HistorySubmitted HistoryStatus = "submitted"
	// HistoryFailed means submission failed after exhausting retries.
	HistoryFailed HistoryStatus = "failed"
)

// RunHistory is one append-only row per fire attempt outcome.
type RunHistory struct {
	ID         uint          `json:"id"`
	ScheduleID string        `json:"schedule_id"`
	RunID      string        `json:"run_id,omitempty"`
	FiredAt    time.Time     `json:"fired_at"`
	Status     HistoryStatus `json:"status"`
	Error      string        `json:"error,omitempty"`
}
