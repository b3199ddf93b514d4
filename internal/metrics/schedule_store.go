package metrics

import (
	"context"
	"time"

	"github.com/BaSui01/runflow/schedule"
	"github.com/BaSui01/runflow/types"
)

// instrumentedScheduleStore wraps a schedule store and counts lease claim
// outcomes and fire outcomes. Claims and history appends are the two store
// operations that tell the scheduling story; everything else passes through.
type instrumentedScheduleStore struct {
	schedule.Store
	c *Collector
}

// InstrumentScheduleStore decorates a schedule store with the collector's
// claim and fire counters.
func InstrumentScheduleStore(store schedule.Store, c *Collector) schedule.Store {
	return &instrumentedScheduleStore{Store: store, c: c}
}

func (s *instrumentedScheduleStore) Claim(ctx context.Context, scheduleID string, until, now time.Time) (*schedule.Schedule, error) {
	sch, err := s.Store.Claim(ctx, scheduleID, until, now)
	switch {
	case err == nil:
		s.c.ScheduleClaims.WithLabelValues("won").Inc()
	case types.IsCode(err, types.ErrScheduleClaimed):
		s.c.ScheduleClaims.WithLabelValues("lost").Inc()
	}
	return sch, err
}

func (s *instrumentedScheduleStore) AppendHistory(ctx context.Context, h *schedule.RunHistory) error {
	err := s.Store.AppendHistory(ctx, h)
	if err == nil {
		s.c.ScheduleFires.WithLabelValues(string(h.Status)).Inc()
	}
	return err
}
