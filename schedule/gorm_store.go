package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/BaSui01/runflow/run"
	"github.com/BaSui01/runflow/types"
)

// scheduleRecord is the GORM model for a Schedule. The target spec is stored
// as JSON text.
type scheduleRecord struct {
	ID        string `gorm:"primaryKey;size:64"`
	Name      string `gorm:"uniqueIndex;size:128"`
	Spec      string `gorm:"type:text"`
	SessionID string `gorm:"index;size:64"`

	CronExpr string `gorm:"size:64"`
	Timezone string `gorm:"size:64"`
	Enabled  bool   `gorm:"index"`

	RetryCount int
	RetryDelay time.Duration

	ClaimedUntil *time.Time
	LastFiredAt  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (scheduleRecord) TableName() string {
	return "schedules"
}

// historyRecord is one append-only fire outcome row.
type historyRecord struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	ScheduleID string `gorm:"index;size:64"`
	RunID      string `gorm:"size:64"`
	FiredAt    time.Time
	Status     string `gorm:"size:16"`
	Error      string `gorm:"type:text"`
}

func (historyRecord) TableName() string {
	return "schedule_run_history"
}

// GormStore persists schedules through GORM. The lease claim is a single
// guarded UPDATE; RowsAffected tells winner from loser.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a GORM-backed schedule store.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrateSchedules creates or updates the schedule tables.
func AutoMigrateSchedules(db *gorm.DB) error {
	if err := db.AutoMigrate(&scheduleRecord{}, &historyRecord{}); err != nil {
		return fmt.Errorf("failed to auto migrate schedules: %w", err)
	}
	return nil
}

func (s *GormStore) Create(ctx context.Context, sch *Schedule) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&scheduleRecord{}).Where("name = ?", sch.Name).Count(&count).Error; err != nil {
		return types.NewError(types.ErrStoreUnavailable, "failed to check schedule name").WithCause(err).WithRetryable(true)
	}
	if count > 0 {
		return types.Errorf(types.ErrDuplicateName, "schedule name already exists: %s", sch.Name)
	}

	rec, err := toScheduleRecord(sch)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return types.NewError(types.ErrStoreUnavailable, "failed to insert schedule").WithCause(err).WithRetryable(true)
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, scheduleID string) (*Schedule, error) {
	var rec scheduleRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", scheduleID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.Errorf(types.ErrNotFound, "schedule not found: %s", scheduleID)
	}
	if err != nil {
		return nil, types.NewError(types.ErrStoreUnavailable, "failed to load schedule").WithCause(err).WithRetryable(true)
	}
	return fromScheduleRecord(&rec)
}

func (s *GormStore) List(ctx context.Context) ([]*Schedule, error) {
	var recs []scheduleRecord
	if err := s.db.WithContext(ctx).Order("created_at").Find(&recs).Error; err != nil {
		return nil, types.NewError(types.ErrStoreUnavailable, "failed to list schedules").WithCause(err).WithRetryable(true)
	}
	out := make([]*Schedule, 0, len(recs))
	for i := range recs {
		sch, err := fromScheduleRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, sch)
	}
	return out, nil
}

func (s *GormStore) SetEnabled(ctx context.Context, scheduleID string, enabled bool) (*Schedule, error) {
	res := s.db.WithContext(ctx).Model(&scheduleRecord{}).Where("id = ?", scheduleID).Updates(map[string]any{
		"enabled":    enabled,
		"updated_at": time.Now(),
	})
	if res.Error != nil {
		return nil, types.NewError(types.ErrStoreUnavailable, "failed to update schedule").WithCause(res.Error).WithRetryable(true)
	}
	if res.RowsAffected == 0 {
		return nil, types.Errorf(types.ErrNotFound, "schedule not found: %s", scheduleID)
	}
	return s.Get(ctx, scheduleID)
}

func (s *GormStore) Delete(ctx context.Context, scheduleID string) error {
	res := s.db.WithContext(ctx).Delete(&scheduleRecord{}, "id = ?", scheduleID)
	if res.Error != nil {
		return types.NewError(types.ErrStoreUnavailable, "failed to delete schedule").WithCause(res.Error).WithRetryable(true)
	}
	if res.RowsAffected == 0 {
		return types.Errorf(types.ErrNotFound, "schedule not found: %s", scheduleID)
	}
	return nil
}

// Claim sets the lease iff the current one is null or past. The guard lives
// in the WHERE clause so two pollers racing resolve in the database, not in
// application code.
func (s *GormStore) Claim(ctx context.Context, scheduleID string, until, now time.Time) (*Schedule, error) {
	res := s.db.WithContext(ctx).
		Model(&scheduleRecord{}).
		Where("id = ? AND (claimed_until IS NULL OR claimed_until < ?)", scheduleID, now).
		Updates(map[string]any{
			"claimed_until": until,
			"updated_at":    now,
		})
	if res.Error != nil {
		return nil, types.NewError(types.ErrStoreUnavailable, "failed to claim schedule").WithCause(res.Error).WithRetryable(true)
	}
	if res.RowsAffected == 0 {
		// Distinguish a missing schedule from a held lease.
		if _, err := s.Get(ctx, scheduleID); err != nil {
			return nil, err
		}
		return nil, types.Errorf(types.ErrScheduleClaimed, "schedule %s is leased by another poller", scheduleID)
	}
	return s.Get(ctx, scheduleID)
}

func (s *GormStore) MarkFired(ctx context.Context, scheduleID string, firedAt time.Time) error {
	res := s.db.WithContext(ctx).Model(&scheduleRecord{}).Where("id = ?", scheduleID).Updates(map[string]any{
		"last_fired_at": firedAt,
		"updated_at":    firedAt,
	})
	if res.Error != nil {
		return types.NewError(types.ErrStoreUnavailable, "failed to mark schedule fired").WithCause(res.Error).WithRetryable(true)
	}
	if res.RowsAffected == 0 {
		return types.Errorf(types.ErrNotFound, "schedule not found: %s", scheduleID)
	}
	return nil
}

func (s *GormStore) AppendHistory(ctx context.Context, h *RunHistory) error {
	rec := &historyRecord{
		ScheduleID: h.ScheduleID,
		RunID:      h.RunID,
		FiredAt:    h.FiredAt,
		Status:     string(h.Status),
		Error:      h.Error,
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return types.NewError(types.ErrStoreUnavailable, "failed to append schedule history").WithCause(err).WithRetryable(true)
	}
	h.ID = rec.ID
	return nil
}

func (s *GormStore) History(ctx context.Context, scheduleID string) ([]*RunHistory, error) {
	var recs []historyRecord
	if err := s.db.WithContext(ctx).Where("schedule_id = ?", scheduleID).Order("fired_at").Find(&recs).Error; err != nil {
		return nil, types.NewError(types.ErrStoreUnavailable, "failed to load schedule history").WithCause(err).WithRetryable(true)
	}
	out := make([]*RunHistory, 0, len(recs))
	for i := range recs {
		rec := recs[i]
		out = append(out, &RunHistory{
			ID:         rec.ID,
			ScheduleID: rec.ScheduleID,
			RunID:      rec.RunID,
			FiredAt:    rec.FiredAt,
			Status:     HistoryStatus(rec.Status),
			Error:      rec.Error,
		})
	}
	return out, nil
}

func toScheduleRecord(sch *Schedule) (*scheduleRecord, error) {
	raw, err := json.Marshal(sch.Spec)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "schedule spec is not JSON-serializable").WithCause(err)
	}
	return &scheduleRecord{
		ID:           sch.ID,
		Name:         sch.Name,
		Spec:         string(raw),
		SessionID:    sch.SessionID,
		CronExpr:     sch.CronExpr,
		Timezone:     sch.Timezone,
		Enabled:      sch.Enabled,
		RetryCount:   sch.RetryCount,
		RetryDelay:   sch.RetryDelay,
		ClaimedUntil: sch.ClaimedUntil,
		LastFiredAt:  sch.LastFiredAt,
		CreatedAt:    sch.CreatedAt,
		UpdatedAt:    sch.UpdatedAt,
	}, nil
}

func fromScheduleRecord(rec *scheduleRecord) (*Schedule, error) {
	sch := &Schedule{
		ID:           rec.ID,
		Name:         rec.Name,
		SessionID:    rec.SessionID,
		CronExpr:     rec.CronExpr,
		Timezone:     rec.Timezone,
		Enabled:      rec.Enabled,
		RetryCount:   rec.RetryCount,
		RetryDelay:   rec.RetryDelay,
		ClaimedUntil: rec.ClaimedUntil,
		LastFiredAt:  rec.LastFiredAt,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
	if rec.Spec != "" {
		sch.Spec = &run.Spec{}
		if err := json.Unmarshal([]byte(rec.Spec), sch.Spec); err != nil {
			return nil, types.NewError(types.ErrInternalError, "corrupt schedule spec").WithCause(err)
		}
	}
	return sch, nil
}
