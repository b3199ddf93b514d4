package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/BaSui01/runflow/types"
)

// runRecord is the GORM model for a Run. Spec, requirement, and result are
// stored as JSON text; spec payloads must therefore be JSON-serializable
// when a durable store is used.
type runRecord struct {
	ID          string `gorm:"primaryKey;size:64"`
	SessionID   string `gorm:"index;size:64"`
	ParentRunID string `gorm:"index;size:64"`
	Status      string `gorm:"index;size:16"`
	Spec        string `gorm:"type:text"`
	Requirement string `gorm:"type:text"`
	Result      string `gorm:"type:text"`
	Error       string `gorm:"type:text"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TableName sets the table name for GORM.
func (runRecord) TableName() string {
	return "runs"
}

// GormRunStore persists runs through GORM. Supports PostgreSQL, MySQL, and
// SQLite via the driver configured on the *gorm.DB.
type GormRunStore struct {
	db *gorm.DB
}

// NewGormRunStore creates a GORM-backed run store.
func NewGormRunStore(db *gorm.DB) *GormRunStore {
	return &GormRunStore{db: db}
}

// AutoMigrateRuns creates or updates the runs table.
func AutoMigrateRuns(db *gorm.DB) error {
	if err := db.AutoMigrate(&runRecord{}); err != nil {
		return fmt.Errorf("failed to auto migrate runs: %w", err)
	}
	return nil
}

func (s *GormRunStore) Save(ctx context.Context, r *Run) error {
	rec, err := toRunRecord(r)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return types.NewError(types.ErrStoreUnavailable, "failed to insert run").WithCause(err).WithRetryable(true)
	}
	return nil
}

func (s *GormRunStore) Load(ctx context.Context, runID string) (*Run, error) {
	var rec runRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.Errorf(types.ErrNotFound, "run not found: %s", runID)
	}
	if err != nil {
		return nil, types.NewError(types.ErrStoreUnavailable, "failed to load run").WithCause(err).WithRetryable(true)
	}
	return fromRunRecord(&rec)
}

func (s *GormRunStore) Update(ctx context.Context, r *Run) error {
	rec, err := toRunRecord(r)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&runRecord{}).Where("id = ?", r.ID).Updates(map[string]any{
		"session_id":    rec.SessionID,
		"parent_run_id": rec.ParentRunID,
		"status":        rec.Status,
		"spec":          rec.Spec,
		"requirement":   rec.Requirement,
		"result":        rec.Result,
		"error":         rec.Error,
		"updated_at":    rec.UpdatedAt,
	})
	if res.Error != nil {
		return types.NewError(types.ErrStoreUnavailable, "failed to update run").WithCause(res.Error).WithRetryable(true)
	}
	if res.RowsAffected == 0 {
		return types.Errorf(types.ErrNotFound, "run not found: %s", r.ID)
	}
	return nil
}

func (s *GormRunStore) ListBySession(ctx context.Context, sessionID string) ([]*Run, error) {
	return s.list(ctx, "session_id = ?", sessionID)
}

func (s *GormRunStore) ListByParent(ctx context.Context, parentRunID string) ([]*Run, error) {
	if parentRunID == "" {
		return nil, nil
	}
	return s.list(ctx, "parent_run_id = ?", parentRunID)
}

func (s *GormRunStore) list(ctx context.Context, query string, args ...any) ([]*Run, error) {
	var recs []runRecord
	if err := s.db.WithContext(ctx).Where(query, args...).Order("created_at").Find(&recs).Error; err != nil {
		return nil, types.NewError(types.ErrStoreUnavailable, "failed to list runs").WithCause(err).WithRetryable(true)
	}
	runs := make([]*Run, 0, len(recs))
	for i := range recs {
		r, err := fromRunRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, nil
}

func toRunRecord(r *Run) (*runRecord, error) {
	rec := &runRecord{
		ID:          r.ID,
		SessionID:   r.SessionID,
		ParentRunID: r.ParentRunID,
		Status:      string(r.Status),
		Error:       r.Error,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	var err error
	if rec.Spec, err = marshalField(r.Spec); err != nil {
		return nil, err
	}
	// An absent requirement is stored as empty, never a sentinel value.
	if rec.Requirement, err = marshalField(r.Requirement); err != nil {
		return nil, err
	}
	if rec.Result, err = marshalField(r.Result); err != nil {
		return nil, err
	}
	return rec, nil
}

func fromRunRecord(rec *runRecord) (*Run, error) {
	r := &Run{
		ID:          rec.ID,
		SessionID:   rec.SessionID,
		ParentRunID: rec.ParentRunID,
		Status:      Status(rec.Status),
		Error:       rec.Error,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
	if rec.Spec != "" {
		r.Spec = &Spec{}
		if err := json.Unmarshal([]byte(rec.Spec), r.Spec); err != nil {
			return nil, types.NewError(types.ErrInternalError, "corrupt run spec").WithCause(err)
		}
	}
	if rec.Requirement != "" {
		r.Requirement = &RunRequirement{}
		if err := json.Unmarshal([]byte(rec.Requirement), r.Requirement); err != nil {
			return nil, types.NewError(types.ErrInternalError, "corrupt run requirement").WithCause(err)
		}
	}
	if rec.Result != "" {
		r.Result = &Result{}
		if err := json.Unmarshal([]byte(rec.Result), r.Result); err != nil {
			return nil, types.NewError(types.ErrInternalError, "corrupt run result").WithCause(err)
		}
	}
	return r, nil
}

func marshalField(v any) (string, error) {
	switch t := v.(type) {
	case *Spec:
		if t == nil {
			return "", nil
		}
	case *RunRequirement:
		if t == nil {
			return "", nil
		}
	case *Result:
		if t == nil {
			return "", nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", types.NewError(types.ErrInvalidRequest, "value is not JSON-serializable").WithCause(err)
	}
	return string(raw), nil
}
