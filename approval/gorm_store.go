package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/BaSui01/runflow/types"
)

// approvalRecord is the GORM model for a ledger entry.
type approvalRecord struct {
	ID         string `gorm:"primaryKey;size:64"`
	RunID      string `gorm:"index;size:64"`
	Type       string `gorm:"index;size:16"`
	Status     string `gorm:"index;size:16"`
	Prompt     string `gorm:"type:text"`
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// TableName sets the table name for GORM.
func (approvalRecord) TableName() string {
	return "approvals"
}

// GormStore persists approvals through GORM. The compare-and-swap is a
// single guarded UPDATE (status in the WHERE clause); RowsAffected tells
// winner from loser.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a GORM-backed approval store.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrateApprovals creates or updates the approvals table.
func AutoMigrateApprovals(db *gorm.DB) error {
	if err := db.AutoMigrate(&approvalRecord{}); err != nil {
		return fmt.Errorf("failed to auto migrate approvals: %w", err)
	}
	return nil
}

func (s *GormStore) Create(ctx context.Context, a *Approval) error {
	rec := toApprovalRecord(a)
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return types.NewError(types.ErrStoreUnavailable, "failed to insert approval").WithCause(err).WithRetryable(true)
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, approvalID string) (*Approval, error) {
	var rec approvalRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", approvalID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.Errorf(types.ErrNotFound, "approval not found: %s", approvalID)
	}
	if err != nil {
		return nil, types.NewError(types.ErrStoreUnavailable, "failed to load approval").WithCause(err).WithRetryable(true)
	}
	return fromApprovalRecord(&rec), nil
}

func (s *GormStore) List(ctx context.Context, f Filter) ([]*Approval, error) {
	q := s.db.WithContext(ctx).Model(&approvalRecord{})
	if f.RunID != "" {
		q = q.Where("run_id = ?", f.RunID)
	}
	if f.Type != "" {
		q = q.Where("type = ?", string(f.Type))
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}

	var recs []approvalRecord
	if err := q.Order("created_at").Find(&recs).Error; err != nil {
		return nil, types.NewError(types.ErrStoreUnavailable, "failed to list approvals").WithCause(err).WithRetryable(true)
	}

	out := make([]*Approval, 0, len(recs))
	for i := range recs {
		out = append(out, fromApprovalRecord(&recs[i]))
	}
	return out, nil
}

func (s *GormStore) UpdateStatus(ctx context.Context, approvalID string, expected, next Status, resolvedAt time.Time) (*Approval, error) {
	res := s.db.WithContext(ctx).
		Model(&approvalRecord{}).
		Where("id = ? AND status = ?", approvalID, string(expected)).
		Updates(map[string]any{
			"status":      string(next),
			"resolved_at": resolvedAt,
		})
	if res.Error != nil {
		return nil, types.NewError(types.ErrStoreUnavailable, "failed to update approval").WithCause(res.Error).WithRetryable(true)
	}
	if res.RowsAffected == 0 {
		// Distinguish a missing row from a lost race.
		cur, err := s.Get(ctx, approvalID)
		if err != nil {
			return nil, err
		}
		return nil, types.Errorf(types.ErrStaleApproval, "approval %s is %s, expected %s", approvalID, cur.Status, expected)
	}
	return s.Get(ctx, approvalID)
}

func toApprovalRecord(a *Approval) *approvalRecord {
	return &approvalRecord{
		ID:         a.ID,
		RunID:      a.RunID,
		Type:       string(a.Type),
		Status:     string(a.Status),
		Prompt:     a.Prompt,
		CreatedAt:  a.CreatedAt,
		ResolvedAt: a.ResolvedAt,
	}
}

func fromApprovalRecord(rec *approvalRecord) *Approval {
	return &Approval{
		ID:         rec.ID,
		RunID:      rec.RunID,
		Type:       Type(rec.Type),
		Status:     Status(rec.Status),
		Prompt:     rec.Prompt,
		CreatedAt:  rec.CreatedAt,
		ResolvedAt: rec.ResolvedAt,
	}
}
