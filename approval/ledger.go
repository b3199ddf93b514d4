package approval

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/runflow/types"
)

// Ledger is the approval ledger. It creates entries, resolves them through
// the store's compare-and-swap, and expires stale pending entries once a
// TTL is configured.
type Ledger struct {
	store  Store
	logger *zap.Logger

	// ttl is how long a required approval may stay pending before the
	// sweeper expires it. Zero disables expiry.
	ttl time.Duration

	now func() time.Time
}

// NewLedger creates an approval ledger. ttl of zero disables expiry.
func NewLedger(store Store, ttl time.Duration, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		store:  store,
		logger: logger.With(zap.String("component", "approval_ledger")),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Create adds a required approval in pending state. The run stays blocked
// until the entry is resolved.
func (l *Ledger) Create(ctx context.Context, runID, prompt string) (*Approval, error) {
	return l.create(ctx, runID, TypeRequired, StatusPending, prompt)
}

// CreateAudit records an already-made HITL decision. The entry is created
// directly in its terminal state; no blocking window exists.
func (l *Ledger) CreateAudit(ctx context.Context, runID, prompt string, approved bool) (*Approval, error) {
	status := StatusApproved
	if !approved {
		status = StatusRejected
	}
	return l.create(ctx, runID, TypeAudit, status, prompt)
}

func (l *Ledger) create(ctx context.Context, runID string, typ Type, status Status, prompt string) (*Approval, error) {
	a := &Approval{
		ID:        uuid.New().String(),
		RunID:     runID,
		Type:      typ,
		Status:    status,
		Prompt:    prompt,
		CreatedAt: l.now(),
	}
	if status.Terminal() {
		t := a.CreatedAt
		a.ResolvedAt = &t
	}

	if err := l.store.Create(ctx, a); err != nil {
		return nil, types.NewError(types.ErrStoreUnavailable, "failed to create approval").WithCause(err).WithRetryable(true)
	}

	l.logger.Info("approval created",
		zap.String("approval_id", a.ID),
		zap.String("run_id", runID),
		zap.String("type", string(typ)),
		zap.String("status", string(status)),
	)
	return a, nil
}

// RecordRequired implements run.ApprovalRecorder so the requirement
// controller can persist a blocking entry alongside a raised requirement.
func (l *Ledger) RecordRequired(ctx context.Context, runID, prompt string) error {
	_, err := l.Create(ctx, runID, prompt)
	return err
}

// Resolve applies the new status iff the stored status equals expected.
// Exactly one of N concurrent resolvers wins; the rest observe
// STALE_APPROVAL and must re-read current status before retrying.
func (l *Ledger) Resolve(ctx context.Context, approvalID string, next, expected Status) (*Approval, error) {
	if !next.Terminal() {
		return nil, types.Errorf(types.ErrInvalidRequest, "cannot resolve approval to non-terminal status %s", next)
	}

	a, err := l.store.UpdateStatus(ctx, approvalID, expected, next, l.now())
	if err != nil {
		return nil, err
	}

	l.logger.Info("approval resolved",
		zap.String("approval_id", approvalID),
		zap.String("status", string(next)),
	)
	return a, nil
}

// Expire transitions pending→expired through the same guarded update.
func (l *Ledger) Expire(ctx context.Context, approvalID string) (*Approval, error) {
	return l.Resolve(ctx, approvalID, StatusExpired, StatusPending)
}

// Get returns a single ledger entry.
func (l *Ledger) Get(ctx context.Context, approvalID string) (*Approval, error) {
	return l.store.Get(ctx, approvalID)
}

// List filters ledger entries. Pure read, no concurrency concern.
func (l *Ledger) List(ctx context.Context, f Filter) ([]*Approval, error) {
	return l.store.List(ctx, f)
}

// StartExpiry runs the TTL sweeper until ctx is cancelled. Entries still
// pending past the TTL are expired via the guarded update, so a sweep
// racing a human click fails loudly on the losing side instead of
// corrupting state.
func (l *Ledger) StartExpiry(ctx context.Context, interval time.Duration) {
	if l.ttl <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.sweepExpired(ctx)
			}
		}
	}()
}

func (l *Ledger) sweepExpired(ctx context.Context) {
	pending, err := l.store.List(ctx, Filter{Status: StatusPending})
	if err != nil {
		l.logger.Warn("expiry sweep failed to list", zap.Error(err))
		return
	}

	cutoff := l.now().Add(-l.ttl)
	for _, a := range pending {
		if !a.CreatedAt.Before(cutoff) {
			continue
		}
		if _, err := l.Expire(ctx, a.ID); err != nil {
			// A concurrent resolver won; nothing to do.
			if types.IsCode(err, types.ErrStaleApproval) {
				continue
			}
			l.logger.Warn("failed to expire approval",
				zap.String("approval_id", a.ID),
				zap.Error(err),
			)
			continue
		}
		l.logger.Info("approval expired", zap.String("approval_id", a.ID))
	}
}
