package approval

import "time"

// Type distinguishes blocking approvals from audit records.
type Type string

const (
	// TypeRequired blocks the run until resolved.
	TypeRequired Type = "required"
	// TypeAudit records an already-made HITL decision; no blocking window.
	TypeAudit Type = "audit"
)

// Status represents the state of a ledger entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// Approval is one durable ledger entry tracking a human decision.
type Approval struct {
	ID         string     `json:"id"`
	RunID      string     `json:"run_id"`
	Type       Type       `json:"type"`
	Status     Status     `json:"status"`
	Prompt     string     `json:"prompt"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Clone returns a copy safe to hand to callers.
func (a *Approval) Clone() *Approval {
	if a == nil {
		return nil
	}
	out := *a
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		out.ResolvedAt = &t
	}
	return &out
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	RunID  string
	Type   Type
	Status Status
}
