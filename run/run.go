package run

import (
	"context"
	"strings"
	"time"

	"github.com/BaSui01/runflow/types"
)

// Status represents the lifecycle state of a Run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// RequirementKind is the typed reason a Run is paused.
type RequirementKind string

const (
	// RequirementConfirmation asks a human to approve or reject a step.
	RequirementConfirmation RequirementKind = "confirmation"
	// RequirementUserInput asks for free-form structured input matching the
	// suspended tool's declared input shape.
	RequirementUserInput RequirementKind = "user_input"
	// RequirementExternalExecution asks an outside party to perform the step
	// and supply a stand-in result.
	RequirementExternalExecution RequirementKind = "external_execution"
)

// Valid reports whether the kind is one of the closed set.
func (k RequirementKind) Valid() bool {
	switch k {
	case RequirementConfirmation, RequirementUserInput, RequirementExternalExecution:
		return true
	}
	return false
}

// RunRequirement describes why a Run is paused. It is immutable once
// created; a Run has at most one active requirement at a time.
type RunRequirement struct {
	Kind        RequirementKind `json:"kind"`
	Prompt      string          `json:"prompt"`
	ToolCallRef string          `json:"tool_call_ref"`

	// OriginRunID identifies the run that actually raised the requirement
	// when the pause bubbled up from a delegated sub-run. Empty when the
	// requirement was raised by this run itself.
	OriginRunID string `json:"origin_run_id,omitempty"`
}

// Resolution carries the value supplied when a paused Run is resumed.
// Which field is consulted depends on the requirement kind: Approved for
// confirmation, Input for user_input, Result for external_execution.
type Resolution struct {
	Approved bool   `json:"approved"`
	Input    any    `json:"input,omitempty"`
	Result   any    `json:"result,omitempty"`
	Comment  string `json:"comment,omitempty"`
}

// Result is the terminal output of a completed Run.
type Result struct {
	Content  string         `json:"content"`
	Output   any            `json:"output,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SpecKind identifies what a Spec invokes.
type SpecKind string

const (
	SpecKindAgent    SpecKind = "agent"
	SpecKindTeam     SpecKind = "team"
	SpecKindWorkflow SpecKind = "workflow"
)

// Spec describes one unit of agentic work to execute. Payload is opaque to
// the engine and handed through to the Invoker unchanged.
type Spec struct {
	Name    string         `json:"name"`
	Kind    SpecKind       `json:"kind"`
	Payload any            `json:"payload,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Validate rejects malformed specs before they enter the state machine.
func (s *Spec) Validate() error {
	if s == nil {
		return types.NewError(types.ErrInvalidRequest, "spec cannot be nil")
	}
	if strings.TrimSpace(s.Name) == "" {
		return types.NewError(types.ErrInvalidRequest, "spec name cannot be empty")
	}
	switch s.Kind {
	case SpecKindAgent, SpecKindTeam, SpecKindWorkflow:
	default:
		return types.Errorf(types.ErrInvalidRequest, "unknown spec kind: %s", s.Kind)
	}
	return nil
}

// Run is one execution unit with its own lifecycle. Requirement is non-nil
// iff Status is paused; exactly one of Result/Error is set iff Status is
// completed/failed.
type Run struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	ParentRunID string          `json:"parent_run_id,omitempty"`
	Spec        *Spec           `json:"spec,omitempty"`
	Status      Status          `json:"status"`
	Requirement *RunRequirement `json:"requirement,omitempty"`
	Result      *Result         `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Clone returns a deep-enough copy for handing snapshots to callers.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	if r.Requirement != nil {
		req := *r.Requirement
		out.Requirement = &req
	}
	if r.Result != nil {
		res := *r.Result
		out.Result = &res
	}
	return &out
}

// Invoker executes one unit of agentic work. Implementations call back into
// the engine through the supplied Context to raise requirements and to
// observe cancellation at step boundaries. The model collaborator is called
// synchronously from the worker goroutine driving the run.
type Invoker interface {
	Invoke(ctx context.Context, rc *Context, spec *Spec) (*Result, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, rc *Context, spec *Spec) (*Result, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, rc *Context, spec *Spec) (*Result, error) {
	return f(ctx, rc, spec)
}

// InputValidator checks that user_input resolution data matches the
// originating tool's declared input shape.
type InputValidator func(input any) error
