package run

import (
	"context"

	"go.uber.org/zap"
)

// ApprovalRecorder persists a blocking ledger entry alongside a raised
// requirement, for callers that want a durable audit trail. Implemented by
// the approval ledger.
type ApprovalRecorder interface {
	RecordRequired(ctx context.Context, runID, prompt string) error
}

// Controller converts a step's demand for a human decision or an
// externally-supplied result into a typed pause of the owning run. It is
// the single entry point for raising requirements.
type Controller struct {
	machine  *Machine
	recorder ApprovalRecorder
	logger   *zap.Logger
}

// NewController creates the requirement controller and registers it on the
// machine. recorder may be nil when no persistent audit trail is wanted.
func NewController(machine *Machine, recorder ApprovalRecorder, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		machine:  machine,
		recorder: recorder,
		logger:   logger.With(zap.String("component", "requirement_controller")),
	}
	machine.setController(c)
	return c
}

// Raise pauses the run with a typed requirement and blocks the calling
// worker until resolution or cancellation. The resolution is returned to
// the suspended step as if it were the step's own return value.
func (c *Controller) Raise(ctx context.Context, runID string, kind RequirementKind, toolCallRef, prompt string, v InputValidator) (*Resolution, error) {
	req := &RunRequirement{
		Kind:        kind,
		Prompt:      prompt,
		ToolCallRef: toolCallRef,
	}

	c.logger.Info("requirement raised",
		zap.String("run_id", runID),
		zap.String("kind", string(kind)),
		zap.String("tool_call_ref", toolCallRef),
	)

	if c.recorder != nil {
		if err := c.recorder.RecordRequired(ctx, runID, prompt); err != nil {
			c.logger.Warn("failed to record approval for requirement",
				zap.String("run_id", runID),
				zap.Error(err),
			)
		}
	}

	return c.machine.pauseAndWait(ctx, runID, req, v)
}

func (m *Machine) setController(c *Controller) {
	m.ctrlMu.Lock()
	defer m.ctrlMu.Unlock()
	m.controller = c
}

// requireController returns the registered controller, creating a default
// one (no approval recording) on first use.
func (m *Machine) requireController() *Controller {
	m.ctrlMu.Lock()
	defer m.ctrlMu.Unlock()
	if m.controller == nil {
		m.controller = &Controller{
			machine: m,
			logger:  m.logger.With(zap.String("component", "requirement_controller")),
		}
	}
	return m.controller
}
