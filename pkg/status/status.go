// Package status defines shared deployment-model types for infradeploy.
// step identifiers, step statuses and the step record used by deploy, watch, progress, and web packages.
package status

// Status represents the lifecycle state of a deployment step.
type Status string

// Status constants for step lifecycle.
const (
	StatusPending   Status = "pending"   // not seen in logs yet
	StatusRunning   Status = "running"   // first matching log line seen
	StatusCompleted Status = "completed" // success keyword seen
	StatusFailed    Status = "failed"    // failure keyword seen
)

// IsTerminal returns true for completed and failed statuses.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Icon returns the symbol shown next to a step with this status.
func (s Status) Icon() string {
	switch s {
	case StatusCompleted:
		return "✓"
	case StatusFailed:
		return "✗"
	case StatusRunning:
		return "●"
	default:
		return "○"
	}
}

// rank orders statuses so transitions can only move forward.
func (s Status) rank() int {
	switch s {
	case StatusRunning:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return 0
	}
}

// Advance returns the status a step should have after observing next.
// pending -> running -> completed|failed; a terminal status never changes.
func (s Status) Advance(next Status) Status {
	if s.IsTerminal() {
		return s
	}
	if next.rank() > s.rank() {
		return next
	}
	return s
}

// StepID identifies one phase of the provisioning pipeline.
type StepID string

// StepID constants, in pipeline order.
const (
	StepInit     StepID = "init"
	StepValidate StepID = "validate"
	StepPlan     StepID = "plan"
	StepApply    StepID = "apply"
	StepVerify   StepID = "verify"
	StepError    StepID = "error" // synthetic step for dispatch failures
)

// PipelineSteps lists the tracked steps in display order.
var PipelineSteps = []StepID{StepInit, StepValidate, StepPlan, StepApply, StepVerify}

// stepTitles maps step ids to display titles.
var stepTitles = map[StepID]string{
	StepInit:     "Initialize Terraform",
	StepValidate: "Validate Configuration",
	StepPlan:     "Terraform Plan",
	StepApply:    "Terraform Apply",
	StepVerify:   "Verify Infrastructure",
	StepError:    "Deployment Error",
}

// Title returns the display title for the step id.
func (id StepID) Title() string {
	if t, ok := stepTitles[id]; ok {
		return t
	}
	return string(id)
}
