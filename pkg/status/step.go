package status

import (
	"strconv"
	"time"
)

// Step is one named phase of the provisioning pipeline tracked for display.
// StartTime is set on the first matching log line, EndTime once the step reaches a terminal status.
type Step struct {
	ID        StepID     `json:"id"`
	Title     string     `json:"title"`
	Status    Status     `json:"status"`
	Logs      []string   `json:"logs"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
}

// NewStep creates a pending step with no logs.
func NewStep(id StepID) Step {
	return Step{ID: id, Title: id.Title(), Status: StatusPending, Logs: []string{}}
}

// InitialSteps returns the five pipeline steps in pending state.
func InitialSteps() []Step {
	res := make([]Step, 0, len(PipelineSteps))
	for _, id := range PipelineSteps {
		res = append(res, NewStep(id))
	}
	return res
}

// NewErrorStep creates the synthetic failed step used when a deployment could not be started.
func NewErrorStep(msg string, ts time.Time) Step {
	return Step{
		ID:        StepError,
		Title:     StepError.Title(),
		Status:    StatusFailed,
		Logs:      []string{msg},
		StartTime: &ts,
		EndTime:   &ts,
	}
}

// Duration returns how long the step has been running, rounded to seconds.
// running steps are measured against now; steps that never started return zero.
func (s Step) Duration(now time.Time) time.Duration {
	if s.StartTime == nil {
		return 0
	}
	end := now
	if s.EndTime != nil {
		end = *s.EndTime
	}
	d := end.Sub(*s.StartTime)
	if d < 0 {
		return 0
	}
	return d.Round(time.Second)
}

// DurationText formats Duration as whole seconds, e.g. "42s". empty for steps that never started.
func (s Step) DurationText(now time.Time) string {
	if s.StartTime == nil {
		return ""
	}
	return strconv.Itoa(int(s.Duration(now)/time.Second)) + "s"
}

// Clone returns a deep copy, safe to hand out of a lock.
func (s Step) Clone() Step {
	res := s
	res.Logs = append([]string{}, s.Logs...)
	if s.StartTime != nil {
		t := *s.StartTime
		res.StartTime = &t
	}
	if s.EndTime != nil {
		t := *s.EndTime
		res.EndTime = &t
	}
	return res
}

// CloneSteps deep-copies a step slice.
func CloneSteps(steps []Step) []Step {
	res := make([]Step, len(steps))
	for i, s := range steps {
		res[i] = s.Clone()
	}
	return res
}

// Overall folds step statuses into a single deployment status.
// any failed step fails the deployment; it completes only when every step completed.
func Overall(steps []Step) Status {
	if len(steps) == 0 {
		return StatusPending
	}
	started, completed := false, 0
	for _, s := range steps {
		switch s.Status {
		case StatusFailed:
			return StatusFailed
		case StatusCompleted:
			completed++
			started = true
		case StatusRunning:
			started = true
		}
	}
	switch {
	case completed == len(steps):
		return StatusCompleted
	case started:
		return StatusRunning
	default:
		return StatusPending
	}
}
