package deploy

import (
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/learning-org-2565/infradeploy/pkg/status"
)

// Tracker holds the step state of one deployment.
// every Apply reparses the full log text and merges it into the current state, so reapplying
// the same text is idempotent: logs are replaced, statuses only move forward, and timestamps
// observed on an earlier poll are kept.
type Tracker struct {
	mu         sync.Mutex
	classifier *Classifier
	steps      []status.Step // pipeline steps, in display order
	extra      []status.Step // synthetic steps (dispatch errors)
	now        func() time.Time
	onChange   func(steps []status.Step)
	overall    status.Holder
}

// NewTracker creates a tracker with the five pipeline steps in pending state.
func NewTracker(classifier *Classifier) *Tracker {
	if classifier == nil {
		classifier = NewClassifier(nil, nil)
	}
	return &Tracker{
		classifier: classifier,
		steps:      status.InitialSteps(),
		now:        time.Now,
	}
}

// OnChange registers a callback fired with a snapshot after Apply or Fail changed the steps.
// only one callback is supported; subsequent calls replace the previous one.
func (t *Tracker) OnChange(fn func(steps []status.Step)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// OnStatusChange registers a callback fired when the overall deployment status changes.
func (t *Tracker) OnStatusChange(fn func(old, cur status.Status)) {
	t.overall.OnChange(fn)
}

// Steps returns a deep copy of all steps, pipeline steps first.
func (t *Tracker) Steps() []status.Step {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot()
}

// Status returns the overall deployment status.
func (t *Tracker) Status() status.Status {
	return t.overall.Get()
}

// Finished reports whether the deployment reached a terminal status.
func (t *Tracker) Finished() bool {
	return t.overall.Get().IsTerminal()
}

// Apply classifies the full log text and merges the result into the current steps.
// returns true if anything changed.
func (t *Tracker) Apply(logText string) bool {
	t.mu.Lock()
	now := t.now()
	fresh := t.parse(logText, now)

	before := t.snapshot()
	for i := range t.steps {
		t.steps[i] = merge(t.steps[i], fresh[i])
	}
	after := t.snapshot()
	changed := !reflect.DeepEqual(before, after)
	cb := t.onChange
	t.mu.Unlock()

	t.overall.Set(status.Overall(after))
	if changed && cb != nil {
		cb(after)
	}
	return changed
}

// Fail appends a synthetic failed step carrying the error message.
func (t *Tracker) Fail(err error) {
	t.mu.Lock()
	t.extra = append(t.extra, status.NewErrorStep(err.Error(), t.now()))
	after := t.snapshot()
	cb := t.onChange
	t.mu.Unlock()

	t.overall.Set(status.StatusFailed)
	if cb != nil {
		cb(after)
	}
}

// parse builds step state from scratch for the given log text.
// lines without a runner timestamp are stamped with now.
func (t *Tracker) parse(logText string, now time.Time) []status.Step {
	steps := status.InitialSteps()
	index := make(map[status.StepID]int, len(steps))
	for i, s := range steps {
		index[s.ID] = i
	}

	for line := range strings.SplitSeq(logText, "\n") {
		m, ok := t.classifier.Classify(line)
		if !ok {
			continue
		}
		i, ok := index[m.Step]
		if !ok {
			continue
		}
		ts := m.Time
		if ts.IsZero() {
			ts = now
		}

		s := &steps[i]
		if s.StartTime == nil {
			start := ts
			s.StartTime = &start
			s.Status = status.StatusRunning
		}
		s.Logs = append(s.Logs, m.Text)
		if m.Status.IsTerminal() && !s.Status.IsTerminal() {
			end := ts
			s.Status = m.Status
			s.EndTime = &end
		}
	}
	return steps
}

// merge combines the previously known state of a step with a fresh parse of it.
func merge(prev, fresh status.Step) status.Step {
	res := prev
	res.Logs = fresh.Logs
	res.Status = prev.Status.Advance(fresh.Status)
	if res.StartTime == nil {
		res.StartTime = fresh.StartTime
	}
	if res.EndTime == nil && res.Status.IsTerminal() {
		res.EndTime = fresh.EndTime
	}
	return res
}

// snapshot copies steps and extra; must be called with lock held.
func (t *Tracker) snapshot() []status.Step {
	res := make([]status.Step, 0, len(t.steps)+len(t.extra))
	res = append(res, status.CloneSteps(t.steps)...)
	res = append(res, status.CloneSteps(t.extra)...)
	return res
}
