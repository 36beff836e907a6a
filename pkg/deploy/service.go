package deploy

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/google/uuid"

	"github.com/learning-org-2565/infradeploy/pkg/config"
	"github.com/learning-org-2565/infradeploy/pkg/notify"
	"github.com/learning-org-2565/infradeploy/pkg/status"
	"github.com/learning-org-2565/infradeploy/pkg/watch"
)

// CI is the remote workflow system: dispatch a run, find it, read its logs.
type CI interface {
	Dispatch(ctx context.Context, inputs map[string]any) error
	LastRunID(ctx context.Context) (int64, error)
	LatestRunID(ctx context.Context, since time.Time, after int64) (int64, error)
	Logs(ctx context.Context, runID int64) (string, error)
	RunURL(runID int64) string
}

// Notifier sends a deployment outcome somewhere. *notify.Service satisfies it, including a nil one.
type Notifier interface {
	Send(ctx context.Context, r notify.Result)
}

// ServiceConfig holds configuration for the deployment service.
type ServiceConfig struct {
	CI         CI
	Choices    config.Choices
	Classifier *Classifier
	Watch      watch.Config
	Notifier   Notifier // optional
	Log        lgr.L    // optional, defaults to lgr.NoOp
}

// Service dispatches deployments and tracks them.
type Service struct {
	ci         CI
	choices    config.Choices
	classifier *Classifier
	watchCfg   watch.Config
	notifier   Notifier
	log        lgr.L

	// dispatchMu serializes dispatch and run lookup, so concurrent deployments can't resolve to the same run
	dispatchMu sync.Mutex
}

// NewService creates a deployment service.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Log == nil {
		cfg.Log = lgr.NoOp
	}
	if cfg.Classifier == nil {
		cfg.Classifier = NewClassifier(nil, nil)
	}
	return &Service{
		ci:         cfg.CI,
		choices:    cfg.Choices,
		classifier: cfg.Classifier,
		watchCfg:   cfg.Watch,
		notifier:   cfg.Notifier,
		log:        cfg.Log,
	}
}

// Deployment is one dispatched (or failed-to-dispatch) workflow run and its tracked steps.
type Deployment struct {
	ID        string
	RunID     int64 // zero when dispatch failed
	RunURL    string
	Request   Request
	Tracker   *Tracker
	CreatedAt time.Time

	mu      sync.Mutex
	watcher *watch.Watcher
}

// Done returns a channel closed when tracking stopped. it is closed already for
// deployments that never started polling.
func (d *Deployment) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.watcher == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return d.watcher.Done()
}

// Stop stops polling, blocking until the poll loop exits.
func (d *Deployment) Stop() {
	d.mu.Lock()
	w := d.watcher
	d.mu.Unlock()
	if w != nil {
		w.Stop()
	}
}

// Deploy validates the request, dispatches the workflow and resolves the run it started.
// an invalid request returns only an error. dispatch and run lookup failures return the
// deployment, holding the five initial steps plus a failed error step, together with the error.
// the returned deployment does not poll until Track is called.
func (s *Service) Deploy(ctx context.Context, req Request) (*Deployment, error) {
	req = req.Normalize()
	if err := req.Validate(s.choices); err != nil {
		return nil, err
	}

	d := s.newDeployment(req)
	s.log.Logf("[INFO] deploying %s (%s) to %s/%s, environment %s", req.ProjectName, req.ProjectID,
		req.Region, req.Zone, req.Environment)

	runID, err := s.dispatch(ctx, req)
	if err != nil {
		s.fail(ctx, d, err)
		return d, err
	}
	d.RunID = runID
	d.RunURL = s.ci.RunURL(runID)
	s.log.Logf("[INFO] workflow run %d started, %s", runID, d.RunURL)
	return d, nil
}

// dispatch triggers the workflow and returns the id of the run it started.
// the run is the first one listed above the run that was latest before the dispatch.
func (s *Service) dispatch(ctx context.Context, req Request) (int64, error) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	prevID, err := s.ci.LastRunID(ctx)
	if err != nil {
		return 0, fmt.Errorf("find previous workflow run: %w", err)
	}

	dispatchedAt := time.Now()
	if err := s.ci.Dispatch(ctx, req.Inputs()); err != nil {
		return 0, fmt.Errorf("dispatch workflow: %w", err)
	}

	runID, err := s.ci.LatestRunID(ctx, dispatchedAt, prevID)
	if err != nil {
		return 0, fmt.Errorf("find workflow run: %w", err)
	}
	return runID, nil
}

// Attach creates a deployment for an existing run without dispatching anything.
func (s *Service) Attach(runID int64) (*Deployment, error) {
	if runID <= 0 {
		return nil, errors.New("run id must be positive")
	}
	d := s.newDeployment(Request{})
	d.RunID = runID
	d.RunURL = s.ci.RunURL(runID)
	return d, nil
}

// Track starts polling the deployment's run logs until ctx is canceled, the deployment
// finishes or the configured max duration passes. it returns immediately.
// the notifier is called once when the deployment reaches a terminal status.
func (s *Service) Track(ctx context.Context, d *Deployment) error {
	if d.RunID == 0 {
		return errors.New("deployment has no workflow run")
	}

	d.Tracker.OnStatusChange(func(_, cur status.Status) {
		if cur.IsTerminal() {
			s.notify(context.WithoutCancel(ctx), d)
		}
	})

	w := watch.New(d.RunID, s.ci, d.Tracker, s.watchCfg, s.log)
	d.mu.Lock()
	d.watcher = w
	d.mu.Unlock()

	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	return nil
}

func (s *Service) newDeployment(req Request) *Deployment {
	return &Deployment{
		ID:        uuid.NewString(),
		Request:   req,
		Tracker:   NewTracker(s.classifier),
		CreatedAt: time.Now(),
	}
}

// fail records a start-up error on the deployment and sends the failure notification.
func (s *Service) fail(ctx context.Context, d *Deployment, err error) {
	s.log.Logf("[WARN] deployment %s failed to start: %v", d.ID, err)
	d.Tracker.Fail(err)
	s.notify(ctx, d)
}

// notify sends the deployment outcome. safe with a nil notifier.
func (s *Service) notify(ctx context.Context, d *Deployment) {
	if s.notifier == nil {
		return
	}
	s.notifier.Send(ctx, Outcome(d))
}

// Outcome summarizes a deployment for notifications.
func Outcome(d *Deployment) notify.Result {
	steps := d.Tracker.Steps()
	r := notify.Result{
		Status:      "success",
		Project:     d.Request.ProjectName,
		ProjectID:   d.Request.ProjectID,
		Environment: d.Request.Environment,
		Region:      d.Request.Region,
		RunURL:      d.RunURL,
		Duration:    time.Since(d.CreatedAt).Round(time.Second).String(),
	}
	if d.RunID != 0 {
		r.RunID = strconv.FormatInt(d.RunID, 10)
	}
	if d.Tracker.Status() != status.StatusCompleted {
		r.Status = "failure"
	}
	for _, st := range steps {
		if st.Status != status.StatusFailed {
			continue
		}
		r.FailedStep = st.Title
		if len(st.Logs) > 0 {
			r.Error = st.Logs[len(st.Logs)-1]
		}
		break
	}
	return r
}
