package deploy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/learning-org-2565/infradeploy/pkg/notify"
	"github.com/learning-org-2565/infradeploy/pkg/status"
	"github.com/learning-org-2565/infradeploy/pkg/watch"
)

// fakeCI is an in-memory CI with scripted log responses; the last response repeats.
type fakeCI struct {
	mu          sync.Mutex
	dispatchErr error
	lookupErr   error
	prevErr     error
	prevID      int64
	runID       int64
	logs        []string
	inputs      map[string]any
	dispatched  int
	logCalls    int
	since       time.Time
	after       int64
}

func (f *fakeCI) Dispatch(_ context.Context, inputs map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched++
	f.inputs = inputs
	return f.dispatchErr
}

func (f *fakeCI) LastRunID(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prevID, f.prevErr
}

func (f *fakeCI) LatestRunID(_ context.Context, since time.Time, after int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.since = since
	f.after = after
	return f.runID, f.lookupErr
}

// runListCI models the workflow run list: every dispatch adds a run, listed after a short delay.
type runListCI struct {
	fakeCI
	mu     sync.Mutex
	latest int64
}

func (f *runListCI) Dispatch(context.Context, map[string]any) error {
	go func() {
		time.Sleep(5 * time.Millisecond)
		f.mu.Lock()
		f.latest++
		f.mu.Unlock()
	}()
	return nil
}

func (f *runListCI) LastRunID(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, nil
}

func (f *runListCI) LatestRunID(ctx context.Context, _ time.Time, after int64) (int64, error) {
	for {
		f.mu.Lock()
		latest := f.latest
		f.mu.Unlock()
		if latest > after {
			return latest, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (f *fakeCI) Logs(_ context.Context, _ int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.logs) == 0 {
		return "", errors.New("no logs yet")
	}
	i := min(f.logCalls, len(f.logs)-1)
	f.logCalls++
	return f.logs[i], nil
}

func (f *fakeCI) RunURL(runID int64) string {
	return fmt.Sprintf("https://github.com/acme/infra/actions/runs/%d", runID)
}

type fakeNotifier struct {
	mu      sync.Mutex
	results []notify.Result
}

func (n *fakeNotifier) Send(_ context.Context, r notify.Result) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.results = append(n.results, r)
}

func (n *fakeNotifier) get() []notify.Result {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Result{}, n.results...)
}

func newTestService(ci *fakeCI, n *fakeNotifier) *Service {
	cfg := ServiceConfig{
		CI:      ci,
		Choices: testChoices,
		Watch:   watch.Config{Interval: 10 * time.Millisecond, MaxDuration: 5 * time.Second},
	}
	if n != nil {
		cfg.Notifier = n
	}
	return NewService(cfg)
}

func TestService_Deploy(t *testing.T) {
	t.Run("valid request has five pending steps before first poll", func(t *testing.T) {
		ci := &fakeCI{runID: 42, prevID: 41}
		svc := newTestService(ci, nil)

		d, err := svc.Deploy(context.Background(), validRequest())
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.NotEmpty(t, d.ID)
		assert.Equal(t, int64(42), d.RunID)
		assert.Equal(t, "https://github.com/acme/infra/actions/runs/42", d.RunURL)

		steps := d.Tracker.Steps()
		require.Len(t, steps, 5)
		for _, s := range steps {
			assert.Equal(t, status.StatusPending, s.Status)
		}
		assert.Equal(t, validRequest().Inputs(), ci.inputs)
		assert.False(t, ci.since.IsZero())
		assert.Equal(t, int64(41), ci.after, "lookup waits past the run listed before dispatch")

		select {
		case <-d.Done():
		default:
			t.Fatal("untracked deployment should report done")
		}
	})

	t.Run("input is trimmed before dispatch", func(t *testing.T) {
		ci := &fakeCI{runID: 1}
		svc := newTestService(ci, nil)
		req := validRequest()
		req.ProjectName = "  demo  "
		d, err := svc.Deploy(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "demo", d.Request.ProjectName)
		assert.Equal(t, "demo", ci.inputs["project_name"])
	})

	t.Run("invalid request is not dispatched", func(t *testing.T) {
		ci := &fakeCI{runID: 42}
		svc := newTestService(ci, nil)
		req := validRequest()
		req.MachineType = "m1-ultramem"

		d, err := svc.Deploy(context.Background(), req)
		require.ErrorIs(t, err, ErrInvalidRequest)
		assert.Nil(t, d)
		assert.Equal(t, 0, ci.dispatched)
	})

	t.Run("dispatch failure adds error step", func(t *testing.T) {
		ci := &fakeCI{dispatchErr: errors.New("401 Bad credentials")}
		n := &fakeNotifier{}
		svc := newTestService(ci, n)

		d, err := svc.Deploy(context.Background(), validRequest())
		require.Error(t, err)
		require.NotNil(t, d)
		assert.Zero(t, d.RunID)

		steps := d.Tracker.Steps()
		require.Len(t, steps, 6)
		for _, s := range steps[:5] {
			assert.Equal(t, status.StatusPending, s.Status)
		}
		assert.Equal(t, status.StepError, steps[5].ID)
		assert.Equal(t, status.StatusFailed, steps[5].Status)
		require.Len(t, steps[5].Logs, 1)
		assert.Contains(t, steps[5].Logs[0], "401 Bad credentials")

		results := n.get()
		require.Len(t, results, 1)
		assert.Equal(t, "failure", results[0].Status)
		assert.Equal(t, "Deployment Error", results[0].FailedStep)
		assert.Empty(t, results[0].RunID)
	})

	t.Run("previous run lookup failure is not dispatched", func(t *testing.T) {
		ci := &fakeCI{prevErr: errors.New("401 Bad credentials")}
		svc := newTestService(ci, nil)

		d, err := svc.Deploy(context.Background(), validRequest())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "find previous workflow run")
		assert.Equal(t, 0, ci.dispatched)
		require.Len(t, d.Tracker.Steps(), 6)
	})

	t.Run("concurrent deployments get their own runs", func(t *testing.T) {
		ci := &runListCI{latest: 100}
		svc := newTestService(&ci.fakeCI, nil)
		svc.ci = ci

		var wg sync.WaitGroup
		ids := make([]int64, 4)
		for i := range ids {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				d, err := svc.Deploy(ctx, validRequest())
				assert.NoError(t, err)
				if d != nil {
					ids[i] = d.RunID
				}
			}()
		}
		wg.Wait()
		assert.ElementsMatch(t, []int64{101, 102, 103, 104}, ids)
	})

	t.Run("run lookup failure adds error step", func(t *testing.T) {
		ci := &fakeCI{lookupErr: errors.New("no workflow runs found")}
		svc := newTestService(ci, nil)

		d, err := svc.Deploy(context.Background(), validRequest())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "find workflow run")
		steps := d.Tracker.Steps()
		require.Len(t, steps, 6)
		assert.True(t, d.Tracker.Finished())
		assert.ErrorContains(t, svc.Track(context.Background(), d), "no workflow run")
	})
}

func TestService_Track(t *testing.T) {
	t.Run("polls until completed and notifies once", func(t *testing.T) {
		ci := &fakeCI{runID: 7, logs: []string{
			"terraform init",
			"terraform init done\nterraform validate done\nterraform plan",
			"terraform init done\nterraform validate done\nterraform plan done\nterraform apply done\nVerifying done",
		}}
		n := &fakeNotifier{}
		svc := newTestService(ci, n)

		d, err := svc.Deploy(context.Background(), validRequest())
		require.NoError(t, err)
		require.NoError(t, svc.Track(context.Background(), d))

		select {
		case <-d.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("deployment did not finish")
		}

		assert.Equal(t, status.StatusCompleted, d.Tracker.Status())
		for _, s := range d.Tracker.Steps() {
			assert.Equal(t, status.StatusCompleted, s.Status, s.ID)
		}

		require.Eventually(t, func() bool { return len(n.get()) == 1 }, time.Second, 5*time.Millisecond)
		r := n.get()[0]
		assert.Equal(t, "success", r.Status)
		assert.Equal(t, "7", r.RunID)
		assert.Equal(t, "demo", r.Project)
		assert.Equal(t, "development", r.Environment)
		assert.Empty(t, r.FailedStep)
	})

	t.Run("failed step reported in outcome", func(t *testing.T) {
		ci := &fakeCI{runID: 8, logs: []string{"terraform init done\nterraform plan Error: invalid machine type"}}
		n := &fakeNotifier{}
		svc := newTestService(ci, n)

		d, err := svc.Deploy(context.Background(), validRequest())
		require.NoError(t, err)
		require.NoError(t, svc.Track(context.Background(), d))
		<-d.Done()

		require.Eventually(t, func() bool { return len(n.get()) == 1 }, time.Second, 5*time.Millisecond)
		r := n.get()[0]
		assert.Equal(t, "failure", r.Status)
		assert.Equal(t, "Terraform Plan", r.FailedStep)
		assert.Equal(t, "terraform plan Error: invalid machine type", r.Error)
	})

	t.Run("stop ends polling", func(t *testing.T) {
		ci := &fakeCI{runID: 9, logs: []string{"terraform init"}}
		svc := newTestService(ci, nil)

		d, err := svc.Attach(9)
		require.NoError(t, err)
		require.NoError(t, svc.Track(context.Background(), d))
		require.Eventually(t, func() bool {
			return d.Tracker.Steps()[0].Status == status.StatusRunning
		}, time.Second, 5*time.Millisecond)

		d.Stop()
		select {
		case <-d.Done():
		default:
			t.Fatal("done should be closed after stop")
		}
		assert.False(t, d.Tracker.Finished())
	})
}

func TestService_Attach(t *testing.T) {
	svc := newTestService(&fakeCI{}, nil)

	d, err := svc.Attach(123)
	require.NoError(t, err)
	assert.Equal(t, int64(123), d.RunID)
	assert.Equal(t, "https://github.com/acme/infra/actions/runs/123", d.RunURL)
	assert.Len(t, d.Tracker.Steps(), 5)

	_, err = svc.Attach(0)
	require.Error(t, err)
}
