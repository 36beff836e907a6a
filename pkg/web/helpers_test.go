package web

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/learning-org-2565/infradeploy/pkg/config"
	"github.com/learning-org-2565/infradeploy/pkg/deploy"
	"github.com/learning-org-2565/infradeploy/pkg/watch"
)

var testChoices = config.Choices{
	Regions:      []string{"us-central1", "europe-west1"},
	Zones:        []string{"a", "b", "c"},
	MachineTypes: []string{"e2-micro", "e2-medium"},
	Environments: []string{"development", "production"},
	NetworkTiers: []string{"PREMIUM", "STANDARD"},
}

// fakeCI serves a fixed run id and log text, settable while running.
type fakeCI struct {
	mu          sync.Mutex
	runID       int64
	logs        string
	dispatchErr error
	dispatched  []map[string]any
}

func (f *fakeCI) Dispatch(_ context.Context, inputs map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, inputs)
	return f.dispatchErr
}

func (f *fakeCI) LastRunID(context.Context) (int64, error) {
	return 0, nil
}

func (f *fakeCI) LatestRunID(context.Context, time.Time, int64) (int64, error) {
	return f.runID, nil
}

func (f *fakeCI) Logs(context.Context, int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.logs == "" {
		return "", errors.New("not found")
	}
	return f.logs, nil
}

func (f *fakeCI) RunURL(runID int64) string {
	return fmt.Sprintf("https://github.com/acme/infra/actions/runs/%d", runID)
}

func (f *fakeCI) setLogs(text string) {
	f.mu.Lock()
	f.logs = text
	f.mu.Unlock()
}

func (f *fakeCI) dispatchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dispatched)
}

func newTestService(ci *fakeCI) *deploy.Service {
	return deploy.NewService(deploy.ServiceConfig{
		CI:      ci,
		Choices: testChoices,
		Watch:   watch.Config{Interval: 10 * time.Millisecond, MaxDuration: 10 * time.Second},
	})
}

// trackedDeployment attaches to a run and polls it until the test ends.
func trackedDeployment(t *testing.T, ci *fakeCI, runID int64) *deploy.Deployment {
	t.Helper()
	svc := newTestService(ci)
	d, err := svc.Attach(runID)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		d.Stop()
	})
	require.NoError(t, svc.Track(ctx, d))
	return d
}

// idleDeployment is a deployment that was never tracked.
func idleDeployment(id string) *deploy.Deployment {
	return &deploy.Deployment{ID: id, Tracker: deploy.NewTracker(nil), CreatedAt: time.Now()}
}

func validForm() map[string]string {
	return map[string]string{
		"project_name": "demo",
		"project_id":   "demo-123",
		"region":       "us-central1",
		"zone":         "b",
		"environment":  "development",
		"machine_type": "e2-micro",
		"network_tier": "STANDARD",
	}
}
