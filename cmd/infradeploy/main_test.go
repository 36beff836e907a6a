package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/learning-org-2565/infradeploy/pkg/config"
	"github.com/learning-org-2565/infradeploy/pkg/deploy"
	"github.com/learning-org-2565/infradeploy/pkg/status"
)

const completedLogs = `2024-05-01T10:00:00.0000000Z terraform init
2024-05-01T10:00:04.0000000Z terraform init Successfully completed
2024-05-01T10:00:05.0000000Z terraform validate Successfully completed
2024-05-01T10:00:07.0000000Z terraform plan Successfully completed
2024-05-01T10:00:09.0000000Z terraform apply started
2024-05-01T10:01:09.0000000Z terraform apply Successfully completed
2024-05-01T10:01:10.0000000Z Verifying infrastructure Successfully completed
`

// fakeGitHub serves the workflow endpoints the cli uses for repository acme/infra.
type fakeGitHub struct {
	logs       string
	dispatched atomic.Int32
}

func (f *fakeGitHub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/acme/infra/actions/workflows/deploy.yaml/dispatches", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Ref    string         `json:"ref"`
			Inputs map[string]any `json:"inputs"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Inputs["project_name"] == nil {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		f.dispatched.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /repos/acme/infra/actions/workflows/deploy.yaml/runs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if f.dispatched.Load() == 0 {
			_, _ = io.WriteString(w, `{"total_count":0,"workflow_runs":[]}`)
			return
		}
		fmt.Fprintf(w, `{"total_count":1,"workflow_runs":[{"id":42,"created_at":%q}]}`, time.Now().UTC().Format(time.RFC3339))
	})
	mux.HandleFunc("GET /repos/acme/infra/actions/runs/42", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":42,"status":"in_progress","html_url":"https://github.com/acme/infra/actions/runs/42",`+
			`"created_at":"2024-05-01T10:00:00Z"}`)
	})
	mux.HandleFunc("GET /repos/acme/infra/actions/runs/42/logs", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, f.logs)
	})
	return mux
}

// setupEnv points the cli at a fake github server and a temp config dir with fast polling.
func setupEnv(t *testing.T, f *fakeGitHub) string {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	t.Setenv("INFRADEPLOY_API_URL", srv.URL)
	t.Setenv("INFRADEPLOY_GITHUB_OWNER", "acme")
	t.Setenv("INFRADEPLOY_GITHUB_REPO", "infra")
	t.Setenv("INFRADEPLOY_WORKFLOW_ID", "deploy.yaml")
	t.Setenv("INFRADEPLOY_REF", "")
	t.Setenv("INFRADEPLOY_GITHUB_TOKEN", "")
	t.Setenv("GITHUB_TOKEN", "")
	t.Setenv("GITHUB_ACTIONS", "")

	dir := t.TempDir()
	cfg := "poll_interval_ms = 10\nmax_poll_duration_ms = 5000\nrun_lookup_timeout_ms = 1000\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config"), []byte(cfg), 0o600))
	return dir
}

func validDeployOpts() deployOpts {
	return deployOpts{
		ProjectName: "demo", ProjectID: "demo-123", Region: "us-central1", Zone: "a",
		Environment: "development", MachineType: "e2-medium", NetworkTier: "PREMIUM",
	}
}

func TestRun_FollowExistingRun(t *testing.T) {
	f := &fakeGitHub{logs: completedLogs}
	dir := setupEnv(t, f)

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := run(ctx, opts{RunID: 42, ConfigDir: dir, NoColor: true}, &out)
	require.NoError(t, err)

	assert.Contains(t, out.String(), "following workflow run 42 (in_progress)")
	assert.Contains(t, out.String(), "✓ Terraform Apply")
	assert.Contains(t, out.String(), "60s", "apply duration comes from runner timestamps")
	assert.Contains(t, out.String(), "deployment completed after")
	assert.Contains(t, out.String(), "run: https://github.com/acme/infra/actions/runs/42")
	assert.Zero(t, f.dispatched.Load())
}

func TestRun_FailedDeployment(t *testing.T) {
	f := &fakeGitHub{logs: "terraform init Successfully completed\nterraform plan Error: quota exceeded\n"}
	dir := setupEnv(t, f)

	var out bytes.Buffer
	err := run(context.Background(), opts{RunID: 42, ConfigDir: dir, NoColor: true}, &out)
	require.ErrorIs(t, err, errDeploymentFailed)
	assert.Contains(t, out.String(), "✗ Terraform Plan")
	assert.Contains(t, out.String(), "      terraform plan Error: quota exceeded")
}

func TestRun_DispatchAndFollow(t *testing.T) {
	f := &fakeGitHub{logs: completedLogs}
	dir := setupEnv(t, f)

	logFile := filepath.Join(t.TempDir(), "deploy.log")
	var out bytes.Buffer
	err := run(context.Background(), opts{ConfigDir: dir, NoColor: true, LogFile: logFile, Deploy: validDeployOpts()}, &out)
	require.NoError(t, err)

	assert.Equal(t, int32(1), f.dispatched.Load())
	assert.Contains(t, out.String(), "workflow run 42 dispatched for demo")
	assert.Contains(t, out.String(), "deployment completed")

	data, err := os.ReadFile(logFile) //nolint:gosec // test path
	require.NoError(t, err)
	assert.Contains(t, string(data), "✓ Verify Infrastructure")
}

func TestRun_InvalidRequest(t *testing.T) {
	f := &fakeGitHub{}
	dir := setupEnv(t, f)

	d := validDeployOpts()
	d.Region = "mars-north1"
	d.ProjectID = ""

	var out bytes.Buffer
	err := run(context.Background(), opts{ConfigDir: dir, NoColor: true, Deploy: d}, &out)
	require.ErrorIs(t, err, deploy.ErrInvalidRequest)
	assert.Contains(t, out.String(), "ERROR: project_id: Project ID is required")
	assert.Contains(t, out.String(), `ERROR: region: Region "mars-north1" is not allowed`)
	assert.Zero(t, f.dispatched.Load())
}

func TestRun_Interrupted(t *testing.T) {
	f := &fakeGitHub{logs: "terraform init\n"}
	dir := setupEnv(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var out bytes.Buffer
	err := run(ctx, opts{RunID: 42, ConfigDir: dir, NoColor: true}, &out)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, out.String(), "● Initialize Terraform")
}

func TestBuildRequest(t *testing.T) {
	t.Run("flags only", func(t *testing.T) {
		req, err := buildRequest(opts{Deploy: validDeployOpts()})
		require.NoError(t, err)
		assert.Equal(t, "demo", req.ProjectName)
		assert.Equal(t, "PREMIUM", req.NetworkTier)
	})

	t.Run("flags override request file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "req.yaml")
		yml := "project_name: from-file\nproject_id: file-1\nregion: us-east1\nzone: b\n"
		require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

		req, err := buildRequest(opts{Request: path, Deploy: deployOpts{Region: "europe-west1"}})
		require.NoError(t, err)
		assert.Equal(t, "from-file", req.ProjectName)
		assert.Equal(t, "file-1", req.ProjectID)
		assert.Equal(t, "europe-west1", req.Region)
		assert.Equal(t, "b", req.Zone)
	})

	t.Run("missing request file", func(t *testing.T) {
		_, err := buildRequest(opts{Request: filepath.Join(t.TempDir(), "nope.yaml")})
		require.Error(t, err)
	})
}

func TestStepSummary(t *testing.T) {
	tracker := deploy.NewTracker(nil)
	tracker.Apply("terraform init Successfully completed\nterraform validate Error: bad variable\n")
	d := &deploy.Deployment{
		Request: deploy.Request{ProjectName: "demo", ProjectID: "demo-123", Region: "us-central1", Zone: "a", Environment: "staging"},
		RunURL:  "https://github.com/acme/infra/actions/runs/7",
		Tracker: tracker,
	}

	md := stepSummary(d, time.Now())
	assert.True(t, strings.HasPrefix(md, "## infradeploy: failed\n"))
	assert.Contains(t, md, "project **demo** (`demo-123`), staging in us-central1-a")
	assert.Contains(t, md, "| Initialize Terraform | ✓ completed |")
	assert.Contains(t, md, "| Validate Configuration | ✗ failed |")
	assert.Contains(t, md, "| Terraform Plan | ○ pending | - |")
	assert.Contains(t, md, "[workflow run](https://github.com/acme/infra/actions/runs/7)")
}

func TestNotifyParams(t *testing.T) {
	cfg := &config.Config{Values: config.Values{
		NotifyChannels:     []string{"webhook"},
		NotifyOnError:      true,
		NotifyTimeoutMs:    500,
		NotifyWebhookURLs:  []string{"https://hooks.example.com/x"},
		NotifyCustomScript: "/bin/notify.sh",
	}}
	p := notifyParams(cfg)
	assert.Equal(t, []string{"webhook"}, p.Channels)
	assert.True(t, p.OnError)
	assert.False(t, p.OnComplete)
	assert.Equal(t, 500, p.TimeoutMs)
	assert.Equal(t, []string{"https://hooks.example.com/x"}, p.WebhookURLs)
	assert.Equal(t, "/bin/notify.sh", p.CustomScript)
}

func TestSetupLog(t *testing.T) {
	assert.NotNil(t, setupLog(false))
	assert.NotNil(t, setupLog(true, "", "secret-token"))
}

func TestFollow_StatusSnapshot(t *testing.T) {
	f := &fakeGitHub{logs: completedLogs}
	dir := setupEnv(t, f)

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), opts{RunID: 42, ConfigDir: dir, NoColor: true}, &out))
	// every pipeline step is rendered completed in the final snapshot
	for _, id := range status.PipelineSteps {
		assert.Contains(t, out.String(), "✓ "+id.Title())
	}
}
