// Package github talks to the GitHub Actions REST API: workflow dispatch, run lookup and run logs.
package github

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	gh "github.com/google/go-github/v58/github"
)

// sentinel errors returned by Client.
var (
	// ErrNoRuns is returned when the workflow has no run created after the dispatch.
	ErrNoRuns = errors.New("no workflow runs found")
	// ErrDispatch is returned when the workflow dispatch is rejected.
	ErrDispatch = errors.New("dispatch workflow")
	// ErrLogs is returned when run logs can't be fetched.
	ErrLogs = errors.New("fetch run logs")
)

// default client settings.
const (
	DefaultAPIURL        = "https://api.github.com/"
	DefaultWebURL        = "https://github.com"
	DefaultRef           = "main"
	DefaultLookupTimeout = 30 * time.Second

	// runClockSkew tolerates differences between the local clock and GitHub's run timestamps.
	runClockSkew = time.Minute

	// maxLogSize caps the downloaded log body and the unpacked text of each archive entry.
	// a terraform run logs a few megabytes at most, anything above is cut.
	maxLogSize = 64 << 20
)

// Config holds configuration for the GitHub client.
type Config struct {
	APIURL        string        // REST API base url (default: https://api.github.com/)
	WebURL        string        // web base url for run links (default: https://github.com)
	Token         string        // bearer token, optional for public repos' read calls
	Owner         string        // repository owner
	Repo          string        // repository name
	WorkflowID    string        // workflow file name (e.g. deploy.yaml) or numeric id
	Ref           string        // git ref to dispatch on (default: main)
	LookupTimeout time.Duration // how long to retry finding the dispatched run (default: 30s)
	HTTPClient    *http.Client  // optional, http.DefaultClient-like client with timeout is used if nil
}

// RunInfo is the status of a workflow run.
type RunInfo struct {
	ID         int64
	Status     string // queued, in_progress, completed
	Conclusion string // success, failure, cancelled... empty until completed
	HTMLURL    string
	CreatedAt  time.Time
}

// Client is an explicitly constructed GitHub Actions client for one workflow.
type Client struct {
	cfg  Config
	gh   *gh.Client
	http *http.Client
	// newBackoff creates the retry policy for run lookup, replaced in tests.
	newBackoff func() backoff.BackOff
	maxLog     int64 // read limit for log bodies and archive entries
}

// New creates a client for the configured repository and workflow.
func New(cfg Config) (*Client, error) {
	if cfg.Owner == "" || cfg.Repo == "" || cfg.WorkflowID == "" {
		return nil, errors.New("owner, repo and workflow id are required")
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.WebURL == "" {
		cfg.WebURL = DefaultWebURL
	}
	if cfg.Ref == "" {
		cfg.Ref = DefaultRef
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = DefaultLookupTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}

	baseURL, err := url.Parse(cfg.APIURL)
	if err != nil {
		return nil, fmt.Errorf("parse api url %q: %w", cfg.APIURL, err)
	}
	if !strings.HasSuffix(baseURL.Path, "/") {
		baseURL.Path += "/"
	}

	client := gh.NewClient(cfg.HTTPClient)
	if cfg.Token != "" {
		client = client.WithAuthToken(cfg.Token)
	}
	client.BaseURL = baseURL

	lookupTimeout := cfg.LookupTimeout
	return &Client{
		cfg:    cfg,
		gh:     client,
		http:   cfg.HTTPClient,
		maxLog: maxLogSize,
		newBackoff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(500*time.Millisecond),
				backoff.WithMaxInterval(5*time.Second),
				backoff.WithMaxElapsedTime(lookupTimeout),
			)
		},
	}, nil
}

// Dispatch triggers the workflow on the configured ref with the given inputs.
// POST /repos/{owner}/{repo}/actions/workflows/{id}/dispatches
func (c *Client) Dispatch(ctx context.Context, inputs map[string]any) error {
	event := gh.CreateWorkflowDispatchEventRequest{Ref: c.cfg.Ref, Inputs: inputs}

	var err error
	if id, ok := c.numericWorkflowID(); ok {
		_, err = c.gh.Actions.CreateWorkflowDispatchEventByID(ctx, c.cfg.Owner, c.cfg.Repo, id, event)
	} else {
		_, err = c.gh.Actions.CreateWorkflowDispatchEventByFileName(ctx, c.cfg.Owner, c.cfg.Repo, c.cfg.WorkflowID, event)
	}
	if err != nil {
		return fmt.Errorf("%w %s on %s/%s@%s: %w", ErrDispatch, c.cfg.WorkflowID, c.cfg.Owner, c.cfg.Repo, c.cfg.Ref, err)
	}
	return nil
}

// LastRunID returns the id of the workflow's most recent run, or 0 when it has none.
// taken before a dispatch, it is the baseline LatestRunID waits past.
func (c *Client) LastRunID(ctx context.Context) (int64, error) {
	run, err := c.latestRun(ctx)
	if err != nil {
		return 0, err
	}
	return run.GetID(), nil
}

// LatestRunID returns the id of the workflow's most recent run with an id above after, created at
// or after since. zero after and since accept any run. runs show up with a delay after dispatch, so
// a missing run is retried with exponential backoff until the lookup timeout; api errors are not retried.
// GET /repos/{owner}/{repo}/actions/workflows/{id}/runs?per_page=1
func (c *Client) LatestRunID(ctx context.Context, since time.Time, after int64) (int64, error) {
	op := func() (int64, error) {
		run, err := c.latestRun(ctx)
		if err != nil {
			return 0, backoff.Permanent(err)
		}
		if run == nil || run.GetID() <= after {
			return 0, ErrNoRuns // the dispatched run is not listed yet
		}
		if !since.IsZero() && run.GetCreatedAt().Time.Before(since.Add(-runClockSkew)) {
			return 0, ErrNoRuns
		}
		return run.GetID(), nil
	}

	id, err := backoff.RetryWithData(op, backoff.WithContext(c.newBackoff(), ctx))
	if err != nil {
		return 0, err
	}
	return id, nil
}

// latestRun returns the workflow's most recent run, nil when there are none.
func (c *Client) latestRun(ctx context.Context) (*gh.WorkflowRun, error) {
	opts := &gh.ListWorkflowRunsOptions{ListOptions: gh.ListOptions{PerPage: 1}}
	var runs *gh.WorkflowRuns
	var err error
	if id, ok := c.numericWorkflowID(); ok {
		runs, _, err = c.gh.Actions.ListWorkflowRunsByID(ctx, c.cfg.Owner, c.cfg.Repo, id, opts)
	} else {
		runs, _, err = c.gh.Actions.ListWorkflowRunsByFileName(ctx, c.cfg.Owner, c.cfg.Repo, c.cfg.WorkflowID, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("list runs of %s: %w", c.cfg.WorkflowID, err)
	}
	if runs == nil || len(runs.WorkflowRuns) == 0 {
		return nil, nil
	}
	return runs.WorkflowRuns[0], nil
}

// Run returns the status of a workflow run.
func (c *Client) Run(ctx context.Context, runID int64) (RunInfo, error) {
	run, _, err := c.gh.Actions.GetWorkflowRunByID(ctx, c.cfg.Owner, c.cfg.Repo, runID)
	if err != nil {
		return RunInfo{}, fmt.Errorf("get run %d: %w", runID, err)
	}
	return RunInfo{
		ID:         run.GetID(),
		Status:     run.GetStatus(),
		Conclusion: run.GetConclusion(),
		HTMLURL:    run.GetHTMLURL(),
		CreatedAt:  run.GetCreatedAt().Time,
	}, nil
}

// RunURL returns the web page of a run.
func (c *Client) RunURL(runID int64) string {
	return fmt.Sprintf("%s/%s/%s/actions/runs/%d", strings.TrimSuffix(c.cfg.WebURL, "/"), c.cfg.Owner, c.cfg.Repo, runID)
}

// Logs returns the raw log text of a run.
// GitHub answers with a redirect to a zip archive of per-job log files; zip bodies are unpacked
// and the job logs concatenated, any other body is returned as is. non-2xx statuses are errors.
// GET /repos/{owner}/{repo}/actions/runs/{id}/logs
func (c *Client) Logs(ctx context.Context, runID int64) (string, error) {
	u := fmt.Sprintf("repos/%s/%s/actions/runs/%d/logs", c.cfg.Owner, c.cfg.Repo, runID)
	req, err := c.gh.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("%w: build request: %w", ErrLogs, err)
	}
	req = req.WithContext(ctx)
	// set on the request rather than the transport, so the http client drops it
	// when following the redirect to the archive storage host
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrLogs, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		return "", fmt.Errorf("%w: run %d: %s", ErrLogs, runID, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxLog))
	if err != nil {
		return "", fmt.Errorf("%w: read body: %w", ErrLogs, err)
	}

	if !isZip(data) {
		return string(data), nil
	}
	text, err := unzipLogs(data, c.maxLog)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrLogs, err)
	}
	return text, nil
}

func (c *Client) numericWorkflowID() (int64, bool) {
	id, err := strconv.ParseInt(c.cfg.WorkflowID, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func isZip(data []byte) bool {
	return bytes.HasPrefix(data, []byte("PK\x03\x04"))
}

// unzipLogs concatenates the text files of a run log archive in name order.
// the archive holds one top-level file per job plus per-step files in job directories
// repeating the same lines, so top-level files are used when present.
func unzipLogs(data []byte, limit int64) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open log archive: %w", err)
	}

	var top, nested []*zip.File
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !strings.HasSuffix(f.Name, ".txt") {
			continue
		}
		if strings.Contains(f.Name, "/") {
			nested = append(nested, f)
			continue
		}
		top = append(top, f)
	}
	files := top
	if len(files) == 0 {
		files = nested
	}
	slices.SortFunc(files, func(a, b *zip.File) int { return strings.Compare(a.Name, b.Name) })

	var b strings.Builder
	for _, f := range files {
		if err := appendZipFile(&b, f, limit); err != nil {
			return "", err
		}
	}
	return b.String(), nil
}

func appendZipFile(b *strings.Builder, f *zip.File, limit int64) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, limit))
	if err != nil {
		return fmt.Errorf("read %s: %w", f.Name, err)
	}
	b.Write(data)
	if len(data) > 0 && data[len(data)-1] != '\n' {
		b.WriteByte('\n')
	}
	return nil
}
