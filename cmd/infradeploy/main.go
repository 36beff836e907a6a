// Package main provides infradeploy - dispatch a terraform provisioning workflow and follow its progress.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"
	"github.com/sethvargo/go-githubactions"

	"github.com/learning-org-2565/infradeploy/pkg/config"
	"github.com/learning-org-2565/infradeploy/pkg/deploy"
	"github.com/learning-org-2565/infradeploy/pkg/github"
	"github.com/learning-org-2565/infradeploy/pkg/input"
	"github.com/learning-org-2565/infradeploy/pkg/notify"
	"github.com/learning-org-2565/infradeploy/pkg/progress"
	"github.com/learning-org-2565/infradeploy/pkg/status"
	"github.com/learning-org-2565/infradeploy/pkg/watch"
	"github.com/learning-org-2565/infradeploy/pkg/web"
)

// opts holds all command-line options.
type opts struct {
	Serve       bool   `short:"s" long:"serve" description:"start the web application"`
	Port        int    `short:"p" long:"port" description:"web application port (default from config)"`
	Request     string `short:"f" long:"request" description:"YAML file with deployment parameters"`
	RunID       int64  `long:"run-id" description:"follow an existing workflow run instead of dispatching"`
	Interactive bool   `short:"i" long:"interactive" description:"prompt for missing or invalid deployment parameters"`
	ConfigDir   string `long:"config-dir" env:"INFRADEPLOY_CONFIG_DIR" description:"global config directory (default: ~/.config/infradeploy)"`
	LogFile     string `long:"log-file" description:"write an uncolored copy of the progress to this file"`
	Debug       bool   `short:"d" long:"debug" description:"enable debug logging"`
	NoColor     bool   `long:"no-color" description:"disable color output"`
	Version     bool   `short:"v" long:"version" description:"print version and exit"`

	Deploy deployOpts `group:"deployment parameters"`
}

// deployOpts holds deployment parameters given on the command line. non-empty values override the request file.
type deployOpts struct {
	ProjectName string `long:"project-name" description:"project name"`
	ProjectID   string `long:"project-id" description:"cloud project id"`
	Region      string `long:"region" description:"region, e.g. us-central1"`
	Zone        string `long:"zone" description:"zone suffix: a, b or c"`
	Environment string `long:"environment" description:"development, staging or production"`
	MachineType string `long:"machine-type" description:"machine type, e.g. e2-medium"`
	NetworkTier string `long:"network-tier" description:"PREMIUM or STANDARD"`
}

var revision = "unknown"

// errDeploymentFailed is returned when the tracked deployment ends with a failed step.
var errDeploymentFailed = errors.New("deployment failed")

func main() {
	fmt.Printf("infradeploy %s\n", revision)

	var o opts
	parser := flags.NewParser(&o, flags.Default)
	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if o.Version {
		os.Exit(0)
	}

	// setup context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	restore := disableCtrlCEcho()
	defer restore()

	if err := run(ctx, o, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		restore()
		os.Exit(1) //nolint:gocritic // restore called explicitly above
	}
}

func run(ctx context.Context, o opts, stdout io.Writer) error {
	cfg, err := config.Load(o.ConfigDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := setupLog(o.Debug, cfg.GitHubToken)
	if err := config.InstallDefaults(cfg.ConfigDir); err != nil {
		log.Logf("[WARN] can't install default config to %s: %v", cfg.ConfigDir, err)
	}

	client, err := github.New(github.Config{
		APIURL:        cfg.GitHubAPIURL,
		Token:         cfg.GitHubToken,
		Owner:         cfg.GitHubOwner,
		Repo:          cfg.GitHubRepo,
		WorkflowID:    cfg.GitHubWorkflowID,
		Ref:           cfg.GitHubRef,
		LookupTimeout: cfg.RunLookupTimeout,
	})
	if err != nil {
		return fmt.Errorf("create github client: %w", err)
	}

	svc, err := newService(cfg, client, log)
	if err != nil {
		return err
	}

	if o.Serve {
		return serve(ctx, o, cfg, svc, log)
	}

	noColor := o.NoColor || (stdout == os.Stdout && !stdoutIsTerminal())
	r, err := progress.New(stdout, progress.Config{
		NoColor: noColor,
		Colors:  progress.NewColors(cfg.Colors),
		LogFile: o.LogFile,
	})
	if err != nil {
		return fmt.Errorf("create progress renderer: %w", err)
	}
	defer r.Close()

	var d *deploy.Deployment
	if o.RunID > 0 {
		if d, err = attach(ctx, svc, client, r, o.RunID); err != nil {
			return err
		}
	} else {
		req, reqErr := buildRequest(o)
		if reqErr != nil {
			return reqErr
		}
		if o.Interactive {
			if req, reqErr = input.FillRequest(ctx, input.NewTerminalCollector(), req, cfg.Choices); reqErr != nil {
				return reqErr
			}
		}
		d, err = svc.Deploy(ctx, req)
		if err != nil {
			if fe := deploy.FieldErrors(err); len(fe) > 0 {
				printFieldErrors(r, fe)
				return err
			}
			if d != nil {
				r.Render(d.Tracker.Steps())
				r.Summary(d.Tracker.Status(), d.RunURL)
			}
			return err
		}
		r.Info("workflow run %d dispatched for %s", d.RunID, req.ProjectName)
	}

	return follow(ctx, svc, d, r)
}

// setupLog creates the application logger. the github token is masked in every message.
func setupLog(debug bool, secrets ...string) lgr.L {
	options := []lgr.Option{lgr.Msec, lgr.LevelBraces, lgr.Out(os.Stderr), lgr.Err(os.Stderr)}
	if debug {
		options = append(options, lgr.Debug, lgr.CallerFunc)
	}
	var nonEmpty []string
	for _, s := range secrets {
		if s != "" {
			nonEmpty = append(nonEmpty, s)
		}
	}
	if len(nonEmpty) > 0 {
		options = append(options, lgr.Secret(nonEmpty...))
	}
	return lgr.New(options...)
}

// newService wires the deployment service from config: classifier keywords, polling and notifications.
func newService(cfg *config.Config, client *github.Client, log lgr.L) (*deploy.Service, error) {
	notifier, err := notify.New(notifyParams(cfg), log)
	if err != nil {
		return nil, fmt.Errorf("create notifier: %w", err)
	}

	sc := deploy.ServiceConfig{
		CI:         client,
		Choices:    cfg.Choices,
		Classifier: deploy.NewClassifier(cfg.SuccessPatterns, cfg.FailurePatterns),
		Watch:      watch.Config{Interval: cfg.PollInterval, MaxDuration: cfg.MaxPollDuration},
		Log:        log,
	}
	if notifier != nil {
		sc.Notifier = notifier
	}
	return deploy.NewService(sc), nil
}

func notifyParams(cfg *config.Config) notify.Params {
	return notify.Params{
		Channels:      cfg.NotifyChannels,
		OnError:       cfg.NotifyOnError,
		OnComplete:    cfg.NotifyOnComplete,
		TimeoutMs:     cfg.NotifyTimeoutMs,
		TelegramToken: cfg.NotifyTelegramToken,
		TelegramChat:  cfg.NotifyTelegramChat,
		SlackToken:    cfg.NotifySlackToken,
		SlackChannel:  cfg.NotifySlackChannel,
		SMTPHost:      cfg.NotifySMTPHost,
		SMTPPort:      cfg.NotifySMTPPort,
		SMTPUsername:  cfg.NotifySMTPUsername,
		SMTPPassword:  cfg.NotifySMTPPassword,
		SMTPStartTLS:  cfg.NotifySMTPStartTLS,
		EmailFrom:     cfg.NotifyEmailFrom,
		EmailTo:       cfg.NotifyEmailTo,
		WebhookURLs:   cfg.NotifyWebhookURLs,
		CustomScript:  cfg.NotifyCustomScript,
	}
}

func serve(ctx context.Context, o opts, cfg *config.Config, svc *deploy.Service, log lgr.L) error {
	port := cfg.Port
	if o.Port > 0 {
		port = o.Port
	}

	srv, err := web.NewServer(web.ServerConfig{
		Port:         port,
		Choices:      cfg.Choices,
		Repository:   cfg.GitHubOwner + "/" + cfg.GitHubRepo,
		WorkflowURL:  cfg.WorkflowURL,
		TerraformURL: cfg.TerraformURL,
	}, svc, web.NewDeploymentManager(web.DefaultMaxDeployments), log)
	if err != nil {
		return fmt.Errorf("create web server: %w", err)
	}

	return web.Run(ctx, srv, log)
}

// buildRequest merges the request file, if any, with deployment flags. flags win.
func buildRequest(o opts) (deploy.Request, error) {
	var req deploy.Request
	if o.Request != "" {
		var err error
		if req, err = deploy.LoadRequest(o.Request); err != nil {
			return deploy.Request{}, err
		}
	}

	override := func(dst *string, val string) {
		if val != "" {
			*dst = val
		}
	}
	override(&req.ProjectName, o.Deploy.ProjectName)
	override(&req.ProjectID, o.Deploy.ProjectID)
	override(&req.Region, o.Deploy.Region)
	override(&req.Zone, o.Deploy.Zone)
	override(&req.Environment, o.Deploy.Environment)
	override(&req.MachineType, o.Deploy.MachineType)
	override(&req.NetworkTier, o.Deploy.NetworkTier)
	return req, nil
}

func printFieldErrors(r *progress.Renderer, fieldErrors map[string]string) {
	fields := make([]string, 0, len(fieldErrors))
	for f := range fieldErrors {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		r.Error("%s: %s", f, fieldErrors[f])
	}
}

// attach resolves an existing run and prints its current state before following it.
func attach(ctx context.Context, svc *deploy.Service, client *github.Client, r *progress.Renderer, runID int64) (*deploy.Deployment, error) {
	info, err := client.Run(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("get workflow run %d: %w", runID, err)
	}
	d, err := svc.Attach(runID)
	if err != nil {
		return nil, fmt.Errorf("attach to run %d: %w", runID, err)
	}
	if info.HTMLURL != "" {
		d.RunURL = info.HTMLURL
	}
	state := info.Status
	if info.Conclusion != "" {
		state += ", " + info.Conclusion
	}
	r.Info("following workflow run %d (%s), created %s", runID, state, info.CreatedAt.Local().Format(time.DateTime))
	return d, nil
}

// follow polls the deployment until it finishes or ctx is canceled, rendering every change.
func follow(ctx context.Context, svc *deploy.Service, d *deploy.Deployment, r *progress.Renderer) error {
	d.Tracker.OnChange(func(steps []status.Step) { r.Render(steps) })
	r.Render(d.Tracker.Steps())

	if err := svc.Track(ctx, d); err != nil {
		return fmt.Errorf("track deployment: %w", err)
	}
	<-d.Done()

	overall := d.Tracker.Status()
	r.Summary(overall, d.RunURL)
	if os.Getenv("GITHUB_ACTIONS") == "true" {
		githubactions.AddStepSummary(stepSummary(d, time.Now()))
	}

	switch {
	case overall == status.StatusFailed:
		return errDeploymentFailed
	case overall == status.StatusCompleted:
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("interrupted: %w", ctx.Err())
	default:
		return errors.New("deployment did not finish within the polling window")
	}
}

// stepSummary renders the deployment as a markdown table for the GitHub Actions step summary.
func stepSummary(d *deploy.Deployment, now time.Time) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## infradeploy: %s\n\n", d.Tracker.Status())
	if d.Request.ProjectName != "" {
		fmt.Fprintf(&sb, "project **%s** (`%s`), %s in %s-%s\n\n", d.Request.ProjectName, d.Request.ProjectID,
			d.Request.Environment, d.Request.Region, d.Request.Zone)
	}
	sb.WriteString("| step | status | duration |\n|---|---|---|\n")
	for _, s := range d.Tracker.Steps() {
		dur := s.DurationText(now)
		if dur == "" {
			dur = "-"
		}
		fmt.Fprintf(&sb, "| %s | %s %s | %s |\n", s.Title, s.Status.Icon(), s.Status, dur)
	}
	if d.RunURL != "" {
		fmt.Fprintf(&sb, "\n[workflow run](%s)\n", d.RunURL)
	}
	return sb.String()
}
