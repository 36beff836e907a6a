package config

import (
	"embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/ini.v1"
)

// Values holds scalar configuration values.
// Fields ending in *Set (e.g., NotifyOnErrorSet) track whether that field was explicitly
// set in config. This allows distinguishing explicit false/0 from "not set", enabling
// proper merge behavior where local config can override global config with zero values.
type Values struct {
	// github settings
	GitHubAPIURL     string
	GitHubOwner      string
	GitHubRepo       string
	GitHubWorkflowID string
	GitHubRef        string
	GitHubToken      string

	// polling settings
	PollIntervalMs        int
	PollIntervalMsSet     bool // tracks if poll_interval_ms was explicitly set
	MaxPollDurationMs     int
	MaxPollDurationMsSet  bool // tracks if max_poll_duration_ms was explicitly set
	RunLookupTimeoutMs    int
	RunLookupTimeoutMsSet bool // tracks if run_lookup_timeout_ms was explicitly set
	SuccessPatterns       []string
	FailurePatterns       []string
	WorkflowURL           string
	TerraformURL          string
	Regions               []string
	Zones                 []string
	MachineTypes          []string
	Environments          []string
	NetworkTiers          []string
	Port                  int
	PortSet               bool // tracks if port was explicitly set
	NotifyChannels        []string
	NotifyChannelsSet     bool // tracks if notify_channels was explicitly set (empty disables)
	NotifyOnError         bool
	NotifyOnErrorSet      bool
	NotifyOnComplete      bool
	NotifyOnCompleteSet   bool
	NotifyTimeoutMs       int
	NotifyTimeoutMsSet    bool
	NotifyTelegramToken   string
	NotifyTelegramChat    string
	NotifySlackToken      string
	NotifySlackChannel    string
	NotifySMTPHost        string
	NotifySMTPPort        int
	NotifySMTPUsername    string
	NotifySMTPPassword    string
	NotifySMTPStartTLS    bool
	NotifySMTPStartTLSSet bool
	NotifyEmailFrom       string
	NotifyEmailTo         []string
	NotifyWebhookURLs     []string
	NotifyCustomScript    string
	NotifyCustomScriptSet bool
}

// valuesLoader loads Values with embedded filesystem fallback.
type valuesLoader struct {
	embedFS embed.FS
}

// newValuesLoader creates a new valuesLoader with the given embedded filesystem.
func newValuesLoader(embedFS embed.FS) *valuesLoader {
	return &valuesLoader{embedFS: embedFS}
}

// Load loads values from config files with fallback chain: local → global → embedded.
// localConfigPath and globalConfigPath are full paths to config files (not directories).
func (vl *valuesLoader) Load(localConfigPath, globalConfigPath string) (Values, error) {
	// start with embedded defaults
	embedded, err := vl.parseValuesFromEmbedded()
	if err != nil {
		return Values{}, fmt.Errorf("parse embedded defaults: %w", err)
	}

	global, err := vl.parseValuesFromFile(globalConfigPath)
	if err != nil {
		return Values{}, fmt.Errorf("parse global config: %w", err)
	}

	local, err := vl.parseValuesFromFile(localConfigPath)
	if err != nil {
		return Values{}, fmt.Errorf("parse local config: %w", err)
	}

	// merge: embedded → global → local (local wins)
	result := embedded
	result.mergeFrom(&global)
	result.mergeFrom(&local)

	return result, nil
}

// parseValuesFromFile reads a config file and parses it into Values.
// returns empty Values (not error) if file doesn't exist or contains only comments/whitespace.
func (vl *valuesLoader) parseValuesFromFile(path string) (Values, error) {
	if path == "" {
		return Values{}, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is constructed internally
	if err != nil {
		if os.IsNotExist(err) {
			return Values{}, nil
		}
		return Values{}, fmt.Errorf("read config %s: %w", path, err)
	}

	if strings.TrimSpace(stripComments(string(data))) == "" {
		return Values{}, nil
	}

	return vl.parseValuesFromBytes(data)
}

// parseValuesFromEmbedded parses values from the embedded defaults/config file.
func (vl *valuesLoader) parseValuesFromEmbedded() (Values, error) {
	data, err := vl.embedFS.ReadFile("defaults/config")
	if err != nil {
		return Values{}, fmt.Errorf("read embedded defaults: %w", err)
	}
	return vl.parseValuesFromBytes(data)
}

// parseValuesFromBytes parses configuration from a byte slice into Values.
//
//nolint:gocyclo // flat list of keys, splitting would hurt readability
func (vl *valuesLoader) parseValuesFromBytes(data []byte) (Values, error) {
	// ignoreInlineComment: true prevents # from being treated as inline comment marker
	cfg, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true}, data)
	if err != nil {
		return Values{}, fmt.Errorf("parse config: %w", err)
	}

	var values Values
	section := cfg.Section("") // default section (no section header)

	// github settings
	if key, err := section.GetKey("github_api_url"); err == nil {
		values.GitHubAPIURL = key.String()
	}
	if key, err := section.GetKey("github_owner"); err == nil {
		values.GitHubOwner = key.String()
	}
	if key, err := section.GetKey("github_repo"); err == nil {
		values.GitHubRepo = key.String()
	}
	if key, err := section.GetKey("github_workflow_id"); err == nil {
		values.GitHubWorkflowID = key.String()
	}
	if key, err := section.GetKey("github_ref"); err == nil {
		values.GitHubRef = key.String()
	}
	if key, err := section.GetKey("github_token"); err == nil {
		values.GitHubToken = key.String()
	}
	if key, err := section.GetKey("workflow_url"); err == nil {
		values.WorkflowURL = key.String()
	}
	if key, err := section.GetKey("terraform_url"); err == nil {
		values.TerraformURL = key.String()
	}

	// polling settings
	if values.PollIntervalMs, values.PollIntervalMsSet, err = nonNegativeInt(section, "poll_interval_ms"); err != nil {
		return Values{}, err
	}
	if values.MaxPollDurationMs, values.MaxPollDurationMsSet, err = nonNegativeInt(section, "max_poll_duration_ms"); err != nil {
		return Values{}, err
	}
	if values.RunLookupTimeoutMs, values.RunLookupTimeoutMsSet, err = nonNegativeInt(section, "run_lookup_timeout_ms"); err != nil {
		return Values{}, err
	}

	// classifier keywords (comma-separated)
	values.SuccessPatterns = commaList(section, "success_patterns")
	values.FailurePatterns = commaList(section, "failure_patterns")

	// allowed form choices (comma-separated)
	values.Regions = commaList(section, "regions")
	values.Zones = commaList(section, "zones")
	values.MachineTypes = commaList(section, "machine_types")
	values.Environments = commaList(section, "environments")
	values.NetworkTiers = commaList(section, "network_tiers")

	// web settings
	if values.Port, values.PortSet, err = nonNegativeInt(section, "port"); err != nil {
		return Values{}, err
	}
	if values.PortSet && values.Port > 65535 {
		return Values{}, fmt.Errorf("invalid port: must be at most 65535, got %d", values.Port)
	}

	if err := parseNotifyValues(section, &values); err != nil {
		return Values{}, err
	}

	return values, nil
}

// parseNotifyValues parses notify_* keys into values.
func parseNotifyValues(section *ini.Section, values *Values) error {
	if key, err := section.GetKey("notify_channels"); err == nil {
		values.NotifyChannels = splitComma(key.String())
		values.NotifyChannelsSet = true
	}
	if key, err := section.GetKey("notify_on_error"); err == nil {
		val, boolErr := key.Bool()
		if boolErr != nil {
			return fmt.Errorf("invalid notify_on_error: %w", boolErr)
		}
		values.NotifyOnError = val
		values.NotifyOnErrorSet = true
	}
	if key, err := section.GetKey("notify_on_complete"); err == nil {
		val, boolErr := key.Bool()
		if boolErr != nil {
			return fmt.Errorf("invalid notify_on_complete: %w", boolErr)
		}
		values.NotifyOnComplete = val
		values.NotifyOnCompleteSet = true
	}
	var err error
	if values.NotifyTimeoutMs, values.NotifyTimeoutMsSet, err = nonNegativeInt(section, "notify_timeout_ms"); err != nil {
		return err
	}
	if key, err := section.GetKey("notify_telegram_token"); err == nil {
		values.NotifyTelegramToken = key.String()
	}
	if key, err := section.GetKey("notify_telegram_chat"); err == nil {
		values.NotifyTelegramChat = key.String()
	}
	if key, err := section.GetKey("notify_slack_token"); err == nil {
		values.NotifySlackToken = key.String()
	}
	if key, err := section.GetKey("notify_slack_channel"); err == nil {
		values.NotifySlackChannel = key.String()
	}
	if key, err := section.GetKey("notify_smtp_host"); err == nil {
		values.NotifySMTPHost = key.String()
	}
	if values.NotifySMTPPort, _, err = nonNegativeInt(section, "notify_smtp_port"); err != nil {
		return err
	}
	if key, err := section.GetKey("notify_smtp_username"); err == nil {
		values.NotifySMTPUsername = key.String()
	}
	if key, err := section.GetKey("notify_smtp_password"); err == nil {
		values.NotifySMTPPassword = key.String()
	}
	if key, err := section.GetKey("notify_smtp_starttls"); err == nil {
		val, boolErr := key.Bool()
		if boolErr != nil {
			return fmt.Errorf("invalid notify_smtp_starttls: %w", boolErr)
		}
		values.NotifySMTPStartTLS = val
		values.NotifySMTPStartTLSSet = true
	}
	if key, err := section.GetKey("notify_email_from"); err == nil {
		values.NotifyEmailFrom = key.String()
	}
	values.NotifyEmailTo = commaList(section, "notify_email_to")
	values.NotifyWebhookURLs = commaList(section, "notify_webhook_urls")
	if key, err := section.GetKey("notify_custom_script"); err == nil {
		values.NotifyCustomScript = expandTilde(strings.TrimSpace(key.String()))
		values.NotifyCustomScriptSet = true
	}
	return nil
}

// nonNegativeInt reads an optional integer key, rejecting negative values.
func nonNegativeInt(section *ini.Section, name string) (val int, set bool, err error) {
	key, keyErr := section.GetKey(name)
	if keyErr != nil {
		return 0, false, nil
	}
	val, err = key.Int()
	if err != nil {
		return 0, false, fmt.Errorf("invalid %s: %w", name, err)
	}
	if val < 0 {
		return 0, false, fmt.Errorf("invalid %s: must be non-negative, got %d", name, val)
	}
	return val, true, nil
}

// commaList reads an optional comma-separated key, dropping empty items.
func commaList(section *ini.Section, name string) []string {
	key, err := section.GetKey(name)
	if err != nil {
		return nil
	}
	return splitComma(key.String())
}

func splitComma(s string) []string {
	var res []string
	for p := range strings.SplitSeq(s, ",") {
		if t := strings.TrimSpace(p); t != "" {
			res = append(res, t)
		}
	}
	return res
}

// stripComments removes full-line ini comments (# or ;).
func stripComments(s string) string {
	var b strings.Builder
	for line := range strings.SplitSeq(s, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, ";") {
			continue
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

// expandTilde replaces a leading ~/ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return home + path[1:]
}

// mergeFrom merges non-empty values from src into dst.
//
//nolint:gocyclo // flat field list
func (dst *Values) mergeFrom(src *Values) {
	mergeString := func(d *string, s string) {
		if s != "" {
			*d = s
		}
	}
	mergeList := func(d *[]string, s []string) {
		if len(s) > 0 {
			*d = s
		}
	}

	mergeString(&dst.GitHubAPIURL, src.GitHubAPIURL)
	mergeString(&dst.GitHubOwner, src.GitHubOwner)
	mergeString(&dst.GitHubRepo, src.GitHubRepo)
	mergeString(&dst.GitHubWorkflowID, src.GitHubWorkflowID)
	mergeString(&dst.GitHubRef, src.GitHubRef)
	mergeString(&dst.GitHubToken, src.GitHubToken)
	mergeString(&dst.WorkflowURL, src.WorkflowURL)
	mergeString(&dst.TerraformURL, src.TerraformURL)

	if src.PollIntervalMsSet {
		dst.PollIntervalMs = src.PollIntervalMs
		dst.PollIntervalMsSet = true
	}
	if src.MaxPollDurationMsSet {
		dst.MaxPollDurationMs = src.MaxPollDurationMs
		dst.MaxPollDurationMsSet = true
	}
	if src.RunLookupTimeoutMsSet {
		dst.RunLookupTimeoutMs = src.RunLookupTimeoutMs
		dst.RunLookupTimeoutMsSet = true
	}
	if src.PortSet {
		dst.Port = src.Port
		dst.PortSet = true
	}

	mergeList(&dst.SuccessPatterns, src.SuccessPatterns)
	mergeList(&dst.FailurePatterns, src.FailurePatterns)
	mergeList(&dst.Regions, src.Regions)
	mergeList(&dst.Zones, src.Zones)
	mergeList(&dst.MachineTypes, src.MachineTypes)
	mergeList(&dst.Environments, src.Environments)
	mergeList(&dst.NetworkTiers, src.NetworkTiers)

	// explicitly set notify_channels wins even when empty, so local config can disable global notifications
	if src.NotifyChannelsSet {
		dst.NotifyChannels = src.NotifyChannels
		dst.NotifyChannelsSet = true
	}
	if src.NotifyOnErrorSet {
		dst.NotifyOnError = src.NotifyOnError
		dst.NotifyOnErrorSet = true
	}
	if src.NotifyOnCompleteSet {
		dst.NotifyOnComplete = src.NotifyOnComplete
		dst.NotifyOnCompleteSet = true
	}
	if src.NotifyTimeoutMsSet {
		dst.NotifyTimeoutMs = src.NotifyTimeoutMs
		dst.NotifyTimeoutMsSet = true
	}
	mergeString(&dst.NotifyTelegramToken, src.NotifyTelegramToken)
	mergeString(&dst.NotifyTelegramChat, src.NotifyTelegramChat)
	mergeString(&dst.NotifySlackToken, src.NotifySlackToken)
	mergeString(&dst.NotifySlackChannel, src.NotifySlackChannel)
	mergeString(&dst.NotifySMTPHost, src.NotifySMTPHost)
	if src.NotifySMTPPort != 0 {
		dst.NotifySMTPPort = src.NotifySMTPPort
	}
	mergeString(&dst.NotifySMTPUsername, src.NotifySMTPUsername)
	mergeString(&dst.NotifySMTPPassword, src.NotifySMTPPassword)
	if src.NotifySMTPStartTLSSet {
		dst.NotifySMTPStartTLS = src.NotifySMTPStartTLS
		dst.NotifySMTPStartTLSSet = true
	}
	mergeString(&dst.NotifyEmailFrom, src.NotifyEmailFrom)
	mergeList(&dst.NotifyEmailTo, src.NotifyEmailTo)
	mergeList(&dst.NotifyWebhookURLs, src.NotifyWebhookURLs)
	if src.NotifyCustomScriptSet {
		dst.NotifyCustomScript = src.NotifyCustomScript
		dst.NotifyCustomScriptSet = true
	}
}
