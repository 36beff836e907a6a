// Package config loads infradeploy settings from ini files, environment variables and embedded defaults.
package config

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

//go:embed defaults
var defaultsFS embed.FS

// environment variable names, checked in order; the first non-empty value wins.
var envKeys = map[string][]string{
	"token":       {"INFRADEPLOY_GITHUB_TOKEN", "GITHUB_TOKEN"},
	"owner":       {"INFRADEPLOY_GITHUB_OWNER"},
	"repo":        {"INFRADEPLOY_GITHUB_REPO"},
	"workflow_id": {"INFRADEPLOY_WORKFLOW_ID"},
	"api_url":     {"INFRADEPLOY_API_URL"},
	"ref":         {"INFRADEPLOY_REF"},
}

// Choices lists the allowed values for each form select.
type Choices struct {
	Regions      []string `json:"regions"`
	Zones        []string `json:"zones"`
	MachineTypes []string `json:"machine_types"`
	Environments []string `json:"environments"`
	NetworkTiers []string `json:"network_tiers"`
}

// Valid reports whether val is one of the allowed options.
func Valid(options []string, val string) bool {
	return slices.Contains(options, val)
}

// Config is the resolved application configuration.
type Config struct {
	Values

	Choices          Choices
	Colors           ColorConfig
	PollInterval     time.Duration
	MaxPollDuration  time.Duration // zero polls until the deployment finishes
	RunLookupTimeout time.Duration

	ConfigDir string // global config directory in use
}

// Load reads configuration from the global directory (empty means ~/.config/infradeploy),
// the local .infradeploy/config in the working directory, the process environment and embedded defaults.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		configDir = filepath.Join(home, ".config", "infradeploy")
	}
	return load(configDir, filepath.Join(".infradeploy", "config"), os.Getenv)
}

func load(configDir, localPath string, getenv func(string) string) (*Config, error) {
	globalPath := filepath.Join(configDir, "config")
	values, err := newValuesLoader(defaultsFS).Load(localPath, globalPath)
	if err != nil {
		return nil, fmt.Errorf("load values: %w", err)
	}
	applyEnv(&values, getenv)

	colors, err := newColorLoader(defaultsFS).Load(localPath, globalPath)
	if err != nil {
		return nil, fmt.Errorf("load colors: %w", err)
	}

	cfg := &Config{
		Values: values,
		Choices: Choices{
			Regions:      values.Regions,
			Zones:        values.Zones,
			MachineTypes: values.MachineTypes,
			Environments: values.Environments,
			NetworkTiers: values.NetworkTiers,
		},
		Colors:           colors,
		PollInterval:     time.Duration(values.PollIntervalMs) * time.Millisecond,
		MaxPollDuration:  time.Duration(values.MaxPollDurationMs) * time.Millisecond,
		RunLookupTimeout: time.Duration(values.RunLookupTimeoutMs) * time.Millisecond,
		ConfigDir:        configDir,
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides github settings from environment variables.
func applyEnv(v *Values, getenv func(string) string) {
	lookup := func(name string) string {
		for _, k := range envKeys[name] {
			if val := strings.TrimSpace(getenv(k)); val != "" {
				return val
			}
		}
		return ""
	}
	if val := lookup("token"); val != "" {
		v.GitHubToken = val
	}
	if val := lookup("owner"); val != "" {
		v.GitHubOwner = val
	}
	if val := lookup("repo"); val != "" {
		v.GitHubRepo = val
	}
	if val := lookup("workflow_id"); val != "" {
		v.GitHubWorkflowID = val
	}
	if val := lookup("api_url"); val != "" {
		v.GitHubAPIURL = val
	}
	if val := lookup("ref"); val != "" {
		v.GitHubRef = val
	}
}

// validate checks settings the rest of the app relies on being present.
func (c *Config) validate() error {
	if c.GitHubOwner == "" || c.GitHubRepo == "" || c.GitHubWorkflowID == "" {
		return errors.New("github_owner, github_repo and github_workflow_id are required")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll_interval_ms must be positive")
	}
	if len(c.SuccessPatterns) == 0 || len(c.FailurePatterns) == 0 {
		return errors.New("success_patterns and failure_patterns must not be empty")
	}
	return nil
}
