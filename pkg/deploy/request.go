// Package deploy turns a deployment request into a dispatched workflow run and tracks its steps
// by classifying the run's log text.
package deploy

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/learning-org-2565/infradeploy/pkg/config"
)

// ErrInvalidRequest wraps all request validation failures.
var ErrInvalidRequest = errors.New("invalid deployment request")

// Request holds the infrastructure parameters collected by the form.
type Request struct {
	ProjectName string `json:"project_name" yaml:"project_name"`
	ProjectID   string `json:"project_id" yaml:"project_id"`
	Region      string `json:"region" yaml:"region"`
	Zone        string `json:"zone" yaml:"zone"`
	Environment string `json:"environment" yaml:"environment"`
	MachineType string `json:"machine_type" yaml:"machine_type"`
	NetworkTier string `json:"network_tier" yaml:"network_tier"`
}

// FieldError describes a single invalid form field.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return e.Field + ": " + e.Message
}

// LoadRequest reads a request from a YAML file.
func LoadRequest(path string) (Request, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the command line
	if err != nil {
		return Request{}, fmt.Errorf("read request file: %w", err)
	}
	var req Request
	if err := yaml.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("parse request file %s: %w", path, err)
	}
	return req, nil
}

// Normalize trims surrounding whitespace from every field.
func (r Request) Normalize() Request {
	return Request{
		ProjectName: strings.TrimSpace(r.ProjectName),
		ProjectID:   strings.TrimSpace(r.ProjectID),
		Region:      strings.TrimSpace(r.Region),
		Zone:        strings.TrimSpace(r.Zone),
		Environment: strings.TrimSpace(r.Environment),
		MachineType: strings.TrimSpace(r.MachineType),
		NetworkTier: strings.TrimSpace(r.NetworkTier),
	}
}

// Validate checks required fields and allowed values.
// all problems are reported together; the result wraps ErrInvalidRequest and one *FieldError per field.
func (r Request) Validate(choices config.Choices) error {
	var errs *multierror.Error
	required := func(field, label, val string) bool {
		if val == "" {
			errs = multierror.Append(errs, &FieldError{Field: field, Message: label + " is required"})
			return false
		}
		return true
	}
	allowed := func(field, label, val string, options []string) {
		if required(field, label, val) && !config.Valid(options, val) {
			errs = multierror.Append(errs, &FieldError{Field: field, Message: fmt.Sprintf("%s %q is not allowed", label, val)})
		}
	}

	required("project_name", "Project name", r.ProjectName)
	required("project_id", "Project ID", r.ProjectID)
	allowed("region", "Region", r.Region, choices.Regions)
	allowed("zone", "Zone", r.Zone, choices.Zones)
	allowed("environment", "Environment", r.Environment, choices.Environments)
	allowed("machine_type", "Machine type", r.MachineType, choices.MachineTypes)
	allowed("network_tier", "Network tier", r.NetworkTier, choices.NetworkTiers)

	if errs == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidRequest, errs.ErrorOrNil())
}

// FieldErrors extracts per-field messages from a Validate error, keyed by field name.
func FieldErrors(err error) map[string]string {
	res := map[string]string{}
	var merr *multierror.Error
	if !errors.As(err, &merr) {
		return res
	}
	for _, e := range merr.Errors {
		var fe *FieldError
		if errors.As(e, &fe) {
			res[fe.Field] = fe.Message
		}
	}
	return res
}

// Inputs returns the workflow dispatch inputs for the request.
func (r Request) Inputs() map[string]any {
	return map[string]any{
		"project_name": r.ProjectName,
		"project_id":   r.ProjectID,
		"region":       r.Region,
		"zone":         r.Zone,
		"environment":  r.Environment,
		"machine_type": r.MachineType,
		"network_tier": r.NetworkTier,
	}
}
