package deploy

import (
	"regexp"
	"strings"
	"time"

	"github.com/learning-org-2565/infradeploy/pkg/status"
)

// Rule maps a log substring to the step it belongs to.
type Rule struct {
	Step  status.StepID
	Match string
}

// DefaultRules are checked in order; the first rule whose substring appears in a line wins.
var DefaultRules = []Rule{
	{Step: status.StepInit, Match: "terraform init"},
	{Step: status.StepValidate, Match: "terraform validate"},
	{Step: status.StepPlan, Match: "terraform plan"},
	{Step: status.StepApply, Match: "terraform apply"},
	{Step: status.StepVerify, Match: "Verifying"},
}

// default terminal keywords, case-sensitive substrings.
var (
	DefaultSuccessPatterns = []string{"Successfully completed", "done"}
	DefaultFailurePatterns = []string{"Error", "Failed"}
)

// Match is the classification of a single log line.
type Match struct {
	Step   status.StepID
	Status status.Status // running, completed or failed
	Text   string        // line without the runner timestamp prefix
	Time   time.Time     // runner timestamp, zero if the line had none
}

// Classifier maps raw log lines to pipeline steps by substring matching.
type Classifier struct {
	rules   []Rule
	success []string
	failure []string
}

// NewClassifier creates a classifier with DefaultRules and the given terminal keywords.
// empty keyword lists fall back to the defaults.
func NewClassifier(success, failure []string) *Classifier {
	if len(success) == 0 {
		success = DefaultSuccessPatterns
	}
	if len(failure) == 0 {
		failure = DefaultFailurePatterns
	}
	return &Classifier{rules: DefaultRules, success: success, failure: failure}
}

// runner log lines look like "2024-05-01T10:00:00.1234567Z message"
var runnerTimestampRegex = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?Z) ?(.*)$`)

// Classify returns the step a line belongs to and the status it implies.
// ok is false for lines that match no rule.
func (c *Classifier) Classify(line string) (m Match, ok bool) {
	line = strings.TrimPrefix(strings.TrimRight(line, "\r"), "\ufeff")
	text, ts := splitTimestamp(line)

	for _, r := range c.rules {
		if !strings.Contains(text, r.Match) {
			continue
		}
		return Match{Step: r.Step, Status: c.outcome(text), Text: text, Time: ts}, true
	}
	return Match{}, false
}

// outcome checks success keywords before failure keywords.
func (c *Classifier) outcome(text string) status.Status {
	for _, p := range c.success {
		if strings.Contains(text, p) {
			return status.StatusCompleted
		}
	}
	for _, p := range c.failure {
		if strings.Contains(text, p) {
			return status.StatusFailed
		}
	}
	return status.StatusRunning
}

// splitTimestamp strips a runner timestamp prefix, returning zero time if there is none.
func splitTimestamp(line string) (string, time.Time) {
	matches := runnerTimestampRegex.FindStringSubmatch(line)
	if matches == nil {
		return line, time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, matches[1])
	if err != nil {
		return line, time.Time{}
	}
	return matches[2], ts
}
