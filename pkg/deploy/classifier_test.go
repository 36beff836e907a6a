package deploy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/learning-org-2565/infradeploy/pkg/status"
)

func TestClassifier_Classify(t *testing.T) {
	c := NewClassifier(nil, nil)

	tests := []struct {
		name   string
		line   string
		ok     bool
		step   status.StepID
		status status.Status
		text   string
	}{
		{name: "init running", line: "Running terraform init in ./gke", ok: true, step: status.StepInit,
			status: status.StatusRunning, text: "Running terraform init in ./gke"},
		{name: "validate success", line: "terraform validate Successfully completed", ok: true,
			step: status.StepValidate, status: status.StatusCompleted, text: "terraform validate Successfully completed"},
		{name: "plan done", line: "terraform plan done", ok: true, step: status.StepPlan,
			status: status.StatusCompleted, text: "terraform plan done"},
		{name: "apply running", line: "terraform apply -auto-approve", ok: true, step: status.StepApply,
			status: status.StatusRunning, text: "terraform apply -auto-approve"},
		{name: "apply error", line: "terraform apply Error: quota exceeded", ok: true, step: status.StepApply,
			status: status.StatusFailed, text: "terraform apply Error: quota exceeded"},
		{name: "verify failed", line: "Verifying cluster Failed", ok: true, step: status.StepVerify,
			status: status.StatusFailed, text: "Verifying cluster Failed"},
		{name: "success wins over failure", line: "terraform plan done, Error count 0", ok: true,
			step: status.StepPlan, status: status.StatusCompleted, text: "terraform plan done, Error count 0"},
		{name: "first rule wins", line: "terraform init before terraform apply", ok: true, step: status.StepInit,
			status: status.StatusRunning, text: "terraform init before terraform apply"},
		{name: "keywords are case sensitive", line: "terraform plan error", ok: true, step: status.StepPlan,
			status: status.StatusRunning, text: "terraform plan error"},
		{name: "runner timestamp stripped", line: "2024-05-01T10:00:00.1234567Z terraform init", ok: true,
			step: status.StepInit, status: status.StatusRunning, text: "terraform init"},
		{name: "crlf tolerated", line: "terraform validate\r", ok: true, step: status.StepValidate,
			status: status.StatusRunning, text: "terraform validate"},
		{name: "bom stripped", line: "\ufeff2024-05-01T10:00:00Z Verifying", ok: true, step: status.StepVerify,
			status: status.StatusRunning, text: "Verifying"},
		{name: "unrelated line", line: "Set up job", ok: false},
		{name: "keyword without step", line: "Error: something unrelated", ok: false},
		{name: "empty line", line: "", ok: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, ok := c.Classify(tc.line)
			assert.Equal(t, tc.ok, ok)
			if !tc.ok {
				return
			}
			assert.Equal(t, tc.step, m.Step)
			assert.Equal(t, tc.status, m.Status)
			assert.Equal(t, tc.text, m.Text)
		})
	}
}

func TestClassifier_Timestamp(t *testing.T) {
	c := NewClassifier(nil, nil)

	m, ok := c.Classify("2024-05-01T10:00:05.5Z terraform plan")
	assert.True(t, ok)
	assert.True(t, m.Time.Equal(time.Date(2024, 5, 1, 10, 0, 5, 500_000_000, time.UTC)))

	m, ok = c.Classify("terraform plan")
	assert.True(t, ok)
	assert.True(t, m.Time.IsZero())
}

func TestClassifier_CustomPatterns(t *testing.T) {
	c := NewClassifier([]string{"Apply complete!"}, []string{"FATAL"})

	m, ok := c.Classify("terraform apply: Apply complete! Resources: 3 added")
	assert.True(t, ok)
	assert.Equal(t, status.StatusCompleted, m.Status)

	m, ok = c.Classify("terraform apply done")
	assert.True(t, ok)
	assert.Equal(t, status.StatusRunning, m.Status, "default keywords replaced")

	m, ok = c.Classify("terraform apply FATAL")
	assert.True(t, ok)
	assert.Equal(t, status.StatusFailed, m.Status)
}
