// Package web serves the deployment form and live step dashboards over HTTP with SSE updates.
package web

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/learning-org-2565/infradeploy/pkg/status"
)

// EventType represents the type of event being streamed.
type EventType string

// event type constants for SSE streaming.
const (
	EventTypeSteps EventType = "steps" // full step snapshot
	EventTypeDone  EventType = "done"  // tracking ended, no more snapshots follow
)

// Event is one message streamed to dashboard clients. step events carry the whole
// snapshot, so a client only needs the latest one to render the page.
type Event struct {
	Type         EventType     `json:"type"`
	DeploymentID string        `json:"deployment_id"`
	Status       status.Status `json:"status"`
	Steps        []status.Step `json:"steps,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// NewStepsEvent creates a snapshot event with current timestamp.
func NewStepsEvent(id string, overall status.Status, steps []status.Step) Event {
	return Event{
		Type:         EventTypeSteps,
		DeploymentID: id,
		Status:       overall,
		Steps:        steps,
		Timestamp:    time.Now(),
	}
}

// NewDoneEvent creates the final event of a deployment stream.
func NewDoneEvent(id string, overall status.Status) Event {
	return Event{
		Type:         EventTypeDone,
		DeploymentID: id,
		Status:       overall,
		Timestamp:    time.Now(),
	}
}

// JSON returns the event as JSON bytes for SSE streaming.
func (e Event) JSON() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return data, nil
}
