package web

import (
	"sync"

	"github.com/learning-org-2565/infradeploy/pkg/deploy"
	"github.com/learning-org-2565/infradeploy/pkg/status"
)

// Session is one deployment as seen by dashboard clients.
// it mirrors tracker changes into an event buffer for replay and a hub for live streaming.
type Session struct {
	Deployment *deploy.Deployment
	Buffer     *Buffer
	Hub        *Hub

	followOnce sync.Once
}

// NewSession creates a session for the deployment and records its current steps as the first event.
// it must be created before the deployment is tracked, so no step change is missed.
func NewSession(d *deploy.Deployment) *Session {
	s := &Session{
		Deployment: d,
		Buffer:     NewBuffer(DefaultBufferSize),
		Hub:        NewHub(),
	}
	d.Tracker.OnChange(func(steps []status.Step) {
		s.publish(NewStepsEvent(d.ID, d.Tracker.Status(), steps))
	})
	s.publish(NewStepsEvent(d.ID, d.Tracker.Status(), d.Tracker.Steps()))
	return s
}

// ID returns the deployment id.
func (s *Session) ID() string {
	return s.Deployment.ID
}

// Follow publishes the done event once the deployment stops tracking.
// call it after the deployment is tracked (or failed to start); repeated calls are no-ops.
func (s *Session) Follow() {
	s.followOnce.Do(func() {
		go func() {
			<-s.Deployment.Done()
			s.publish(NewDoneEvent(s.ID(), s.Deployment.Tracker.Status()))
		}()
	})
}

// Finished reports whether the deployment is no longer tracked.
func (s *Session) Finished() bool {
	select {
	case <-s.Deployment.Done():
		return true
	default:
		return false
	}
}

// publish stores the event for late joiners and sends it to live clients.
func (s *Session) publish(e Event) {
	s.Buffer.Add(e)
	s.Hub.Broadcast(e)
}

// Close stops tracking and releases streaming resources.
func (s *Session) Close() {
	s.Deployment.Stop()
	s.Hub.Close()
	s.Buffer.Clear()
}
