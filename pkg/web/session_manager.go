package web

import (
	"slices"
	"sync"
)

// DefaultMaxDeployments is how many deployments the manager keeps before evicting finished ones.
const DefaultMaxDeployments = 100

// DeploymentManager is the in-memory registry of deployment sessions, keyed by deployment id.
// nothing is persisted, a restart forgets all deployments.
type DeploymentManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string // registration order, oldest first
	max      int
}

// NewDeploymentManager creates a manager keeping up to maxDeployments sessions.
// if maxDeployments is 0, DefaultMaxDeployments is used.
func NewDeploymentManager(maxDeployments int) *DeploymentManager {
	if maxDeployments <= 0 {
		maxDeployments = DefaultMaxDeployments
	}
	return &DeploymentManager{
		sessions: make(map[string]*Session),
		max:      maxDeployments,
	}
}

// Register adds a session to the registry, replacing one with the same id.
// when the registry is over capacity the oldest finished sessions are evicted;
// deployments still being tracked are never evicted.
func (m *DeploymentManager) Register(s *Session) {
	m.mu.Lock()
	if _, ok := m.sessions[s.ID()]; !ok {
		m.order = append(m.order, s.ID())
	}
	m.sessions[s.ID()] = s
	evicted := m.evict(s.ID())
	m.mu.Unlock()

	for _, old := range evicted {
		old.Close()
	}
}

// evict removes the oldest finished sessions above capacity, sparing keep.
// must be called with lock held.
func (m *DeploymentManager) evict(keep string) []*Session {
	var res []*Session
	for i := 0; len(m.sessions) > m.max && i < len(m.order); {
		id := m.order[i]
		s := m.sessions[id]
		if id == keep || !s.Finished() {
			i++
			continue
		}
		delete(m.sessions, id)
		m.order = slices.Delete(m.order, i, i+1)
		res = append(res, s)
	}
	return res
}

// Get returns a session by deployment id, or nil if not found.
func (m *DeploymentManager) Get(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// All returns all sessions, newest first.
func (m *DeploymentManager) All() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Session, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		result = append(result, m.sessions[m.order[i]])
	}
	return result
}

// Close stops all deployments and clears the registry.
func (m *DeploymentManager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.order = nil
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
