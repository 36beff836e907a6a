package status

import "sync"

// Holder stores the overall deployment status in a thread-safe way.
// transitions go through Status.Advance, so a terminal status sticks.
type Holder struct {
	mu       sync.RWMutex
	status   Status
	onChange func(old, cur Status)
}

// OnChange registers a callback that fires when the status changes.
// only one callback is supported; subsequent calls replace the previous one.
func (h *Holder) OnChange(fn func(old, cur Status)) {
	h.mu.Lock()
	h.onChange = fn
	h.mu.Unlock()
}

// Set advances the status and fires the OnChange callback if it changed.
func (h *Holder) Set(s Status) {
	h.mu.Lock()
	old := h.status
	if old == "" {
		old = StatusPending
	}
	cur := old.Advance(s)
	h.status = cur
	cb := h.onChange
	h.mu.Unlock()

	if old != cur && cb != nil {
		cb(old, cur)
	}
}

// Get returns the current status, pending if never set.
func (h *Holder) Get() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.status == "" {
		return StatusPending
	}
	return h.status
}
