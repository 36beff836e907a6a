package web

import (
	"sync"
)

// defaultSubscriberBuffer is the channel size given to each SSE client.
const defaultSubscriberBuffer = 64

// Hub fans out a deployment's events to its SSE clients.
// a slow client never blocks the tracker: events that don't fit its buffer are dropped,
// which is harmless since every step event carries a full snapshot.
type Hub struct {
	mu      sync.RWMutex
	clients map[chan Event]struct{}
	bufSize int
	closed  bool
}

// NewHub creates a new SSE hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[chan Event]struct{}),
		bufSize: defaultSubscriberBuffer,
	}
}

// Subscribe adds a client channel to receive events.
// subscribing to a closed hub returns an already closed channel.
func (h *Hub) Subscribe() chan Event {
	ch := make(chan Event, h.bufSize)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch
	}
	h.clients[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a client channel and closes it.
// safe to call multiple times with the same channel.
func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
}

// Broadcast sends an event to all subscribed clients without blocking.
func (h *Hub) Broadcast(e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.clients {
		select {
		case ch <- e:
		default:
			// client buffer full, drop event
		}
	}
}

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close unsubscribes all clients, closing their channels. later subscriptions get closed channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for ch := range h.clients {
		close(ch)
		delete(h.clients, ch)
	}
}
