package web

import (
	"sync"
)

// DefaultBufferSize is the default number of events kept per deployment.
const DefaultBufferSize = 256

// Buffer is a thread-safe ring buffer of events with a per-type index.
// every steps event carries the whole deployment state, so late joiners only
// need the latest event of each type.
type Buffer struct {
	mu       sync.RWMutex
	events   []Event
	maxSize  int
	writePos int // next position to write (wraps around)
	count    int // total events written (for full detection)

	// typeIndex stores positions of events by type, oldest first
	typeIndex map[EventType][]int
}

// NewBuffer creates a new ring buffer with the specified max size.
// if maxSize is 0, DefaultBufferSize is used.
func NewBuffer(maxSize int) *Buffer {
	if maxSize <= 0 {
		maxSize = DefaultBufferSize
	}
	return &Buffer{
		events:    make([]Event, maxSize),
		maxSize:   maxSize,
		typeIndex: make(map[EventType][]int),
	}
}

// Add appends an event to the buffer, overwriting oldest if full.
func (b *Buffer) Add(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count >= b.maxSize {
		b.dropIndexEntry(b.writePos)
	}

	b.events[b.writePos] = e
	b.typeIndex[e.Type] = append(b.typeIndex[e.Type], b.writePos)

	b.writePos = (b.writePos + 1) % b.maxSize
	b.count++
}

// dropIndexEntry removes the index entry of the event about to be overwritten.
// the overwritten event is always the oldest of its type, so it's first in the index.
// must be called with lock held.
func (b *Buffer) dropIndexEntry(pos int) {
	old := b.events[pos]
	indices := b.typeIndex[old.Type]
	if len(indices) > 0 && indices[0] == pos {
		indices = indices[1:]
	}
	if len(indices) == 0 {
		delete(b.typeIndex, old.Type)
		return
	}
	b.typeIndex[old.Type] = indices
}

// Latest returns the most recent event of the given type.
func (b *Buffer) Latest(t EventType) (Event, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	indices := b.typeIndex[t]
	if len(indices) == 0 {
		return Event{}, false
	}
	return b.events[indices[len(indices)-1]], true
}

// Clear removes all events from the buffer.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = make([]Event, b.maxSize)
	b.writePos = 0
	b.count = 0
	b.typeIndex = make(map[EventType][]int)
}
