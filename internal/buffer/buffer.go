// Package buffer holds the detections observed during a live session.
package buffer

import (
	"sync"

	"potholecam/internal/detection"
)

// DefaultCapacity is the number of detections a session keeps.
const DefaultCapacity = 50

// Buffer is a bounded FIFO of detections. When full, appending evicts the
// oldest entry. Insertion order is preserved.
type Buffer struct {
	mu       sync.RWMutex
	items    []detection.Detection
	head     int // index of the oldest entry
	size     int
	evicted  int
	capacity int
}

// New creates a buffer holding at most capacity detections.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		items:    make([]detection.Detection, capacity),
		capacity: capacity,
	}
}

// Append adds detections in order, evicting from the front as needed.
func (b *Buffer) Append(dets ...detection.Detection) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, d := range dets {
		if b.size < b.capacity {
			b.items[(b.head+b.size)%b.capacity] = d
			b.size++
			continue
		}
		b.items[b.head] = d
		b.head = (b.head + 1) % b.capacity
		b.evicted++
	}
}

// Snapshot returns a copy of the contents, oldest first.
func (b *Buffer) Snapshot() []detection.Detection {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]detection.Detection, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.items[(b.head+i)%b.capacity]
	}
	return out
}

// Len returns the number of buffered detections.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Evicted returns how many detections were dropped since the last Clear.
func (b *Buffer) Evicted() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.evicted
}

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int {
	return b.capacity
}

// Clear empties the buffer.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	clear(b.items)
	b.head = 0
	b.size = 0
	b.evicted = 0
}

// Drain returns the contents and clears the buffer in one step.
func (b *Buffer) Drain() []detection.Detection {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]detection.Detection, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.items[(b.head+i)%b.capacity]
	}
	clear(b.items)
	b.head = 0
	b.size = 0
	b.evicted = 0
	return out
}
