// Package data provides market data plumbing: tick buffering, tick-to-bar
// aggregation, durable bar logs, and historical backfill.
package data

import (
	"sync"

	"adx-trader/internal/models"
)

// TickBuffer is a bounded most-recent window of ticks for one symbol.
// Oldest ticks are evicted on overflow. Contents are in-memory only.
type TickBuffer struct {
	mu       sync.RWMutex
	capacity int
	buf      []models.Tick
	head     int
	size     int
}

// NewTickBuffer creates a buffer holding at most capacity ticks.
func NewTickBuffer(capacity int) *TickBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &TickBuffer{
		capacity: capacity,
		buf:      make([]models.Tick, capacity),
	}
}

// Push appends a tick, evicting the oldest when full.
func (b *TickBuffer) Push(t models.Tick) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tail := (b.head + b.size) % b.capacity
	b.buf[tail] = t
	if b.size < b.capacity {
		b.size++
	} else {
		b.head = (b.head + 1) % b.capacity
	}
}

// Last returns the most recent tick, if any.
func (b *TickBuffer) Last() (models.Tick, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size == 0 {
		return models.Tick{}, false
	}
	return b.buf[(b.head+b.size-1)%b.capacity], true
}

// Recent returns the k most recent ticks, oldest first. Fewer are returned
// when the buffer holds fewer.
func (b *TickBuffer) Recent(k int) []models.Tick {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.window(k)
}

// All returns every buffered tick, oldest first.
func (b *TickBuffer) All() []models.Tick {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.window(b.size)
}

// window copies the last k ticks; callers hold at least a read lock.
func (b *TickBuffer) window(k int) []models.Tick {
	if k > b.size {
		k = b.size
	}
	if k <= 0 {
		return nil
	}
	out := make([]models.Tick, k)
	start := b.size - k
	for i := 0; i < k; i++ {
		out[i] = b.buf[(b.head+start+i)%b.capacity]
	}
	return out
}

// Clear discards all buffered ticks.
func (b *TickBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.size = 0
}

// Len returns the number of buffered ticks.
func (b *TickBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}
