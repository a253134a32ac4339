package pool

import (
	"fmt"
	"sync"
)

// RingPool is a fixed-capacity circular free-list. All slots are handed to the
// pool at construction time; TryAcquire takes from the get index and Release
// stores at the put index, both wrapping back to zero as soon as they reach the
// capacity.
//
// The mutex only guards the indices and the used counter. TryAcquire never
// waits for a slot: an exhausted pool reports false so callers can apply
// back-pressure.
type RingPool[T any] struct {
	mu    sync.Mutex
	slots []T
	used  int
	get   int
	put   int
}

// NewRingPool builds a pool that owns every item in items. The slice is copied.
func NewRingPool[T any](items []T) (*RingPool[T], error) {
	if len(items) == 0 {
		return nil, ErrInvalidSize
	}
	slots := make([]T, len(items))
	copy(slots, items)
	return &RingPool[T]{slots: slots}, nil
}

// TryAcquire removes the item at the get index. It returns false when every
// item is already in use.
func (p *RingPool[T]) TryAcquire() (T, bool) {
	var zero T
	p.mu.Lock()
	if p.used == len(p.slots) {
		p.mu.Unlock()
		return zero, false
	}
	p.used++
	v := p.slots[p.get]
	p.slots[p.get] = zero
	p.get++
	if p.get == len(p.slots) {
		p.get = 0
	}
	p.mu.Unlock()
	return v, true
}

// Release hands an item back to the pool at the put index.
func (p *RingPool[T]) Release(v T) error {
	p.mu.Lock()
	if p.used == 0 {
		p.mu.Unlock()
		return fmt.Errorf("ring pool (cap %d): %w", len(p.slots), ErrPoolUnderflow)
	}
	p.used--
	p.slots[p.put] = v
	p.put++
	if p.put == len(p.slots) {
		p.put = 0
	}
	p.mu.Unlock()
	return nil
}

// Used returns the number of items currently handed out.
func (p *RingPool[T]) Used() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

func (p *RingPool[T]) Cap() int {
	return len(p.slots)
}
