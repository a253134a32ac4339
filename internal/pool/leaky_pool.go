package pool

import "sync"

// LeakyPool keeps up to capacity idle items on a stack. Get creates a new item
// when the stack is empty and reports whether the number of items in use has
// crossed the capacity. Put drops items that do not fit, running the pre-deref
// hook on them first so owned resources can be released.
type LeakyPool[T any] struct {
	mu               sync.Mutex
	availabilityList []T
	createFunc       func() (T, error)
	preDrefHook      func(obj T)
	capacity         int
	usage            int
	idx              int
}

func NewLeakyPool[T any](capacity int, createFunc func() (T, error)) *LeakyPool[T] {
	return &LeakyPool[T]{
		availabilityList: make([]T, capacity),
		capacity:         capacity,
		createFunc:       createFunc,
		usage:            0,
		idx:              -1,
		preDrefHook:      nil,
	}
}

func (p *LeakyPool[T]) RegisterPreDrefHook(hook func(obj T)) {
	p.mu.Lock()
	p.preDrefHook = hook
	p.mu.Unlock()
}

// Get returns an idle item or a freshly created one. crossBound is true when
// the item was created past the pool capacity.
func (p *LeakyPool[T]) Get() (obj T, crossBound bool, err error) {
	p.mu.Lock()
	p.usage++
	if p.idx == -1 {
		crossBound = p.usage > p.capacity
		p.mu.Unlock()
		obj, err = p.createFunc()
		if err != nil {
			p.mu.Lock()
			p.usage--
			p.mu.Unlock()
		}
		return obj, crossBound, err
	}
	var zero T
	obj = p.availabilityList[p.idx]
	p.availabilityList[p.idx] = zero
	p.idx--
	p.mu.Unlock()
	return obj, false, nil
}

func (p *LeakyPool[T]) Put(obj T) {
	p.mu.Lock()
	p.usage--
	p.idx++
	if p.idx == p.capacity {
		p.idx--
		hook := p.preDrefHook
		p.mu.Unlock()
		if hook != nil {
			hook(obj)
		}
		return
	}
	p.availabilityList[p.idx] = obj
	p.mu.Unlock()
}

// Drain removes every idle item, running the pre-deref hook on each.
func (p *LeakyPool[T]) Drain() int {
	p.mu.Lock()
	var zero T
	idle := make([]T, 0, p.idx+1)
	for ; p.idx >= 0; p.idx-- {
		idle = append(idle, p.availabilityList[p.idx])
		p.availabilityList[p.idx] = zero
	}
	hook := p.preDrefHook
	p.mu.Unlock()
	if hook != nil {
		for _, obj := range idle {
			hook(obj)
		}
	}
	return len(idle)
}

// Count returns the number of items handed out and not yet returned.
func (p *LeakyPool[T]) Count() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int64(p.usage)
}

// Idle returns the number of items waiting on the stack.
func (p *LeakyPool[T]) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idx + 1
}
