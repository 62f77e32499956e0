package util

import "sync"

// IDAllocator hands out channel numbers in [min, max]. Allocation is round
// robin from the last id handed out, so a just-released number is not reused
// while a late reply for it may still be in flight.
type IDAllocator struct {
	mu       sync.Mutex
	min, max uint16
	last     uint16
	used     map[uint16]struct{}
}

// NewIDAllocator creates an allocator for [min, max]
func NewIDAllocator(min, max uint16) *IDAllocator {
	if max < min {
		max = min
	}
	return &IDAllocator{
		min:  min,
		max:  max,
		last: max,
		used: make(map[uint16]struct{}),
	}
}

// Allocate returns the next free id, or false when the range is exhausted
func (a *IDAllocator) Allocate() (uint16, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := int(a.max) - int(a.min) + 1
	if len(a.used) >= size {
		return 0, false
	}

	id := a.last
	for i := 0; i < size; i++ {
		if id == a.max {
			id = a.min
		} else {
			id++
		}
		if _, taken := a.used[id]; !taken {
			a.used[id] = struct{}{}
			a.last = id
			return id, true
		}
	}
	return 0, false
}

// Release returns an id to the pool. Releasing a free id reports false.
func (a *IDAllocator) Release(id uint16) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, taken := a.used[id]; !taken {
		return false
	}
	delete(a.used, id)
	return true
}

// Available returns the number of free ids
func (a *IDAllocator) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.max) - int(a.min) + 1 - len(a.used)
}
