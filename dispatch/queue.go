package dispatch

import "sync"

// MethodQueue holds methods that arrived on a channel before anyone asked
// for them. It is unbounded and never blocks the writer. Every method routed
// to the channel is stamped with an arrival number so a method handed back
// by a cancelled waiter returns to its arrival position.
type MethodQueue struct {
	mu    sync.Mutex
	items []queued
	next  uint64
}

type queued struct {
	seq    uint64
	method Method
}

// NewMethodQueue creates an empty queue.
func NewMethodQueue() *MethodQueue {
	return &MethodQueue{}
}

// Stamp returns the next arrival number. Methods handed straight to a
// waiter are stamped so they can be requeued in order.
func (q *MethodQueue) Stamp() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stampLocked()
}

func (q *MethodQueue) stampLocked() uint64 {
	q.next++
	return q.next
}

// Enqueue appends m to the back of the queue.
func (q *MethodQueue) Enqueue(m Method) {
	q.mu.Lock()
	q.items = append(q.items, queued{seq: q.stampLocked(), method: m})
	q.mu.Unlock()
}

// Requeue puts back a method taken with arrival number seq, ahead of every
// queued method that arrived after it.
func (q *MethodQueue) Requeue(seq uint64, m Method) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := len(q.items)
	for i > 0 && q.items[i-1].seq > seq {
		i--
	}
	q.items = append(q.items, queued{})
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = queued{seq: seq, method: m}
}

// TakeMatching removes and returns the oldest method whose type is in
// allowed. Methods ahead of it stay queued in their original order.
func (q *MethodQueue) TakeMatching(allowed TypeSet) (Method, bool) {
	e, ok := q.take(allowed)
	return e.method, ok
}

func (q *MethodQueue) take(allowed TypeSet) (queued, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.items {
		if !allowed.Contains(e.method.Type) {
			continue
		}
		copy(q.items[i:], q.items[i+1:])
		q.items[len(q.items)-1] = queued{}
		q.items = q.items[:len(q.items)-1]
		return e, true
	}
	return queued{}, false
}

// Len returns the number of queued methods.
func (q *MethodQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain empties the queue and returns what it held.
func (q *MethodQueue) Drain() []Method {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := make([]Method, len(q.items))
	for i, e := range q.items {
		items[i] = e.method
	}
	q.items = nil
	return items
}
