package dispatch

import "sync"

// Handler processes one method on a channel. Its result is returned to
// whoever waited for the method.
type Handler func(ch *Channel, m Method) (any, error)

// HandlerTable maps method types to handlers for one channel.
type HandlerTable struct {
	mu       sync.RWMutex
	handlers map[MethodType]Handler
}

// NewHandlerTable creates an empty table.
func NewHandlerTable() *HandlerTable {
	return &HandlerTable{handlers: make(map[MethodType]Handler)}
}

// Register installs h for t, replacing any handler already installed for t.
// It reports whether a handler was replaced. A nil h removes the entry.
func (ht *HandlerTable) Register(t MethodType, h Handler) bool {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	_, existed := ht.handlers[t]
	if h == nil {
		delete(ht.handlers, t)
	} else {
		ht.handlers[t] = h
	}
	return existed
}

// Lookup returns the handler for t.
func (ht *HandlerTable) Lookup(t MethodType) (Handler, bool) {
	ht.mu.RLock()
	defer ht.mu.RUnlock()

	h, ok := ht.handlers[t]
	return h, ok
}

// Len returns the number of registered handlers.
func (ht *HandlerTable) Len() int {
	ht.mu.RLock()
	defer ht.mu.RUnlock()
	return len(ht.handlers)
}
