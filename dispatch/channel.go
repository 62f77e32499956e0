package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/israelio/amqp-dispatch/internal/protocol"
	"go.uber.org/zap"
)

// ChannelState represents the state of a channel
type ChannelState int32

const (
	ChannelStateUnopened ChannelState = iota
	ChannelStateOpen
	ChannelStateClosing
	ChannelStateClosed
)

func (cs ChannelState) String() string {
	switch cs {
	case ChannelStateUnopened:
		return "unopened"
	case ChannelStateOpen:
		return "open"
	case ChannelStateClosing:
		return "closing"
	case ChannelStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// delivery is what the connection loop hands a waiter. When handled is set
// the method was immediate and its handler already ran on the loop.
type delivery struct {
	method  Method
	seq     uint64
	handled bool
	result  any
	err     error
}

type waiter struct {
	allowed TypeSet
	ch      chan delivery
}

// Channel is one logical channel of a Connection.
type Channel struct {
	conn *Connection
	id   uint16
	log  *zap.SugaredLogger

	queue    *MethodQueue
	handlers *HandlerTable

	// Guarded by conn.mu.
	immediate TypeSet
	waiters   []*waiter
	closeErr  error

	state     atomic.Int32
	flow      atomic.Bool
	closeOnce sync.Once
	closed    chan struct{}

	notifyMu        sync.Mutex
	returnChans     []chan Return
	returnListeners []ReturnListener
	flowChans       []chan bool
	closeChans      []chan error
}

func newChannel(c *Connection, id uint16) *Channel {
	ch := &Channel{
		conn:      c,
		id:        id,
		log:       c.opts.logger.Sugar().With("component", "channel", "channel", id),
		queue:     NewMethodQueue(),
		handlers:  NewHandlerTable(),
		immediate: Types(),
		closed:    make(chan struct{}),
	}
	ch.flow.Store(true)
	return ch
}

// ID returns the channel number
func (ch *Channel) ID() uint16 {
	return ch.id
}

// Connection returns the connection the channel belongs to
func (ch *Channel) Connection() *Connection {
	return ch.conn
}

// State returns the current channel state
func (ch *Channel) State() ChannelState {
	return ChannelState(ch.state.Load())
}

// IsClosed returns whether the channel is closed
func (ch *Channel) IsClosed() bool {
	return ch.State() == ChannelStateClosed
}

// FlowActive reports whether the peer currently allows content to be sent.
func (ch *Channel) FlowActive() bool {
	return ch.flow.Load()
}

// QueueLen returns the number of methods waiting on the channel's queue.
func (ch *Channel) QueueLen() int {
	return ch.queue.Len()
}

// RegisterHandler installs h for methods of type t on this channel and
// reports whether it replaced an existing handler.
func (ch *Channel) RegisterHandler(t MethodType, h Handler) bool {
	return ch.handlers.Register(t, h)
}

// SetImmediate marks types to be dispatched as soon as they arrive, ahead
// of anything queued on the channel. Immediate handlers run on the
// connection's read goroutine and must not wait on any channel.
func (ch *Channel) SetImmediate(types ...MethodType) {
	ch.conn.mu.Lock()
	defer ch.conn.mu.Unlock()

	for _, t := range types {
		ch.immediate[t] = struct{}{}
	}
}

// ClearImmediate returns types to ordinary queued dispatch.
func (ch *Channel) ClearImmediate(types ...MethodType) {
	ch.conn.mu.Lock()
	defer ch.conn.mu.Unlock()

	for _, t := range types {
		delete(ch.immediate, t)
	}
}

// IsImmediate reports whether t is dispatched on arrival.
func (ch *Channel) IsImmediate(t MethodType) bool {
	ch.conn.mu.Lock()
	defer ch.conn.mu.Unlock()

	_, ok := ch.immediate[t]
	return ok
}

// Wait blocks until a method of one of the given types arrives on the
// channel, dispatches it and returns the handler's result. With no types
// any method is accepted.
func (ch *Channel) Wait(ctx context.Context, types ...MethodType) (any, error) {
	if len(types) == 0 {
		return ch.WaitAny(ctx, AnyType)
	}
	return ch.WaitAny(ctx, Types(types...))
}

// WaitAny blocks until a method whose type is in allowed is available on the
// channel, dispatches it through the channel's handlers and returns the
// result. Queued methods are considered first, oldest first; methods of
// other types stay queued. channel.close and connection.close always wake
// the wait. The wait fails with *ChannelClosedError if the channel closes,
// and with ctx.Err() if ctx ends first.
func (ch *Channel) WaitAny(ctx context.Context, allowed TypeSet) (any, error) {
	if ch.State() != ChannelStateOpen {
		return nil, ch.closedError()
	}
	return ch.waitAny(ctx, allowed)
}

func (ch *Channel) waitAny(ctx context.Context, allowed TypeSet) (any, error) {
	w, err := ch.subscribe(allowed)
	if err != nil {
		return nil, err
	}
	return ch.receive(ctx, w)
}

// call registers interest in a reply before sending m, so the reply cannot
// slip past the wait.
func (ch *Channel) call(ctx context.Context, m Method, allowed TypeSet) (any, error) {
	w, err := ch.subscribe(allowed)
	if err != nil {
		return nil, err
	}
	if err := ch.send(m); err != nil {
		ch.unsubscribe(w)
		return nil, err
	}
	return ch.receive(ctx, w)
}

// subscribe registers a waiter for allowed plus the close methods. If a
// matching method is already queued it is moved into the waiter at once.
func (ch *Channel) subscribe(allowed TypeSet) (*waiter, error) {
	c := ch.conn
	w := &waiter{
		allowed: allowed.with(ChannelClose, ConnectionClose),
		ch:      make(chan delivery, 1),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := ch.queue.take(w.allowed); ok {
		w.ch <- delivery{method: e.method, seq: e.seq}
		return w, nil
	}
	if ch.State() == ChannelStateClosed {
		return nil, &ChannelClosedError{ChannelID: ch.id, Cause: ch.closeCauseLocked()}
	}
	ch.waiters = append(ch.waiters, w)
	return w, nil
}

// receive blocks until w is fulfilled, then dispatches the method unless
// the connection loop already did.
func (ch *Channel) receive(ctx context.Context, w *waiter) (any, error) {
	var d delivery
	select {
	case d = <-w.ch:
	case <-ch.closed:
		select {
		case d = <-w.ch:
		default:
			return nil, ch.closedError()
		}
	case <-ctx.Done():
		ch.unsubscribe(w)
		return nil, ctx.Err()
	}

	if d.handled {
		return d.result, d.err
	}
	return ch.handleMethod(d.method)
}

// unsubscribe withdraws w. A method already handed to w goes back into the
// queue at its arrival position so it is not lost.
func (ch *Channel) unsubscribe(w *waiter) {
	c := ch.conn
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch.removeWaiterLocked(w) {
		return
	}
	// Deliveries are made under c.mu, so one is either buffered now or
	// was never made.
	select {
	case d := <-w.ch:
		if !d.handled && ch.State() != ChannelStateClosed {
			ch.queue.Requeue(d.seq, d.method)
		}
	default:
	}
}

// takeWaiterLocked removes and returns the oldest waiter accepting t.
func (ch *Channel) takeWaiterLocked(t MethodType) *waiter {
	for i, w := range ch.waiters {
		if w.allowed.Contains(t) {
			ch.waiters = append(ch.waiters[:i], ch.waiters[i+1:]...)
			return w
		}
	}
	return nil
}

func (ch *Channel) removeWaiterLocked(target *waiter) bool {
	for i, w := range ch.waiters {
		if w == target {
			ch.waiters = append(ch.waiters[:i], ch.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// handleMethod runs the handler registered for m's type.
func (ch *Channel) handleMethod(m Method) (any, error) {
	if m.Content != nil && ch.conn.opts.decodeContent {
		m.Content = decodeText(m.Content)
	}

	h, ok := ch.handlers.Lookup(m.Type)
	if !ok {
		return nil, &UnsupportedMethodError{ChannelID: ch.id, Type: m.Type}
	}
	return h(ch, m)
}

// Send writes m on this channel. An unaddressed method is stamped with the
// channel's number; a method addressed to another channel is rejected.
func (ch *Channel) Send(m Method) error {
	if ch.State() != ChannelStateOpen {
		return ch.closedError()
	}
	return ch.send(m)
}

// send writes m. A transport failure is fatal to the connection.
func (ch *Channel) send(m Method) error {
	err := ch.write(m)
	var terr *TransportError
	if errors.As(err, &terr) {
		ch.conn.shutdown(terr)
	}
	return err
}

func (ch *Channel) write(m Method) error {
	if m.ChannelID == 0 {
		m.ChannelID = ch.id
	} else if m.ChannelID != ch.id {
		return fmt.Errorf("send %s: method addressed to channel %d on channel %d", m.Type, m.ChannelID, ch.id)
	}

	if err := ch.conn.transport.WriteMethod(m); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	ch.conn.metrics.MethodSent(m.Type)
	return nil
}

// Call sends m and waits for a reply of one of the expected types,
// returning the reply handler's result.
func (ch *Channel) Call(ctx context.Context, m Method, expect ...MethodType) (any, error) {
	if ch.State() != ChannelStateOpen {
		return nil, ch.closedError()
	}
	allowed := AnyType
	if len(expect) > 0 {
		allowed = Types(expect...)
	}
	return ch.call(ctx, m, allowed)
}

// Close performs the channel.close handshake and releases the channel.
// Closing an already closed channel is a no-op. Closing the control channel
// closes the connection.
func (ch *Channel) Close(ctx context.Context) error {
	if ch.id == protocol.ControlChannel {
		return ch.conn.Close(ctx)
	}
	if !ch.state.CompareAndSwap(int32(ChannelStateOpen), int32(ChannelStateClosing)) {
		return nil
	}

	args, err := closeArgs(protocol.ReplySuccess, "", MethodType{})
	if err == nil {
		_, err = ch.call(ctx, NewMethod(ChannelClose, args), Types(ChannelCloseOk))
	}

	ch.finishClose(ErrChannelClosed)
	if err != nil && !isCloseError(err) {
		return err
	}
	return nil
}

// abandon keeps a channel whose open was given up on registered until the
// peer answers, so a late channel.open-ok cannot reach a new channel that
// reuses the number. The late reply is answered with channel.close and the
// number is released on channel.close-ok. It reports false if the channel
// is no longer open.
func (ch *Channel) abandon() bool {
	if !ch.state.CompareAndSwap(int32(ChannelStateOpen), int32(ChannelStateClosing)) {
		return false
	}
	ch.handlers.Register(ChannelOpenOk, handleAbandonedOpenOk)
	ch.handlers.Register(ChannelCloseOk, handleAbandonedCloseOk)

	c := ch.conn
	c.mu.Lock()
	ch.immediate[ChannelOpenOk] = struct{}{}
	ch.immediate[ChannelCloseOk] = struct{}{}
	late, answered := ch.queue.TakeMatching(Types(ChannelOpenOk))
	c.mu.Unlock()

	if answered {
		if _, err := handleAbandonedOpenOk(ch, late); err != nil {
			ch.log.Debugw("close abandoned channel", "error", err)
		}
	}
	ch.log.Debug("channel open abandoned")
	return true
}

// finishClose moves the channel to Closed, unregisters it and wakes every
// waiter with a *ChannelClosedError carrying cause.
func (ch *Channel) finishClose(cause error) {
	ch.closeOnce.Do(func() {
		c := ch.conn
		ch.state.Store(int32(ChannelStateClosed))

		c.mu.Lock()
		if c.channels[ch.id] == ch {
			delete(c.channels, ch.id)
		}
		ch.waiters = nil
		ch.closeErr = cause
		dropped := ch.queue.Drain()
		c.mu.Unlock()

		if ch.id != protocol.ControlChannel {
			c.ids.Release(ch.id)
		}
		close(ch.closed)

		ch.notifyMu.Lock()
		for _, l := range ch.closeChans {
			select {
			case l <- cause:
			default:
			}
		}
		ch.notifyMu.Unlock()

		if ch.id != protocol.ControlChannel {
			c.metrics.ChannelClosed()
		}
		ch.log.Debugw("channel closed", "cause", cause, "dropped", len(dropped))
	})
}

func (ch *Channel) closedError() error {
	return &ChannelClosedError{ChannelID: ch.id, Cause: ch.closeCause()}
}

func (ch *Channel) closeCause() error {
	ch.conn.mu.Lock()
	defer ch.conn.mu.Unlock()
	return ch.closeCauseLocked()
}

func (ch *Channel) closeCauseLocked() error {
	switch {
	case ch.closeErr != nil:
		return ch.closeErr
	case ch.id == protocol.ControlChannel:
		return ErrClosed
	default:
		return ErrChannelClosed
	}
}

// Done returns a channel that is closed once the channel has closed.
func (ch *Channel) Done() <-chan struct{} {
	return ch.closed
}

// NotifyClose registers notifyChan to receive the reason the channel
// closed. The send does not block; use a buffered channel.
func (ch *Channel) NotifyClose(notifyChan chan error) chan error {
	ch.notifyMu.Lock()
	defer ch.notifyMu.Unlock()

	if ch.IsClosed() {
		select {
		case notifyChan <- ch.closeCause():
		default:
		}
		return notifyChan
	}
	ch.closeChans = append(ch.closeChans, notifyChan)
	return notifyChan
}

// NotifyFlow registers notifyChan for channel.flow changes
func (ch *Channel) NotifyFlow(notifyChan chan bool) chan bool {
	ch.notifyMu.Lock()
	defer ch.notifyMu.Unlock()

	ch.flowChans = append(ch.flowChans, notifyChan)
	return notifyChan
}

func (ch *Channel) notifyFlow(active bool) {
	ch.flow.Store(active)

	ch.notifyMu.Lock()
	defer ch.notifyMu.Unlock()
	for _, l := range ch.flowChans {
		select {
		case l <- active:
		default:
		}
	}
}
