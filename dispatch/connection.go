package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/israelio/amqp-dispatch/internal/protocol"
	"github.com/israelio/amqp-dispatch/internal/util"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultChannelMax is the channel limit used when none is negotiated.
	DefaultChannelMax uint16 = 2047
	// DefaultFrameMax is the frame size requested when none is configured.
	DefaultFrameMax uint32 = 131072
)

var errHeartbeatTimeout = errors.New("missed heartbeats from peer")

// ConnectionState represents the current state of a connection
type ConnectionState int32

const (
	StateOpen ConnectionState = iota
	StateClosing
	StateClosed
)

// String returns a string representation of the connection state
func (cs ConnectionState) String() string {
	switch cs {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// BlockedNotification represents a connection blocked/unblocked event
type BlockedNotification struct {
	Blocked bool
	Reason  string
}

// ConnectionListener receives connection lifecycle events
type ConnectionListener interface {
	OnConnectionClosed(conn *Connection, err error)
	OnConnectionBlocked(conn *Connection, reason string)
	OnConnectionUnblocked(conn *Connection)
}

// heartbeater is implemented by transports that can carry heartbeats.
type heartbeater interface {
	WriteHeartbeat() error
	LastActivity() time.Time
}

// Connection multiplexes channels over one Transport. A single goroutine
// reads the transport and routes each method to the channel it names:
// to the channel's handler when the type is immediate, else to a waiter
// that asked for it, else onto the channel's queue.
type Connection struct {
	transport    Transport
	opts         options
	log          *zap.SugaredLogger
	metrics      MetricsCollector
	errorHandler ErrorHandler

	// mu guards the channel table and every channel's waiters and
	// immediate set.
	mu       sync.Mutex
	channels map[uint16]*Channel
	closeErr error
	ids      *util.IDAllocator
	control  *Channel

	// pending is the loop's run queue. Only the loop goroutine touches it.
	pending []func()

	state     atomic.Int32
	blocked   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	group     errgroup.Group

	notifyMu    sync.Mutex
	closeChans  []chan error
	blockedChan []chan BlockedNotification
}

// NewConnection starts dispatching methods read from t. The transport must
// already be past any handshake. The returned connection owns t and closes
// it on shutdown.
func NewConnection(t Transport, opts ...Option) *Connection {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	c := &Connection{
		transport: t,
		opts:      o,
		log:       o.logger.Sugar().With("component", "connection"),
		metrics:   o.metrics,
		channels:  make(map[uint16]*Channel),
		ids:       util.NewIDAllocator(1, o.channelMax),
		done:      make(chan struct{}),
	}
	c.errorHandler = o.errorHandler
	if c.errorHandler == nil {
		c.errorHandler = &DefaultErrorHandler{Logger: o.logger}
	}

	c.control = newChannel(c, protocol.ControlChannel)
	registerControlHandlers(c.control)
	c.control.state.Store(int32(ChannelStateOpen))
	c.channels[protocol.ControlChannel] = c.control
	c.state.Store(int32(StateOpen))

	c.group.Go(c.loop)
	if hb, ok := t.(heartbeater); ok && o.heartbeat > 0 {
		c.group.Go(func() error { return c.heartbeat(hb) })
	}

	c.log.Debugw("connection started", "channel_max", o.channelMax, "heartbeat", o.heartbeat)
	return c
}

// loop is the only reader of the transport.
func (c *Connection) loop() error {
	for {
		m, err := c.transport.ReadMethod()
		if err != nil {
			if c.State() == StateClosed {
				return nil
			}
			terr := &TransportError{Op: "read", Err: err}
			c.shutdown(terr)
			return terr
		}

		c.route(m)
		c.runPending()
	}
}

// route delivers m to the channel it is addressed to.
func (c *Connection) route(m Method) {
	c.metrics.MethodReceived(m.Type)

	c.mu.Lock()
	ch, ok := c.channels[m.ChannelID]
	if !ok {
		c.mu.Unlock()
		c.metrics.MethodDropped()
		c.errorHandler.HandleRoutingError(c, &RoutingError{ChannelID: m.ChannelID, Type: m.Type})
		return
	}

	if _, immediate := ch.immediate[m.Type]; immediate {
		c.mu.Unlock()
		c.metrics.MethodDispatchedImmediately()
		result, err := ch.handleMethod(m)

		c.mu.Lock()
		if w := ch.takeWaiterLocked(m.Type); w != nil {
			w.ch <- delivery{method: m, handled: true, result: result, err: err}
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		if err != nil && !isCloseError(err) {
			c.errorHandler.HandleChannelError(ch, err)
		}
		return
	}

	if w := ch.takeWaiterLocked(m.Type); w != nil {
		w.ch <- delivery{method: m, seq: ch.queue.Stamp()}
		c.mu.Unlock()
		return
	}

	ch.queue.Enqueue(m)
	c.mu.Unlock()
	c.metrics.MethodQueued()

	if m.ChannelID == protocol.ControlChannel {
		c.pending = append(c.pending, c.drainControl)
	}
}

// runPending runs queued loop tasks until none are left.
func (c *Connection) runPending() {
	for len(c.pending) > 0 {
		task := c.pending[0]
		c.pending = c.pending[1:]
		task()
	}
}

// drainControl dispatches every queued control method through the
// control channel's handlers.
func (c *Connection) drainControl() {
	for {
		m, ok := c.control.queue.TakeMatching(AnyType)
		if !ok {
			return
		}
		if _, err := c.control.handleMethod(m); err != nil && !isCloseError(err) {
			c.errorHandler.HandleChannelError(c.control, err)
		}
	}
}

func (c *Connection) heartbeat(hb heartbeater) error {
	ticker := time.NewTicker(max(c.opts.heartbeat/2, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return nil
		case <-ticker.C:
			if err := hb.WriteHeartbeat(); err != nil {
				c.shutdown(&TransportError{Op: "heartbeat", Err: err})
				return nil
			}
			if time.Since(hb.LastActivity()) > 2*c.opts.heartbeat {
				c.shutdown(&TransportError{Op: "heartbeat", Err: errHeartbeatTimeout})
				return nil
			}
		}
	}
}

// NewChannel allocates a channel number, registers the channel and opens
// it with the peer. On failure the channel is unregistered again.
func (c *Connection) NewChannel(ctx context.Context) (*Channel, error) {
	if c.State() != StateOpen {
		return nil, &ChannelClosedError{ChannelID: protocol.ControlChannel, Cause: c.cause()}
	}

	id, ok := c.ids.Allocate()
	if !ok {
		return nil, NewError(protocol.ReplyResourceError, "no free channel ids", false)
	}

	ch := newChannel(c, id)
	registerChannelHandlers(ch)

	c.mu.Lock()
	if c.closeErr != nil {
		c.mu.Unlock()
		c.ids.Release(id)
		return nil, &ChannelClosedError{ChannelID: protocol.ControlChannel, Cause: c.closeErr}
	}
	c.channels[id] = ch
	ch.state.Store(int32(ChannelStateOpen))
	c.mu.Unlock()
	c.metrics.ChannelOpened()

	args, err := channelOpenArgs()
	if err == nil {
		_, err = ch.Call(ctx, NewMethod(ChannelOpen, args), ChannelOpenOk)
	}
	if err != nil {
		if ctx.Err() == nil || !ch.abandon() {
			ch.finishClose(err)
		}
		return nil, fmt.Errorf("open channel %d: %w", id, err)
	}

	ch.log.Debugw("channel opened", "free_ids", c.ids.Available())
	return ch, nil
}

// Close performs the connection.close handshake on the control channel,
// closes every channel and the transport, and waits for the connection's
// goroutines to exit. It must not be called from an immediate handler.
func (c *Connection) Close(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		<-c.done
		_ = c.group.Wait()
		return nil
	}

	args, err := closeArgs(protocol.ReplySuccess, "", MethodType{})
	if err == nil {
		_, err = c.control.call(ctx, NewMethod(ConnectionClose, args), Types(ConnectionCloseOk))
	}

	c.shutdown(ErrClosed)
	_ = c.group.Wait()

	if err != nil && !isCloseError(err) {
		return err
	}
	return nil
}

// shutdown force-closes every channel with cause and releases the
// transport. Only the first call has an effect.
func (c *Connection) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))

		c.mu.Lock()
		c.closeErr = cause
		channels := c.channels
		c.channels = make(map[uint16]*Channel)
		c.mu.Unlock()

		for _, ch := range channels {
			ch.finishClose(cause)
		}

		if err := c.transport.Close(); err != nil {
			c.log.Debugw("close transport", "error", err)
		}

		c.notifyMu.Lock()
		for _, l := range c.closeChans {
			select {
			case l <- cause:
			default:
			}
		}
		c.notifyMu.Unlock()

		for _, l := range c.opts.listeners {
			l.OnConnectionClosed(c, cause)
		}
		c.metrics.ConnectionClosed(cause)

		if cause != ErrClosed {
			c.errorHandler.HandleConnectionError(c, cause)
		}
		c.log.Debugw("connection closed", "cause", cause)
		close(c.done)
	})
}

func (c *Connection) cause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr == nil {
		return ErrClosed
	}
	return c.closeErr
}

// Done returns a channel that is closed once the connection has shut down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// State returns the current connection state
func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// IsClosed returns whether the connection is closed
func (c *Connection) IsClosed() bool {
	return c.State() == StateClosed
}

// IsBlocked returns whether the peer has blocked publishing
func (c *Connection) IsBlocked() bool {
	return c.blocked.Load()
}

// ControlChannel returns channel 0, which carries connection methods.
func (c *Connection) ControlChannel() *Channel {
	return c.control
}

// ChannelCount returns the number of registered channels, excluding the
// control channel.
func (c *Connection) ChannelCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.channels)
	if _, ok := c.channels[protocol.ControlChannel]; ok {
		n--
	}
	return n
}

// NotifyClose registers ch to receive the shutdown cause. ErrClosed is
// delivered for a local Close. The send does not block; use a buffered
// channel.
func (c *Connection) NotifyClose(ch chan error) chan error {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	if c.IsClosed() {
		select {
		case ch <- c.cause():
		default:
		}
		return ch
	}
	c.closeChans = append(c.closeChans, ch)
	return ch
}

// NotifyBlocked registers ch for connection.blocked and connection.unblocked
// events. Sends do not block; use a buffered channel.
func (c *Connection) NotifyBlocked(ch chan BlockedNotification) chan BlockedNotification {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.blockedChan = append(c.blockedChan, ch)
	return ch
}

func (c *Connection) notifyBlocked(n BlockedNotification) {
	c.blocked.Store(n.Blocked)

	c.notifyMu.Lock()
	for _, l := range c.blockedChan {
		select {
		case l <- n:
		default:
		}
	}
	c.notifyMu.Unlock()

	for _, l := range c.opts.listeners {
		if n.Blocked {
			l.OnConnectionBlocked(c, n.Reason)
		} else {
			l.OnConnectionUnblocked(c)
		}
	}
}
