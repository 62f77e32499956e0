package dispatch

import (
	"errors"
	"fmt"

	"github.com/israelio/amqp-dispatch/internal/protocol"
	"go.uber.org/zap"
)

// Error is an AMQP reply-code error, either received from the peer in a
// close method or raised locally.
type Error struct {
	Code    int
	Reason  string
	Server  bool // originated from the peer
	Recover bool // the condition is soft; a new channel may succeed
}

func (e *Error) Error() string {
	origin := "client"
	if e.Server {
		origin = "server"
	}
	return fmt.Sprintf("AMQP error %d (%s): %s", e.Code, origin, e.Reason)
}

var (
	// ErrClosed reports an operation on a closed connection.
	ErrClosed = &Error{Code: protocol.ReplyConnectionForced, Reason: "connection closed"}

	// ErrChannelClosed reports an operation on a closed channel.
	ErrChannelClosed = &Error{Code: protocol.ReplyChannelError, Reason: "channel closed"}
)

// NewError creates an Error from a reply code and text. Codes below 500,
// other than connection-forced, are soft errors.
func NewError(code int, reason string, server bool) *Error {
	return &Error{
		Code:    code,
		Reason:  reason,
		Server:  server,
		Recover: code != protocol.ReplyConnectionForced && code < 500,
	}
}

// ChannelClosedError is returned by every operation on a closed channel,
// including waits that were blocked when the channel closed. Cause holds the
// reason the channel closed: an *Error from the peer, a *TransportError, or
// ErrChannelClosed / ErrClosed for a local close.
type ChannelClosedError struct {
	ChannelID uint16
	Cause     error
}

func (e *ChannelClosedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("channel %d closed", e.ChannelID)
	}
	return fmt.Sprintf("channel %d closed: %v", e.ChannelID, e.Cause)
}

func (e *ChannelClosedError) Unwrap() error { return e.Cause }

// Is matches ErrChannelClosed for every channel and ErrClosed for the
// control channel.
func (e *ChannelClosedError) Is(target error) bool {
	if target == ErrChannelClosed {
		return true
	}
	return target == ErrClosed && e.ChannelID == protocol.ControlChannel
}

// TransportError wraps an I/O failure of the underlying transport. It is
// fatal: the connection and all of its channels are closed with it.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// UnsupportedMethodError is returned when a method arrives on a channel that
// has no handler registered for its type.
type UnsupportedMethodError struct {
	ChannelID uint16
	Type      MethodType
}

func (e *UnsupportedMethodError) Error() string {
	return fmt.Sprintf("channel %d: no handler for %s", e.ChannelID, e.Type)
}

// RoutingError describes a method addressed to a channel that is not
// registered. The method is dropped and the connection stays up.
type RoutingError struct {
	ChannelID uint16
	Type      MethodType
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("%s for unknown channel %d", e.Type, e.ChannelID)
}

// ErrorHandler receives errors that have no caller to return to.
type ErrorHandler interface {
	HandleConnectionError(conn *Connection, err error)
	HandleChannelError(ch *Channel, err error)
	HandleRoutingError(conn *Connection, err *RoutingError)
}

// DefaultErrorHandler logs errors through zap.
type DefaultErrorHandler struct {
	Logger *zap.Logger
}

func (h *DefaultErrorHandler) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

func (h *DefaultErrorHandler) HandleConnectionError(conn *Connection, err error) {
	h.logger().Error("connection error", zap.Error(err))
}

func (h *DefaultErrorHandler) HandleChannelError(ch *Channel, err error) {
	fields := []zap.Field{zap.Error(err)}
	if ch != nil {
		fields = append(fields, zap.Uint16("channel", ch.ID()))
	}
	h.logger().Warn("channel error", fields...)
}

func (h *DefaultErrorHandler) HandleRoutingError(conn *Connection, err *RoutingError) {
	h.logger().Warn("dropping unroutable method",
		zap.Uint16("channel", err.ChannelID),
		zap.Stringer("method", err.Type))
}

// ErrorHandlerFuncs adapts functions to ErrorHandler. Nil fields ignore
// the error.
type ErrorHandlerFuncs struct {
	OnConnectionError func(conn *Connection, err error)
	OnChannelError    func(ch *Channel, err error)
	OnRoutingError    func(conn *Connection, err *RoutingError)
}

func (h *ErrorHandlerFuncs) HandleConnectionError(conn *Connection, err error) {
	if h.OnConnectionError != nil {
		h.OnConnectionError(conn, err)
	}
}

func (h *ErrorHandlerFuncs) HandleChannelError(ch *Channel, err error) {
	if h.OnChannelError != nil {
		h.OnChannelError(ch, err)
	}
}

func (h *ErrorHandlerFuncs) HandleRoutingError(conn *Connection, err *RoutingError) {
	if h.OnRoutingError != nil {
		h.OnRoutingError(conn, err)
	}
}

// isCloseError reports whether err only says that the channel or connection
// is already gone.
func isCloseError(err error) bool {
	return errors.Is(err, ErrChannelClosed) || errors.Is(err, ErrClosed)
}
