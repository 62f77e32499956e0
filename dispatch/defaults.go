package dispatch

import (
	"fmt"

	"github.com/israelio/amqp-dispatch/internal/frame"
	"github.com/israelio/amqp-dispatch/internal/protocol"
)

// registerChannelHandlers installs the handlers every application channel
// starts with and marks the methods that must preempt queued traffic.
func registerChannelHandlers(ch *Channel) {
	ch.RegisterHandler(ChannelOpenOk, handleNoop)
	ch.RegisterHandler(ChannelCloseOk, handleNoop)
	ch.RegisterHandler(ChannelClose, handleChannelClose)
	ch.RegisterHandler(ChannelFlow, handleChannelFlow)
	ch.RegisterHandler(BasicReturn, handleReturn)

	for _, t := range []MethodType{BasicReturn, ChannelClose, ChannelFlow} {
		ch.immediate[t] = struct{}{}
	}
}

// registerControlHandlers installs the connection-level handlers on
// channel 0.
func registerControlHandlers(ch *Channel) {
	ch.RegisterHandler(ConnectionCloseOk, handleNoop)
	ch.RegisterHandler(ConnectionClose, handleConnectionClose)
	ch.RegisterHandler(ConnectionBlocked, handleConnectionBlocked)
	ch.RegisterHandler(ConnectionUnblocked, handleConnectionUnblocked)

	for _, t := range []MethodType{ConnectionClose, ConnectionBlocked, ConnectionUnblocked} {
		ch.immediate[t] = struct{}{}
	}
}

func handleNoop(*Channel, Method) (any, error) {
	return nil, nil
}

func handleAbandonedOpenOk(ch *Channel, _ Method) (any, error) {
	args, err := closeArgs(protocol.ReplySuccess, "", MethodType{})
	if err != nil {
		return nil, err
	}
	return nil, ch.send(NewMethod(ChannelClose, args))
}

func handleAbandonedCloseOk(ch *Channel, _ Method) (any, error) {
	ch.finishClose(ErrChannelClosed)
	return nil, nil
}

// handleChannelClose answers a peer-initiated channel.close.
func handleChannelClose(ch *Channel, m Method) (any, error) {
	cause := closeReason(m)
	ch.state.Store(int32(ChannelStateClosing))

	if err := ch.send(NewMethod(ChannelCloseOk, nil)); err != nil {
		ch.log.Debugw("send channel.close-ok", "error", err)
	}
	ch.finishClose(cause)
	return nil, ch.closedError()
}

// handleConnectionClose answers a peer-initiated connection.close and
// shuts every channel down with the peer's reason.
func handleConnectionClose(ch *Channel, m Method) (any, error) {
	cause := closeReason(m)
	ch.conn.state.Store(int32(StateClosing))

	// The peer's reason wins over a failed reply.
	if err := ch.write(NewMethod(ConnectionCloseOk, nil)); err != nil {
		ch.log.Debugw("send connection.close-ok", "error", err)
	}
	ch.conn.shutdown(cause)
	return nil, ch.closedError()
}

func handleChannelFlow(ch *Channel, m Method) (any, error) {
	active, err := frame.NewArgsReader(m.Args).ReadBool()
	if err != nil {
		return nil, fmt.Errorf("channel.flow active: %w", err)
	}

	args, err := frame.NewArgsBuilder().WriteFlags(active).Bytes()
	if err != nil {
		return nil, err
	}
	if err := ch.send(NewMethod(ChannelFlowOk, args)); err != nil {
		return nil, err
	}
	ch.notifyFlow(active)
	return active, nil
}

func handleConnectionBlocked(ch *Channel, m Method) (any, error) {
	reason, err := frame.NewArgsReader(m.Args).ReadShortString()
	if err != nil {
		return nil, fmt.Errorf("connection.blocked reason: %w", err)
	}
	n := BlockedNotification{Blocked: true, Reason: reason}
	ch.conn.notifyBlocked(n)
	return n, nil
}

func handleConnectionUnblocked(ch *Channel, _ Method) (any, error) {
	n := BlockedNotification{Blocked: false}
	ch.conn.notifyBlocked(n)
	return n, nil
}

// closeReason turns the arguments of a channel.close or connection.close
// into the error the peer reported.
func closeReason(m Method) *Error {
	code, text, failing, err := parseCloseArgs(m.Args)
	if err != nil {
		return NewError(protocol.ReplyFrameError, fmt.Sprintf("malformed %s: %v", m.Type, err), false)
	}
	if failing != (MethodType{}) {
		text = fmt.Sprintf("%s (caused by %s)", text, failing)
	}
	return NewError(int(code), text, true)
}

func closeArgs(code uint16, text string, failing MethodType) ([]byte, error) {
	return frame.NewArgsBuilder().
		WriteUint16(code).
		WriteShortString(text).
		WriteUint16(failing.ClassID).
		WriteUint16(failing.MethodID).
		Bytes()
}

func parseCloseArgs(data []byte) (code uint16, text string, failing MethodType, err error) {
	args := frame.NewArgsReader(data)
	if code, err = args.ReadUint16(); err != nil {
		return
	}
	if text, err = args.ReadShortString(); err != nil {
		return
	}
	if failing.ClassID, err = args.ReadUint16(); err != nil {
		return
	}
	failing.MethodID, err = args.ReadUint16()
	return
}

func channelOpenArgs() ([]byte, error) {
	return frame.NewArgsBuilder().WriteShortString("").Bytes() // reserved
}
