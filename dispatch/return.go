package dispatch

import (
	"fmt"

	"github.com/israelio/amqp-dispatch/internal/frame"
)

// Return represents a message returned by the broker (unroutable)
type Return struct {
	ReplyCode  uint16
	ReplyText  string
	Exchange   string
	RoutingKey string
	Properties Properties
	Body       []byte
	Text       string // set when the body was decoded
}

// ReturnListener handles returned messages
type ReturnListener interface {
	HandleReturn(ret Return)
}

// ReturnListenerFunc adapts a function to ReturnListener
type ReturnListenerFunc func(ret Return)

func (f ReturnListenerFunc) HandleReturn(ret Return) { f(ret) }

// NotifyReturn registers returnChan to receive basic.return messages. Sends
// do not block; a full channel misses the return.
func (ch *Channel) NotifyReturn(returnChan chan Return) chan Return {
	ch.notifyMu.Lock()
	defer ch.notifyMu.Unlock()

	ch.returnChans = append(ch.returnChans, returnChan)
	return returnChan
}

// AddReturnListener adds a callback-based return listener. Listeners run on
// the connection's read goroutine.
func (ch *Channel) AddReturnListener(listener ReturnListener) {
	ch.notifyMu.Lock()
	defer ch.notifyMu.Unlock()

	ch.returnListeners = append(ch.returnListeners, listener)
}

func parseReturn(m Method) (Return, error) {
	var ret Return
	var err error

	args := frame.NewArgsReader(m.Args)
	if ret.ReplyCode, err = args.ReadUint16(); err != nil {
		return ret, fmt.Errorf("basic.return reply-code: %w", err)
	}
	if ret.ReplyText, err = args.ReadShortString(); err != nil {
		return ret, fmt.Errorf("basic.return reply-text: %w", err)
	}
	if ret.Exchange, err = args.ReadShortString(); err != nil {
		return ret, fmt.Errorf("basic.return exchange: %w", err)
	}
	if ret.RoutingKey, err = args.ReadShortString(); err != nil {
		return ret, fmt.Errorf("basic.return routing-key: %w", err)
	}

	if m.Content != nil {
		ret.Properties = m.Content.Properties
		ret.Body = m.Content.Body
		ret.Text = m.Content.Text
	}
	return ret, nil
}

// handleReturn is the default basic.return handler.
func handleReturn(ch *Channel, m Method) (any, error) {
	ret, err := parseReturn(m)
	if err != nil {
		return nil, err
	}
	ch.conn.metrics.MessageReturned()

	ch.notifyMu.Lock()
	chans := ch.returnChans
	listeners := ch.returnListeners
	ch.notifyMu.Unlock()

	for _, c := range chans {
		select {
		case c <- ret:
		default:
			ch.log.Warnw("return listener channel full", "reply_code", ret.ReplyCode)
		}
	}
	for _, l := range listeners {
		l.HandleReturn(ret)
	}
	return ret, nil
}
