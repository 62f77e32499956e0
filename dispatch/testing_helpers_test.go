package dispatch

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/israelio/amqp-dispatch/internal/frame"
	"go.uber.org/zap/zaptest"
)

// fakeTransport is an in-memory Transport. Methods pushed with deliver are
// read by the connection loop in order. Handshake-style requests sent by the
// client are answered automatically unless autoReply is cleared.
type fakeTransport struct {
	in     chan Method
	failCh chan error
	closed chan struct{}

	closeOnce sync.Once

	mu        sync.Mutex
	written   []Method
	writeErr  error
	autoReply map[MethodType]MethodType
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan Method, 256),
		failCh: make(chan error, 1),
		closed: make(chan struct{}),
		autoReply: map[MethodType]MethodType{
			ChannelOpen:     ChannelOpenOk,
			ChannelClose:    ChannelCloseOk,
			ConnectionClose: ConnectionCloseOk,
		},
	}
}

func (f *fakeTransport) ReadMethod() (Method, error) {
	select {
	case <-f.closed:
		return Method{}, io.EOF
	default:
	}

	select {
	case m := <-f.in:
		return m, nil
	case err := <-f.failCh:
		return Method{}, err
	case <-f.closed:
		return Method{}, io.EOF
	}
}

func (f *fakeTransport) WriteMethod(m Method) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, m)
	if reply, ok := f.autoReply[m.Type]; ok {
		f.in <- Method{ChannelID: m.ChannelID, Type: reply}
	}
	return nil
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) deliver(ms ...Method) {
	for _, m := range ms {
		f.in <- m
	}
}

func (f *fakeTransport) fail(err error) {
	f.failCh <- err
}

func (f *fakeTransport) setReply(req MethodType, reply *MethodType) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if reply == nil {
		delete(f.autoReply, req)
		return
	}
	f.autoReply[req] = *reply
}

func (f *fakeTransport) setWriteErr(err error) {
	f.mu.Lock()
	f.writeErr = err
	f.mu.Unlock()
}

// sent returns the types written so far on channel id.
func (f *fakeTransport) sent(id uint16) []MethodType {
	f.mu.Lock()
	defer f.mu.Unlock()

	var types []MethodType
	for _, m := range f.written {
		if m.ChannelID == id {
			types = append(types, m.Type)
		}
	}
	return types
}

// newTestConnection starts a connection over a fake transport and closes it
// when the test ends.
func newTestConnection(t *testing.T, opts ...Option) (*Connection, *fakeTransport) {
	t.Helper()

	ft := newFakeTransport()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	c := NewConnection(ft, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		c.Close(ctx)
	})
	return c, ft
}

// mustCreateChannel opens a channel or fails the test
func mustCreateChannel(t *testing.T, c *Connection) *Channel {
	t.Helper()

	ctx, cancel := testContext(t)
	defer cancel()

	ch, err := c.NewChannel(ctx)
	if err != nil {
		t.Fatalf("Failed to create channel: %v", err)
	}
	return ch
}

func testContext(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), 2*time.Second)
}

// eventually polls cond until it holds or the test times out.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// echo returns the method it was given.
func echo(_ *Channel, m Method) (any, error) {
	return m, nil
}

// methodOn builds a method addressed to channel id.
func methodOn(id uint16, t MethodType, args []byte) Method {
	return Method{ChannelID: id, Type: t, Args: args}
}

func returnArgs(t *testing.T, code uint16, text, exchange, key string) []byte {
	t.Helper()

	args, err := frame.NewArgsBuilder().
		WriteUint16(code).
		WriteShortString(text).
		WriteShortString(exchange).
		WriteShortString(key).
		Bytes()
	if err != nil {
		t.Fatalf("build basic.return args: %v", err)
	}
	return args
}

func mustCloseArgs(t *testing.T, code uint16, text string) []byte {
	t.Helper()

	args, err := closeArgs(code, text, MethodType{})
	if err != nil {
		t.Fatalf("build close args: %v", err)
	}
	return args
}
