package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/israelio/amqp-dispatch/internal/frame"
	"github.com/israelio/amqp-dispatch/internal/protocol"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

// fakeServer plays the broker side of a connection for handshake tests.
type fakeServer struct {
	channelMax uint16
	frameMax   uint32
	heartbeat  uint16

	major, minor uint8
	mechanisms   string
	// refuse answers start-ok with connection.close.
	refuse bool

	startOk, tuneOk, open Method
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		channelMax: 64,
		frameMax:   65536,
		major:      protocol.ProtocolVersionMajor,
		minor:      protocol.ProtocolVersionMinor,
		mechanisms: "AMQPLAIN PLAIN",
	}
}

func (s *fakeServer) write(t *FrameTransport, channelID uint16, typ MethodType, b *frame.ArgsBuilder) error {
	args, err := b.Bytes()
	if err != nil {
		return err
	}
	return t.WriteMethod(Method{ChannelID: channelID, Type: typ, Args: args})
}

func (s *fakeServer) read(t *FrameTransport, want MethodType) (Method, error) {
	m, err := t.ReadMethod()
	if err != nil {
		return m, err
	}
	if m.Type != want {
		return m, fmt.Errorf("server expected %s, got %s", want, m.Type)
	}
	return m, nil
}

// serve runs the handshake and then answers channel and connection
// requests until the client closes the connection.
func (s *fakeServer) serve(conn net.Conn) error {
	header := make([]byte, len(protocol.ProtocolHeader))
	if _, err := io.ReadFull(conn, header); err != nil {
		return err
	}
	if string(header) != protocol.ProtocolHeader {
		return fmt.Errorf("bad protocol header %q", header)
	}

	t := NewFrameTransport(conn, 0)
	start := frame.NewArgsBuilder().
		WriteUint8(s.major).
		WriteUint8(s.minor).
		WriteTable(Table{"product": "fake-broker"}).
		WriteLongString([]byte(s.mechanisms)).
		WriteLongString([]byte("en_US"))
	if err := s.write(t, 0, MethodType{protocol.ClassConnection, protocol.MethodConnectionStart}, start); err != nil {
		return err
	}

	var err error
	if s.startOk, err = s.read(t, MethodType{protocol.ClassConnection, protocol.MethodConnectionStartOk}); err != nil {
		return err
	}
	if s.refuse {
		refusal := frame.NewArgsBuilder().
			WriteUint16(protocol.ReplyAccessRefused).
			WriteShortString("ACCESS_REFUSED - Login was refused").
			WriteUint16(0).
			WriteUint16(0)
		return s.write(t, 0, ConnectionClose, refusal)
	}

	tune := frame.NewArgsBuilder().WriteUint16(s.channelMax).WriteUint32(s.frameMax).WriteUint16(s.heartbeat)
	if err := s.write(t, 0, MethodType{protocol.ClassConnection, protocol.MethodConnectionTune}, tune); err != nil {
		return err
	}
	if s.tuneOk, err = s.read(t, MethodType{protocol.ClassConnection, protocol.MethodConnectionTuneOk}); err != nil {
		return err
	}
	t.SetFrameMax(s.frameMax)
	if s.open, err = s.read(t, MethodType{protocol.ClassConnection, protocol.MethodConnectionOpen}); err != nil {
		return err
	}
	openOk := frame.NewArgsBuilder().WriteShortString("")
	if err := s.write(t, 0, MethodType{protocol.ClassConnection, protocol.MethodConnectionOpenOk}, openOk); err != nil {
		return err
	}

	for {
		m, err := t.ReadMethod()
		if err != nil {
			return err
		}
		switch m.Type {
		case ChannelOpen:
			err = s.write(t, m.ChannelID, ChannelOpenOk, frame.NewArgsBuilder().WriteLongString(nil))
		case ChannelClose:
			err = s.write(t, m.ChannelID, ChannelCloseOk, frame.NewArgsBuilder())
		case BasicQos:
			err = s.write(t, m.ChannelID, BasicQosOk, frame.NewArgsBuilder())
		case ConnectionClose:
			return s.write(t, 0, ConnectionCloseOk, frame.NewArgsBuilder())
		}
		if err != nil {
			return err
		}
	}
}

// startFakeServer serves one end of a pipe and returns the other end.
func startFakeServer(t *testing.T, s *fakeServer) (net.Conn, <-chan error) {
	t.Helper()

	client, server := net.Pipe()
	done := make(chan error, 1)
	go func() {
		defer server.Close()
		done <- s.serve(server)
	}()
	t.Cleanup(func() { client.Close() })
	return client, done
}

func testDialConfig() Config {
	cfg := DefaultConfig()
	cfg.Username = "app"
	cfg.Password = "secret"
	cfg.VHost = "orders"
	cfg.Heartbeat = 0
	return cfg
}

func TestOpenHandshake(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	srv := newFakeServer()
	conn, served := startFakeServer(t, srv)

	ctx, cancel := testContext(t)
	defer cancel()

	c, err := Open(ctx, conn, testDialConfig(), WithLogger(zaptest.NewLogger(t)), WithChannelMax(16))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	ch, err := c.NewChannel(ctx)
	if err != nil {
		t.Fatalf("NewChannel failed: %v", err)
	}
	ch.RegisterHandler(BasicQosOk, echo)
	qos, _ := frame.NewArgsBuilder().WriteUint32(0).WriteUint16(10).WriteFlags(false).Bytes()
	if _, err := ch.Call(ctx, NewMethod(BasicQos, qos), BasicQosOk); err != nil {
		t.Fatalf("basic.qos round trip failed: %v", err)
	}
	if err := ch.Close(ctx); err != nil {
		t.Fatalf("channel Close failed: %v", err)
	}
	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := <-served; err != nil {
		t.Fatalf("server: %v", err)
	}

	startOk := frame.NewArgsReader(srv.startOk.Args)
	props, err := startOk.ReadTable()
	if err != nil {
		t.Fatalf("start-ok client-properties: %v", err)
	}
	if props["product"] != "amqp-dispatch" {
		t.Errorf("product: got %v", props["product"])
	}
	mechanism, _ := startOk.ReadShortString()
	response, _ := startOk.ReadLongString()
	if mechanism != "PLAIN" || !bytes.Equal(response, []byte("\x00app\x00secret")) {
		t.Errorf("auth: got %s %q", mechanism, response)
	}

	tuneOk := frame.NewArgsReader(srv.tuneOk.Args)
	channelMax, _ := tuneOk.ReadUint16()
	frameMax, _ := tuneOk.ReadUint32()
	heartbeat, _ := tuneOk.ReadUint16()
	if channelMax != 16 || frameMax != srv.frameMax || heartbeat != 0 {
		t.Errorf("tune-ok: got (%d, %d, %d), want (16, %d, 0)", channelMax, frameMax, heartbeat, srv.frameMax)
	}

	vhost, _ := frame.NewArgsReader(srv.open.Args).ReadShortString()
	if vhost != "orders" {
		t.Errorf("vhost: got %q, want orders", vhost)
	}
}

func TestOpenHandshakeFailures(t *testing.T) {
	tests := []struct {
		name   string
		server func(s *fakeServer)
		check  func(t *testing.T, err error)
	}{
		{
			name:   "login refused",
			server: func(s *fakeServer) { s.refuse = true },
			check: func(t *testing.T, err error) {
				var amqpErr *Error
				if !errors.As(err, &amqpErr) {
					t.Fatalf("got %v, want *Error", err)
				}
				if amqpErr.Code != protocol.ReplyAccessRefused || !amqpErr.Server {
					t.Errorf("got %+v, want server 403", amqpErr)
				}
			},
		},
		{
			name:   "protocol version",
			server: func(s *fakeServer) { s.minor = 8 },
			check: func(t *testing.T, err error) {
				if err == nil {
					t.Fatal("expected version error")
				}
			},
		},
		{
			name:   "no PLAIN mechanism",
			server: func(s *fakeServer) { s.mechanisms = "EXTERNAL" },
			check: func(t *testing.T, err error) {
				if err == nil {
					t.Fatal("expected mechanism error")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newFakeServer()
			tt.server(srv)
			conn, _ := startFakeServer(t, srv)

			ctx, cancel := testContext(t)
			defer cancel()

			c, err := Open(ctx, conn, testDialConfig())
			if c != nil {
				t.Fatal("Open should not return a connection on failure")
			}
			tt.check(t, err)
		})
	}
}

func TestOpenHonoursContext(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	// Swallow the protocol header and never answer.
	go io.Copy(io.Discard, server)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := Open(ctx, client, testDialConfig())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want context.DeadlineExceeded", err)
	}
}

func TestDial(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	served := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			served <- err
			return
		}
		defer conn.Close()
		served <- newFakeServer().serve(conn)
	}()

	host, port, _ := net.SplitHostPort(ln.Addr().String())
	cfg := testDialConfig()
	cfg.Host = host
	cfg.Port, _ = strconv.Atoi(port)

	ctx, cancel := testContext(t)
	defer cancel()

	c, err := Dial(ctx, cfg, WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	if c.State() != StateOpen {
		t.Errorf("state: got %s, want open", c.State())
	}
	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := <-served; err != nil {
		t.Fatalf("server: %v", err)
	}
}

func TestDialErrors(t *testing.T) {
	ctx, cancel := testContext(t)
	defer cancel()

	cfg := DefaultConfig()
	cfg.Host = ""
	if _, err := Dial(ctx, cfg); err == nil {
		t.Error("expected invalid config error")
	}

	// Grab a free port and close it so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	cfg = DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = addr.Port
	_, err = Dial(ctx, cfg)
	var transportErr *TransportError
	if !errors.As(err, &transportErr) || transportErr.Op != "dial" {
		t.Fatalf("got %v, want dial TransportError", err)
	}
}

func TestNegotiate(t *testing.T) {
	tests := []struct {
		name       string
		client     []Option
		channelMax uint16
		frameMax   uint32
		heartbeat  uint16
		want       tuning
	}{
		{
			name:       "server limits lower",
			client:     []Option{WithChannelMax(2047), WithFrameMax(131072), WithHeartbeat(60 * time.Second)},
			channelMax: 100,
			frameMax:   8192,
			heartbeat:  30,
			want:       tuning{channelMax: 100, frameMax: 8192, heartbeat: 30 * time.Second},
		},
		{
			name:       "client limits lower",
			client:     []Option{WithChannelMax(10), WithFrameMax(4096), WithHeartbeat(5 * time.Second)},
			channelMax: 2047,
			frameMax:   131072,
			heartbeat:  60,
			want:       tuning{channelMax: 10, frameMax: 4096, heartbeat: 5 * time.Second},
		},
		{
			name:   "both unlimited",
			client: []Option{WithChannelMax(0), WithFrameMax(0)},
			want:   tuning{channelMax: DefaultChannelMax, frameMax: DefaultFrameMax},
		},
		{
			name:       "client disables heartbeat",
			client:     []Option{WithHeartbeat(0)},
			channelMax: 0,
			frameMax:   0,
			heartbeat:  60,
			want:       tuning{channelMax: DefaultChannelMax, frameMax: DefaultFrameMax},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := defaultOptions()
			for _, opt := range tt.client {
				opt(&o)
			}
			args, err := frame.NewArgsBuilder().
				WriteUint16(tt.channelMax).
				WriteUint32(tt.frameMax).
				WriteUint16(tt.heartbeat).
				Bytes()
			if err != nil {
				t.Fatalf("build tune args: %v", err)
			}

			got, err := negotiate(Method{Args: args}, o)
			if err != nil {
				t.Fatalf("negotiate failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}

	if _, err := negotiate(Method{Args: []byte{0, 1}}, defaultOptions()); err == nil {
		t.Error("truncated connection.tune should fail")
	}
}

// heartbeatTransport is a fakeTransport that also sends heartbeats.
type heartbeatTransport struct {
	*fakeTransport
	beats     atomic.Int32
	idleSince atomic.Int64
}

func (h *heartbeatTransport) WriteHeartbeat() error {
	h.beats.Add(1)
	return nil
}

func (h *heartbeatTransport) LastActivity() time.Time {
	if v := h.idleSince.Load(); v != 0 {
		return time.Unix(0, v)
	}
	return time.Now()
}

func TestHeartbeats(t *testing.T) {
	ht := &heartbeatTransport{fakeTransport: newFakeTransport()}
	c := NewConnection(ht, WithLogger(zaptest.NewLogger(t)), WithHeartbeat(20*time.Millisecond))

	eventually(t, "heartbeats", func() bool { return ht.beats.Load() >= 3 })
	if c.IsClosed() {
		t.Fatal("connection with an active peer should stay open")
	}

	ctx, cancel := testContext(t)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestHeartbeatTimeout(t *testing.T) {
	ht := &heartbeatTransport{fakeTransport: newFakeTransport()}
	ht.idleSince.Store(time.Now().Add(-time.Minute).UnixNano())

	c := NewConnection(ht, WithLogger(zaptest.NewLogger(t)), WithHeartbeat(20*time.Millisecond))
	closed := c.NotifyClose(make(chan error, 1))

	select {
	case err := <-closed:
		var transportErr *TransportError
		if !errors.As(err, &transportErr) || !errors.Is(err, errHeartbeatTimeout) {
			t.Fatalf("got %v, want heartbeat timeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not time out")
	}
	<-c.Done()
}

func TestHeartbeatIntervalBounds(t *testing.T) {
	t.Run("sub-tick interval", func(t *testing.T) {
		ht := &heartbeatTransport{fakeTransport: newFakeTransport()}
		c := NewConnection(ht, WithLogger(zaptest.NewLogger(t)), WithHeartbeat(time.Nanosecond))

		select {
		case <-c.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("connection did not shut down")
		}
		if ht.beats.Load() == 0 {
			t.Error("no heartbeat was sent")
		}
	})

	t.Run("negative interval disables", func(t *testing.T) {
		ht := &heartbeatTransport{fakeTransport: newFakeTransport()}
		c := NewConnection(ht, WithLogger(zaptest.NewLogger(t)), WithHeartbeat(-time.Second))

		time.Sleep(20 * time.Millisecond)
		if n := ht.beats.Load(); n != 0 {
			t.Errorf("heartbeats: got %d, want 0", n)
		}

		ctx, cancel := testContext(t)
		defer cancel()
		if err := c.Close(ctx); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	})
}
