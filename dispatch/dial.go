package dispatch

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/israelio/amqp-dispatch/internal/frame"
	"github.com/israelio/amqp-dispatch/internal/protocol"
)

// ClientProperties are sent to the server in connection.start-ok.
var ClientProperties = Table{
	"product":  "amqp-dispatch",
	"version":  "1.0.0",
	"platform": "Go",
	"capabilities": Table{
		"connection.blocked":     true,
		"consumer_cancel_notify": true,
		"basic.nack":             true,
	},
}

// tuning holds the negotiated connection limits.
type tuning struct {
	channelMax uint16
	frameMax   uint32
	heartbeat  time.Duration
}

// Dial connects to the server described by cfg, performs the handshake and
// returns a running Connection. opts are applied after the options cfg
// implies.
func Dial(ctx context.Context, cfg Config, opts ...Option) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if cfg.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectionTimeout)
		defer cancel()
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dialer := &net.Dialer{}

	var (
		conn net.Conn
		err  error
	)
	if tlsConfig := cfg.tlsConfig(); tlsConfig != nil {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}

	c, err := Open(ctx, conn, cfg, append(cfg.Options(), opts...)...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Open runs the client side of the connection handshake over conn and
// starts dispatching on it. Only the credentials and vhost of cfg are used;
// limits come from opts.
func Open(ctx context.Context, conn net.Conn, cfg Config, opts ...Option) (*Connection, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger.Sugar().With("component", "handshake")

	// Unblock the handshake once ctx ends.
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})

	t := NewFrameTransport(conn, protocol.FrameMinSize)
	tune, err := handshake(t, cfg, o)

	stop()
	conn.SetDeadline(time.Time{})

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w (%v)", ctxErr, err)
		}
		return nil, fmt.Errorf("handshake failed: %w", err)
	}
	log.Debugw("handshake complete",
		"channel_max", tune.channelMax,
		"frame_max", tune.frameMax,
		"heartbeat", tune.heartbeat)

	opts = append(opts,
		WithChannelMax(tune.channelMax),
		WithFrameMax(tune.frameMax),
		WithHeartbeat(tune.heartbeat))
	return NewConnection(t, opts...), nil
}

// handshake performs start/start-ok, tune/tune-ok and open/open-ok on the
// control channel.
func handshake(t *FrameTransport, cfg Config, o options) (tuning, error) {
	var tune tuning

	if err := t.writeProtocolHeader(); err != nil {
		return tune, &TransportError{Op: "write", Err: err}
	}

	start, err := expectMethod(t, MethodType{protocol.ClassConnection, protocol.MethodConnectionStart})
	if err != nil {
		return tune, err
	}
	if err := checkStart(start); err != nil {
		return tune, err
	}

	startOk, err := frame.NewArgsBuilder().
		WriteTable(ClientProperties).
		WriteShortString("PLAIN").
		WriteLongString([]byte("\x00" + cfg.Username + "\x00" + cfg.Password)).
		WriteShortString("en_US").
		Bytes()
	if err != nil {
		return tune, err
	}
	if err := writeControl(t, protocol.MethodConnectionStartOk, startOk); err != nil {
		return tune, err
	}

	tuneMethod, err := expectMethod(t, MethodType{protocol.ClassConnection, protocol.MethodConnectionTune})
	if err != nil {
		return tune, err
	}
	if tune, err = negotiate(tuneMethod, o); err != nil {
		return tune, err
	}

	tuneOk, _ := frame.NewArgsBuilder().
		WriteUint16(tune.channelMax).
		WriteUint32(tune.frameMax).
		WriteUint16(uint16(tune.heartbeat / time.Second)).
		Bytes()
	if err := writeControl(t, protocol.MethodConnectionTuneOk, tuneOk); err != nil {
		return tune, err
	}
	t.SetFrameMax(tune.frameMax)

	open, err := frame.NewArgsBuilder().
		WriteShortString(cfg.VHost).
		WriteShortString(""). // capabilities, deprecated
		WriteFlags(false).    // insist, deprecated
		Bytes()
	if err != nil {
		return tune, err
	}
	if err := writeControl(t, protocol.MethodConnectionOpen, open); err != nil {
		return tune, err
	}

	_, err = expectMethod(t, MethodType{protocol.ClassConnection, protocol.MethodConnectionOpenOk})
	return tune, err
}

func writeControl(t *FrameTransport, methodID uint16, args []byte) error {
	m := Method{
		ChannelID: protocol.ControlChannel,
		Type:      MethodType{protocol.ClassConnection, methodID},
		Args:      args,
	}
	if err := t.WriteMethod(m); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// expectMethod reads the next method and fails unless it has type want. A
// connection.close from the server is reported as the server's error.
func expectMethod(t *FrameTransport, want MethodType) (Method, error) {
	m, err := t.ReadMethod()
	if err != nil {
		return m, &TransportError{Op: "read", Err: err}
	}
	switch {
	case m.Type == want:
		return m, nil
	case m.Type == ConnectionClose:
		return m, closeReason(m)
	default:
		return m, fmt.Errorf("expected %s, got %s", want, m.Type)
	}
}

func checkStart(m Method) error {
	args := frame.NewArgsReader(m.Args)
	major, _ := args.ReadUint8()
	minor, _ := args.ReadUint8()
	if major != protocol.ProtocolVersionMajor || minor != protocol.ProtocolVersionMinor {
		return fmt.Errorf("unsupported AMQP version: %d.%d", major, minor)
	}
	if _, err := args.ReadTable(); err != nil {
		return fmt.Errorf("connection.start server-properties: %w", err)
	}
	mechanisms, err := args.ReadLongString()
	if err != nil {
		return fmt.Errorf("connection.start mechanisms: %w", err)
	}
	for _, mech := range strings.Fields(string(mechanisms)) {
		if mech == "PLAIN" {
			return nil
		}
	}
	return fmt.Errorf("server does not offer PLAIN authentication (offers %q)", mechanisms)
}

// negotiate picks the lower of each client and server limit, treating
// zero as "no limit" on either side.
func negotiate(m Method, o options) (tuning, error) {
	args := frame.NewArgsReader(m.Args)
	serverChannelMax, err := args.ReadUint16()
	if err != nil {
		return tuning{}, fmt.Errorf("connection.tune channel-max: %w", err)
	}
	serverFrameMax, err := args.ReadUint32()
	if err != nil {
		return tuning{}, fmt.Errorf("connection.tune frame-max: %w", err)
	}
	serverHeartbeat, err := args.ReadUint16()
	if err != nil {
		return tuning{}, fmt.Errorf("connection.tune heartbeat: %w", err)
	}

	tune := tuning{
		channelMax: uint16(pick(uint32(o.channelMax), uint32(serverChannelMax))),
		frameMax:   pick(o.frameMax, serverFrameMax),
	}
	if tune.channelMax == 0 {
		tune.channelMax = DefaultChannelMax
	}
	if tune.frameMax == 0 {
		tune.frameMax = DefaultFrameMax
	}

	// Heartbeats are disabled if either side asks for zero.
	requested := uint16(o.heartbeat / time.Second)
	tune.heartbeat = time.Duration(min(requested, serverHeartbeat)) * time.Second
	return tune, nil
}

func pick(client, server uint32) uint32 {
	switch {
	case client == 0:
		return server
	case server == 0:
		return client
	default:
		return min(client, server)
	}
}
