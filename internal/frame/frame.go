package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/israelio/amqp-dispatch/internal/protocol"
)

// Frame is one AMQP frame as it appears on the wire, minus the end marker.
type Frame struct {
	Type      uint8
	ChannelID uint16
	Payload   []byte
}

// Method is a decoded method frame payload.
type Method struct {
	ClassID  uint16
	MethodID uint16
	Args     []byte
}

// Header is a decoded content header frame payload.
type Header struct {
	ClassID    uint16
	BodySize   uint64
	Properties []byte
}

// NewMethodFrame creates a method frame
func NewMethodFrame(channelID, classID, methodID uint16, args []byte) *Frame {
	payload := make([]byte, 4+len(args))
	binary.BigEndian.PutUint16(payload[0:2], classID)
	binary.BigEndian.PutUint16(payload[2:4], methodID)
	copy(payload[4:], args)

	return &Frame{Type: protocol.FrameMethod, ChannelID: channelID, Payload: payload}
}

// NewHeaderFrame creates a content header frame
func NewHeaderFrame(channelID, classID uint16, bodySize uint64, properties []byte) *Frame {
	payload := make([]byte, 12+len(properties))
	binary.BigEndian.PutUint16(payload[0:2], classID)
	// payload[2:4] is the weight field, always zero
	binary.BigEndian.PutUint64(payload[4:12], bodySize)
	copy(payload[12:], properties)

	return &Frame{Type: protocol.FrameHeader, ChannelID: channelID, Payload: payload}
}

// NewBodyFrame creates a content body frame
func NewBodyFrame(channelID uint16, data []byte) *Frame {
	return &Frame{Type: protocol.FrameBody, ChannelID: channelID, Payload: data}
}

// NewHeartbeatFrame creates a heartbeat frame on the control channel
func NewHeartbeatFrame() *Frame {
	return &Frame{Type: protocol.FrameHeartbeat, ChannelID: protocol.ControlChannel, Payload: []byte{}}
}

// SplitBody cuts a content body into body frames that fit under frameMax.
func SplitBody(channelID uint16, body []byte, frameMax uint32) []*Frame {
	maxPayload := int(frameMax) - protocol.FrameHeaderSize - protocol.FrameEndSize
	if maxPayload <= 0 {
		maxPayload = protocol.FrameMinSize - protocol.FrameHeaderSize - protocol.FrameEndSize
	}

	frames := make([]*Frame, 0, (len(body)+maxPayload-1)/maxPayload)
	for offset := 0; offset < len(body); offset += maxPayload {
		end := min(offset+maxPayload, len(body))
		frames = append(frames, NewBodyFrame(channelID, body[offset:end]))
	}
	return frames
}

// ParseMethod decodes a method frame payload
func (f *Frame) ParseMethod() (*Method, error) {
	if f.Type != protocol.FrameMethod {
		return nil, fmt.Errorf("not a method frame: type=%d", f.Type)
	}
	if len(f.Payload) < 4 {
		return nil, fmt.Errorf("method frame payload too short: %d", len(f.Payload))
	}

	return &Method{
		ClassID:  binary.BigEndian.Uint16(f.Payload[0:2]),
		MethodID: binary.BigEndian.Uint16(f.Payload[2:4]),
		Args:     f.Payload[4:],
	}, nil
}

// ParseHeader decodes a content header frame payload
func (f *Frame) ParseHeader() (*Header, error) {
	if f.Type != protocol.FrameHeader {
		return nil, fmt.Errorf("not a header frame: type=%d", f.Type)
	}
	if len(f.Payload) < 12 {
		return nil, fmt.Errorf("header frame payload too short: %d", len(f.Payload))
	}

	return &Header{
		ClassID:    binary.BigEndian.Uint16(f.Payload[0:2]),
		BodySize:   binary.BigEndian.Uint64(f.Payload[4:12]),
		Properties: f.Payload[12:],
	}, nil
}

func (f *Frame) String() string {
	var kind string
	switch f.Type {
	case protocol.FrameMethod:
		kind = "METHOD"
	case protocol.FrameHeader:
		kind = "HEADER"
	case protocol.FrameBody:
		kind = "BODY"
	case protocol.FrameHeartbeat:
		kind = "HEARTBEAT"
	default:
		kind = fmt.Sprintf("UNKNOWN(%d)", f.Type)
	}
	return fmt.Sprintf("Frame{type=%s, channel=%d, size=%d}", kind, f.ChannelID, len(f.Payload))
}

// ArgsReader reads method arguments in wire order.
type ArgsReader struct {
	buf *bytes.Reader
}

func NewArgsReader(data []byte) *ArgsReader {
	return &ArgsReader{buf: bytes.NewReader(data)}
}

func (ar *ArgsReader) ReadBool() (bool, error) {
	b, err := ar.buf.ReadByte()
	return b != 0, err
}

func (ar *ArgsReader) ReadUint8() (uint8, error) {
	return ar.buf.ReadByte()
}

func (ar *ArgsReader) ReadUint16() (uint16, error) {
	var v uint16
	err := binary.Read(ar.buf, binary.BigEndian, &v)
	return v, err
}

func (ar *ArgsReader) ReadUint32() (uint32, error) {
	var v uint32
	err := binary.Read(ar.buf, binary.BigEndian, &v)
	return v, err
}

func (ar *ArgsReader) ReadUint64() (uint64, error) {
	var v uint64
	err := binary.Read(ar.buf, binary.BigEndian, &v)
	return v, err
}

func (ar *ArgsReader) ReadShortString() (string, error) {
	return protocol.ReadShortString(ar.buf)
}

func (ar *ArgsReader) ReadLongString() ([]byte, error) {
	return protocol.ReadLongString(ar.buf)
}

func (ar *ArgsReader) ReadTable() (protocol.Table, error) {
	return protocol.ReadTable(ar.buf)
}

// ArgsBuilder accumulates method arguments in wire order. Write errors only
// come from oversized strings or unsupported table values and are kept until
// Bytes is called.
type ArgsBuilder struct {
	buf bytes.Buffer
	err error
}

func NewArgsBuilder() *ArgsBuilder {
	return &ArgsBuilder{}
}

// WriteFlags packs consecutive bit fields LSB first, eight per octet.
func (ab *ArgsBuilder) WriteFlags(flags ...bool) *ArgsBuilder {
	var packed byte
	for i, flag := range flags {
		if flag {
			packed |= 1 << uint(i%8)
		}
		if i%8 == 7 || i == len(flags)-1 {
			ab.buf.WriteByte(packed)
			packed = 0
		}
	}
	return ab
}

func (ab *ArgsBuilder) WriteUint8(v uint8) *ArgsBuilder {
	ab.buf.WriteByte(v)
	return ab
}

func (ab *ArgsBuilder) WriteUint16(v uint16) *ArgsBuilder {
	ab.buf.Write(binary.BigEndian.AppendUint16(nil, v))
	return ab
}

func (ab *ArgsBuilder) WriteUint32(v uint32) *ArgsBuilder {
	ab.buf.Write(binary.BigEndian.AppendUint32(nil, v))
	return ab
}

func (ab *ArgsBuilder) WriteUint64(v uint64) *ArgsBuilder {
	ab.buf.Write(binary.BigEndian.AppendUint64(nil, v))
	return ab
}

func (ab *ArgsBuilder) WriteShortString(s string) *ArgsBuilder {
	if err := protocol.WriteShortString(&ab.buf, s); err != nil && ab.err == nil {
		ab.err = err
	}
	return ab
}

func (ab *ArgsBuilder) WriteLongString(data []byte) *ArgsBuilder {
	if err := protocol.WriteLongString(&ab.buf, data); err != nil && ab.err == nil {
		ab.err = err
	}
	return ab
}

func (ab *ArgsBuilder) WriteTable(table protocol.Table) *ArgsBuilder {
	if err := protocol.WriteTable(&ab.buf, table); err != nil && ab.err == nil {
		ab.err = err
	}
	return ab
}

// Bytes returns the encoded arguments or the first write error.
func (ab *ArgsBuilder) Bytes() ([]byte, error) {
	if ab.err != nil {
		return nil, ab.err
	}
	return ab.buf.Bytes(), nil
}
