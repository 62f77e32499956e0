package frame

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/israelio/amqp-dispatch/internal/protocol"
)

// Reader reads AMQP frames from a byte stream
type Reader struct {
	r         *bufio.Reader
	maxFrame  uint32
	headerBuf [protocol.FrameHeaderSize]byte
}

// NewReader creates a frame reader. A zero maxFrameSize means the protocol minimum.
func NewReader(r io.Reader, maxFrameSize uint32) *Reader {
	if maxFrameSize == 0 {
		maxFrameSize = protocol.FrameMinSize
	}
	return &Reader{
		r:        bufio.NewReaderSize(r, int(maxFrameSize)*2),
		maxFrame: maxFrameSize,
	}
}

// ReadFrame reads a single frame
func (fr *Reader) ReadFrame() (*Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.headerBuf[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	frameType := fr.headerBuf[0]
	channelID := binary.BigEndian.Uint16(fr.headerBuf[1:3])
	size := binary.BigEndian.Uint32(fr.headerBuf[3:7])

	switch frameType {
	case protocol.FrameMethod, protocol.FrameHeader, protocol.FrameBody, protocol.FrameHeartbeat:
	default:
		return nil, fmt.Errorf("invalid frame type: %d", frameType)
	}

	if size > fr.maxFrame {
		return nil, fmt.Errorf("frame payload too large: %d > %d", size, fr.maxFrame)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	end, err := fr.r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("read frame end: %w", err)
	}
	if end != protocol.FrameEnd {
		return nil, fmt.Errorf("invalid frame end marker: 0x%02X (expected 0x%02X)", end, protocol.FrameEnd)
	}

	return &Frame{Type: frameType, ChannelID: channelID, Payload: payload}, nil
}

// SetMaxFrameSize updates the negotiated maximum frame size
func (fr *Reader) SetMaxFrameSize(size uint32) {
	if size > 0 {
		fr.maxFrame = size
	}
}
