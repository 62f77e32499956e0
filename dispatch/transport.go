package dispatch

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/israelio/amqp-dispatch/internal/frame"
	"github.com/israelio/amqp-dispatch/internal/protocol"
)

// Transport moves whole methods to and from the peer. ReadMethod is called
// from a single goroutine; WriteMethod may be called concurrently and must
// write each method, with its content, atomically.
type Transport interface {
	ReadMethod() (Method, error)
	WriteMethod(m Method) error
	Close() error
}

// FrameTransport is a Transport over AMQP 0-9-1 frames. Heartbeat frames
// are absorbed, and the content header and body frames that follow a
// content-bearing method are assembled into the method's Content.
type FrameTransport struct {
	rwc    io.ReadWriteCloser
	reader *frame.Reader
	writer *frame.Writer

	frameMax     atomic.Uint32
	lastActivity atomic.Int64

	// partial is only touched by the reading goroutine.
	partial map[uint16]*partialContent

	closeOnce sync.Once
	closeErr  error
}

type partialContent struct {
	method     Method
	haveHeader bool
	size       uint64
	body       []byte
}

// NewFrameTransport wraps rwc. A zero frameMax means the protocol minimum.
func NewFrameTransport(rwc io.ReadWriteCloser, frameMax uint32) *FrameTransport {
	if frameMax == 0 {
		frameMax = protocol.FrameMinSize
	}
	t := &FrameTransport{
		rwc:     rwc,
		reader:  frame.NewReader(rwc, frameMax),
		writer:  frame.NewWriter(rwc, frameMax),
		partial: make(map[uint16]*partialContent),
	}
	t.frameMax.Store(frameMax)
	t.touch()
	return t
}

// ReadMethod returns the next complete method.
func (t *FrameTransport) ReadMethod() (Method, error) {
	for {
		f, err := t.reader.ReadFrame()
		if err != nil {
			return Method{}, err
		}
		t.touch()

		switch f.Type {
		case protocol.FrameHeartbeat:
			continue

		case protocol.FrameMethod:
			fm, err := f.ParseMethod()
			if err != nil {
				return Method{}, err
			}
			if _, busy := t.partial[f.ChannelID]; busy {
				return Method{}, fmt.Errorf("channel %d: method frame while content is pending", f.ChannelID)
			}
			m := Method{
				ChannelID: f.ChannelID,
				Type:      MethodType{ClassID: fm.ClassID, MethodID: fm.MethodID},
				Args:      fm.Args,
			}
			if !m.Type.HasContent() {
				return m, nil
			}
			t.partial[f.ChannelID] = &partialContent{method: m}

		case protocol.FrameHeader:
			p, ok := t.partial[f.ChannelID]
			if !ok || p.haveHeader {
				return Method{}, fmt.Errorf("channel %d: unexpected content header", f.ChannelID)
			}
			h, err := f.ParseHeader()
			if err != nil {
				return Method{}, err
			}
			props, err := DecodeProperties(h.Properties)
			if err != nil {
				return Method{}, fmt.Errorf("channel %d: %w", f.ChannelID, err)
			}
			p.haveHeader = true
			p.size = h.BodySize
			p.body = make([]byte, 0, h.BodySize)
			p.method.Content = &Content{Properties: props}
			if p.size == 0 {
				return t.complete(f.ChannelID, p), nil
			}

		case protocol.FrameBody:
			p, ok := t.partial[f.ChannelID]
			if !ok || !p.haveHeader {
				return Method{}, fmt.Errorf("channel %d: unexpected content body", f.ChannelID)
			}
			p.body = append(p.body, f.Payload...)
			if uint64(len(p.body)) > p.size {
				return Method{}, fmt.Errorf("channel %d: content body exceeds declared size %d", f.ChannelID, p.size)
			}
			if uint64(len(p.body)) == p.size {
				return t.complete(f.ChannelID, p), nil
			}
		}
	}
}

func (t *FrameTransport) complete(channelID uint16, p *partialContent) Method {
	delete(t.partial, channelID)
	p.method.Content.Body = p.body
	return p.method
}

// WriteMethod writes m followed by its content frames, if any.
func (t *FrameTransport) WriteMethod(m Method) error {
	frames := []*frame.Frame{frame.NewMethodFrame(m.ChannelID, m.Type.ClassID, m.Type.MethodID, m.Args)}

	if m.Content != nil || m.Type.HasContent() {
		content := m.Content
		if content == nil {
			content = &Content{}
		}
		props, err := EncodeProperties(content.Properties)
		if err != nil {
			return err
		}
		frames = append(frames, frame.NewHeaderFrame(m.ChannelID, m.Type.ClassID, uint64(len(content.Body)), props))
		frames = append(frames, frame.SplitBody(m.ChannelID, content.Body, t.frameMax.Load())...)
	}

	return t.writer.WriteFrames(frames...)
}

// WriteHeartbeat sends a heartbeat frame.
func (t *FrameTransport) WriteHeartbeat() error {
	return t.writer.WriteFrame(frame.NewHeartbeatFrame())
}

// LastActivity returns when a frame was last read from the peer.
func (t *FrameTransport) LastActivity() time.Time {
	return time.Unix(0, t.lastActivity.Load())
}

func (t *FrameTransport) touch() {
	t.lastActivity.Store(time.Now().UnixNano())
}

// SetFrameMax applies a negotiated frame size limit.
func (t *FrameTransport) SetFrameMax(size uint32) {
	if size == 0 {
		return
	}
	t.frameMax.Store(size)
	t.reader.SetMaxFrameSize(size)
	t.writer.SetMaxFrameSize(size)
}

// writeProtocolHeader sends the header that opens a client connection.
func (t *FrameTransport) writeProtocolHeader() error {
	return t.writer.WriteProtocolHeader()
}

// Close closes the underlying stream. It is safe to call more than once.
func (t *FrameTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.rwc.Close()
	})
	if errors.Is(t.closeErr, io.ErrClosedPipe) {
		return nil
	}
	return t.closeErr
}
