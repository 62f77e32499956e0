package frame

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/israelio/amqp-dispatch/internal/protocol"
)

func TestFrameConstruction(t *testing.T) {
	t.Run("method frame", func(t *testing.T) {
		args := []byte{0x01, 0x02, 0x03}
		f := NewMethodFrame(1, protocol.ClassChannel, protocol.MethodChannelOpen, args)

		if f.Type != protocol.FrameMethod {
			t.Errorf("Frame type: got %d, want %d", f.Type, protocol.FrameMethod)
		}
		if f.ChannelID != 1 {
			t.Errorf("Channel ID: got %d, want 1", f.ChannelID)
		}

		m, err := f.ParseMethod()
		if err != nil {
			t.Fatalf("ParseMethod failed: %v", err)
		}
		want := &Method{ClassID: protocol.ClassChannel, MethodID: protocol.MethodChannelOpen, Args: args}
		if diff := cmp.Diff(want, m); diff != "" {
			t.Errorf("method mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("header frame", func(t *testing.T) {
		props := []byte{0x80, 0x00, 0x01, 0x02}
		f := NewHeaderFrame(3, protocol.ClassBasic, 1024, props)

		h, err := f.ParseHeader()
		if err != nil {
			t.Fatalf("ParseHeader failed: %v", err)
		}
		want := &Header{ClassID: protocol.ClassBasic, BodySize: 1024, Properties: props}
		if diff := cmp.Diff(want, h); diff != "" {
			t.Errorf("header mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("heartbeat frame", func(t *testing.T) {
		f := NewHeartbeatFrame()
		if f.Type != protocol.FrameHeartbeat || f.ChannelID != 0 || len(f.Payload) != 0 {
			t.Errorf("unexpected heartbeat frame: %v", f)
		}
	})

	t.Run("wrong frame type", func(t *testing.T) {
		f := NewHeartbeatFrame()
		if _, err := f.ParseMethod(); err == nil {
			t.Error("Expected error parsing heartbeat as method")
		}
		if _, err := f.ParseHeader(); err == nil {
			t.Error("Expected error parsing heartbeat as header")
		}
	})

	t.Run("short method payload", func(t *testing.T) {
		f := &Frame{Type: protocol.FrameMethod, ChannelID: 1, Payload: []byte{0x00, 0x14}}
		if _, err := f.ParseMethod(); err == nil {
			t.Error("Expected error for truncated method payload")
		}
	})
}

func TestSplitBody(t *testing.T) {
	body := bytes.Repeat([]byte("x"), 10000)
	frames := SplitBody(5, body, protocol.FrameMinSize)

	maxPayload := protocol.FrameMinSize - protocol.FrameHeaderSize - protocol.FrameEndSize
	if len(frames) != 3 {
		t.Fatalf("frame count: got %d, want 3", len(frames))
	}

	var joined []byte
	for _, f := range frames {
		if f.ChannelID != 5 {
			t.Errorf("Channel ID: got %d, want 5", f.ChannelID)
		}
		if len(f.Payload) > maxPayload {
			t.Errorf("payload %d exceeds %d", len(f.Payload), maxPayload)
		}
		joined = append(joined, f.Payload...)
	}
	if !bytes.Equal(joined, body) {
		t.Error("reassembled body mismatch")
	}

	if got := SplitBody(1, nil, protocol.FrameMinSize); len(got) != 0 {
		t.Errorf("empty body: got %d frames, want 0", len(got))
	}
}

func TestReaderWriterRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, 0)

	sent := []*Frame{
		NewMethodFrame(0, protocol.ClassConnection, protocol.MethodConnectionTuneOk, []byte{0, 1}),
		NewHeaderFrame(2, protocol.ClassBasic, 5, nil),
		NewBodyFrame(2, []byte("hello")),
		NewHeartbeatFrame(),
	}
	if err := w.WriteFrames(sent...); err != nil {
		t.Fatalf("WriteFrames failed: %v", err)
	}

	r := NewReader(&buf, 0)
	for i, want := range sent {
		got, err := r.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame %d failed: %v", i, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("frame %d mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestReaderRejectsMalformedFrames(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"bad type", []byte{9, 0, 0, 0, 0, 0, 0, protocol.FrameEnd}},
		{"bad end marker", []byte{protocol.FrameHeartbeat, 0, 0, 0, 0, 0, 0, 0x00}},
		{"oversized", []byte{protocol.FrameBody, 0, 1, 0xFF, 0xFF, 0xFF, 0xFF}},
		{"truncated payload", []byte{protocol.FrameBody, 0, 1, 0, 0, 0, 4, 'a'}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReader(bytes.NewReader(tt.data), 0)
			if _, err := r.ReadFrame(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestWriterRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, 0)
	err := w.WriteFrame(NewBodyFrame(1, make([]byte, protocol.FrameMinSize+1)))
	if err == nil {
		t.Fatal("expected error for oversized payload")
	}
}

func TestArgsBuilderReader(t *testing.T) {
	data, err := NewArgsBuilder().
		WriteFlags(true, false, true).
		WriteUint8(255).
		WriteUint16(65535).
		WriteUint32(4294967295).
		WriteUint64(9223372036854775807).
		WriteShortString("test").
		WriteLongString([]byte("long string data")).
		WriteTable(protocol.Table{"key": "value"}).
		Bytes()
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}

	args := NewArgsReader(data)

	flags, _ := args.ReadUint8()
	if flags != 0x05 {
		t.Errorf("flags: got 0x%02X, want 0x05", flags)
	}
	if u8, _ := args.ReadUint8(); u8 != 255 {
		t.Errorf("Uint8: got %d, want 255", u8)
	}
	if u16, _ := args.ReadUint16(); u16 != 65535 {
		t.Errorf("Uint16: got %d, want 65535", u16)
	}
	if u32, _ := args.ReadUint32(); u32 != 4294967295 {
		t.Errorf("Uint32: got %d, want 4294967295", u32)
	}
	if u64, _ := args.ReadUint64(); u64 != 9223372036854775807 {
		t.Errorf("Uint64: got %d, want 9223372036854775807", u64)
	}
	if s, _ := args.ReadShortString(); s != "test" {
		t.Errorf("ShortString: got %q, want %q", s, "test")
	}
	if ls, _ := args.ReadLongString(); string(ls) != "long string data" {
		t.Errorf("LongString: got %q", ls)
	}
	table, err := args.ReadTable()
	if err != nil {
		t.Fatalf("ReadTable failed: %v", err)
	}
	if diff := cmp.Diff(protocol.Table{"key": "value"}, table); diff != "" {
		t.Errorf("table mismatch (-want +got):\n%s", diff)
	}
}

func TestArgsBuilderKeepsFirstError(t *testing.T) {
	_, err := NewArgsBuilder().
		WriteShortString(strings.Repeat("x", 300)).
		WriteUint16(1).
		Bytes()
	if err == nil {
		t.Fatal("expected error for oversized short string")
	}
}

func TestFrameString(t *testing.T) {
	tests := []struct {
		frame *Frame
		want  string
	}{
		{NewMethodFrame(1, 0, 0, nil), "METHOD"},
		{NewHeaderFrame(1, 0, 0, nil), "HEADER"},
		{NewBodyFrame(1, nil), "BODY"},
		{NewHeartbeatFrame(), "HEARTBEAT"},
	}

	for _, tt := range tests {
		if got := tt.frame.String(); !strings.Contains(got, tt.want) {
			t.Errorf("String() = %q, should contain %q", got, tt.want)
		}
	}
}
