package dispatch

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/israelio/amqp-dispatch/internal/protocol"
	"golang.org/x/text/encoding/htmlindex"
)

// Table is an AMQP field table.
type Table = protocol.Table

// Properties are the basic-class content properties.
type Properties struct {
	ContentType     string
	ContentEncoding string
	Headers         Table
	DeliveryMode    uint8
	Priority        uint8
	CorrelationID   string
	ReplyTo         string
	Expiration      string
	MessageID       string
	Timestamp       time.Time
	Type            string
	UserID          string
	AppID           string
}

// Content is the body carried by methods such as basic.deliver. Text is
// filled in by the dispatcher when content decoding is enabled and the
// encoding named by ContentEncoding is known.
type Content struct {
	Properties Properties
	Body       []byte
	Text       string
	Decoded    bool
}

// propertyField describes one optional property in wire order. Presence is
// signalled by flag in the 16-bit property flags word.
type propertyField struct {
	flag   uint16
	isSet  func(p *Properties) bool
	encode func(w *bytes.Buffer, p *Properties) error
	decode func(r *bytes.Reader, p *Properties) error
}

func shortStringField(flag uint16, field func(p *Properties) *string) propertyField {
	return propertyField{
		flag:  flag,
		isSet: func(p *Properties) bool { return *field(p) != "" },
		encode: func(w *bytes.Buffer, p *Properties) error {
			return protocol.WriteShortString(w, *field(p))
		},
		decode: func(r *bytes.Reader, p *Properties) (err error) {
			*field(p), err = protocol.ReadShortString(r)
			return err
		},
	}
}

func octetField(flag uint16, field func(p *Properties) *uint8) propertyField {
	return propertyField{
		flag:  flag,
		isSet: func(p *Properties) bool { return *field(p) != 0 },
		encode: func(w *bytes.Buffer, p *Properties) error {
			return w.WriteByte(*field(p))
		},
		decode: func(r *bytes.Reader, p *Properties) (err error) {
			*field(p), err = r.ReadByte()
			return err
		},
	}
}

var propertyFields = []propertyField{
	shortStringField(0x8000, func(p *Properties) *string { return &p.ContentType }),
	shortStringField(0x4000, func(p *Properties) *string { return &p.ContentEncoding }),
	{
		flag:   0x2000,
		isSet:  func(p *Properties) bool { return len(p.Headers) > 0 },
		encode: func(w *bytes.Buffer, p *Properties) error { return protocol.WriteTable(w, p.Headers) },
		decode: func(r *bytes.Reader, p *Properties) (err error) {
			p.Headers, err = protocol.ReadTable(r)
			return err
		},
	},
	octetField(0x1000, func(p *Properties) *uint8 { return &p.DeliveryMode }),
	octetField(0x0800, func(p *Properties) *uint8 { return &p.Priority }),
	shortStringField(0x0400, func(p *Properties) *string { return &p.CorrelationID }),
	shortStringField(0x0200, func(p *Properties) *string { return &p.ReplyTo }),
	shortStringField(0x0100, func(p *Properties) *string { return &p.Expiration }),
	shortStringField(0x0080, func(p *Properties) *string { return &p.MessageID }),
	{
		flag:  0x0040,
		isSet: func(p *Properties) bool { return !p.Timestamp.IsZero() },
		encode: func(w *bytes.Buffer, p *Properties) error {
			return binary.Write(w, binary.BigEndian, uint64(p.Timestamp.Unix()))
		},
		decode: func(r *bytes.Reader, p *Properties) error {
			var sec uint64
			if err := binary.Read(r, binary.BigEndian, &sec); err != nil {
				return err
			}
			p.Timestamp = time.Unix(int64(sec), 0)
			return nil
		},
	},
	shortStringField(0x0020, func(p *Properties) *string { return &p.Type }),
	shortStringField(0x0010, func(p *Properties) *string { return &p.UserID }),
	shortStringField(0x0008, func(p *Properties) *string { return &p.AppID }),
}

// EncodeProperties encodes properties in content header wire format.
func EncodeProperties(props Properties) ([]byte, error) {
	var flags uint16
	for _, f := range propertyFields {
		if f.isSet(&props) {
			flags |= f.flag
		}
	}

	var buf bytes.Buffer
	buf.Write(binary.BigEndian.AppendUint16(nil, flags))
	for _, f := range propertyFields {
		if flags&f.flag == 0 {
			continue
		}
		if err := f.encode(&buf, &props); err != nil {
			return nil, fmt.Errorf("encode property 0x%04X: %w", f.flag, err)
		}
	}
	return buf.Bytes(), nil
}

// DecodeProperties decodes properties from content header wire format.
func DecodeProperties(data []byte) (Properties, error) {
	var props Properties
	r := bytes.NewReader(data)

	var flags uint16
	if err := binary.Read(r, binary.BigEndian, &flags); err != nil {
		return props, fmt.Errorf("property flags: %w", err)
	}
	for _, f := range propertyFields {
		if flags&f.flag == 0 {
			continue
		}
		if err := f.decode(r, &props); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return props, fmt.Errorf("decode property 0x%04X: %w", f.flag, err)
		}
	}
	return props, nil
}

// decodeText returns a copy of c with Text filled in from Body using the
// named content encoding. Unknown encodings and undecodable bodies leave the
// content as raw bytes.
func decodeText(c *Content) *Content {
	if c == nil || c.Decoded || c.Properties.ContentEncoding == "" {
		return c
	}

	enc, err := htmlindex.Get(c.Properties.ContentEncoding)
	if err != nil {
		return c
	}
	text, err := enc.NewDecoder().Bytes(c.Body)
	if err != nil {
		return c
	}

	decoded := *c
	decoded.Text = string(text)
	decoded.Decoded = true
	return &decoded
}
