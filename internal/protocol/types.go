package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// Table is an AMQP field table.
type Table map[string]any

// ReadShortString reads a length-prefixed string of at most 255 bytes.
func ReadShortString(r io.Reader) (string, error) {
	var length uint8
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return "", err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// WriteShortString writes a length-prefixed string of at most 255 bytes.
func WriteShortString(w io.Writer, s string) error {
	if len(s) > 255 {
		return fmt.Errorf("short string too long: %d", len(s))
	}
	if err := binary.Write(w, binary.BigEndian, uint8(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// ReadLongString reads a 32-bit length-prefixed byte string.
func ReadLongString(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteLongString writes a 32-bit length-prefixed byte string.
func WriteLongString(w io.Writer, data []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// ReadTable reads a field table. Long string values decode to string.
func ReadTable(r io.Reader) (Table, error) {
	data, err := ReadLongString(r)
	if err != nil {
		return nil, err
	}

	table := make(Table)
	br := bytes.NewReader(data)
	for br.Len() > 0 {
		name, err := ReadShortString(br)
		if err != nil {
			return nil, fmt.Errorf("table field name: %w", err)
		}
		value, err := readFieldValue(br)
		if err != nil {
			return nil, fmt.Errorf("table field %q: %w", name, err)
		}
		table[name] = value
	}
	return table, nil
}

// WriteTable writes a field table. A nil table is encoded as empty.
func WriteTable(w io.Writer, table Table) error {
	var buf bytes.Buffer
	for name, value := range table {
		if err := WriteShortString(&buf, name); err != nil {
			return err
		}
		if err := writeFieldValue(&buf, value); err != nil {
			return fmt.Errorf("table field %q: %w", name, err)
		}
	}
	return WriteLongString(w, buf.Bytes())
}

func readFieldValue(r *bytes.Reader) (any, error) {
	kind, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	switch kind {
	case 't':
		b, err := r.ReadByte()
		return b != 0, err
	case 'b':
		return readNumber[int8](r)
	case 'B':
		return readNumber[uint8](r)
	case 's':
		return readNumber[int16](r)
	case 'u':
		return readNumber[uint16](r)
	case 'I':
		return readNumber[int32](r)
	case 'i':
		return readNumber[uint32](r)
	case 'l':
		return readNumber[int64](r)
	case 'f':
		return readNumber[float32](r)
	case 'd':
		return readNumber[float64](r)
	case 'S':
		s, err := ReadLongString(r)
		return string(s), err
	case 'x':
		return ReadLongString(r)
	case 'T':
		sec, err := readNumber[int64](r)
		return time.Unix(sec, 0), err
	case 'F':
		return ReadTable(r)
	case 'A':
		return readArray(r)
	case 'V':
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown field type: %c", kind)
	}
}

func readNumber[T int8 | uint8 | int16 | uint16 | int32 | uint32 | int64 | float32 | float64](r io.Reader) (T, error) {
	var v T
	err := binary.Read(r, binary.BigEndian, &v)
	return v, err
}

func readArray(r io.Reader) ([]any, error) {
	data, err := ReadLongString(r)
	if err != nil {
		return nil, err
	}

	values := []any{}
	br := bytes.NewReader(data)
	for br.Len() > 0 {
		value, err := readFieldValue(br)
		if err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, nil
}

func writeFieldValue(w *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case nil:
		return w.WriteByte('V')
	case bool:
		w.WriteByte('t')
		if v {
			return w.WriteByte(1)
		}
		return w.WriteByte(0)
	case int8:
		return writeTagged(w, 'b', v)
	case uint8:
		return writeTagged(w, 'B', v)
	case int16:
		return writeTagged(w, 's', v)
	case uint16:
		return writeTagged(w, 'u', v)
	case int32:
		return writeTagged(w, 'I', v)
	case uint32:
		return writeTagged(w, 'i', v)
	case int64:
		return writeTagged(w, 'l', v)
	case int:
		return writeTagged(w, 'l', int64(v))
	case float32:
		return writeTagged(w, 'f', v)
	case float64:
		return writeTagged(w, 'd', v)
	case string:
		w.WriteByte('S')
		return WriteLongString(w, []byte(v))
	case []byte:
		w.WriteByte('x')
		return WriteLongString(w, v)
	case time.Time:
		return writeTagged(w, 'T', v.Unix())
	case Table:
		w.WriteByte('F')
		return WriteTable(w, v)
	case map[string]any:
		w.WriteByte('F')
		return WriteTable(w, Table(v))
	case []any:
		w.WriteByte('A')
		var inner bytes.Buffer
		for _, item := range v {
			if err := writeFieldValue(&inner, item); err != nil {
				return err
			}
		}
		return WriteLongString(w, inner.Bytes())
	default:
		return fmt.Errorf("unsupported field value type: %T", value)
	}
}

func writeTagged(w *bytes.Buffer, tag byte, v any) error {
	w.WriteByte(tag)
	return binary.Write(w, binary.BigEndian, v)
}
