package amqp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// ErrShortBuffer is returned when an argument payload ends mid-field.
var ErrShortBuffer = errors.New("short buffer")

// encode helpers
func encodeShort(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}
func encodeLong(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}
func encodeLongLong(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
func encodeLongStr(s string) []byte {
	b := make([]byte, 4+len(s))
	binary.BigEndian.PutUint32(b[0:4], uint32(len(s)))
	copy(b[4:], []byte(s))
	return b
}

// shortstr: 1-byte length + bytes
func encodeShortStr(s string) []byte {
	if len(s) > 255 {
		s = s[:255]
	}
	b := make([]byte, 1+len(s))
	b[0] = byte(len(s))
	copy(b[1:], []byte(s))
	return b
}

// reader walks an argument payload. Every accessor fails with
// ErrShortBuffer instead of panicking on truncated input.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) need(n int) error {
	if n < 0 || r.pos+n > len(r.buf) {
		return fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortBuffer, n, r.pos, len(r.buf)-r.pos)
	}
	return nil
}

func (r *reader) octet() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) short() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) long() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) longlong() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	v := r.buf[r.pos : r.pos+n]
	r.pos += n
	return v, nil
}

func (r *reader) shortstr() (string, error) {
	l, err := r.octet()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(l))
	return string(b), err
}

func (r *reader) longstr() ([]byte, error) {
	l, err := r.long()
	if err != nil {
		return nil, err
	}
	return r.bytes(int(l))
}

func (r *reader) table() (amqp091.Table, error) {
	raw, err := r.longstr()
	if err != nil {
		return nil, err
	}
	nested := &reader{buf: raw}
	table := amqp091.Table{}
	for nested.pos < len(nested.buf) {
		key, err := nested.shortstr()
		if err != nil {
			return nil, err
		}
		v, err := nested.field()
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		table[key] = v
	}
	return table, nil
}

func (r *reader) array() ([]interface{}, error) {
	raw, err := r.longstr()
	if err != nil {
		return nil, err
	}
	nested := &reader{buf: raw}
	arr := make([]interface{}, 0)
	for nested.pos < len(nested.buf) {
		v, err := nested.field()
		if err != nil {
			return nil, err
		}
		arr = append(arr, v)
	}
	return arr, nil
}

// field reads one type-tagged field value. The tag set follows the
// RabbitMQ flavour of the 0-9-1 grammar, as amqp091-go does.
func (r *reader) field() (interface{}, error) {
	typ, err := r.octet()
	if err != nil {
		return nil, err
	}
	switch typ {
	case 't':
		v, err := r.octet()
		return v != 0, err
	case 'b':
		v, err := r.octet()
		return int8(v), err
	case 'B':
		v, err := r.octet()
		return v, err
	case 's':
		v, err := r.short()
		return int16(v), err
	case 'u':
		v, err := r.short()
		return v, err
	case 'I':
		v, err := r.long()
		return int32(v), err
	case 'i':
		v, err := r.long()
		return v, err
	case 'l':
		v, err := r.longlong()
		return int64(v), err
	case 'f':
		v, err := r.long()
		return math.Float32frombits(v), err
	case 'd':
		v, err := r.longlong()
		return math.Float64frombits(v), err
	case 'D':
		scale, err := r.octet()
		if err != nil {
			return nil, err
		}
		v, err := r.long()
		return amqp091.Decimal{Scale: scale, Value: int32(v)}, err
	case 'S':
		v, err := r.longstr()
		return string(v), err
	case 'A':
		return r.array()
	case 'T':
		v, err := r.longlong()
		return time.Unix(int64(v), 0), err
	case 'F':
		return r.table()
	case 'x':
		v, err := r.longstr()
		if err != nil {
			return nil, err
		}
		return append([]byte(nil), v...), nil
	case 'V':
		return nil, nil
	}
	return nil, fmt.Errorf("unsupported field type %q", typ)
}

// writeField appends one type-tagged value.
func writeField(buf *bytes.Buffer, value interface{}) error {
	switch v := value.(type) {
	case bool:
		buf.WriteByte('t')
		if v {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case uint8:
		buf.WriteByte('B')
		buf.WriteByte(v)
	case int8:
		buf.WriteByte('b')
		buf.WriteByte(byte(v))
	case int16:
		buf.WriteByte('s')
		buf.Write(encodeShort(uint16(v)))
	case uint16:
		buf.WriteByte('u')
		buf.Write(encodeShort(v))
	case int32:
		buf.WriteByte('I')
		buf.Write(encodeLong(uint32(v)))
	case uint32:
		buf.WriteByte('i')
		buf.Write(encodeLong(v))
	case int:
		buf.WriteByte('l')
		buf.Write(encodeLongLong(uint64(v)))
	case int64:
		buf.WriteByte('l')
		buf.Write(encodeLongLong(uint64(v)))
	case float32:
		buf.WriteByte('f')
		buf.Write(encodeLong(math.Float32bits(v)))
	case float64:
		buf.WriteByte('d')
		buf.Write(encodeLongLong(math.Float64bits(v)))
	case amqp091.Decimal:
		buf.WriteByte('D')
		buf.WriteByte(v.Scale)
		buf.Write(encodeLong(uint32(v.Value)))
	case string:
		buf.WriteByte('S')
		buf.Write(encodeLongStr(v))
	case []interface{}:
		var sec bytes.Buffer
		for _, item := range v {
			if err := writeField(&sec, item); err != nil {
				return err
			}
		}
		buf.WriteByte('A')
		buf.Write(encodeLongStr(sec.String()))
	case time.Time:
		buf.WriteByte('T')
		buf.Write(encodeLongLong(uint64(v.Unix())))
	case amqp091.Table:
		buf.WriteByte('F')
		return writeTableTo(buf, v)
	case map[string]interface{}:
		buf.WriteByte('F')
		return writeTableTo(buf, amqp091.Table(v))
	case []byte:
		buf.WriteByte('x')
		buf.Write(encodeLongStr(string(v)))
	case nil:
		buf.WriteByte('V')
	default:
		return fmt.Errorf("unsupported field value type %T", value)
	}
	return nil
}

func writeTableTo(buf *bytes.Buffer, t amqp091.Table) error {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	// sorted for a stable wire image
	sort.Strings(keys)
	var sec bytes.Buffer
	for _, k := range keys {
		sec.Write(encodeShortStr(k))
		if err := writeField(&sec, t[k]); err != nil {
			return fmt.Errorf("field %q: %w", k, err)
		}
	}
	buf.Write(encodeLongStr(sec.String()))
	return nil
}
