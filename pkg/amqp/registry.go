package amqp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Method ids combine the class id (high 16 bits) and the method index.
const (
	ConnectionStart   uint32 = classConnection<<16 | 10
	ConnectionStartOk uint32 = classConnection<<16 | 11
	ConnectionTune    uint32 = classConnection<<16 | 30
	ConnectionTuneOk  uint32 = classConnection<<16 | 31
	ConnectionOpen    uint32 = classConnection<<16 | 40
	ConnectionOpenOk  uint32 = classConnection<<16 | 41
	ConnectionClose   uint32 = classConnection<<16 | 50
	ConnectionCloseOk uint32 = classConnection<<16 | 51

	ChannelOpen    uint32 = classChannel<<16 | 10
	ChannelOpenOk  uint32 = classChannel<<16 | 11
	ChannelClose   uint32 = classChannel<<16 | 40
	ChannelCloseOk uint32 = classChannel<<16 | 41

	ExchangeDeclare   uint32 = classExchange<<16 | 10
	ExchangeDeclareOk uint32 = classExchange<<16 | 11

	QueueDeclare   uint32 = classQueue<<16 | 10
	QueueDeclareOk uint32 = classQueue<<16 | 11
	QueueBind      uint32 = classQueue<<16 | 20
	QueueBindOk    uint32 = classQueue<<16 | 21

	BasicQos       uint32 = classBasic<<16 | 10
	BasicQosOk     uint32 = classBasic<<16 | 11
	BasicConsume   uint32 = classBasic<<16 | 20
	BasicConsumeOk uint32 = classBasic<<16 | 21
	BasicCancel    uint32 = classBasic<<16 | 30
	BasicCancelOk  uint32 = classBasic<<16 | 31
	BasicPublish   uint32 = classBasic<<16 | 40
	BasicDeliver   uint32 = classBasic<<16 | 60
	BasicAck       uint32 = classBasic<<16 | 80
	BasicReject    uint32 = classBasic<<16 | 90
	BasicNack      uint32 = classBasic<<16 | 120

	ConfirmSelect   uint32 = classConfirm<<16 | 10
	ConfirmSelectOk uint32 = classConfirm<<16 | 11
)

// ErrUnknownMethod is returned when a method id has no registry entry.
var ErrUnknownMethod = errors.New("unknown method")

// Type codes understood by Loads and Dumps:
//
//	o octet, b bit, h short, l long, L long-long,
//	s short string, S long string, t timestamp, F field table
type methodSpec struct {
	name      string
	signature string
	fields    []string
}

var registry = map[uint32]methodSpec{
	ConnectionStart:   {"connection.start", "ooFSS", []string{"version-major", "version-minor", "server-properties", "mechanisms", "locales"}},
	ConnectionStartOk: {"connection.start-ok", "FsSs", []string{"client-properties", "mechanism", "response", "locale"}},
	ConnectionTune:    {"connection.tune", "hlh", []string{"channel-max", "frame-max", "heartbeat"}},
	ConnectionTuneOk:  {"connection.tune-ok", "hlh", []string{"channel-max", "frame-max", "heartbeat"}},
	ConnectionOpen:    {"connection.open", "ssb", []string{"virtual-host", "capabilities", "insist"}},
	ConnectionOpenOk:  {"connection.open-ok", "s", []string{"known-hosts"}},
	ConnectionClose:   {"connection.close", "hshh", []string{"reply-code", "reply-text", "class-id", "method-id"}},
	ConnectionCloseOk: {"connection.close-ok", "", nil},

	ChannelOpen:    {"channel.open", "s", []string{"out-of-band"}},
	ChannelOpenOk:  {"channel.open-ok", "S", []string{"channel-id"}},
	ChannelClose:   {"channel.close", "hshh", []string{"reply-code", "reply-text", "class-id", "method-id"}},
	ChannelCloseOk: {"channel.close-ok", "", nil},

	ExchangeDeclare:   {"exchange.declare", "hssbbbbbF", []string{"reserved-1", "exchange-name", "type", "passive", "durable", "auto-delete", "internal", "no-wait", "arguments"}},
	ExchangeDeclareOk: {"exchange.declare-ok", "", nil},

	QueueDeclare:   {"queue.declare", "hsbbbbbF", []string{"reserved-1", "queue-name", "passive", "durable", "exclusive", "auto-delete", "no-wait", "arguments"}},
	QueueDeclareOk: {"queue.declare-ok", "sll", []string{"queue-name", "message-count", "consumer-count"}},
	QueueBind:      {"queue.bind", "hsssbF", []string{"reserved-1", "queue-name", "exchange-name", "routing-key", "no-wait", "arguments"}},
	QueueBindOk:    {"queue.bind-ok", "", nil},

	BasicQos:       {"basic.qos", "lhb", []string{"prefetch-size", "prefetch-count", "global"}},
	BasicQosOk:     {"basic.qos-ok", "", nil},
	BasicConsume:   {"basic.consume", "hssbbbbF", []string{"reserved-1", "queue-name", "consumer-tag", "no-local", "no-ack", "exclusive", "no-wait", "arguments"}},
	BasicConsumeOk: {"basic.consume-ok", "s", []string{"consumer-tag"}},
	BasicCancel:    {"basic.cancel", "sb", []string{"consumer-tag", "no-wait"}},
	BasicCancelOk:  {"basic.cancel-ok", "s", []string{"consumer-tag"}},
	BasicPublish:   {"basic.publish", "hssbb", []string{"reserved-1", "exchange-name", "routing-key", "mandatory", "immediate"}},
	BasicDeliver:   {"basic.deliver", "sLbss", []string{"consumer-tag", "delivery-tag", "redelivered", "exchange-name", "routing-key"}},
	BasicAck:       {"basic.ack", "Lb", []string{"delivery-tag", "multiple"}},
	BasicReject:    {"basic.reject", "Lb", []string{"delivery-tag", "requeue"}},
	BasicNack:      {"basic.nack", "Lbb", []string{"delivery-tag", "multiple", "requeue"}},

	ConfirmSelect:   {"confirm.select", "b", []string{"no-wait"}},
	ConfirmSelectOk: {"confirm.select-ok", "", nil},
}

// MethodName returns the dotted name of a registered method.
func MethodName(id uint32) string {
	if spec, ok := registry[id]; ok {
		return spec.name
	}
	return fmt.Sprintf("unknown(%d.%d)", id>>16, id&0xffff)
}

// Loads decodes payload following signature and returns the values plus the
// number of bytes consumed. Consecutive bits share one octet.
func Loads(signature string, payload []byte) ([]interface{}, int, error) {
	r := &reader{buf: payload}
	values := make([]interface{}, 0, len(signature))
	var bits uint8
	bit := 8
	for i := 0; i < len(signature); i++ {
		code := signature[i]
		if code != 'b' {
			bit = 8
		}
		var (
			v   interface{}
			err error
		)
		switch code {
		case 'o':
			v, err = r.octet()
		case 'b':
			if bit == 8 {
				if bits, err = r.octet(); err != nil {
					break
				}
				bit = 0
			}
			v = bits&(1<<uint(bit)) != 0
			bit++
		case 'h':
			v, err = r.short()
		case 'l':
			v, err = r.long()
		case 'L':
			v, err = r.longlong()
		case 's':
			v, err = r.shortstr()
		case 'S':
			var raw []byte
			raw, err = r.longstr()
			v = string(raw)
		case 't':
			var ts uint64
			ts, err = r.longlong()
			v = time.Unix(int64(ts), 0)
		case 'F':
			v, err = r.table()
		default:
			return nil, 0, fmt.Errorf("unknown type code %q", code)
		}
		if err != nil {
			return nil, 0, fmt.Errorf("field %d (%c): %w", i, code, err)
		}
		values = append(values, v)
	}
	return values, r.pos, nil
}

// Dumps is the inverse of Loads.
func Dumps(signature string, values []interface{}) ([]byte, error) {
	if len(values) != len(signature) {
		return nil, fmt.Errorf("signature %q expects %d values, got %d", signature, len(signature), len(values))
	}
	var buf bytes.Buffer
	var bits uint8
	bit := 0
	flush := func() {
		if bit > 0 {
			buf.WriteByte(bits)
			bits, bit = 0, 0
		}
	}
	for i := 0; i < len(signature); i++ {
		code := signature[i]
		v := values[i]
		if code != 'b' || bit == 8 {
			flush()
		}
		switch code {
		case 'o':
			n, err := toUint(v, math8)
			if err != nil {
				return nil, fmt.Errorf("field %d: %w", i, err)
			}
			buf.WriteByte(uint8(n))
		case 'b':
			b, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("field %d: bit needs bool, got %T", i, v)
			}
			if b {
				bits |= 1 << uint(bit)
			}
			bit++
		case 'h':
			n, err := toUint(v, math16)
			if err != nil {
				return nil, fmt.Errorf("field %d: %w", i, err)
			}
			buf.Write(encodeShort(uint16(n)))
		case 'l':
			n, err := toUint(v, math32)
			if err != nil {
				return nil, fmt.Errorf("field %d: %w", i, err)
			}
			buf.Write(encodeLong(uint32(n)))
		case 'L':
			n, err := toUint(v, math64)
			if err != nil {
				return nil, fmt.Errorf("field %d: %w", i, err)
			}
			buf.Write(encodeLongLong(n))
		case 's':
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("field %d: short string needs string, got %T", i, v)
			}
			if len(s) > 255 {
				return nil, fmt.Errorf("field %d: short string longer than 255 bytes", i)
			}
			buf.Write(encodeShortStr(s))
		case 'S':
			switch s := v.(type) {
			case string:
				buf.Write(encodeLongStr(s))
			case []byte:
				buf.Write(encodeLongStr(string(s)))
			default:
				return nil, fmt.Errorf("field %d: long string needs string, got %T", i, v)
			}
		case 't':
			ts, ok := v.(time.Time)
			if !ok {
				return nil, fmt.Errorf("field %d: timestamp needs time.Time, got %T", i, v)
			}
			buf.Write(encodeLongLong(uint64(ts.Unix())))
		case 'F':
			var t amqp091.Table
			switch tv := v.(type) {
			case amqp091.Table:
				t = tv
			case map[string]interface{}:
				t = amqp091.Table(tv)
			case nil:
			default:
				return nil, fmt.Errorf("field %d: table needs amqp091.Table, got %T", i, v)
			}
			if err := writeTableTo(&buf, t); err != nil {
				return nil, fmt.Errorf("field %d: %w", i, err)
			}
		default:
			return nil, fmt.Errorf("unknown type code %q", code)
		}
	}
	flush()
	return buf.Bytes(), nil
}

const (
	math8  = 1<<8 - 1
	math16 = 1<<16 - 1
	math32 = 1<<32 - 1
	math64 = 1<<64 - 1
)

func toUint(v interface{}, max uint64) (uint64, error) {
	var n uint64
	switch x := v.(type) {
	case uint8:
		n = uint64(x)
	case uint16:
		n = uint64(x)
	case uint32:
		n = uint64(x)
	case uint64:
		n = x
	case uint:
		n = uint64(x)
	case int:
		if x < 0 {
			return 0, fmt.Errorf("negative value %d", x)
		}
		n = uint64(x)
	case int32:
		if x < 0 {
			return 0, fmt.Errorf("negative value %d", x)
		}
		n = uint64(x)
	case int64:
		if x < 0 {
			return 0, fmt.Errorf("negative value %d", x)
		}
		n = uint64(x)
	default:
		return 0, fmt.Errorf("integer needed, got %T", v)
	}
	if n > max {
		return 0, fmt.Errorf("value %d overflows %d", n, max)
	}
	return n, nil
}

// zeroValue is used for fields left out of an EncodeMethod call.
func zeroValue(code byte) interface{} {
	switch code {
	case 'o':
		return uint8(0)
	case 'b':
		return false
	case 'h':
		return uint16(0)
	case 'l':
		return uint32(0)
	case 'L':
		return uint64(0)
	case 's', 'S':
		return ""
	case 't':
		return time.Unix(0, 0)
	case 'F':
		return amqp091.Table{}
	}
	return nil
}

// Fields holds decoded method arguments by their protocol names.
type Fields map[string]interface{}

// String returns a string field, or "" when absent.
func (f Fields) String(name string) string {
	s, _ := f[name].(string)
	return s
}

// Bool returns a bit field, or false when absent.
func (f Fields) Bool(name string) bool {
	b, _ := f[name].(bool)
	return b
}

// Uint16 returns a short field, or 0 when absent.
func (f Fields) Uint16(name string) uint16 {
	n, _ := toUint(f[name], math16)
	return uint16(n)
}

// Uint32 returns a long field, or 0 when absent.
func (f Fields) Uint32(name string) uint32 {
	n, _ := toUint(f[name], math32)
	return uint32(n)
}

// Uint64 returns a long-long field, or 0 when absent.
func (f Fields) Uint64(name string) uint64 {
	n, _ := toUint(f[name], math64)
	return n
}

// Table returns a field table, or nil when absent.
func (f Fields) Table(name string) amqp091.Table {
	t, _ := f[name].(amqp091.Table)
	return t
}

// Method is a decoded method frame payload.
type Method struct {
	ID     uint32
	Name   string
	Fields Fields
}

// ClassID returns the class part of the method id.
func (m Method) ClassID() uint16 { return uint16(m.ID >> 16) }

// MethodIndex returns the method part of the method id.
func (m Method) MethodIndex() uint16 { return uint16(m.ID) }

// DecodeMethod decodes a method frame payload through the registry.
func DecodeMethod(payload []byte) (Method, error) {
	if len(payload) < 4 {
		return Method{}, fmt.Errorf("method payload too short")
	}
	id := binary.BigEndian.Uint32(payload[0:4])
	spec, ok := registry[id]
	if !ok {
		return Method{ID: id, Name: MethodName(id)}, fmt.Errorf("%w: %d.%d", ErrUnknownMethod, id>>16, id&0xffff)
	}
	values, _, err := Loads(spec.signature, payload[4:])
	if err != nil {
		return Method{ID: id, Name: spec.name}, fmt.Errorf("decode %s: %w", spec.name, err)
	}
	fields := make(Fields, len(values))
	for i, v := range values {
		fields[spec.fields[i]] = v
	}
	return Method{ID: id, Name: spec.name, Fields: fields}, nil
}

// EncodeMethod encodes a registered method, class/method ids included.
// Missing fields are sent as their zero value.
func EncodeMethod(id uint32, fields Fields) ([]byte, error) {
	spec, ok := registry[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d.%d", ErrUnknownMethod, id>>16, id&0xffff)
	}
	values := make([]interface{}, len(spec.fields))
	for i, name := range spec.fields {
		v, ok := fields[name]
		if !ok {
			v = zeroValue(spec.signature[i])
		}
		values[i] = v
	}
	args, err := Dumps(spec.signature, values)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", spec.name, err)
	}
	return append(encodeLong(id), args...), nil
}
