package amqp

import (
	"fmt"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// BasicProperties represents parsed content header properties from a content header frame.
type BasicProperties struct {
	ContentType     string        `json:"content_type,omitempty"`
	ContentEncoding string        `json:"content_encoding,omitempty"`
	Headers         amqp091.Table `json:"headers,omitempty"`
	DeliveryMode    uint8         `json:"delivery_mode,omitempty"`
	Priority        uint8         `json:"priority,omitempty"`
	CorrelationId   string        `json:"correlation_id,omitempty"`
	ReplyTo         string        `json:"reply_to,omitempty"`
	Expiration      string        `json:"expiration,omitempty"`
	MessageId       string        `json:"message_id,omitempty"`
	Timestamp       time.Time     `json:"timestamp,omitzero"`
	Type            string        `json:"type,omitempty"`
	UserId          string        `json:"user_id,omitempty"`
	AppId           string        `json:"app_id,omitempty"`
	ClusterId       string        `json:"cluster_id,omitempty"`
	Raw             []byte        `json:"-"` // raw property bytes as received
}

// property order matches the flag bits from bit 15 downwards.
var basicProperties = []struct {
	name string
	code string
	get  func(p *BasicProperties) (interface{}, bool)
	set  func(p *BasicProperties, v interface{})
}{
	{"content-type", "s",
		func(p *BasicProperties) (interface{}, bool) { return p.ContentType, p.ContentType != "" },
		func(p *BasicProperties, v interface{}) { p.ContentType = v.(string) }},
	{"content-encoding", "s",
		func(p *BasicProperties) (interface{}, bool) { return p.ContentEncoding, p.ContentEncoding != "" },
		func(p *BasicProperties, v interface{}) { p.ContentEncoding = v.(string) }},
	{"headers", "F",
		func(p *BasicProperties) (interface{}, bool) { return p.Headers, p.Headers != nil },
		func(p *BasicProperties, v interface{}) { p.Headers = v.(amqp091.Table) }},
	{"delivery-mode", "o",
		func(p *BasicProperties) (interface{}, bool) { return p.DeliveryMode, p.DeliveryMode != 0 },
		func(p *BasicProperties, v interface{}) { p.DeliveryMode = v.(uint8) }},
	{"priority", "o",
		func(p *BasicProperties) (interface{}, bool) { return p.Priority, p.Priority != 0 },
		func(p *BasicProperties, v interface{}) { p.Priority = v.(uint8) }},
	{"correlation-id", "s",
		func(p *BasicProperties) (interface{}, bool) { return p.CorrelationId, p.CorrelationId != "" },
		func(p *BasicProperties, v interface{}) { p.CorrelationId = v.(string) }},
	{"reply-to", "s",
		func(p *BasicProperties) (interface{}, bool) { return p.ReplyTo, p.ReplyTo != "" },
		func(p *BasicProperties, v interface{}) { p.ReplyTo = v.(string) }},
	{"expiration", "s",
		func(p *BasicProperties) (interface{}, bool) { return p.Expiration, p.Expiration != "" },
		func(p *BasicProperties, v interface{}) { p.Expiration = v.(string) }},
	{"message-id", "s",
		func(p *BasicProperties) (interface{}, bool) { return p.MessageId, p.MessageId != "" },
		func(p *BasicProperties, v interface{}) { p.MessageId = v.(string) }},
	{"timestamp", "t",
		func(p *BasicProperties) (interface{}, bool) { return p.Timestamp, !p.Timestamp.IsZero() },
		func(p *BasicProperties, v interface{}) { p.Timestamp = v.(time.Time) }},
	{"type", "s",
		func(p *BasicProperties) (interface{}, bool) { return p.Type, p.Type != "" },
		func(p *BasicProperties, v interface{}) { p.Type = v.(string) }},
	{"user-id", "s",
		func(p *BasicProperties) (interface{}, bool) { return p.UserId, p.UserId != "" },
		func(p *BasicProperties, v interface{}) { p.UserId = v.(string) }},
	{"app-id", "s",
		func(p *BasicProperties) (interface{}, bool) { return p.AppId, p.AppId != "" },
		func(p *BasicProperties, v interface{}) { p.AppId = v.(string) }},
	{"cluster-id", "s",
		func(p *BasicProperties) (interface{}, bool) { return p.ClusterId, p.ClusterId != "" },
		func(p *BasicProperties, v interface{}) { p.ClusterId = v.(string) }},
}

// decodeProperties reads the property list announced by flags. raw starts
// right after the first flag word.
func decodeProperties(flags uint16, raw []byte) (BasicProperties, error) {
	props := BasicProperties{Raw: raw}
	// continuation flag words carry no properties in 0-9-1 basic; skip them
	pos := 0
	for fw := flags; fw&1 == 1; {
		if pos+2 > len(raw) {
			return props, fmt.Errorf("truncated property flags: %w", ErrShortBuffer)
		}
		fw = uint16(raw[pos])<<8 | uint16(raw[pos+1])
		pos += 2
	}
	for i, p := range basicProperties {
		if flags&(1<<uint(15-i)) == 0 {
			continue
		}
		values, n, err := Loads(p.code, raw[pos:])
		if err != nil {
			return props, fmt.Errorf("property %s: %w", p.name, err)
		}
		p.set(&props, values[0])
		pos += n
	}
	return props, nil
}

// encodeProperties returns the flag word and the property list for props.
// Zero-valued properties are left out.
func encodeProperties(props BasicProperties) (uint16, []byte, error) {
	var (
		flags uint16
		out   []byte
	)
	for i, p := range basicProperties {
		v, present := p.get(&props)
		if !present {
			continue
		}
		b, err := Dumps(p.code, []interface{}{v})
		if err != nil {
			return 0, nil, fmt.Errorf("property %s: %w", p.name, err)
		}
		flags |= 1 << uint(15-i)
		out = append(out, b...)
	}
	return flags, out, nil
}
