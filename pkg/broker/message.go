package broker

import (
	"encoding/base64"
	"encoding/json"
	"unicode/utf8"

	"github.com/ericogr/mock-amqp-server/pkg/amqp"
)

// Message is a stored message.
type Message struct {
	Exchange   string
	RoutingKey string
	Properties amqp.BasicProperties
	Body       []byte
	// Base64 marks a binary payload; snapshots render it base64 encoded.
	Base64 bool
}

type messageJSON struct {
	Exchange   string               `json:"exchange"`
	RoutingKey string               `json:"routing_key"`
	Properties amqp.BasicProperties `json:"properties"`
	Body       string               `json:"body"`
	Base64     bool                 `json:"base64"`
}

// MarshalJSON renders the body as text, or base64 for binary messages and
// for any body that is not valid UTF-8.
func (m Message) MarshalJSON() ([]byte, error) {
	encoded := m.Base64 || !utf8.Valid(m.Body)
	body := string(m.Body)
	if encoded {
		body = base64.StdEncoding.EncodeToString(m.Body)
	}
	return json.Marshal(messageJSON{
		Exchange:   m.Exchange,
		RoutingKey: m.RoutingKey,
		Properties: m.Properties,
		Body:       body,
		Base64:     encoded,
	})
}

// Delivery is what a consumer receives for one message.
type Delivery struct {
	ConsumerTag string
	DeliveryTag uint64
	Exchange    string
	RoutingKey  string
	Properties  amqp.BasicProperties
	Body        []byte
}

// Deliverer is a non-owning handle on a consumer's connection. The broker
// only checks liveness and pushes deliveries through it.
type Deliverer interface {
	Closed() bool
	Deliver(channel uint16, d Delivery) error
}
