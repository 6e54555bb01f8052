package broker

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/ericogr/mock-amqp-server/pkg/amqp"
	"github.com/rs/zerolog"
)

// DefaultExchange is the always-present direct exchange.
const DefaultExchange = ""

var (
	ErrExchangeNotFound     = errors.New("exchange not found")
	ErrQueueNotFound        = errors.New("queue not found")
	ErrExchangeTypeMismatch = errors.New("exchange redeclared with a different type")
	ErrNoRoute              = errors.New("no queue bound for routing key")
)

type exchange struct {
	kind string
	// routing key -> queue name, first bind wins
	bindings map[string]string
	keys     []string
	// messages injected through PublishMessage
	published []Message
}

func newExchange(kind string) *exchange {
	return &exchange{kind: kind, bindings: make(map[string]string)}
}

// boundQueues returns the distinct queues bound to the exchange in bind order.
func (e *exchange) boundQueues() []string {
	seen := make(map[string]bool, len(e.keys))
	var out []string
	for _, k := range e.keys {
		q := e.bindings[k]
		if !seen[q] {
			seen[q] = true
			out = append(out, q)
		}
	}
	return out
}

type consumer struct {
	tag     string
	channel uint16
	d       Deliverer
}

type queue struct {
	name      string
	messages  []Message
	consumers []*consumer
}

// firstLive returns the first consumer whose connection is still open and
// the tags of the dead ones it skipped.
func (q *queue) firstLive() (*consumer, []string) {
	var dead []string
	for _, c := range q.consumers {
		if c.d.Closed() {
			dead = append(dead, c.tag)
			continue
		}
		return c, dead
	}
	return nil, dead
}

func (q *queue) purge(logger zerolog.Logger, dead []string) {
	if len(dead) == 0 {
		return
	}
	drop := make(map[string]bool, len(dead))
	for _, t := range dead {
		drop[t] = true
	}
	kept := q.consumers[:0]
	for _, c := range q.consumers {
		if drop[c.tag] {
			logger.Info().Str("queue", q.name).Str("tag", c.tag).Msg("dead consumer cleaned")
			continue
		}
		kept = append(kept, c)
	}
	for i := len(kept); i < len(q.consumers); i++ {
		q.consumers[i] = nil
	}
	q.consumers = kept
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the broker logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithRetainUndelivered makes Sweep keep messages no live consumer took
// instead of dropping them.
func WithRetainUndelivered(retain bool) Option {
	return func(b *Broker) { b.retainUndelivered = retain }
}

// Broker is the in-memory routing engine shared by every connection and the
// delivery loop. One mutex guards all of its state; deliveries are pushed to
// consumers only after the mutex is released.
type Broker struct {
	mu                sync.Mutex
	exchanges         map[string]*exchange
	queues            map[string]*queue
	acked             map[uint64]struct{}
	nacked            map[uint64]struct{}
	requeued          map[uint64]struct{}
	retainUndelivered bool
	logger            zerolog.Logger
}

// New creates an empty broker holding only the default exchange.
func New(opts ...Option) *Broker {
	b := &Broker{logger: zerolog.Nop()}
	for _, o := range opts {
		o(b)
	}
	b.reset()
	return b
}

// Reset drops every exchange, queue, consumer and ack record.
func (b *Broker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset()
	b.logger.Info().Msg("broker state reset")
}

func (b *Broker) reset() {
	b.exchanges = map[string]*exchange{DefaultExchange: newExchange("direct")}
	b.queues = make(map[string]*queue)
	b.acked = make(map[uint64]struct{})
	b.nacked = make(map[uint64]struct{})
	b.requeued = make(map[uint64]struct{})
}

// DeclareExchange creates the exchange if absent. Redeclaring with another
// type fails with ErrExchangeTypeMismatch.
func (b *Broker) DeclareExchange(name, kind string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.exchanges[name]; ok {
		if e.kind != kind {
			return fmt.Errorf("%w: %q is %s, not %s", ErrExchangeTypeMismatch, name, e.kind, kind)
		}
		return nil
	}
	b.exchanges[name] = newExchange(kind)
	b.logger.Info().Str("exchange", name).Str("type", kind).Msg("exchange declared")
	return nil
}

// DeclareQueue creates the queue if absent and binds it to the default
// exchange with its own name and with the empty routing key. The counts are
// those of the queue after the call.
func (b *Broker) DeclareQueue(name string) (messageCount, consumerCount int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = &queue{name: name}
		b.queues[name] = q
		b.logger.Info().Str("queue", name).Msg("queue declared")
		def := b.exchanges[DefaultExchange]
		b.bind(def, name, name)
		b.bind(def, "", name)
	}
	return len(q.messages), len(q.consumers), nil
}

// BindQueue associates routingKey on exchange with queue. A key already bound
// keeps its first queue.
func (b *Broker) BindQueue(queueName, exchangeName, routingKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.exchanges[exchangeName]
	if !ok {
		return fmt.Errorf("%w: %q", ErrExchangeNotFound, exchangeName)
	}
	if _, ok := b.queues[queueName]; !ok {
		return fmt.Errorf("%w: %q", ErrQueueNotFound, queueName)
	}
	b.bind(e, routingKey, queueName)
	b.logger.Info().Str("queue", queueName).Str("exchange", exchangeName).Str("routing_key", routingKey).Msg("queue bound")
	return nil
}

func (b *Broker) bind(e *exchange, key, queueName string) {
	if _, ok := e.bindings[key]; ok {
		return
	}
	e.bindings[key] = queueName
	e.keys = append(e.keys, key)
}

// RegisterConsumer attaches d to queue under tag. An existing tag on that
// queue is overwritten in place.
func (b *Broker) RegisterConsumer(d Deliverer, tag, queueName string, channel uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return fmt.Errorf("%w: %q", ErrQueueNotFound, queueName)
	}
	c := &consumer{tag: tag, channel: channel, d: d}
	for i, existing := range q.consumers {
		if existing.tag == tag {
			q.consumers[i] = c
			return nil
		}
	}
	q.consumers = append(q.consumers, c)
	b.logger.Info().Str("queue", queueName).Str("tag", tag).Uint16("chan", channel).Msg("consumer registered")
	return nil
}

// CancelConsumer removes the consumer with tag from every queue.
func (b *Broker) CancelConsumer(tag string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	found := false
	for _, q := range b.queues {
		for i, c := range q.consumers {
			if c.tag == tag {
				q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
				found = true
				b.logger.Info().Str("queue", q.name).Str("tag", tag).Msg("consumer cancelled")
				break
			}
		}
	}
	return found
}

// StoreMessage appends a published message to the queue bound to routingKey
// on exchange. Delivery is left to the delivery loop.
func (b *Broker) StoreMessage(exchangeName, routingKey string, props amqp.BasicProperties, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.exchanges[exchangeName]
	if !ok {
		return fmt.Errorf("%w: %q", ErrExchangeNotFound, exchangeName)
	}
	qname, ok := e.bindings[routingKey]
	if !ok {
		return fmt.Errorf("%w: %q on %q", ErrNoRoute, routingKey, exchangeName)
	}
	q := b.queues[qname]
	q.messages = append(q.messages, Message{Exchange: exchangeName, RoutingKey: routingKey, Properties: props, Body: body})
	b.logger.Debug().Str("exchange", exchangeName).Str("routing_key", routingKey).Str("queue", qname).Int("size", len(body)).Msg("message stored")
	return nil
}

type pending struct {
	c *consumer
	d Delivery
}

// PublishMessage pushes a message to every queue bound to exchange. Each
// queue hands it to its first live consumer; queues without one keep it for
// the delivery loop. ok reports whether at least one consumer got it.
func (b *Broker) PublishMessage(exchangeName string, props amqp.BasicProperties, body []byte, base64 bool) (tag uint64, ok bool) {
	b.mu.Lock()
	e, found := b.exchanges[exchangeName]
	if !found {
		b.mu.Unlock()
		b.logger.Warn().Str("exchange", exchangeName).Msg("publish to unknown exchange")
		return 0, false
	}
	msg := Message{Exchange: exchangeName, Properties: props, Body: body, Base64: base64}
	e.published = append(e.published, msg)
	tag = randomTag()
	var out []pending
	for _, qname := range e.boundQueues() {
		if p, delivered := b.offer(b.queues[qname], msg, tag); delivered {
			out = append(out, p)
		}
	}
	b.mu.Unlock()
	b.logger.Info().Str("exchange", exchangeName).Int("deliveries", len(out)).Msg("message published")
	return tag, b.push(out)
}

// PublishToQueue is PublishMessage aimed at a single queue through the
// default exchange.
func (b *Broker) PublishToQueue(queueName string, props amqp.BasicProperties, body []byte, base64 bool) (tag uint64, ok bool) {
	b.mu.Lock()
	q, found := b.queues[queueName]
	if !found {
		b.mu.Unlock()
		b.logger.Warn().Str("queue", queueName).Msg("publish to unknown queue")
		return 0, false
	}
	tag = randomTag()
	msg := Message{Exchange: DefaultExchange, RoutingKey: queueName, Properties: props, Body: body, Base64: base64}
	p, delivered := b.offer(q, msg, tag)
	b.mu.Unlock()
	if !delivered {
		return tag, false
	}
	return tag, b.push([]pending{p})
}

// offer selects the first live consumer of q for msg, or queues msg when
// there is none. Callers hold b.mu.
func (b *Broker) offer(q *queue, msg Message, tag uint64) (pending, bool) {
	c, dead := q.firstLive()
	q.purge(b.logger, dead)
	if c == nil {
		q.messages = append(q.messages, msg)
		return pending{}, false
	}
	if msg.RoutingKey == "" {
		msg.RoutingKey = q.name
	}
	return pending{c: c, d: Delivery{
		ConsumerTag: c.tag,
		DeliveryTag: tag,
		Exchange:    msg.Exchange,
		RoutingKey:  msg.RoutingKey,
		Properties:  msg.Properties,
		Body:        msg.Body,
	}}, true
}

// push hands deliveries to their consumers. It must run without b.mu held.
func (b *Broker) push(out []pending) bool {
	ok := false
	for _, p := range out {
		if err := p.c.d.Deliver(p.c.channel, p.d); err != nil {
			b.logger.Warn().Err(err).Str("tag", p.c.tag).Uint64("delivery_tag", p.d.DeliveryTag).Msg("delivery failed")
			continue
		}
		ok = true
	}
	return ok
}

// randomTag returns a delivery tag in [1, 2^31].
func randomTag() uint64 {
	return rand.Uint64N(1<<31) + 1
}

// PopMessages removes and returns up to n messages from the head of queue.
func (b *Broker) PopMessages(queueName string, n int) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrQueueNotFound, queueName)
	}
	if n > len(q.messages) {
		n = len(q.messages)
	}
	if n <= 0 {
		return nil, nil
	}
	out := make([]Message, n)
	copy(out, q.messages[:n])
	q.messages = q.messages[n:]
	return out, nil
}

// MessageAck records tag as acknowledged.
func (b *Broker) MessageAck(tag uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked[tag] = struct{}{}
}

// MessageNack records tag as requeued or not acknowledged. Nothing is put
// back on a queue.
func (b *Broker) MessageNack(tag uint64, requeue bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if requeue {
		b.requeued[tag] = struct{}{}
		return
	}
	b.nacked[tag] = struct{}{}
}

// MessageReject has the bookkeeping of MessageNack.
func (b *Broker) MessageReject(tag uint64, requeue bool) {
	b.MessageNack(tag, requeue)
}

// Acknowledged reports whether tag was acked.
func (b *Broker) Acknowledged(tag uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.acked[tag]
	return ok
}

// NotAcknowledged reports whether tag was nacked or rejected without requeue.
func (b *Broker) NotAcknowledged(tag uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.nacked[tag]
	return ok
}

// Requeued reports whether tag was nacked or rejected with requeue.
func (b *Broker) Requeued(tag uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.requeued[tag]
	return ok
}
