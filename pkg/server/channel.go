package server

import (
	"errors"
	"fmt"

	"github.com/ericogr/mock-amqp-server/pkg/amqp"
	"github.com/ericogr/mock-amqp-server/pkg/broker"
	"github.com/google/uuid"
)

type chanState int

const (
	chanWaitingOpen chanState = iota
	chanOpened
	chanWaitingHeader
	chanWaitingBody
)

func (s chanState) String() string {
	switch s {
	case chanWaitingOpen:
		return "waiting-open"
	case chanOpened:
		return "opened"
	case chanWaitingHeader:
		return "waiting-header"
	case chanWaitingBody:
		return "waiting-body"
	}
	return fmt.Sprintf("chan-state(%d)", int(s))
}

type chanHandler func(ch *channel, m amqp.Method) error

type chanKey struct {
	state  chanState
	method uint32
}

var chanTransitions = map[chanKey]chanHandler{
	{chanWaitingOpen, amqp.ChannelOpen}: (*channel).onOpen,

	{chanOpened, amqp.ExchangeDeclare}: (*channel).onExchangeDeclare,
	{chanOpened, amqp.QueueDeclare}:    (*channel).onQueueDeclare,
	{chanOpened, amqp.QueueBind}:       (*channel).onQueueBind,
	{chanOpened, amqp.BasicQos}:        (*channel).onBasicQos,
	{chanOpened, amqp.ConfirmSelect}:   (*channel).onConfirmSelect,
	{chanOpened, amqp.BasicPublish}:    (*channel).onBasicPublish,
	{chanOpened, amqp.BasicConsume}:    (*channel).onBasicConsume,
	{chanOpened, amqp.BasicAck}:        (*channel).onBasicAck,
	{chanOpened, amqp.BasicNack}:       (*channel).onBasicNack,
	{chanOpened, amqp.BasicReject}:     (*channel).onBasicReject,
	{chanOpened, amqp.BasicCancel}:     (*channel).onBasicCancel,
}

// channel tracks one client channel of a connection.
type channel struct {
	id    uint16
	conn  *connection
	state chanState

	// in-flight publish
	exchange   string
	routingKey string
	header     amqp.ContentHeader
	body       []byte

	confirming bool
	publishSeq uint64
	consumers  []string
}

func newChannel(c *connection, id uint16) *channel {
	return &channel{id: id, conn: c, state: chanWaitingOpen}
}

func (ch *channel) handle(f amqp.Frame) error {
	var m amqp.Method
	if f.Type == amqp.FrameMethod {
		var err error
		if m, err = amqp.DecodeMethod(f.Payload); err != nil {
			return decodeError(m, err)
		}
		ch.conn.logger.Debug().Uint16("chan", ch.id).Str("method", m.Name).Str("state", ch.state.String()).Msg("recv method")
		if m.ID == amqp.ChannelClose {
			return ch.onClose(m)
		}
	}

	switch ch.state {
	case chanWaitingHeader:
		if f.Type != amqp.FrameHeader {
			ch.conn.logger.Debug().Uint16("chan", ch.id).Stringer("type", f.Type).Msg("ignoring frame while waiting for content header")
			return nil
		}
		return ch.onHeader(f)
	case chanWaitingBody:
		if f.Type != amqp.FrameBody {
			ch.conn.logger.Debug().Uint16("chan", ch.id).Stringer("type", f.Type).Msg("ignoring frame while waiting for content body")
			return nil
		}
		return ch.onBody(f)
	}

	if f.Type != amqp.FrameMethod {
		return amqp.NewError(amqp.UnexpectedFrame, fmt.Sprintf("UNEXPECTED_FRAME - %s frame on channel %d", f.Type, ch.id), 0, nil)
	}
	h, ok := chanTransitions[chanKey{ch.state, m.ID}]
	if !ok {
		if ch.state == chanWaitingOpen {
			return amqp.NewError(amqp.ChannelError, fmt.Sprintf("CHANNEL_ERROR - expected channel.open on channel %d, got %s", ch.id, m.Name), m.ID, nil)
		}
		return amqp.NewError(amqp.NotImplemented, fmt.Sprintf("NOT_IMPLEMENTED - %s", m.Name), m.ID, nil)
	}
	return h(ch, m)
}

func (ch *channel) reply(id uint32, fields amqp.Fields) error {
	return ch.conn.sendMethod(ch.id, id, fields)
}

// replyUnlessNoWait sends the reply only when the request did not set no-wait.
func (ch *channel) replyUnlessNoWait(m amqp.Method, id uint32, fields amqp.Fields) error {
	if m.Fields.Bool("no-wait") {
		return nil
	}
	return ch.reply(id, fields)
}

// brokerError maps a broker failure to the reply code sent in
// connection.close.
func brokerError(err error, m amqp.Method) *amqp.Error {
	if errors.Is(err, broker.ErrExchangeTypeMismatch) {
		return amqp.NewError(amqp.PreconditionFailed, "PRECONDITION_FAILED - "+err.Error(), m.ID, err)
	}
	return amqp.NewError(amqp.NotFound, "NOT_FOUND - "+err.Error(), m.ID, err)
}

func (ch *channel) onOpen(m amqp.Method) error {
	if err := ch.reply(amqp.ChannelOpenOk, nil); err != nil {
		return err
	}
	ch.state = chanOpened
	return nil
}

func (ch *channel) onClose(m amqp.Method) error {
	ch.conn.logger.Info().Uint16("chan", ch.id).Uint16("reply_code", m.Fields.Uint16("reply-code")).Str("reply_text", m.Fields.String("reply-text")).Msg("channel.close")
	if err := ch.reply(amqp.ChannelCloseOk, nil); err != nil {
		return err
	}
	for _, tag := range ch.consumers {
		ch.conn.srv.broker.CancelConsumer(tag)
	}
	delete(ch.conn.channels, ch.id)
	if ch.conn.srv.cfg.CloseConnectionOnChannelClose {
		return errConnectionClosed
	}
	return nil
}

func (ch *channel) onExchangeDeclare(m amqp.Method) error {
	name, kind := m.Fields.String("exchange-name"), m.Fields.String("type")
	ch.logArguments(m)
	if err := ch.conn.srv.broker.DeclareExchange(name, kind); err != nil {
		return brokerError(err, m)
	}
	return ch.replyUnlessNoWait(m, amqp.ExchangeDeclareOk, nil)
}

func (ch *channel) onQueueDeclare(m amqp.Method) error {
	name := m.Fields.String("queue-name")
	if name == "" {
		name = "amq.gen-" + uuid.NewString()
	}
	ch.logArguments(m)
	messages, consumers, err := ch.conn.srv.broker.DeclareQueue(name)
	if err != nil {
		return brokerError(err, m)
	}
	return ch.replyUnlessNoWait(m, amqp.QueueDeclareOk, amqp.Fields{
		"queue-name":     name,
		"message-count":  uint32(messages),
		"consumer-count": uint32(consumers),
	})
}

func (ch *channel) onQueueBind(m amqp.Method) error {
	ch.logArguments(m)
	err := ch.conn.srv.broker.BindQueue(m.Fields.String("queue-name"), m.Fields.String("exchange-name"), m.Fields.String("routing-key"))
	if err != nil {
		return brokerError(err, m)
	}
	return ch.replyUnlessNoWait(m, amqp.QueueBindOk, nil)
}

// logArguments records the optional arguments table of a declare, bind or
// consume. None of them change broker behaviour.
func (ch *channel) logArguments(m amqp.Method) {
	args := m.Fields.Table("arguments")
	if len(args) == 0 {
		return
	}
	ch.conn.logger.Debug().Uint16("chan", ch.id).Str("method", m.Name).Interface("arguments", args).Msg("arguments ignored")
}

// basic.qos is acknowledged but prefetch is not enforced.
func (ch *channel) onBasicQos(m amqp.Method) error {
	return ch.reply(amqp.BasicQosOk, nil)
}

func (ch *channel) onConfirmSelect(m amqp.Method) error {
	ch.confirming = true
	return ch.replyUnlessNoWait(m, amqp.ConfirmSelectOk, nil)
}

func (ch *channel) onBasicPublish(m amqp.Method) error {
	ch.exchange = m.Fields.String("exchange-name")
	ch.routingKey = m.Fields.String("routing-key")
	ch.state = chanWaitingHeader
	return nil
}

func (ch *channel) onHeader(f amqp.Frame) error {
	h, err := f.ContentHeader()
	if err != nil {
		return amqp.NewError(amqp.FrameError, "FRAME_ERROR - "+err.Error(), amqp.BasicPublish, err)
	}
	ch.header = h
	ch.body = make([]byte, 0, min(h.BodySize, uint64(ch.conn.frameMax)))
	if h.BodySize == 0 {
		return ch.completeMessage()
	}
	ch.state = chanWaitingBody
	return nil
}

func (ch *channel) onBody(f amqp.Frame) error {
	ch.body = append(ch.body, f.Payload...)
	switch size := uint64(len(ch.body)); {
	case size > ch.header.BodySize:
		return amqp.NewError(amqp.FrameError,
			fmt.Sprintf("FRAME_ERROR - body of %d bytes exceeds declared size %d", size, ch.header.BodySize), amqp.BasicPublish, nil)
	case size == ch.header.BodySize:
		return ch.completeMessage()
	}
	return nil
}

func (ch *channel) completeMessage() error {
	b := ch.conn.srv.broker
	if err := b.StoreMessage(ch.exchange, ch.routingKey, ch.header.Properties, ch.body); err != nil {
		return brokerError(err, amqp.Method{ID: amqp.BasicPublish})
	}
	ch.conn.logger.Debug().Uint16("chan", ch.id).Str("exchange", ch.exchange).Str("routing_key", ch.routingKey).Int("size", len(ch.body)).Msg("message published")
	ch.state = chanOpened
	ch.body = nil
	if !ch.confirming {
		return nil
	}
	ch.publishSeq++
	return ch.reply(amqp.BasicAck, amqp.Fields{"delivery-tag": ch.publishSeq, "multiple": false})
}

func (ch *channel) onBasicConsume(m amqp.Method) error {
	tag := m.Fields.String("consumer-tag")
	if tag == "" {
		tag = "amq.ctag-" + uuid.NewString()
	}
	queue := m.Fields.String("queue-name")
	ch.logArguments(m)
	c := ch.conn
	// consume-ok must reach the client before the first delivery for tag
	return c.withWriteLock(func() error {
		if err := c.srv.broker.RegisterConsumer(c, tag, queue, ch.id); err != nil {
			return brokerError(err, m)
		}
		ch.consumers = append(ch.consumers, tag)
		c.logger.Info().Uint16("chan", ch.id).Str("queue", queue).Str("tag", tag).Msg("basic.consume")
		if m.Fields.Bool("no-wait") {
			return nil
		}
		f, err := amqp.MethodFrame(ch.id, amqp.BasicConsumeOk, amqp.Fields{"consumer-tag": tag})
		if err != nil {
			return err
		}
		return c.sendLocked(f)
	})
}

func (ch *channel) onBasicCancel(m amqp.Method) error {
	tag := m.Fields.String("consumer-tag")
	if !ch.conn.srv.broker.CancelConsumer(tag) {
		ch.conn.logger.Debug().Uint16("chan", ch.id).Str("tag", tag).Msg("cancel for unknown consumer")
	}
	for i, t := range ch.consumers {
		if t == tag {
			ch.consumers = append(ch.consumers[:i], ch.consumers[i+1:]...)
			break
		}
	}
	return ch.replyUnlessNoWait(m, amqp.BasicCancelOk, amqp.Fields{"consumer-tag": tag})
}

func (ch *channel) onBasicAck(m amqp.Method) error {
	ch.conn.srv.broker.MessageAck(m.Fields.Uint64("delivery-tag"))
	return nil
}

func (ch *channel) onBasicNack(m amqp.Method) error {
	ch.conn.srv.broker.MessageNack(m.Fields.Uint64("delivery-tag"), m.Fields.Bool("requeue"))
	return nil
}

func (ch *channel) onBasicReject(m amqp.Method) error {
	ch.conn.srv.broker.MessageReject(m.Fields.Uint64("delivery-tag"), m.Fields.Bool("requeue"))
	return nil
}
