package server

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ericogr/mock-amqp-server/pkg/amqp"
	"github.com/ericogr/mock-amqp-server/pkg/broker"
	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

type connState int

const (
	stateWaitingProtocolHeader connState = iota
	stateWaitingStartOK
	stateWaitingTuneOK
	stateWaitingOpen
	stateOpened
)

func (s connState) String() string {
	switch s {
	case stateWaitingProtocolHeader:
		return "waiting-protocol-header"
	case stateWaitingStartOK:
		return "waiting-start-ok"
	case stateWaitingTuneOK:
		return "waiting-tune-ok"
	case stateWaitingOpen:
		return "waiting-open"
	case stateOpened:
		return "opened"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	// errConnectionClosed ends the read loop after a close handshake.
	errConnectionClosed = errors.New("connection closed")
	errProtocolHeader   = errors.New("invalid protocol header")
	errSlowConsumer     = errors.New("delivery queue full")
)

const (
	readBufferSize = 64 * 1024
	closeOkTimeout = 5 * time.Second
	writeTimeout   = 10 * time.Second

	// deliveries waiting for the writer goroutine, per connection
	outboxSize = 256
)

type connHandler func(c *connection, m amqp.Method) error

type connKey struct {
	state  connState
	method uint32
}

// connTransitions lists the channel-0 methods each state accepts. Any pair
// not listed closes the connection.
var connTransitions = map[connKey]connHandler{
	{stateWaitingStartOK, amqp.ConnectionStartOk}: (*connection).onStartOk,
	{stateWaitingTuneOK, amqp.ConnectionTuneOk}:   (*connection).onTuneOk,
	{stateWaitingOpen, amqp.ConnectionOpen}:       (*connection).onOpen,
}

// connection owns one client socket. Only its serve goroutine touches the
// receive buffer, the state and the channel table; writes from other
// goroutines (deliveries, heartbeats, shutdown) go through writeMu.
type connection struct {
	id     string
	srv    *Server
	conn   net.Conn
	logger zerolog.Logger

	state     connState
	buf       []byte
	channels  map[uint16]*channel
	heartbeat uint16
	frameMax  uint32

	writeMu sync.Mutex
	w       *bufio.Writer
	outbox  chan []amqp.Frame

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(s *Server, conn net.Conn) *connection {
	id := uuid.NewString()
	return &connection{
		id:       id,
		srv:      s,
		conn:     conn,
		logger:   s.logger.With().Str("conn", id).Str("remote", conn.RemoteAddr().String()).Logger(),
		channels: make(map[uint16]*channel),
		frameMax: s.cfg.FrameMax,
		w:        bufio.NewWriter(conn),
		outbox:   make(chan []amqp.Frame, outboxSize),
		done:     make(chan struct{}),
	}
}

// Closed reports whether the socket is gone. It satisfies broker.Deliverer.
func (c *connection) Closed() bool { return c.closed.Load() }

// Deliver queues basic.deliver, its content header and body frames for the
// writer goroutine, which sends them as one flushed unit. It never blocks:
// a client that stops reading fills its queue and further deliveries fail.
func (c *connection) Deliver(channel uint16, d broker.Delivery) error {
	if c.Closed() {
		return net.ErrClosed
	}
	frames := make([]amqp.Frame, 0, 3)
	mf, err := amqp.MethodFrame(channel, amqp.BasicDeliver, amqp.Fields{
		"consumer-tag":  d.ConsumerTag,
		"delivery-tag":  d.DeliveryTag,
		"redelivered":   false,
		"exchange-name": d.Exchange,
		"routing-key":   d.RoutingKey,
	})
	if err != nil {
		return err
	}
	hf, err := amqp.HeaderFrame(channel, uint64(len(d.Body)), d.Properties)
	if err != nil {
		return err
	}
	frames = append(frames, mf, hf)
	chunk := int(c.frameMax) - 8
	if chunk <= 0 {
		chunk = len(d.Body)
	}
	for body := d.Body; len(body) > 0; {
		n := min(chunk, len(body))
		frames = append(frames, amqp.BodyFrame(channel, body[:n]))
		body = body[n:]
	}
	select {
	case <-c.done:
		return net.ErrClosed
	case c.outbox <- frames:
		c.logger.Debug().Uint16("chan", channel).Str("tag", d.ConsumerTag).Uint64("delivery_tag", d.DeliveryTag).Int("size", len(d.Body)).Msg("basic.deliver")
		return nil
	default:
		return errSlowConsumer
	}
}

// writeLoop drains the delivery queue. A failed write drops the socket so
// the read loop tears the connection down and its consumers are reaped.
func (c *connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case frames := <-c.outbox:
			if err := c.send(frames...); err != nil {
				c.logger.Debug().Err(err).Msg("delivery write error")
				c.forceClose()
				return
			}
		}
	}
}

// send writes frames under the write mutex and flushes once.
func (c *connection) send(frames ...amqp.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sendLocked(frames...)
}

func (c *connection) sendLocked(frames ...amqp.Frame) error {
	return c.writeFrames(time.Now().Add(writeTimeout), frames...)
}

func (c *connection) writeFrames(deadline time.Time, frames ...amqp.Frame) error {
	_ = c.conn.SetWriteDeadline(deadline)
	for _, f := range frames {
		if err := amqp.WriteFrame(c.w, f); err != nil {
			return err
		}
	}
	return c.w.Flush()
}

func (c *connection) sendMethod(channel uint16, id uint32, fields amqp.Fields) error {
	f, err := amqp.MethodFrame(channel, id, fields)
	if err != nil {
		return err
	}
	c.logger.Debug().Uint16("chan", channel).Str("method", amqp.MethodName(id)).Msg("send method")
	return c.send(f)
}

// withWriteLock runs fn while holding the write mutex. fn must write with
// sendLocked.
func (c *connection) withWriteLock(fn func() error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return fn()
}

func (c *connection) serve() {
	defer c.teardown()
	c.logger.Info().Msg("connection accepted")
	go c.writeLoop()
	_ = c.conn.SetDeadline(time.Now().Add(c.srv.cfg.HandshakeTimeout))

	rb := make([]byte, readBufferSize)
	for {
		n, rerr := c.conn.Read(rb)
		if n > 0 {
			c.buf = append(c.buf, rb[:n]...)
			if err := c.process(); err != nil {
				c.fail(err)
				return
			}
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) && !errors.Is(rerr, net.ErrClosed) {
				c.logger.Debug().Err(rerr).Msg("read error")
			}
			return
		}
	}
}

// fail ends the connection after err. Protocol errors carrying a reply code
// are reported to the client with connection.close first.
func (c *connection) fail(err error) {
	var ae *amqp.Error
	switch {
	case errors.Is(err, errConnectionClosed):
		c.logger.Info().Msg("connection closed by peer")
	case errors.As(err, &ae):
		c.logger.Warn().Err(err).Str("state", c.state.String()).Msg("closing connection")
		c.closeWithError(ae)
	default:
		c.logger.Warn().Err(err).Str("state", c.state.String()).Msg("dropping connection")
	}
}

// closeWithError sends connection.close and waits a bounded time for
// close-ok so the client can read the reply code before the socket goes.
func (c *connection) closeWithError(ae *amqp.Error) {
	if err := c.sendMethod(0, amqp.ConnectionClose, ae.CloseFields()); err != nil {
		c.logger.Debug().Err(err).Msg("write connection.close failed")
		return
	}
	if err := c.awaitCloseOk(); err != nil {
		c.logger.Debug().Err(err).Msg("wait for connection.close-ok failed")
	}
}

func (c *connection) awaitCloseOk() error {
	_ = c.conn.SetReadDeadline(time.Now().Add(closeOkTimeout))
	rb := make([]byte, 4096)
	for {
		for {
			f, err := amqp.ParseFrame(c.buf)
			if errors.Is(err, amqp.ErrIncomplete) {
				break
			}
			if err != nil {
				return err
			}
			var id uint32
			if f.Type == amqp.FrameMethod && f.Channel == 0 {
				id, _ = f.MethodID()
			}
			c.consume(f.Size)
			if id == amqp.ConnectionCloseOk || id == amqp.ConnectionClose {
				return nil
			}
		}
		n, err := c.conn.Read(rb)
		c.buf = append(c.buf, rb[:n]...)
		if err != nil {
			return err
		}
	}
}

// consume drops the first n buffered bytes.
func (c *connection) consume(n int) {
	c.buf = append(c.buf[:0], c.buf[n:]...)
}

// process handles every complete frame in the receive buffer.
func (c *connection) process() error {
	for {
		if c.state == stateWaitingProtocolHeader {
			if len(c.buf) < len(amqp.ProtocolHeader) {
				return nil
			}
			if !bytes.Equal(c.buf[:len(amqp.ProtocolHeader)], amqp.ProtocolHeader) {
				return fmt.Errorf("%w: %q", errProtocolHeader, c.buf[:len(amqp.ProtocolHeader)])
			}
			c.consume(len(amqp.ProtocolHeader))
			if err := c.sendStart(); err != nil {
				return err
			}
			c.state = stateWaitingStartOK
			continue
		}

		f, err := amqp.ParseFrame(c.buf)
		if errors.Is(err, amqp.ErrIncomplete) {
			return nil
		}
		if err != nil {
			return err
		}
		// the payload must outlive the buffer compaction below
		f.Payload = bytes.Clone(f.Payload)
		c.consume(f.Size)
		if err := c.handleFrame(f); err != nil {
			return err
		}
	}
}

func (c *connection) handleFrame(f amqp.Frame) error {
	if f.Type == amqp.FrameHeartbeat {
		return c.send(amqp.HeartbeatFrame())
	}
	if f.Channel != 0 {
		return c.channel(f.Channel).handle(f)
	}
	if f.Type != amqp.FrameMethod {
		return amqp.NewError(amqp.UnexpectedFrame, fmt.Sprintf("UNEXPECTED_FRAME - %s frame on channel 0", f.Type), 0, nil)
	}
	m, err := amqp.DecodeMethod(f.Payload)
	if err != nil {
		return decodeError(m, err)
	}
	c.logger.Debug().Uint16("chan", 0).Str("method", m.Name).Str("state", c.state.String()).Msg("recv method")

	switch m.ID {
	case amqp.ConnectionClose:
		c.logger.Info().Uint16("reply_code", m.Fields.Uint16("reply-code")).Str("reply_text", m.Fields.String("reply-text")).Msg("connection.close")
		if err := c.sendMethod(0, amqp.ConnectionCloseOk, nil); err != nil {
			return err
		}
		return errConnectionClosed
	case amqp.ConnectionCloseOk:
		return errConnectionClosed
	}

	h, ok := connTransitions[connKey{c.state, m.ID}]
	if !ok {
		return amqp.NewError(amqp.CommandInvalid, fmt.Sprintf("COMMAND_INVALID - %s not allowed in state %s", m.Name, c.state), m.ID, nil)
	}
	return h(c, m)
}

func decodeError(m amqp.Method, err error) *amqp.Error {
	if errors.Is(err, amqp.ErrUnknownMethod) {
		return amqp.NewError(amqp.NotImplemented, "NOT_IMPLEMENTED - "+m.Name, m.ID, err)
	}
	return amqp.NewError(amqp.SyntaxError, "SYNTAX_ERROR - "+err.Error(), m.ID, err)
}

// channel returns the channel record for id, creating it on first use.
func (c *connection) channel(id uint16) *channel {
	ch, ok := c.channels[id]
	if !ok {
		c.logger.Info().Uint16("chan", id).Msg("new channel")
		ch = newChannel(c, id)
		c.channels[id] = ch
	}
	return ch
}

func (c *connection) sendStart() error {
	return c.sendMethod(0, amqp.ConnectionStart, amqp.Fields{
		"version-major": uint8(0),
		"version-minor": uint8(9),
		"server-properties": amqp091.Table{
			"product":  "mock-amqp-server",
			"platform": "Go",
			"capabilities": amqp091.Table{
				"publisher_confirms":         true,
				"basic.nack":                 true,
				"consumer_cancel_notify":     false,
				"exchange_exchange_bindings": false,
			},
		},
		"mechanisms": "PLAIN AMQPLAIN",
		"locales":    "en_US",
	})
}

func (c *connection) onStartOk(m amqp.Method) error {
	mechanism := m.Fields.String("mechanism")
	user, pass, err := amqp.ParseAuthResponse(mechanism, []byte(m.Fields.String("response")))
	if err != nil {
		return amqp.NewError(amqp.AccessRefused, "ACCESS_REFUSED - "+err.Error(), m.ID, err)
	}
	if !c.srv.auth.CheckCredentials(user, pass) {
		return amqp.NewError(amqp.AccessRefused,
			fmt.Sprintf("ACCESS_REFUSED - Login was refused using authentication mechanism %s", mechanism), m.ID, nil)
	}
	c.logger.Info().Str("user", user).Str("mechanism", mechanism).Msg("login accepted")
	if err := c.sendMethod(0, amqp.ConnectionTune, amqp.Fields{
		"channel-max": c.srv.cfg.ChannelMax,
		"frame-max":   c.srv.cfg.FrameMax,
		"heartbeat":   c.srv.cfg.Heartbeat,
	}); err != nil {
		return err
	}
	c.state = stateWaitingTuneOK
	return nil
}

// negotiate picks the smaller of two limits where zero means "no limit".
func negotiate[T uint16 | uint32](server, client T) T {
	switch {
	case server == 0:
		return client
	case client == 0:
		return server
	}
	return min(server, client)
}

func (c *connection) onTuneOk(m amqp.Method) error {
	c.heartbeat = negotiate(c.srv.cfg.Heartbeat, m.Fields.Uint16("heartbeat"))
	c.frameMax = negotiate(c.srv.cfg.FrameMax, m.Fields.Uint32("frame-max"))
	c.logger.Debug().Uint16("heartbeat", c.heartbeat).Uint32("frame_max", c.frameMax).Msg("connection tuned")
	c.state = stateWaitingOpen
	return nil
}

func (c *connection) onOpen(m amqp.Method) error {
	if err := c.sendMethod(0, amqp.ConnectionOpenOk, nil); err != nil {
		return err
	}
	c.state = stateOpened
	_ = c.conn.SetDeadline(time.Time{})
	c.logger.Info().Str("vhost", m.Fields.String("virtual-host")).Msg("connection opened")
	if c.heartbeat > 0 {
		go c.heartbeatLoop(time.Duration(c.heartbeat) * time.Second)
	}
	return nil
}

func (c *connection) heartbeatLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if err := c.send(amqp.HeartbeatFrame()); err != nil {
				c.logger.Debug().Err(err).Msg("heartbeat write error")
				return
			}
		}
	}
}

// shutdown asks the client to close the connection. The write gives up at
// deadline and the socket is dropped instead.
func (c *connection) shutdown(deadline time.Time) {
	if c.Closed() {
		return
	}
	f, err := amqp.MethodFrame(0, amqp.ConnectionClose, amqp.NewError(amqp.ConnectionForced, "CONNECTION_FORCED - server shutdown", 0, nil).CloseFields())
	if err == nil {
		c.writeMu.Lock()
		err = c.writeFrames(deadline, f)
		c.writeMu.Unlock()
	}
	if err != nil {
		c.logger.Debug().Err(err).Msg("write shutdown connection.close failed")
		c.forceClose()
	}
}

func (c *connection) forceClose() {
	c.closed.Store(true)
	_ = c.conn.Close()
}

func (c *connection) teardown() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		_ = c.conn.Close()
		c.logger.Info().Int("channels", len(c.channels)).Msg("connection closed")
	})
}
