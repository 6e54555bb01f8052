package server

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ericogr/mock-amqp-server/pkg/amqp"
	"github.com/ericogr/mock-amqp-server/pkg/auth"
	"github.com/ericogr/mock-amqp-server/pkg/broker"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// testClient drives the server over a net.Pipe, one frame at a time.
type testClient struct {
	t    *testing.T
	conn net.Conn
}

func newPipeServer(t *testing.T, cfg Config) (*broker.Broker, *testClient) {
	t.Helper()
	b := broker.New()
	s := New(cfg, b, auth.NewStore(map[string]string{"user": "password"}, zerolog.Nop()))
	sConn, cConn := net.Pipe()
	s.ServeConn(sConn)
	t.Cleanup(func() { cConn.Close() })
	return b, &testClient{t: t, conn: cConn}
}

func (c *testClient) write(frames ...amqp.Frame) {
	c.t.Helper()
	for _, f := range frames {
		if err := amqp.WriteFrame(c.conn, f); err != nil {
			c.t.Fatalf("write %s frame: %v", f.Type, err)
		}
	}
}

func (c *testClient) send(ch uint16, id uint32, fields amqp.Fields) {
	c.t.Helper()
	f, err := amqp.MethodFrame(ch, id, fields)
	if err != nil {
		c.t.Fatalf("encode %s: %v", amqp.MethodName(id), err)
	}
	c.write(f)
}

func (c *testClient) read() amqp.Frame {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	f, err := amqp.ReadFrame(c.conn)
	if err != nil {
		c.t.Fatalf("read frame: %v", err)
	}
	return f
}

func (c *testClient) expect(id uint32) amqp.Method {
	c.t.Helper()
	f := c.read()
	if f.Type != amqp.FrameMethod {
		c.t.Fatalf("expected %s, got %s frame", amqp.MethodName(id), f.Type)
	}
	m, err := amqp.DecodeMethod(f.Payload)
	if err != nil {
		c.t.Fatalf("decode: %v", err)
	}
	if m.ID != id {
		c.t.Fatalf("expected %s, got %s %v", amqp.MethodName(id), m.Name, m.Fields)
	}
	return m
}

func (c *testClient) expectEOF() {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := amqp.ReadFrame(c.conn)
	if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
		c.t.Fatalf("expected closed connection, got %v", err)
	}
}

func (c *testClient) startOk(user, pass string) {
	c.send(0, amqp.ConnectionStartOk, amqp.Fields{
		"mechanism": "PLAIN",
		"response":  "\x00" + user + "\x00" + pass,
		"locale":    "en_US",
	})
}

func (c *testClient) handshake() {
	c.t.Helper()
	if _, err := c.conn.Write(amqp.ProtocolHeader); err != nil {
		c.t.Fatalf("write header: %v", err)
	}
	c.expect(amqp.ConnectionStart)
	c.startOk("user", "password")
	c.expect(amqp.ConnectionTune)
	c.send(0, amqp.ConnectionTuneOk, amqp.Fields{"frame-max": uint32(131072)})
	c.send(0, amqp.ConnectionOpen, amqp.Fields{"virtual-host": "/"})
	c.expect(amqp.ConnectionOpenOk)
}

func (c *testClient) openChannel(ch uint16) {
	c.t.Helper()
	c.send(ch, amqp.ChannelOpen, nil)
	c.expect(amqp.ChannelOpenOk)
}

func (c *testClient) publish(ch uint16, exchange, rk string, body []byte) {
	c.t.Helper()
	c.send(ch, amqp.BasicPublish, amqp.Fields{"exchange-name": exchange, "routing-key": rk})
	hf, err := amqp.HeaderFrame(ch, uint64(len(body)), amqp.BasicProperties{ContentType: "text/plain"})
	if err != nil {
		c.t.Fatalf("header: %v", err)
	}
	c.write(hf)
	if len(body) > 0 {
		c.write(amqp.BodyFrame(ch, body))
	}
}

// sync round-trips a basic.qos so every earlier frame has been processed.
func (c *testClient) sync(ch uint16) {
	c.t.Helper()
	c.send(ch, amqp.BasicQos, amqp.Fields{"prefetch-count": uint16(1)})
	c.expect(amqp.BasicQosOk)
}

// lockedBuffer collects log output written from server goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestHandshake(t *testing.T) {
	_, c := newPipeServer(t, Config{Heartbeat: 30})
	if _, err := c.conn.Write(amqp.ProtocolHeader); err != nil {
		t.Fatalf("write header: %v", err)
	}
	start := c.expect(amqp.ConnectionStart)
	require.Equal(t, "PLAIN AMQPLAIN", start.Fields.String("mechanisms"))
	require.Equal(t, "en_US", start.Fields.String("locales"))
	caps, ok := start.Fields.Table("server-properties")["capabilities"].(amqp091.Table)
	require.True(t, ok)
	require.Equal(t, true, caps["publisher_confirms"])

	c.startOk("user", "password")
	tune := c.expect(amqp.ConnectionTune)
	require.Equal(t, uint32(131072), tune.Fields.Uint32("frame-max"))
	require.Equal(t, uint16(30), tune.Fields.Uint16("heartbeat"))

	c.send(0, amqp.ConnectionTuneOk, amqp.Fields{"heartbeat": uint16(60), "frame-max": uint32(4096)})
	c.send(0, amqp.ConnectionOpen, amqp.Fields{"virtual-host": "/"})
	c.expect(amqp.ConnectionOpenOk)

	c.send(0, amqp.ConnectionClose, amqp.Fields{"reply-code": uint16(200), "reply-text": "bye"})
	c.expect(amqp.ConnectionCloseOk)
	c.expectEOF()
}

func TestTuneFrameMaxCappedAtCodecLimit(t *testing.T) {
	_, c := newPipeServer(t, Config{FrameMax: 1 << 24})
	if _, err := c.conn.Write(amqp.ProtocolHeader); err != nil {
		t.Fatalf("write header: %v", err)
	}
	c.expect(amqp.ConnectionStart)
	c.startOk("user", "password")
	tune := c.expect(amqp.ConnectionTune)
	require.Equal(t, uint32(amqp.MaxFrameSize), tune.Fields.Uint32("frame-max"))
}

func TestProtocolHeaderSplitAcrossWrites(t *testing.T) {
	_, c := newPipeServer(t, Config{})
	for _, b := range amqp.ProtocolHeader {
		if _, err := c.conn.Write([]byte{b}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	c.expect(amqp.ConnectionStart)

	// a start-ok delivered byte by byte is parsed once
	f, err := amqp.MethodFrame(0, amqp.ConnectionStartOk, amqp.Fields{"mechanism": "PLAIN", "response": "\x00user\x00password"})
	require.NoError(t, err)
	raw, err := f.MarshalBinary()
	require.NoError(t, err)
	for _, b := range raw {
		if _, err := c.conn.Write([]byte{b}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	c.expect(amqp.ConnectionTune)
}

func TestProtocolHeaderMismatch(t *testing.T) {
	_, c := newPipeServer(t, Config{})
	if _, err := c.conn.Write([]byte("HTTP/1.1")); err != nil {
		t.Fatalf("write: %v", err)
	}
	c.expectEOF()
}

func TestHandshakeOutOfOrder(t *testing.T) {
	_, c := newPipeServer(t, Config{})
	if _, err := c.conn.Write(amqp.ProtocolHeader); err != nil {
		t.Fatalf("write header: %v", err)
	}
	c.expect(amqp.ConnectionStart)
	c.startOk("user", "password")
	c.expect(amqp.ConnectionTune)

	// open before tune-ok
	c.send(0, amqp.ConnectionOpen, amqp.Fields{"virtual-host": "/"})
	closeM := c.expect(amqp.ConnectionClose)
	require.Equal(t, uint16(amqp.CommandInvalid), closeM.Fields.Uint16("reply-code"))
	require.Equal(t, uint16(10), closeM.Fields.Uint16("class-id"))
	require.Equal(t, uint16(40), closeM.Fields.Uint16("method-id"))
	c.send(0, amqp.ConnectionCloseOk, nil)
	c.expectEOF()
}

func TestAuthFailure(t *testing.T) {
	_, c := newPipeServer(t, Config{})
	if _, err := c.conn.Write(amqp.ProtocolHeader); err != nil {
		t.Fatalf("write header: %v", err)
	}
	c.expect(amqp.ConnectionStart)
	c.startOk("user", "wrong")
	closeM := c.expect(amqp.ConnectionClose)
	require.Equal(t, uint16(amqp.AccessRefused), closeM.Fields.Uint16("reply-code"))
	c.send(0, amqp.ConnectionCloseOk, nil)
	c.expectEOF()
}

func TestAuthAMQPlain(t *testing.T) {
	_, c := newPipeServer(t, Config{})
	if _, err := c.conn.Write(amqp.ProtocolHeader); err != nil {
		t.Fatalf("write header: %v", err)
	}
	c.expect(amqp.ConnectionStart)
	resp, err := amqp.Dumps("soSsoS", []interface{}{"LOGIN", uint8('S'), "user", "PASSWORD", uint8('S'), "password"})
	require.NoError(t, err)
	c.send(0, amqp.ConnectionStartOk, amqp.Fields{"mechanism": "AMQPLAIN", "response": string(resp)})
	c.expect(amqp.ConnectionTune)
}

func TestHeartbeatEcho(t *testing.T) {
	_, c := newPipeServer(t, Config{})
	c.handshake()
	c.write(amqp.HeartbeatFrame())
	f := c.read()
	require.Equal(t, amqp.FrameHeartbeat, f.Type)
	require.Equal(t, uint16(0), f.Channel)
}

func TestServerHeartbeats(t *testing.T) {
	_, c := newPipeServer(t, Config{})
	if _, err := c.conn.Write(amqp.ProtocolHeader); err != nil {
		t.Fatalf("write header: %v", err)
	}
	c.expect(amqp.ConnectionStart)
	c.startOk("user", "password")
	c.expect(amqp.ConnectionTune)
	c.send(0, amqp.ConnectionTuneOk, amqp.Fields{"heartbeat": uint16(1)})
	c.send(0, amqp.ConnectionOpen, nil)
	c.expect(amqp.ConnectionOpenOk)
	require.Equal(t, amqp.FrameHeartbeat, c.read().Type)
}

func TestChannelRequiresOpen(t *testing.T) {
	_, c := newPipeServer(t, Config{})
	c.handshake()
	c.send(1, amqp.QueueDeclare, amqp.Fields{"queue-name": "q"})
	closeM := c.expect(amqp.ConnectionClose)
	require.Equal(t, uint16(amqp.ChannelError), closeM.Fields.Uint16("reply-code"))
}

func TestEndToEndScenario(t *testing.T) {
	b, c := newPipeServer(t, Config{})
	c.handshake()
	c.openChannel(1)

	c.send(1, amqp.ExchangeDeclare, amqp.Fields{"exchange-name": "orders", "type": "direct"})
	c.expect(amqp.ExchangeDeclareOk)
	c.send(1, amqp.QueueDeclare, amqp.Fields{"queue-name": "q1"})
	ok := c.expect(amqp.QueueDeclareOk)
	require.Equal(t, "q1", ok.Fields.String("queue-name"))
	c.send(1, amqp.QueueBind, amqp.Fields{"queue-name": "q1", "exchange-name": "orders", "routing-key": "rk1"})
	c.expect(amqp.QueueBindOk)

	c.publish(1, "orders", "rk1", []byte("hello"))
	c.send(1, amqp.BasicConsume, amqp.Fields{"queue-name": "q1", "consumer-tag": "c1"})
	consumeOk := c.expect(amqp.BasicConsumeOk)
	require.Equal(t, "c1", consumeOk.Fields.String("consumer-tag"))

	swept := make(chan int, 1)
	go func() { swept <- b.Sweep() }()

	deliver := c.expect(amqp.BasicDeliver)
	require.Equal(t, "c1", deliver.Fields.String("consumer-tag"))
	require.Equal(t, uint64(1), deliver.Fields.Uint64("delivery-tag"))
	require.Equal(t, "orders", deliver.Fields.String("exchange-name"))
	require.Equal(t, "rk1", deliver.Fields.String("routing-key"))

	hf := c.read()
	require.Equal(t, amqp.FrameHeader, hf.Type)
	h, err := hf.ContentHeader()
	require.NoError(t, err)
	require.Equal(t, uint64(5), h.BodySize)
	require.Equal(t, "text/plain", h.Properties.ContentType)

	bf := c.read()
	require.Equal(t, amqp.FrameBody, bf.Type)
	require.Equal(t, "hello", string(bf.Payload))
	require.Equal(t, 1, <-swept)
}

func TestEmptyBodyCompletesOnHeader(t *testing.T) {
	b, c := newPipeServer(t, Config{})
	c.handshake()
	c.openChannel(1)
	c.send(1, amqp.QueueDeclare, amqp.Fields{"queue-name": "q1"})
	c.expect(amqp.QueueDeclareOk)
	c.publish(1, "", "q1", nil)
	c.sync(1)
	msgs, err := b.PopMessages("q1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Empty(t, msgs[0].Body)
}

func TestMultiFrameBody(t *testing.T) {
	b, c := newPipeServer(t, Config{})
	c.handshake()
	c.openChannel(1)
	c.send(1, amqp.QueueDeclare, amqp.Fields{"queue-name": "q1"})
	c.expect(amqp.QueueDeclareOk)

	c.send(1, amqp.BasicPublish, amqp.Fields{"routing-key": "q1"})
	hf, err := amqp.HeaderFrame(1, 6, amqp.BasicProperties{})
	require.NoError(t, err)
	// frames other than a body are ignored mid-message
	c.write(hf, amqp.BodyFrame(1, []byte("abc")))
	c.send(1, amqp.BasicAck, amqp.Fields{"delivery-tag": uint64(99)})
	c.write(amqp.BodyFrame(1, []byte("def")))
	c.sync(1)

	msgs, err := b.PopMessages("q1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "abcdef", string(msgs[0].Body))
	require.False(t, b.Acknowledged(99))
}

func TestPublishUnroutableClosesConnection(t *testing.T) {
	_, c := newPipeServer(t, Config{})
	c.handshake()
	c.openChannel(1)
	c.publish(1, "missing", "rk", []byte("x"))
	closeM := c.expect(amqp.ConnectionClose)
	require.Equal(t, uint16(amqp.NotFound), closeM.Fields.Uint16("reply-code"))
	require.Equal(t, uint16(60), closeM.Fields.Uint16("class-id"))
	require.Equal(t, uint16(40), closeM.Fields.Uint16("method-id"))
}

func TestExchangeTypeMismatch(t *testing.T) {
	_, c := newPipeServer(t, Config{})
	c.handshake()
	c.openChannel(1)
	c.send(1, amqp.ExchangeDeclare, amqp.Fields{"exchange-name": "orders", "type": "direct"})
	c.expect(amqp.ExchangeDeclareOk)
	c.send(1, amqp.ExchangeDeclare, amqp.Fields{"exchange-name": "orders", "type": "fanout"})
	closeM := c.expect(amqp.ConnectionClose)
	require.Equal(t, uint16(amqp.PreconditionFailed), closeM.Fields.Uint16("reply-code"))
}

func TestAckNackBookkeeping(t *testing.T) {
	b, c := newPipeServer(t, Config{})
	c.handshake()
	c.openChannel(1)
	c.send(1, amqp.BasicAck, amqp.Fields{"delivery-tag": uint64(5)})
	c.send(1, amqp.BasicNack, amqp.Fields{"delivery-tag": uint64(6), "requeue": true})
	c.send(1, amqp.BasicNack, amqp.Fields{"delivery-tag": uint64(7)})
	c.send(1, amqp.BasicReject, amqp.Fields{"delivery-tag": uint64(8), "requeue": true})
	c.sync(1)

	require.True(t, b.Acknowledged(5))
	require.False(t, b.Requeued(5))
	require.False(t, b.NotAcknowledged(5))
	require.True(t, b.Requeued(6))
	require.False(t, b.Acknowledged(6))
	require.False(t, b.NotAcknowledged(6))
	require.True(t, b.NotAcknowledged(7))
	require.True(t, b.Requeued(8))
}

func TestConfirmMode(t *testing.T) {
	_, c := newPipeServer(t, Config{})
	c.handshake()
	c.openChannel(1)
	c.send(1, amqp.QueueDeclare, amqp.Fields{"queue-name": "q1"})
	c.expect(amqp.QueueDeclareOk)
	c.send(1, amqp.ConfirmSelect, nil)
	c.expect(amqp.ConfirmSelectOk)

	c.publish(1, "", "q1", []byte("one"))
	require.Equal(t, uint64(1), c.expect(amqp.BasicAck).Fields.Uint64("delivery-tag"))
	c.publish(1, "", "q1", []byte("two"))
	require.Equal(t, uint64(2), c.expect(amqp.BasicAck).Fields.Uint64("delivery-tag"))
}

func TestNoWaitSuppressesReplies(t *testing.T) {
	b, c := newPipeServer(t, Config{})
	c.handshake()
	c.openChannel(1)
	c.send(1, amqp.ExchangeDeclare, amqp.Fields{"exchange-name": "ex", "type": "direct", "no-wait": true})
	c.send(1, amqp.QueueDeclare, amqp.Fields{"queue-name": "q1", "no-wait": true})
	c.send(1, amqp.QueueBind, amqp.Fields{"queue-name": "q1", "exchange-name": "ex", "routing-key": "k", "no-wait": true})
	c.send(1, amqp.BasicConsume, amqp.Fields{"queue-name": "q1", "consumer-tag": "c1", "no-wait": true})
	c.sync(1)

	s := b.Snapshot()
	require.Equal(t, "q1", s.Exchanges["ex"].Bindings["k"])
	require.Equal(t, []string{"c1"}, s.Queues["q1"].Consumers)
}

func TestServerGeneratedNames(t *testing.T) {
	_, c := newPipeServer(t, Config{})
	c.handshake()
	c.openChannel(1)
	c.send(1, amqp.QueueDeclare, nil)
	name := c.expect(amqp.QueueDeclareOk).Fields.String("queue-name")
	require.Regexp(t, `^amq\.gen-`, name)

	c.send(1, amqp.BasicConsume, amqp.Fields{"queue-name": name})
	tag := c.expect(amqp.BasicConsumeOk).Fields.String("consumer-tag")
	require.Regexp(t, `^amq\.ctag-`, tag)

	c.send(1, amqp.BasicCancel, amqp.Fields{"consumer-tag": tag})
	require.Equal(t, tag, c.expect(amqp.BasicCancelOk).Fields.String("consumer-tag"))
}

func TestQueueRedeclareCounts(t *testing.T) {
	b, c := newPipeServer(t, Config{})
	c.handshake()
	c.openChannel(1)
	c.send(1, amqp.QueueDeclare, amqp.Fields{"queue-name": "q1"})
	c.expect(amqp.QueueDeclareOk)
	require.NoError(t, b.StoreMessage("", "q1", amqp.BasicProperties{}, []byte("x")))
	c.send(1, amqp.QueueDeclare, amqp.Fields{"queue-name": "q1"})
	ok := c.expect(amqp.QueueDeclareOk)
	require.Equal(t, uint32(1), ok.Fields.Uint32("message-count"))
	require.Equal(t, uint32(0), ok.Fields.Uint32("consumer-count"))
}

func TestChannelCloseKeepsConnection(t *testing.T) {
	b, c := newPipeServer(t, Config{})
	c.handshake()
	c.openChannel(1)
	c.openChannel(2)
	c.send(1, amqp.QueueDeclare, amqp.Fields{"queue-name": "q1"})
	c.expect(amqp.QueueDeclareOk)
	c.send(1, amqp.BasicConsume, amqp.Fields{"queue-name": "q1", "consumer-tag": "c1"})
	c.expect(amqp.BasicConsumeOk)

	c.send(1, amqp.ChannelClose, amqp.Fields{"reply-code": uint16(200)})
	c.expect(amqp.ChannelCloseOk)
	c.sync(2)
	require.Empty(t, b.Snapshot().Queues["q1"].Consumers)

	// the channel id can be opened again
	c.openChannel(1)
}

func TestChannelCloseClosesConnectionWhenConfigured(t *testing.T) {
	_, c := newPipeServer(t, Config{CloseConnectionOnChannelClose: true})
	c.handshake()
	c.openChannel(1)
	c.send(1, amqp.ChannelClose, amqp.Fields{"reply-code": uint16(200)})
	c.expect(amqp.ChannelCloseOk)
	c.expectEOF()
}

func TestDeadConsumerReapedAfterDisconnect(t *testing.T) {
	b, c := newPipeServer(t, Config{})
	c.handshake()
	c.openChannel(1)
	c.send(1, amqp.QueueDeclare, amqp.Fields{"queue-name": "q1"})
	c.expect(amqp.QueueDeclareOk)
	c.send(1, amqp.BasicConsume, amqp.Fields{"queue-name": "q1", "consumer-tag": "c1"})
	c.expect(amqp.BasicConsumeOk)
	c.conn.Close()

	require.Eventually(t, func() bool {
		_ = b.StoreMessage("", "q1", amqp.BasicProperties{}, []byte("x"))
		b.Sweep()
		return len(b.Snapshot().Queues["q1"].Consumers) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSweepDoesNotBlockOnStalledConsumer(t *testing.T) {
	b, c := newPipeServer(t, Config{})
	c.handshake()
	c.openChannel(1)
	c.send(1, amqp.QueueDeclare, amqp.Fields{"queue-name": "q1"})
	c.expect(amqp.QueueDeclareOk)
	c.send(1, amqp.BasicConsume, amqp.Fields{"queue-name": "q1", "consumer-tag": "c1"})
	c.expect(amqp.BasicConsumeOk)

	// the client reads nothing while the sweep runs
	n := outboxSize + 10
	for i := 0; i < n; i++ {
		require.NoError(t, b.StoreMessage("", "q1", amqp.BasicProperties{}, []byte("x")))
	}
	start := time.Now()
	require.Equal(t, n, b.Sweep())
	require.Less(t, time.Since(start), time.Second)

	deliver := c.expect(amqp.BasicDeliver)
	require.Equal(t, uint64(1), deliver.Fields.Uint64("delivery-tag"))
}

func TestDeclareArgumentsAreLogged(t *testing.T) {
	var logs lockedBuffer
	_, c := newPipeServer(t, Config{Logger: zerolog.New(&logs).Level(zerolog.DebugLevel)})
	c.handshake()
	c.openChannel(1)
	c.send(1, amqp.QueueDeclare, amqp.Fields{
		"queue-name": "q1",
		"arguments":  amqp091.Table{"x-message-ttl": int32(60000)},
	})
	c.expect(amqp.QueueDeclareOk)
	c.send(1, amqp.BasicConsume, amqp.Fields{
		"queue-name": "q1",
		"arguments":  amqp091.Table{"x-priority": int32(5)},
	})
	c.expect(amqp.BasicConsumeOk)

	out := logs.String()
	require.Contains(t, out, `"method":"queue.declare","arguments":{"x-message-ttl":60000}`)
	require.Contains(t, out, `"method":"basic.consume","arguments":{"x-priority":5}`)
}

func TestBadFrameEndDropsConnection(t *testing.T) {
	_, c := newPipeServer(t, Config{})
	c.handshake()
	raw, err := amqp.HeartbeatFrame().MarshalBinary()
	require.NoError(t, err)
	raw[len(raw)-1] = 0
	if _, err := c.conn.Write(raw); err != nil {
		t.Fatalf("write: %v", err)
	}
	c.expectEOF()
}
