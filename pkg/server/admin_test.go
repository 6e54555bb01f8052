package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ericogr/mock-amqp-server/pkg/amqp"
	"github.com/ericogr/mock-amqp-server/pkg/auth"
	"github.com/ericogr/mock-amqp-server/pkg/broker"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newAdmin(t *testing.T) (*broker.Broker, *auth.Store, http.Handler) {
	t.Helper()
	b := broker.New()
	users := auth.NewStore(map[string]string{"user": "password"}, zerolog.Nop())
	return b, users, NewAdmin("127.0.0.1:0", time.Second, b, users, zerolog.Nop()).Handler()
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAdminHealth(t *testing.T) {
	_, _, h := newAdmin(t)
	rec := do(t, h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestAdminInsertAndPop(t *testing.T) {
	b, _, h := newAdmin(t)
	_, _, err := b.DeclareQueue("q1")
	require.NoError(t, err)

	rec := do(t, h, http.MethodPost, "/exchanges/amq.default/messages?routing_key=q1", "hello")
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = do(t, h, http.MethodPost, "/exchanges/amq.default/messages?routing_key=q1&base64=true", "AQI=")
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(t, h, http.MethodGet, "/queues/q1/messages?count=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var msgs []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	require.Len(t, msgs, 2)
	require.Equal(t, "q1", msgs[0]["routing_key"])

	popped, err := b.PopMessages("q1", 1)
	require.NoError(t, err)
	require.Empty(t, popped)

	rec = do(t, h, http.MethodGet, "/queues/q1/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[]`, rec.Body.String())
}

func TestAdminPopBinaryBody(t *testing.T) {
	b, _, h := newAdmin(t)
	_, _, err := b.DeclareQueue("q1")
	require.NoError(t, err)
	body := []byte{0xff, 0xfe, 0x00, 0x80}
	require.NoError(t, b.StoreMessage(broker.DefaultExchange, "q1", amqp.BasicProperties{}, body))

	rec := do(t, h, http.MethodGet, "/queues/q1/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var msgs []struct {
		Body   string `json:"body"`
		Base64 bool   `json:"base64"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].Base64)
	got, err := base64.StdEncoding.DecodeString(msgs[0].Body)
	require.NoError(t, err)
	require.Equal(t, body, got)
}

func TestAdminErrors(t *testing.T) {
	_, _, h := newAdmin(t)
	require.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/exchanges/missing/messages?routing_key=x", "x").Code)
	require.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/queues/missing/messages", "").Code)
	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/queues/q/messages?count=0", "").Code)
	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/exchanges/amq.default/messages?base64=true", "!!").Code)
	require.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/reset", "").Code)
}

func TestAdminPublishDeliversToConsumer(t *testing.T) {
	b, _, h := newAdmin(t)
	_, _, err := b.DeclareQueue("q1")
	require.NoError(t, err)
	c := &recordingConsumer{}
	require.NoError(t, b.RegisterConsumer(c, "c1", "q1", 1))

	rec := do(t, h, http.MethodPost, "/exchanges/amq.default/publish", "hello")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp publishResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Delivered)
	require.NotZero(t, resp.DeliveryTag)
	require.Len(t, c.got, 1)
	require.Equal(t, resp.DeliveryTag, c.got[0].DeliveryTag)
	require.Equal(t, "hello", string(c.got[0].Body))
}

func TestAdminStateAndReset(t *testing.T) {
	b, users, h := newAdmin(t)
	require.NoError(t, b.DeclareExchange("orders", "direct"))
	b.MessageAck(4)
	users.CheckCredentials("user", "password")

	rec := do(t, h, http.MethodGet, "/state", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var state struct {
		Exchanges    map[string]json.RawMessage `json:"exchanges"`
		Acknowledged []uint64                   `json:"messages_acknowledged"`
		Users        []string                   `json:"users"`
		TriedOn      map[string]bool            `json:"authentication_tried_on"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	require.Contains(t, state.Exchanges, "orders")
	require.Equal(t, []uint64{4}, state.Acknowledged)
	require.Equal(t, []string{"user"}, state.Users)
	require.True(t, state.TriedOn["user"])

	require.Equal(t, http.StatusNoContent, do(t, h, http.MethodPost, "/reset", "").Code)
	require.NotContains(t, b.Snapshot().Exchanges, "orders")
	require.False(t, b.Acknowledged(4))
	require.Empty(t, users.TriedOn())
}

func TestAdminListen(t *testing.T) {
	b := broker.New()
	s := NewAdmin("127.0.0.1:0", time.Second, b, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Listen(ctx) }()

	require.Eventually(t, func() bool { return s.Addr() != "" }, time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	require.NoError(t, <-errCh)
}

type recordingConsumer struct {
	got []broker.Delivery
}

func (r *recordingConsumer) Closed() bool { return false }

func (r *recordingConsumer) Deliver(_ uint16, d broker.Delivery) error {
	r.got = append(r.got, d)
	return nil
}
