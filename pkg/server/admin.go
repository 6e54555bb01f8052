package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ericogr/mock-amqp-server/pkg/amqp"
	"github.com/ericogr/mock-amqp-server/pkg/auth"
	"github.com/ericogr/mock-amqp-server/pkg/broker"
	"github.com/rs/zerolog"
)

// DefaultExchangeAlias names the default exchange in admin URLs.
const DefaultExchangeAlias = "amq.default"

const maxAdminBody = 4 << 20

// AdminServer exposes the broker state over HTTP for test harnesses that do
// not run in the same process.
type AdminServer struct {
	addr            string
	shutdownTimeout time.Duration
	broker          *broker.Broker
	users           *auth.Store
	logger          zerolog.Logger
	server          *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewAdmin creates an admin server. users may be nil.
func NewAdmin(addr string, shutdownTimeout time.Duration, b *broker.Broker, users *auth.Store, logger zerolog.Logger) *AdminServer {
	s := &AdminServer{
		addr:            addr,
		shutdownTimeout: shutdownTimeout,
		broker:          b,
		users:           users,
		logger:          logger,
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the admin routes.
func (s *AdminServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /state", s.handleState)
	mux.HandleFunc("POST /reset", s.handleReset)
	mux.HandleFunc("POST /exchanges/{exchange}/messages", s.handleInsert)
	mux.HandleFunc("POST /exchanges/{exchange}/publish", s.handlePublish)
	mux.HandleFunc("GET /queues/{queue}/messages", s.handlePop)
	return mux
}

// Addr returns the listener address, or "" before Listen.
func (s *AdminServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen serves until ctx is cancelled.
func (s *AdminServer) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("admin server started")

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error().Err(err).Msg("admin server shutdown error")
			return err
		}
		s.logger.Info().Msg("admin server stopped")
		return nil
	}
}

type stateResponse struct {
	broker.Snapshot
	Users                 []string        `json:"users,omitempty"`
	AuthenticationTriedOn map[string]bool `json:"authentication_tried_on,omitempty"`
}

type publishResponse struct {
	DeliveryTag uint64 `json:"delivery_tag"`
	Delivered   bool   `json:"delivered"`
}

func (s *AdminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *AdminServer) handleState(w http.ResponseWriter, r *http.Request) {
	resp := stateResponse{Snapshot: s.broker.Snapshot()}
	if s.users != nil {
		resp.Users = s.users.Users()
		resp.AuthenticationTriedOn = s.users.TriedOn()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *AdminServer) handleReset(w http.ResponseWriter, r *http.Request) {
	s.broker.Reset()
	if s.users != nil {
		s.users.Reset()
	}
	w.WriteHeader(http.StatusNoContent)
}

func exchangeName(r *http.Request) string {
	name := r.PathValue("exchange")
	if name == DefaultExchangeAlias {
		return broker.DefaultExchange
	}
	return name
}

// readBody returns the request body, base64-decoded when ?base64=true.
func readBody(r *http.Request) ([]byte, bool, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxAdminBody))
	if err != nil {
		return nil, false, err
	}
	isBase64, _ := strconv.ParseBool(r.URL.Query().Get("base64"))
	if !isBase64 {
		return body, false, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(string(body))
	if err != nil {
		return nil, false, err
	}
	return decoded, true, nil
}

func properties(r *http.Request) amqp.BasicProperties {
	return amqp.BasicProperties{ContentType: r.Header.Get("Content-Type")}
}

func (s *AdminServer) handleInsert(w http.ResponseWriter, r *http.Request) {
	body, _, err := readBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	exchange, rk := exchangeName(r), r.URL.Query().Get("routing_key")
	if err := s.broker.StoreMessage(exchange, rk, properties(r), body); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.logger.Debug().Str("exchange", exchange).Str("routing_key", rk).Msg("message inserted over admin API")
	w.WriteHeader(http.StatusAccepted)
}

func (s *AdminServer) handlePublish(w http.ResponseWriter, r *http.Request) {
	body, isBase64, err := readBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	tag, ok := s.broker.PublishMessage(exchangeName(r), properties(r), body, isBase64)
	writeJSON(w, http.StatusOK, publishResponse{DeliveryTag: tag, Delivered: ok})
}

func (s *AdminServer) handlePop(w http.ResponseWriter, r *http.Request) {
	count := 1
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "count must be a positive integer", http.StatusBadRequest)
			return
		}
		count = n
	}
	msgs, err := s.broker.PopMessages(r.PathValue("queue"), count)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if msgs == nil {
		msgs = []broker.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
