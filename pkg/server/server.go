// Package server implements the broker side of the AMQP 0.9.1 handshake and
// the channel methods the mock supports, on top of a broker.Broker.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ericogr/mock-amqp-server/pkg/amqp"
	"github.com/ericogr/mock-amqp-server/pkg/auth"
	"github.com/ericogr/mock-amqp-server/pkg/broker"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrServerStarted is returned by Start on a running server.
var ErrServerStarted = errors.New("server already started")

const (
	defaultFrameMax         = 131072
	defaultShutdownTimeout  = 5 * time.Second
	defaultHandshakeTimeout = 30 * time.Second
)

// Config holds the server configuration.
type Config struct {
	Logger zerolog.Logger
	// Heartbeat is the interval in seconds proposed in connection.tune.
	// Zero disables server heartbeats unless the client asks for them.
	Heartbeat  uint16
	FrameMax   uint32
	ChannelMax uint16
	// HandshakeTimeout bounds the time between accept and connection.open.
	HandshakeTimeout time.Duration
	ShutdownTimeout  time.Duration
	// DeliveryInterval is the delivery loop period.
	DeliveryInterval time.Duration
	// CloseConnectionOnChannelClose tears the whole connection down when
	// any channel is closed.
	CloseConnectionOnChannelClose bool
}

func (c *Config) setDefaults() {
	if c.FrameMax == 0 {
		c.FrameMax = defaultFrameMax
	}
	// larger frames would be rejected by the frame parser
	c.FrameMax = min(c.FrameMax, amqp.MaxFrameSize)
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.DeliveryInterval == 0 {
		c.DeliveryInterval = broker.DefaultDeliveryInterval
	}
}

// Server accepts AMQP connections and runs the broker delivery loop.
type Server struct {
	cfg    Config
	broker *broker.Broker
	auth   auth.Authenticator
	logger zerolog.Logger

	mu        sync.Mutex
	listener  net.Listener
	cancel    context.CancelFunc
	groupDone chan struct{}
	groupErr  error
	stopping  bool
	conns     map[*connection]struct{}
	wg        sync.WaitGroup
}

// New creates a server. A nil authenticator accepts every login.
func New(cfg Config, b *broker.Broker, a auth.Authenticator) *Server {
	cfg.setDefaults()
	if a == nil {
		a = auth.AllowAll{}
	}
	return &Server{
		cfg:    cfg,
		broker: b,
		auth:   a,
		logger: cfg.Logger,
		conns:  make(map[*connection]struct{}),
	}
}

// Broker returns the broker the server routes to.
func (s *Server) Broker() *broker.Broker { return s.broker }

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return ErrServerStarted
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.acceptLoop(gctx, ln) })
	g.Go(func() error { return s.broker.Run(gctx, s.cfg.DeliveryInterval) })

	s.listener = ln
	s.cancel = cancel
	s.stopping = false
	s.groupDone = make(chan struct{})
	done := s.groupDone
	go func() {
		err := g.Wait()
		s.mu.Lock()
		s.groupErr = err
		s.mu.Unlock()
		close(done)
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("AMQP server started")
	return nil
}

// ListenAndServe starts the server and blocks until ctx is cancelled or the
// accept loop fails, then stops it.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if err := s.Start(addr); err != nil {
		return err
	}
	s.mu.Lock()
	done := s.groupDone
	s.mu.Unlock()
	select {
	case <-ctx.Done():
	case <-done:
	}
	return s.Stop(s.cfg.ShutdownTimeout)
}

// Addr returns the listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isStopping() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn().Err(err).Msg("accept timeout")
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}
		s.ServeConn(conn)
	}
}

func (s *Server) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

// ServeConn handles conn in a new goroutine. The server owns conn from then
// on and closes it on shutdown.
func (s *Server) ServeConn(conn net.Conn) {
	c := newConnection(s, conn)
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.forget(c)
		c.serve()
	}()
}

func (s *Server) forget(c *connection) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) snapshotConns() []*connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*connection, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Stop cancels the delivery loop, closes the listener and asks every client
// to close. Connections still open after timeout are closed forcibly; that
// is logged, not returned.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if s.listener == nil {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	ln, cancel, done := s.listener, s.cancel, s.groupDone
	s.mu.Unlock()

	s.logger.Info().Msg("AMQP shutdown requested, closing listener")
	cancel()
	if err := ln.Close(); err != nil {
		s.logger.Error().Err(err).Msg("error closing listener")
	}
	<-done

	// each close is sent on its own goroutine so one client that is not
	// reading cannot hold up the others or the forced path below
	deadline := time.Now().Add(timeout)
	for _, c := range s.snapshotConns() {
		go c.shutdown(deadline)
	}

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		s.logger.Info().Msg("all AMQP connections closed gracefully")
	case <-time.After(timeout):
		conns := s.snapshotConns()
		s.logger.Warn().Dur("timeout", timeout).Int("connections", len(conns)).Msg("shutdown timeout exceeded, forcing closure")
		for _, c := range conns {
			c.forceClose()
		}
		<-finished
	}

	s.mu.Lock()
	err := s.groupErr
	s.listener = nil
	s.mu.Unlock()
	return err
}
