// Package mockserver runs the mock AMQP server inside a test process and
// gives the test direct access to its queues and exchanges.
package mockserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/ericogr/mock-amqp-server/pkg/amqp"
	"github.com/ericogr/mock-amqp-server/pkg/auth"
	"github.com/ericogr/mock-amqp-server/pkg/broker"
	"github.com/ericogr/mock-amqp-server/pkg/server"
	"github.com/rs/zerolog"
)

const pollInterval = 10 * time.Millisecond

// Controller owns a broker and the server in front of it.
type Controller struct {
	host   string
	port   int
	logger zerolog.Logger
	cfg    server.Config
	logins map[string]string
	users  *auth.Store
	bopts  []broker.Option
	broker *broker.Broker
	srv    *server.Server
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger for the server and broker.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithServerConfig replaces the server configuration. Its Logger is
// overridden by WithLogger.
func WithServerConfig(cfg server.Config) Option {
	return func(c *Controller) { c.cfg = cfg }
}

// WithBrokerOptions passes options to the broker.
func WithBrokerOptions(opts ...broker.Option) Option {
	return func(c *Controller) { c.bopts = append(c.bopts, opts...) }
}

// WithUsers replaces the accepted logins.
func WithUsers(users map[string]string) Option {
	return func(c *Controller) { c.logins = users }
}

// New creates a controller for host:port. Port 0 picks a free port on Start.
func New(host string, port int, opts ...Option) *Controller {
	c := &Controller{host: host, port: port, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	if c.logins != nil {
		c.users = auth.NewStore(c.logins, c.logger)
	} else {
		c.users = auth.NewDefaultStore(c.logger)
	}
	c.cfg.Logger = c.logger
	c.broker = broker.New(append([]broker.Option{broker.WithLogger(c.logger)}, c.bopts...)...)
	return c
}

// Broker returns the controller's broker.
func (c *Controller) Broker() *broker.Broker { return c.broker }

// Users returns the credential store.
func (c *Controller) Users() *auth.Store { return c.users }

// Start starts serving in the background.
func (c *Controller) Start() error {
	if c.srv == nil {
		c.srv = server.New(c.cfg, c.broker, c.users)
	}
	return c.srv.Start(net.JoinHostPort(c.host, strconv.Itoa(c.port)))
}

// Stop stops the server, waiting up to timeout for clients to close.
func (c *Controller) Stop(timeout time.Duration) error {
	if c.srv == nil {
		return nil
	}
	return c.srv.Stop(timeout)
}

// Addr returns the bound address, or "" when not running.
func (c *Controller) Addr() string {
	if c.srv == nil {
		return ""
	}
	addr := c.srv.Addr()
	if addr == nil {
		return ""
	}
	return addr.String()
}

// URL returns an amqp:// URL carrying a login the credential store accepts,
// the default user when it is configured.
func (c *Controller) URL() string {
	user, password := auth.DefaultCredentials()
	if u, p, ok := c.users.Login(user); ok {
		user, password = u, p
	}
	return (&url.URL{Scheme: "amqp", User: url.UserPassword(user, password), Host: c.Addr(), Path: "/"}).String()
}

// InsertMessageToExchange stores a message as if a client had published it.
func (c *Controller) InsertMessageToExchange(exchange, routingKey string, body []byte) error {
	return c.broker.StoreMessage(exchange, routingKey, amqp.BasicProperties{}, body)
}

// PublishMessage hands a message to the first live consumer of every queue
// bound to exchange.
func (c *Controller) PublishMessage(exchange string, props amqp.BasicProperties, body []byte) (uint64, bool) {
	return c.broker.PublishMessage(exchange, props, body, false)
}

// PopMessagesFromQueue removes up to n messages from queue.
func (c *Controller) PopMessagesFromQueue(queue string, n int) ([]broker.Message, error) {
	return c.broker.PopMessages(queue, n)
}

// PopMessageFromQueue waits until queue holds a message and returns its
// body. A timeout <= 0 waits until ctx ends.
func (c *Controller) PopMessageFromQueue(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		msgs, err := c.broker.PopMessages(queue, 1)
		if err != nil && !errors.Is(err, broker.ErrQueueNotFound) {
			return nil, err
		}
		if len(msgs) > 0 {
			return msgs[0].Body, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("pop from %q: %w", queue, ctx.Err())
		case <-ticker.C:
		}
	}
}
