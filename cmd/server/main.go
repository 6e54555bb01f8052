package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/ericogr/mock-amqp-server/pkg/amqp"
	"github.com/ericogr/mock-amqp-server/pkg/auth"
	"github.com/ericogr/mock-amqp-server/pkg/broker"
	"github.com/ericogr/mock-amqp-server/pkg/config"
	"github.com/ericogr/mock-amqp-server/pkg/server"
	"golang.org/x/sync/errgroup"
)

func main() {
	configFile := flag.String("config", "", "path to YAML configuration file")
	addr := flag.String("addr", "", "AMQP listen address (overrides config)")
	adminAddr := flag.String("admin-addr", "", "admin HTTP listen address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		l := config.Default().Log.NewLogger(os.Stderr)
		l.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *adminAddr != "" {
		cfg.Server.AdminAddr = *adminAddr
	}

	logger := cfg.Log.NewLogger(os.Stderr)
	amqp.SetLogger(logger)

	b := broker.New(broker.WithLogger(logger), broker.WithRetainUndelivered(cfg.Broker.RetainUndelivered))
	var users *auth.Store
	var authenticator auth.Authenticator = auth.AllowAll{}
	if cfg.Auth.Enabled {
		users = auth.NewStore(cfg.Auth.Users, logger)
		authenticator = users
	} else {
		logger.Warn().Msg("authentication disabled, every login is accepted")
	}

	srv := server.New(server.Config{
		Logger:                        logger,
		Heartbeat:                     cfg.Server.Heartbeat,
		FrameMax:                      cfg.Server.FrameMax,
		ChannelMax:                    cfg.Server.ChannelMax,
		ShutdownTimeout:               cfg.Server.ShutdownTimeout,
		DeliveryInterval:              cfg.Broker.DeliveryInterval,
		CloseConnectionOnChannelClose: cfg.Server.CloseConnectionOnChannelClose,
	}, b, authenticator)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, cfg.Server.Addr)
	})
	if cfg.Server.AdminAddr != "" {
		admin := server.NewAdmin(cfg.Server.AdminAddr, cfg.Server.ShutdownTimeout, b, users, logger)
		g.Go(func() error {
			return admin.Listen(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
	logger.Info().Msg("mock AMQP server stopped")
}
