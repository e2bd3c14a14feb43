package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/livechat/internal/api"
	"github.com/livechat/internal/api/auth"
	"github.com/livechat/internal/chat"
	"github.com/livechat/internal/config"
	"github.com/livechat/internal/database"
	"github.com/livechat/internal/presence"
	"github.com/livechat/internal/realtime"
)

// ServeCommand returns the CLI command for starting the chat server
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"api"},
		Usage:   "Start the livechat HTTP and websocket server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the server, overrides server.port",
			},
			&cli.BoolFlag{
				Name:  "migrate",
				Usage: "Apply the database schema before serving",
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if c.IsSet("port") {
		cfg.Server.Port = c.Int("port")
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if c.Bool("migrate") && cfg.Database.Driver == config.DriverPostgres {
		if err := database.MigrateWithRetry(ctx, cfg.Database.URL, database.ConnectRetryConfig()); err != nil {
			return err
		}
		log.Info().Msg("Database schema applied")
	}

	store, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer closeStore()

	registry := presence.NewRegistry()
	router := realtime.NewRouter(registry)
	service := chat.NewService(store, router, chat.Config{MaxContentLength: cfg.Chat.MaxContentLength})

	verifierOpts := []auth.VerifierOption{auth.WithLeeway(cfg.Auth.Leeway)}
	if cfg.Auth.Issuer != "" {
		verifierOpts = append(verifierOpts, auth.WithIssuer(cfg.Auth.Issuer))
	}
	verifier := auth.NewVerifier(cfg.Auth.JWTSecret, verifierOpts...)

	// accepted sends finish against this context even after their connection drops;
	// it is cancelled only once shutdown has drained the sessions
	sendCtx, cancelSends := context.WithCancel(context.Background())
	defer cancelSends()

	gateway := realtime.NewGateway(sendCtx, registry, router, service, verifier, realtime.Config{
		ReadTimeout:     cfg.Realtime.ReadTimeout,
		PingPeriod:      cfg.Realtime.PingPeriod,
		WriteWait:       cfg.Realtime.WriteWait,
		SendBuffer:      cfg.Realtime.SendBuffer,
		EventsPerSecond: cfg.Realtime.EventsPerSecond,
		EventBurst:      cfg.Realtime.EventBurst,
		MaxFrameBytes:   cfg.Realtime.MaxFrameBytes,
		SendTimeout:     cfg.Chat.SendTimeout,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
	})

	server := api.NewServer(cfg.Server.Port, cfg.Server.AllowedOrigins, api.Deps{
		Chat:     service,
		Router:   router,
		Gateway:  gateway,
		Verifier: verifier,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down livechat server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	log.Info().Msg("Server stopped")
	return err
}

// openStore returns the configured message store and a function releasing it
func openStore(ctx context.Context, cfg config.DatabaseConfig) (chat.Store, func(), error) {
	if cfg.Driver == config.DriverMemory {
		log.Warn().Msg("Using in-memory store; messages are lost on restart")
		return chat.NewInMemoryStore(), func() {}, nil
	}

	db, err := database.Connect(ctx, cfg.URL, database.Options{
		MaxOpenConns:     cfg.MaxOpenConns,
		MaxIdleConns:     cfg.MaxIdleConns,
		ConnMaxLifetime:  cfg.ConnMaxLifetime,
		StatementTimeout: cfg.StatementTimeout,
	}, database.ConnectRetryConfig())
	if err != nil {
		return nil, nil, err
	}
	if err := database.CheckSchema(ctx, db); err != nil {
		db.Close()
		return nil, nil, err
	}
	log.Info().Msg("Connected to database")

	return chat.NewPostgresStore(db), func() {
		if err := db.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close database")
		}
	}, nil
}
