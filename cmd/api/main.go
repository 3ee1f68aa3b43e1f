package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"ticketdesk/threads/internal/app"
	"ticketdesk/threads/internal/attachments"
	"ticketdesk/threads/internal/auth"
	"ticketdesk/threads/internal/broker"
	"ticketdesk/threads/internal/config"
	"ticketdesk/threads/internal/search"
	"ticketdesk/threads/internal/session"
	"ticketdesk/threads/internal/store"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	cliApp := &cli.App{
		Name:  "threads-api",
		Usage: "comment thread authority: REST commands and websocket push",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to a TOML config file", EnvVars: []string{config.EnvPrefix + "CONFIG"}},
			&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
		},
		Action: func(c *cli.Context) error {
			level := zerolog.InfoLevel
			if c.Bool("debug") {
				level = zerolog.DebugLevel
			}
			return run(c.Context, c.String("config"), logger.Level(level))
		},
	}
	if err := cliApp.Run(os.Args); err != nil {
		logger.Fatal().Err(err).Msg("api: exited")
	}
}

func run(ctx context.Context, configPath string, logger zerolog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.ValidateServer(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	db, err := store.Open(ctx, cfg.Server.DatabaseURL, store.DefaultPoolOptions())
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, os.DirFS(cfg.Server.MigrationsDir))
	if err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	if len(applied) > 0 {
		logger.Info().Strs("versions", applied).Msg("api: migrations applied")
	}
	dataStore := store.NewPostgresStore(db)

	var bus broker.Broker
	var revocations *session.RedisStore
	if strings.TrimSpace(cfg.Server.RedisURL) != "" {
		redisBroker, err := broker.NewRedis(cfg.Server.RedisURL, logger)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		logger.Info().Msg("api: using redis pub/sub for push fan-out")
		bus = redisBroker

		revocations, err = session.NewRedisStore(cfg.Server.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer revocations.Close()
	} else {
		logger.Info().Msg("api: using in-process push fan-out")
		bus = broker.NewLocal(logger)
	}
	defer bus.Close()

	// The index stays a nil interface when Meilisearch is not configured.
	var index search.Indexer
	if strings.TrimSpace(cfg.Search.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.Search.MeiliURL, cfg.Search.MeiliKey, logger)
		defer meiliClient.Close()
		index = meiliClient
	}
	searchService := search.NewService(index, search.NewPgFTS(dataStore), logger)
	if index != nil {
		go searchService.Reindex(context.WithoutCancel(ctx), time.Time{})
	}

	deps := app.Deps{
		Store:          dataStore,
		Broker:         bus,
		Search:         searchService,
		Issuer:         auth.NewIssuer(cfg.Server.TokenSecret, cfg.Server.TokenTTL),
		Logger:         logger,
		MaxUploadBytes: cfg.Storage.MaxUpload,
	}
	if revocations != nil {
		deps.Revocations = revocations
	}
	if strings.TrimSpace(cfg.Storage.Endpoint) != "" {
		objects, err := attachments.New(attachments.Options{
			Endpoint:   cfg.Storage.Endpoint,
			AccessKey:  cfg.Storage.AccessKey,
			SecretKey:  cfg.Storage.SecretKey,
			Bucket:     cfg.Storage.Bucket,
			Secure:     cfg.Storage.Secure,
			PresignTTL: cfg.Storage.PresignTTL,
		}, logger)
		if err != nil {
			return fmt.Errorf("attachment storage: %w", err)
		}
		if err := objects.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("attachment bucket: %w", err)
		}
		deps.Attachments = objects
	} else {
		logger.Warn().Msg("api: attachment storage not configured, uploads disabled")
	}

	service := app.NewService(deps)
	httpServer := app.NewHTTPServer(service, app.ServerOptions{
		CORSOrigin:    cfg.Server.CORSOrigin,
		RatePerSecond: cfg.Server.RatePerSecond,
		RateBurst:     cfg.Server.RateBurst,
		PingInterval:  cfg.Sync.HeartbeatInterval,
		Logger:        logger,
	})
	// No WriteTimeout: stream connections are long-lived.
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Msg("api: listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("api: shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	// Shutdown does not track hijacked stream connections; closing the broker
	// sends them a close frame.
	_ = bus.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api: shutdown error")
	}
	return nil
}
