package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"histeeria-chatsync/internal/api"
	"histeeria-chatsync/internal/auth"
	"histeeria-chatsync/internal/bridge"
	"histeeria-chatsync/internal/config"
	"histeeria-chatsync/internal/connectivity"
	"histeeria-chatsync/internal/e2e"
	"histeeria-chatsync/internal/engine"
	"histeeria-chatsync/internal/logging"
	"histeeria-chatsync/internal/metrics"
	"histeeria-chatsync/internal/models"
	"histeeria-chatsync/internal/store"
	"histeeria-chatsync/internal/websocket"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

func main() {
	bootstrap, _ := zap.NewDevelopment()
	zap.ReplaceGlobals(bootstrap)

	cfg, err := config.LoadConfig(".env")
	if err != nil {
		bootstrap.Fatal("Error: Configuration not loaded", zap.Error(err))
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		bootstrap.Fatal("Error: could not build logger", zap.Error(err))
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	identity, err := auth.ParseAccessToken(cfg.AccessToken, cfg.JWTSecret)
	if err != nil {
		logger.Fatal("Invalid ACCESS_TOKEN", zap.Error(err))
	}
	logger.Info("Chat sync daemon starting",
		zap.String("user_id", identity.UserID), zap.String("bridge_port", cfg.BridgePort))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var outbox store.OutboxStore = store.NewMemoryOutbox()
	if cfg.DatabaseURL != "" {
		dbpool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("Unable to create connection pool", zap.Error(err))
		}
		defer dbpool.Close()
		if err := dbpool.Ping(ctx); err != nil {
			logger.Fatal("Unable to connect to database", zap.Error(err))
		}
		pgOutbox := store.NewPostgresOutbox(dbpool)
		if err := pgOutbox.EnsureSchema(ctx); err != nil {
			logger.Fatal("Unable to prepare outbox", zap.Error(err))
		}
		outbox = pgOutbox
		logger.Info("Successfully connected to the database, outbox is persistent")
	} else if cfg.RedisURL != "" {
		rdb, err := store.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("Unable to connect to redis", zap.Error(err))
		}
		defer rdb.Close()
		outbox = store.NewRedisOutbox(rdb, cfg.RedisPrefix)
		logger.Info("Successfully connected to redis, outbox is persistent")
	}

	var codec e2e.Codec = e2e.Plain{}
	if cfg.E2EKey != "" {
		aead, err := e2e.NewAEADFromHex(cfg.E2EKey)
		if err != nil {
			logger.Fatal("Invalid E2E_KEY", zap.Error(err))
		}
		codec = e2e.WithFallback(aead, logger)
	}

	collector := metrics.New()

	apiClient := api.NewClient(api.Options{
		BaseURL: cfg.APIBaseURL,
		Token:   cfg.AccessToken,
		Timeout: cfg.RequestTimeout,
		Logger:  logger,
	})
	monitor := connectivity.NewMonitor(false, logger)
	channel := websocket.NewChannel(websocket.Options{
		URL:          cfg.WebSocketURL,
		Token:        cfg.AccessToken,
		SelfID:       identity.UserID,
		ReconnectMin: cfg.ReconnectMin,
		ReconnectMax: cfg.ReconnectMax,
		Logger:       logger,
		Metrics:      collector,
	})
	// A live channel proves the server is reachable.
	channel.On(models.EventConnected, func(models.Event) { monitor.Set(true) })

	displayName := cfg.DisplayName
	if displayName == "" {
		displayName = identity.Username
	}
	eng, err := engine.New(engine.Config{
		SelfID:              identity.UserID,
		DisplayName:         displayName,
		RetiredTempCapacity: cfg.RetiredTempCapacity,
		ReadReceiptDebounce: cfg.ReadReceiptDebounce,
		ReadReceiptCooldown: cfg.ReadReceiptCooldown,
		ReadReceiptSettle:   cfg.ReadReceiptSettle,
		TypingIdleTimeout:   cfg.TypingIdleTimeout,
	}, engine.Deps{
		API:          apiClient,
		Channel:      channel,
		Connectivity: monitor,
		Outbox:       outbox,
		Uploader:     apiClient,
		Codec:        codec,
		Logger:       logger,
		Metrics:      collector,
	})
	if err != nil {
		logger.Fatal("Unable to build engine", zap.Error(err))
	}

	go monitor.Probe(ctx, apiClient, cfg.ProbeInterval)
	go func() {
		if err := channel.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Channel stopped", zap.Error(err))
		}
	}()
	if err := eng.Start(ctx); err != nil {
		logger.Fatal("Unable to start engine", zap.Error(err))
	}

	handler := bridge.NewHandler(eng, logger)
	router := bridge.NewRouter(handler, bridge.RouterOptions{
		Token:          cfg.BridgeToken,
		AllowedOrigins: cfg.AllowedOrigins,
		Registry:       collector.Registry(),
		Release:        !cfg.LogDevelopment,
		RateLimit:      cfg.BridgeRateLimit,
		RateBurst:      cfg.BridgeRateBurst,
	})
	if cfg.BridgeToken == "" {
		logger.Warn("BRIDGE_TOKEN is empty, the local bridge accepts unauthenticated requests")
	}

	// Event streams never finish on their own; they end with this context.
	streamCtx, stopStreams := context.WithCancel(ctx)
	srv := &http.Server{
		Addr:              "127.0.0.1:" + cfg.BridgePort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return streamCtx },
	}

	go func() {
		logger.Info("Listening and serving bridge", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	stopStreams()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Bridge forced to shutdown", zap.Error(err))
	}
	eng.Close()
	cancel()

	logger.Info("Daemon exiting")
}
