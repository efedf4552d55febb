package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/razat249/king-of-tokyo-player-mats/internal/api"
	"github.com/razat249/king-of-tokyo-player-mats/internal/config"
	"github.com/razat249/king-of-tokyo-player-mats/internal/janitor"
	"github.com/razat249/king-of-tokyo-player-mats/internal/logging"
	"github.com/razat249/king-of-tokyo-player-mats/internal/rowstore"
	"github.com/razat249/king-of-tokyo-player-mats/internal/rowstore/postgres"
	"github.com/razat249/king-of-tokyo-player-mats/internal/rowstore/redisfeed"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	envErr := godotenv.Load(".env")

	cfg := config.Load()
	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if envErr != nil {
		logger.Debug("No .env file found, using environment variables only")
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
}

func run(cfg config.AppConfig, logger *zap.Logger) error {
	if err := cfg.Store.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	broker, err := openBroker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer broker.Close()

	store, closeStore, err := openStore(ctx, cfg, broker, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	server := api.NewServer(store, api.ServerConfig{
		Addr: cfg.Server.Addr(),
		RateLimit: api.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
			TrustProxy:        cfg.Server.TrustProxy,
		},
		Feed: api.FeedConfig{
			MaxPerIP:   cfg.Feed.MaxPerIP,
			PingPeriod: cfg.Feed.PingPeriod,
		},
		CORSOrigins: cfg.Server.CORSOrigins,
	}, logger)

	debug := api.StartDebugServer(api.ObservabilityConfig{
		Enabled:       cfg.Debug.Enabled,
		ListenAddr:    cfg.Debug.Addr,
		AllowExternal: cfg.Debug.AllowExternal,
		BasicAuthUser: cfg.Debug.BasicAuthUser,
		BasicAuthPass: cfg.Debug.BasicAuthPass,
	}, logger)

	var jan *janitor.Janitor
	if cfg.Janitor.Enabled {
		jan = janitor.New(store, janitor.Config{
			Schedule: cfg.Janitor.Schedule,
			IdleTTL:  cfg.Janitor.IdleTTL,
		}, logger.Named("janitor"))
		if err := jan.Start(); err != nil {
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	logger.Info("Row store ready",
		zap.String("backend", cfg.Store.Backend),
		zap.Bool("redis_feed", cfg.Redis.Enabled()),
		zap.String("addr", cfg.Server.Addr()))

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if jan != nil {
		jan.Stop()
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API shutdown incomplete", zap.Error(err))
	}
	if debug != nil {
		debug.Shutdown(shutdownCtx)
	}
	logger.Info("Shutdown complete")
	return nil
}

// openBroker picks the change feed fan-out. Redis lets several API instances
// share one database; without it events stay in process.
func openBroker(ctx context.Context, cfg config.AppConfig, logger *zap.Logger) (rowstore.Broker, error) {
	if !cfg.Redis.Enabled() {
		return rowstore.NewLocalBroker(cfg.Feed.Buffer), nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	rdb, err := redisfeed.Connect(connectCtx, redisfeed.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger)
	if err != nil {
		return nil, err
	}
	return redisfeed.New(rdb, logger.Named("redisfeed"), cfg.Feed.Buffer), nil
}

func openStore(ctx context.Context, cfg config.AppConfig, broker rowstore.Broker, logger *zap.Logger) (rowstore.Backend, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		store, err := postgres.Open(ctx, postgres.Options{
			DSN:           cfg.Store.DSN(),
			MaxRetries:    cfg.Store.MaxRetries,
			RetryInterval: cfg.Store.RetryInterval,
		}, broker, logger.Named("postgres"))
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	default:
		logger.Warn("Using in-memory row store; data is lost on restart")
		return rowstore.NewMemoryStore(broker), func() {}, nil
	}
}
