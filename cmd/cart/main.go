package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fjod/go_cart/storefront-cart/internal/cart"
	"github.com/fjod/go_cart/storefront-cart/internal/config"
	h "github.com/fjod/go_cart/storefront-cart/internal/http"
	"github.com/fjod/go_cart/storefront-cart/internal/logger"
	"github.com/fjod/go_cart/storefront-cart/internal/poller"
	"github.com/fjod/go_cart/storefront-cart/internal/remote"
	"github.com/fjod/go_cart/storefront-cart/internal/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zl, err := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: "stdout"})
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zl.Sync()
	zap.ReplaceGlobals(zl)

	ctx := context.Background()

	var client *remote.Client
	if cfg.BackendURL != "" {
		client = remote.NewClient(cfg.BackendURL, remote.WithToken(cfg.BackendToken))
		zl.Info("using cart backend", zap.String("url", cfg.BackendURL))
	}

	var factory cart.Factory
	closeSlot := func() error { return nil }
	switch cfg.Mode {
	case config.ModeRemote:
		factory = remote.Factory(client,
			remote.WithLogger(zl),
			remote.WithShippingPolicy(cfg.ShippingPolicy()),
		)
	default:
		var slot storage.Slot
		slot, closeSlot, err = openSlot(ctx, cfg)
		if err != nil {
			zl.Fatal("Failed to open cart storage", zap.String("storage", cfg.Storage), zap.Error(err))
		}
		zl.Info("cart storage ready", zap.String("storage", cfg.Storage))
		factory = cart.LocalFactory(slot, cfg.StorageKey,
			cart.WithLogger(zl),
			cart.WithShippingPolicy(cfg.ShippingPolicy()),
		)
	}

	registry := cart.NewRegistry(factory,
		cart.WithIdleTTL(cfg.IdleTTL),
		cart.WithRegistryLogger(zl),
	)

	var checkout h.Checkouter
	if cfg.CheckoutEnabled() {
		checkout = remote.NewCheckouter(client, zl)
	}

	pollCtx, stopPoller := context.WithCancel(ctx)
	defer stopPoller()
	go registry.RunEviction(pollCtx, cfg.EvictInterval)
	if cfg.PollerEnabled() {
		p := poller.NewPoller(registry, zl, poller.Config{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			GroupID: cfg.KafkaGroupID,
		})
		defer p.Close()
		go p.Run(pollCtx)
		zl.Info("checkout poller started", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	cartHandler := h.NewCartHandler(registry, checkout, cfg.RequestTimeout, zl)
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      h.NewRouter(cartHandler, zl, cfg.RequestTimeout),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		zl.Info("cart service listening", zap.String("port", cfg.HTTPPort), zap.String("mode", cfg.Mode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zl.Info("shutting down cart service...")
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Error("server forced to shutdown", zap.Error(err))
	}
	stopPoller()
	if err := registry.Close(shutdownCtx); err != nil {
		zl.Error("failed to flush carts", zap.Error(err))
	}
	if err := closeSlot(); err != nil {
		zl.Error("failed to close cart storage", zap.Error(err))
	}
	zl.Info("cart service stopped")
}

// openSlot connects the storage backend named by cfg.Storage.
func openSlot(ctx context.Context, cfg *config.Config) (storage.Slot, func() error, error) {
	switch cfg.Storage {
	case config.StorageMemory:
		return storage.NewMemorySlot(), func() error { return nil }, nil

	case config.StorageSQLite, config.StoragePostgres:
		var (
			slot *storage.SQLSlot
			err  error
		)
		if cfg.Storage == config.StorageSQLite {
			slot, err = storage.OpenSQLite(cfg.SQLitePath)
		} else {
			slot, err = storage.OpenPostgres(cfg.PostgresDSN)
		}
		if err != nil {
			return nil, nil, err
		}
		if err := slot.RunMigrations(); err != nil {
			slot.Close()
			return nil, nil, err
		}
		return slot, slot.Close, nil

	case config.StorageRedis:
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       0,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			redisClient.Close()
			return nil, nil, fmt.Errorf("redis ping failed: %w", err)
		}
		return storage.NewRedisSlot(redisClient, 0), redisClient.Close, nil

	case config.StorageMongo:
		db, err := storage.ConnectMongoDB(ctx, cfg.MongoURI, cfg.MongoDBName, cfg.MongoPool())
		if err != nil {
			return nil, nil, err
		}
		return storage.NewMongoSlot(db), func() error {
			return db.Client().Disconnect(context.Background())
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown storage %q", cfg.Storage)
}
