package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/sosalejandro/lxd-operations/internal/config"
	lxdops "github.com/sosalejandro/lxd-operations/pkg"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	wsPath, err := lxdops.WebSocketPath(cfg.LXD.URL)
	if err != nil {
		logger.Fatal("Invalid LXD URL", zap.Error(err))
	}

	opts := []lxdops.Option{lxdops.WithLogger(logger)}
	certPEM, keyPEM, err := cfg.LXD.ClientCertificate()
	if err != nil {
		logger.Fatal("Failed to read client certificate", zap.Error(err))
	}
	if certPEM != nil {
		opts = append(opts, lxdops.WithClientCertificate(certPEM, keyPEM))
	}

	client, err := lxdops.NewClient(wsPath, opts...)
	if err != nil {
		logger.Fatal("Failed to create client", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	tracker := lxdops.NewOperationTracker(client, redisClient, logger)
	tracker.Expiration = cfg.Redis.SnapshotTTL

	httpHandler := lxdops.NewHTTPHandler(tracker, logger)
	webSocketHandler := lxdops.NewWebSocketHandler(tracker, logger)

	srv := &http.Server{
		Handler:      lxdops.NewRouter(httpHandler, webSocketHandler),
		Addr:         cfg.Server.Addr,
		WriteTimeout: cfg.Server.WriteTimeout,
		ReadTimeout:  cfg.Server.ReadTimeout,
	}

	go func() {
		logger.Info("Server listening", zap.String("addr", cfg.Server.Addr), zap.String("ws_path", wsPath))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
	}

	logger.Info("Shutting down")
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zapConfig := zap.NewProductionConfig()
	if cfg.Development {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	return zapConfig.Build()
}
