package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mossy-p/telemed-signaling/config"
	"github.com/mossy-p/telemed-signaling/internal/handlers"
	"github.com/mossy-p/telemed-signaling/internal/logging"
	"github.com/mossy-p/telemed-signaling/internal/redis"
	"github.com/mossy-p/telemed-signaling/internal/relay"
	"github.com/rs/zerolog/log"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logging.Setup(os.Getenv("ENVIRONMENT") == "production", os.Getenv("LOG_LEVEL"))

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logging.Setup(cfg.Production(), cfg.LogLevel)

	ice, err := config.NewICEProvider(cfg.ICEFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", cfg.ICEFile).Msg("failed to load ICE servers")
	}
	if err := ice.Watch(ctx.Done()); err != nil {
		log.Warn().Err(err).Str("file", cfg.ICEFile).Msg("ICE server hot reload disabled")
	}

	opts := relay.Options{
		BufferSize:  cfg.Relay.BufferSize,
		IdleTimeout: cfg.Relay.IdleTimeout,
	}
	if cfg.Relay.Backend == "redis" {
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to Redis")
		}
		defer client.Close()
		log.Info().Str("addr", cfg.Redis.Host+":"+cfg.Redis.Port).Msg("Redis connection established")

		opts.Store = redis.NewStore(client, cfg.Relay.RoomTTL)
		opts.Bus = redis.NewBus(client)
	}

	rl := relay.New(opts)
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		if err := rl.Run(ctx); err != nil {
			log.Error().Err(err).Msg("relay stopped")
		}
	}()

	h := handlers.New(rl, ice, cfg.WebSocket)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handlers.NewRouter(cfg, h),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("backend", cfg.Relay.Backend).Str("instance", rl.InstanceID()).Msg("signaling server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	// Closing the relay ends every SSE and WebSocket stream, which lets
	// Shutdown drain instead of waiting on hijacked connections.
	<-relayDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
