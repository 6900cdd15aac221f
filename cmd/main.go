package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/wes-io-live/relay-service/internal/config"
	"github.com/weiawesome/wes-io-live/relay-service/internal/feed"
	"github.com/weiawesome/wes-io-live/relay-service/internal/handler"
	"github.com/weiawesome/wes-io-live/relay-service/internal/service"
	pkglog "github.com/weiawesome/wes-io-live/relay-service/pkg/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Initialize structured logger
	pkglog.Init(pkglog.Config{
		Level:       cfg.Log.Level,
		Pretty:      cfg.Log.Pretty,
		ServiceName: "relay-service",
	})
	logger := pkglog.L()

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	logger.Info().
		Str("addr", cfg.Addr()).
		Str(pkglog.FieldDriver, cfg.Feed.Driver).
		Str(pkglog.FieldStreamID, cfg.Feed.StreamID).
		Msg("starting relay-service")

	// Create upstream feed
	upstreamFeed, err := feed.NewFeed(cfg.Feed)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create feed")
	}

	// Create service
	svc := service.NewRelayService(upstreamFeed, service.Config{
		StreamID:         cfg.Feed.StreamID,
		LivenessInterval: cfg.WebSocket.PingInterval,
		Session:          cfg.UpstreamConfig(),
	})

	// Create handlers
	wsHandler := handler.NewWSHandler(svc, cfg.HubConfig())
	httpHandler := handler.NewHTTPHandler(svc)

	// Setup Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(pkglog.GinMiddleware(logger))

	wsHandler.RegisterRoutes(r)
	httpHandler.RegisterRoutes(r)

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().Str("addr", cfg.Addr()).Msg("relay-service listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Start the upstream session once the listener is up.
	if err := svc.Start(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("failed to start relay service")
	}

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down relay-service")

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)

		svc.Stop() // 1. liveness timer, 2. retry timer, 3. downstream clients, 4. upstream session

		if err := upstreamFeed.Close(); err != nil {
			logger.Warn().Err(err).Msg("feed close error")
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil { // 5. listener
			logger.Error().Err(err).Msg("server shutdown error")
		}
	}()

	select {
	case <-shutdownDone:
		logger.Info().Msg("relay-service stopped")
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("shutdown timed out after 30s")
	}
}
