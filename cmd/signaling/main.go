package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/matchsync/config"
	"github.com/mossy-p/matchsync/internal/handlers"
	"github.com/mossy-p/matchsync/internal/logger"
	"github.com/mossy-p/matchsync/internal/redis"
)

func main() {
	log := logger.NewLogger("signaling", false)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	roomStore, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer roomStore.Close()

	log.Info().Msg("Redis connection established")

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router, _ := handlers.NewRouter(cfg, roomStore, log)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info().Str("port", cfg.Port).Msg("starting signaling relay")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("failed to start server")
	}
}
