// cmd/api/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dataswift/hatsync/engine"
	"github.com/dataswift/hatsync/internal/app"
	"github.com/dataswift/hatsync/internal/config"
	"github.com/dataswift/hatsync/internal/http/routes"
	"github.com/dataswift/hatsync/internal/jobs"
)

func main() {
	cfg, err := config.Load()
	logger := app.NewLogger(os.Stdout, os.Getenv("LOG_LEVEL"))
	if err != nil {
		logger.Fatal().Err(err).Msg("config error")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Writes are replayed by the worker through asynq
	client := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := client.Close(); err != nil {
			logger.Error().Err(err).Msg("close asynq client")
		}
	}()
	trigger := jobs.NewEnqueuer(client)

	a, err := app.Open(ctx, cfg, logger, engine.WithTrigger(trigger))
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error().Err(err).Msg("shutdown")
		}
	}()

	s := routes.New(routes.ServerOptions{
		Engine:   a.Engine,
		Trigger:  trigger,
		APIToken: cfg.APIToken,
		Log:      logger,
	})
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: s.Router, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("port", cfg.Port).Str("hat", cfg.HAT.Domain).Msg("starting status api")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("server error")
	}
}
