package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/dataswift/hatsync/internal/app"
	"github.com/dataswift/hatsync/internal/config"
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

	// Writes made here are replayed in-process
	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer func() { _ = a.Close() }()

	srv := asynq.NewServer(asynq.RedisClientOpt{Addr: cfg.RedisAddr}, asynq.Config{
		// passes for one type are serialised by the engine anyway
		Concurrency:    4,
		StrictPriority: false,
		Queues: map[string]int{
			jobs.QueueSync: 10,
			"default":      5,
		},
	})
	mux := asynq.NewServeMux()
	mux.Handle(jobs.TaskReconcile, &jobs.Handler{Sync: a.Engine, Log: logger})

	// Reconnecting drains everything, the api only queues per type
	go a.Watcher().Run(ctx)

	logger.Info().Str("hat", cfg.HAT.Domain).Msg("worker running")
	if err := srv.Start(mux); err != nil {
		logger.Fatal().Err(err).Msg("worker failed")
	}
	<-ctx.Done()
	srv.Shutdown()
}
