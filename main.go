package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"pdfqa/backend/internal/app"
	"pdfqa/backend/internal/config"
	"pdfqa/backend/internal/logger"
	"pdfqa/backend/internal/worker"
)

func main() {
	log := slog.New(logger.NewContextHandler(slog.NewJSONHandler(os.Stdout, nil)))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer deps.Close()

	var pub worker.TaskPublisher
	if deps.NSQProducer != nil {
		pub = deps.NSQProducer
	}

	application, err := app.New(cfg, deps.DB, deps.Index, deps.Blobs, pub, nil)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	return application.Run(ctx)
}
