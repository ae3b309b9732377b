package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"waveos/go-presence/internal/app"
	"waveos/go-presence/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))

	application := app.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		logger.Error("directory terminated", "error", err)
		os.Exit(1)
	}

	logger.Info("directory stopped cleanly")
}
