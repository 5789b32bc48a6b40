package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/a-essam23/livememo/internal/server"
	"github.com/a-essam23/livememo/pkg/config"
	"github.com/a-essam23/livememo/pkg/logging"
)

func main() {
	bootLogger := logging.New(logging.LevelInfo)

	cfg, err := config.Load(bootLogger, "config")
	if err != nil {
		bootLogger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger := logging.NewWithWriter(os.Stdout, cfg.Log.Format, logging.ParseLevel(cfg.Log.Level))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, closeDeps, err := server.BuildDeps(ctx, logger, cfg)
	if err != nil {
		logger.Error("Failed to connect backing services", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeDeps()

	app := server.NewApp(logger, ctx, cfg, deps)
	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		closeDeps()
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}
