package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/appdock/appdock/internal/builder"
	"github.com/appdock/appdock/internal/shared/config"
	"github.com/appdock/appdock/internal/shared/logging"
)

func main() {
	cfg, err := config.LoadBuilderConfig()
	if err != nil {
		// no logger yet, config parsing failed
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.ServiceName, cfg.LogLevel, cfg.Environment)

	logger.Info("builder starting",
		"work_dir", cfg.BuildWorkDir,
		"registry", cfg.ContainerRegistry,
		"max_concurrent_builds", cfg.MaxConcurrentBuilds,
	)

	svc, err := builder.NewService(cfg, logger)
	if err != nil {
		logger.Error("failed to create service", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		logger.Error("service exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("builder stopped")
}
