package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BearBump/FulfillBox/config"
	"github.com/BearBump/FulfillBox/internal/bootstrap"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("config parse failed: %v", err))
	}

	logger, err := bootstrap.NewLogger(cfg.FulfillBox.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	swaggerPath := os.Getenv("workerSwaggerPath")
	if swaggerPath == "" {
		logger.Warn("workerSwaggerPath not set, ops HTTP server disabled")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err = RunFulfillWorker(ctx, cfg, defaultWorkerFactories(), logger, workerHTTPOpts{
		httpAddr:    cfg.Worker.HTTPAddr,
		swaggerPath: swaggerPath,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("fulfill-worker stopped", zap.Error(err))
	}
}
