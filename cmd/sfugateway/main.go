package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/livestage/sfu-gateway/internal/config"
	"github.com/livestage/sfu-gateway/internal/logging"
	"github.com/livestage/sfu-gateway/internal/server"
)

func main() {
	cfg := config.LoadConfig()

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}

	if err := config.Validate(cfg); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	logger.Info("starting sfu gateway")

	gateway, err := server.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to construct gateway", zap.Error(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := gateway.Start(); err != nil {
			logger.Fatal("gateway start failed", zap.Error(err))
		}
	}()

	<-sigChan
	logger.Info("received shutdown signal")

	gateway.Stop()
	logger.Info("sfu gateway stopped")
}
