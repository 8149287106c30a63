package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/computersciencehouse/rankit/api"
	"github.com/computersciencehouse/rankit/config"
	"github.com/computersciencehouse/rankit/logging"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Logger.WithFields(logrus.Fields{"error": err, "module": "main"}).Fatal("error loading config")
	}
	logging.SetLevel(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		logging.Logger.WithFields(logrus.Fields{"error": err, "module": "main"}).Fatal("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := api.NewServer(cfg).Start(ctx); err != nil {
		logging.Logger.WithFields(logrus.Fields{"error": err, "module": "main"}).Fatal("server stopped")
	}
}
