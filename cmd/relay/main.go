// Package main provides the relay binary: the server that brokers presence
// messages between clients sharing a 3D space.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/verdantvr/grove/internal/config"
	"github.com/verdantvr/grove/internal/observability"
	"github.com/verdantvr/grove/internal/relay"
	"github.com/verdantvr/grove/internal/server"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "", "path to configuration file; empty = built-in defaults")
	flag.Parse()

	var cfg config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("loading config: %v", err)
		}
	} else {
		cfg = config.Default()
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	registry := relay.NewRegistry()
	srv := relay.NewServer(cfg.Relay, registry, logger)
	heartbeat := relay.NewHeartbeat(registry, cfg.Relay.HeartbeatInterval, cfg.Relay.StalenessTimeout, logger)

	lifecycle := server.NewLifecycle(logger)
	lifecycle.Add("relay", func() error {
		return srv.ListenAndServe(cfg.Server.Addr())
	}, srv.Stop)
	lifecycle.Add("heartbeat", heartbeat.Start, heartbeat.Stop)

	logger.Info("relay initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("addr", cfg.Server.Addr()),
	)

	if err := lifecycle.Run(context.Background()); err != nil {
		logger.Fatal("relay error", zap.Error(err))
	}
}
