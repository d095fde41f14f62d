// Package main is the entry point for edgegate, an API gateway that fronts
// a set of HTTP microservices with:
//   - tiered and strict rate limits kept in a shared Redis store
//   - per-service circuit breakers with cached or static fallbacks
//   - health-checked load balancing (round robin, weighted, least connections, ip hash)
//   - API version negotiation by path, header or query parameter
//   - an admin API for status, metrics and runtime instance changes
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/edgequota/edgegate/internal/config"
	"github.com/edgequota/edgegate/internal/observability"
	"github.com/edgequota/edgegate/internal/server"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("edgegate %s\n", version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting edgegate", "version", version, "services", len(cfg.Services))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(cfg, logger, version)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	watcher := config.NewWatcher(config.ConfigFilePath(), func(newCfg *config.Config) {
		if reloadErr := srv.Reload(newCfg); reloadErr != nil {
			logger.Error("config reload failed", "error", reloadErr)
		}
	}, logger)
	go func() {
		if watchErr := watcher.Start(ctx); watchErr != nil {
			logger.Error("config watcher error", "error", watchErr)
		}
	}()
	defer watcher.Stop()

	if tc := cfg.Server.TLS; tc.Enabled && tc.CertFile != "" && tc.KeyFile != "" {
		certWatcher := config.NewCertWatcher(tc.CertFile, tc.KeyFile, srv.ReloadCerts, logger)
		go func() {
			if watchErr := certWatcher.Start(ctx); watchErr != nil {
				logger.Error("cert watcher error", "error", watchErr)
			}
		}()
		defer certWatcher.Stop()
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("edgegate shut down gracefully")
}
