// Talon - Incentive calculation that deploys in 60 seconds.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/talon/internal/api"
	"github.com/opensource-finance/talon/internal/bus"
	"github.com/opensource-finance/talon/internal/cache"
	"github.com/opensource-finance/talon/internal/density"
	"github.com/opensource-finance/talon/internal/domain"
	"github.com/opensource-finance/talon/internal/engine"
	"github.com/opensource-finance/talon/internal/repository"
	"github.com/opensource-finance/talon/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("TALON_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting talon",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("TALON_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Pattern Density Tracker
	tracker := density.NewTracker(cfg.Density, repo)
	slog.Info("density tracker initialized",
		"light_threshold", cfg.Density.LightThreshold,
		"silent_threshold", cfg.Density.SilentThreshold,
		"min_samples", cfg.Density.MinSamples,
	)

	// Initialize Calculation Engine
	eng := engine.New(repo, cacheImpl, busImpl, tracker, cfg.Engine, Version)
	slog.Info("calculation engine initialized", "max_workers", cfg.Engine.MaxWorkers)

	// Initialize async Worker. Run requests are published on per-tenant
	// subjects, so the worker needs an explicit tenant list.
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("TALON_ASYNC_WORKER") == "true" {
		var tenantIDs []string
		for _, id := range strings.Split(os.Getenv("TALON_TENANTS"), ",") {
			if id = strings.TrimSpace(id); id != "" {
				tenantIDs = append(tenantIDs, id)
			}
		}

		if len(tenantIDs) == 0 {
			slog.Warn("async worker disabled: TALON_TENANTS is not set")
		} else {
			asyncWorker = worker.NewWorker(busImpl, eng)
			if err := asyncWorker.Start(worker.Config{TenantIDs: tenantIDs}); err != nil {
				slog.Error("failed to start async worker", "error", err)
				asyncWorker = nil
			} else {
				slog.Info("async worker started", "tenant_count", len(tenantIDs))
			}
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, eng, tracker, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("talon is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("talon shutdown complete")
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 TALON                    ║")
	fmt.Println("  ║      Incentive Calculation Engine         ║")
	fmt.Println("  ║      Every payout, to the cent.           ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /facts                    - Ingest fact rows")
	fmt.Println("    POST /plans                    - Create a compensation plan")
	fmt.Println("    POST /plans/{id}/assignments   - Assign an individual to a plan")
	fmt.Println("    POST /individuals              - Create an individual")
	fmt.Println("    POST /calculations             - Run a calculation (sync)")
	fmt.Println("    POST /calculations/async       - Queue a calculation run")
	fmt.Println("    GET  /batches/{id}             - Get a calculation batch")
	fmt.Println("    GET  /batches/{id}/results     - Get per-individual results")
	fmt.Println("    POST /batches/{id}/state       - Advance batch lifecycle")
	fmt.Println("    GET  /density                  - Inspect pattern confidence")
	fmt.Println("    POST /density/corrections      - Report a correction")
	fmt.Println("    GET  /health                   - Health check")
	fmt.Println()
}
