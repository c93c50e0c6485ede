package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/daimoniac/patchline/internal/api"
	"github.com/daimoniac/patchline/internal/audit"
	"github.com/daimoniac/patchline/internal/config"
	"github.com/daimoniac/patchline/internal/distribution"
	"github.com/daimoniac/patchline/internal/observability"
	"github.com/daimoniac/patchline/internal/patch"
	"github.com/daimoniac/patchline/internal/policy"
	"github.com/daimoniac/patchline/internal/queue"
	"github.com/daimoniac/patchline/internal/rollout"
	"github.com/daimoniac/patchline/internal/scheduler"
	"github.com/daimoniac/patchline/internal/statestore"
	"github.com/daimoniac/patchline/internal/version"
	"github.com/daimoniac/patchline/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel)
	logger.Info("starting patchline",
		"fleet_path", cfg.FleetPath,
		"log_level", cfg.Observability.LogLevel)

	_ = observability.GetMetrics()
	logger.Debug("metrics initialized",
		"metrics_port", cfg.Observability.MetricsPort)

	healthChecker := observability.NewHealthChecker(logger)

	healthChecker.RegisterComponent("config")
	healthChecker.RegisterComponent("statestore")
	healthChecker.RegisterComponent("queue")
	healthChecker.RegisterComponent("worker")
	healthChecker.RegisterComponent("scheduler")

	healthChecker.UpdateComponentHealth("config", observability.StatusHealthy, "")

	obsServer := observability.NewServer(
		cfg.Observability.MetricsPort,
		cfg.Observability.HealthCheckPort,
		logger,
		healthChecker,
	)

	go func() {
		if err := obsServer.Start(ctx); err != nil {
			logger.Error("observability server error",
				"error", err.Error())
		}
	}()

	logger.Debug("loading fleet manifest",
		"path", cfg.FleetPath)
	fleet, err := config.LoadFleet(cfg.FleetPath)
	if err != nil {
		return fmt.Errorf("failed to load fleet manifest: %w", err)
	}
	logger.Debug("fleet manifest loaded",
		"groups", len(fleet.Groups))

	logger.Debug("initializing state store",
		"type", cfg.StateStore.Type)
	var store statestore.Store
	switch cfg.StateStore.Type {
	case "sqlite":
		store, err = statestore.NewSQLiteStore(cfg.StateStore.SQLitePath)
		if err != nil {
			healthChecker.UpdateComponentHealth("statestore", observability.StatusUnhealthy, err.Error())
			return fmt.Errorf("failed to initialize sqlite store: %w", err)
		}
	case "memory":
		store = statestore.NewMemoryStore()
	default:
		return fmt.Errorf("unsupported state store type: %s", cfg.StateStore.Type)
	}
	defer store.Close()
	healthChecker.UpdateComponentHealth("statestore", observability.StatusHealthy, "")

	taskQueue := queue.NewInMemoryQueue(cfg.Queue.BufferSize)
	healthChecker.UpdateComponentHealth("queue", observability.StatusHealthy, "")

	logger.Debug("initializing advancement policy",
		"expression", cfg.Rollout.PolicyExpr)
	policyEngine, err := policy.NewEngine(logger, policy.Config{
		Expression: cfg.Rollout.PolicyExpr,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	coordinator := worker.NewCoordinator(worker.CoordinatorDeps{
		Patches:      patch.NewManager(nil),
		Rollouts:     rollout.NewEngine(nil, nil),
		Versions:     version.NewManager(nil),
		Distribution: distribution.NewManager(nil, nil),
		Trail:        audit.NewTrail(nil),
		Store:        store,
		Policy:       policyEngine,
		Queue:        taskQueue,
		Logger:       logger,
	})

	if err := coordinator.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore persisted state: %w", err)
	}

	workerConfig := worker.Config{
		RetryAttempts: cfg.Worker.RetryAttempts,
		RetryBackoff:  cfg.Worker.RetryBackoff,
		Concurrency:   cfg.Worker.Concurrency,
	}
	stageWorker := worker.NewStageWorker(taskQueue, coordinator, workerConfig, logger, nil)
	healthChecker.UpdateComponentHealth("worker", observability.StatusHealthy, "")

	rolloutScheduler := scheduler.NewScheduler(store, taskQueue, scheduler.Config{
		PollInterval: cfg.Worker.PollInterval,
	}, logger, nil)
	healthChecker.UpdateComponentHealth("scheduler", observability.StatusHealthy, "")

	var apiServer *api.APIServer
	if cfg.API.Enabled {
		logger.Debug("initializing API server",
			"port", cfg.API.Port,
			"read_only", cfg.API.ReadOnly)
		apiServer = api.NewAPIServer(&cfg.API, coordinator, fleet, logger)
	}

	var wg sync.WaitGroup
	errChan := make(chan error, 3)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := rolloutScheduler.Start(ctx); err != nil && err != context.Canceled {
			logger.Error("scheduler error",
				"error", err.Error())
			errChan <- fmt.Errorf("scheduler error: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := stageWorker.Start(ctx); err != nil && err != context.Canceled {
			logger.Error("worker error",
				"error", err.Error())
			errChan <- fmt.Errorf("worker error: %w", err)
		}
	}()

	if apiServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("API server listening",
				"port", cfg.API.Port)
			if err := apiServer.Start(ctx); err != nil && err != context.Canceled {
				logger.Error("API server error",
					"error", err.Error())
				errChan <- fmt.Errorf("API server error: %w", err)
			}
		}()
	}

	logger.Info("all components started successfully")

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errChan:
		logger.Error("component error, initiating shutdown",
			"error", err.Error())
		cancel()
	}

	logger.Info("shutting down gracefully")
	if err := taskQueue.Close(); err != nil {
		logger.Warn("failed to close task queue",
			"error", err.Error())
	}
	wg.Wait()
	logger.Info("shutdown complete")
	return nil
}
