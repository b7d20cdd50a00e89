package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/easelhq/easel/internal/api"
	"github.com/easelhq/easel/internal/collab"
	"github.com/easelhq/easel/internal/config"
	"github.com/easelhq/easel/internal/dispatch"
	"github.com/easelhq/easel/internal/generate"
	"github.com/easelhq/easel/internal/idempotency"
	"github.com/easelhq/easel/internal/orchestrator"
	"github.com/easelhq/easel/pkg/canvas"
)

func main() {
	// 1. Load environment variables
	instanceName := os.Getenv("EASEL_INSTANCE_NAME")
	if instanceName == "" {
		fmt.Fprintf(os.Stderr, "Error: EASEL_INSTANCE_NAME must be set\n")
		os.Exit(1)
	}

	// 2. Load easel.yml if present, defaults otherwise
	cfg := config.Default()
	configPath := os.Getenv("EASEL_CONFIG")
	if configPath == "" {
		configPath = "easel.yml"
	}
	if _, err := os.Stat(configPath); err == nil {
		loaded, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: Failed to load %s: %v\n", configPath, err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// REDIS_URL overrides the config file for container deployments.
	redisURL := cfg.Redis.URL
	if env := os.Getenv("REDIS_URL"); env != "" {
		redisURL = env
	}

	// 3. Parse Redis URL and create the store
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Invalid Redis URL: %v\n", err)
		os.Exit(1)
	}

	store, err := canvas.NewStore(redisOpts, instanceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to create canvas store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	// 4. Verify Redis connectivity
	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Redis not accessible: %v\n", err)
		os.Exit(1)
	}

	// 5. Build the generation backend
	var generator canvas.Generator
	switch cfg.Generation.Provider {
	case "scripted":
		generator = generate.NewScripted()
		fmt.Println("Using scripted generation backend")
	default:
		apiKey := os.Getenv(cfg.Generation.APIKeyEnv)
		if apiKey == "" {
			fmt.Fprintf(os.Stderr, "Error: %s must be set for the openai provider\n", cfg.Generation.APIKeyEnv)
			os.Exit(1)
		}
		generator = generate.NewOpenAI(apiKey, cfg.Generation.Model, cfg.GenerationTimeout())
	}

	// 6. Assemble the service
	manager := canvas.NewManager(store, generator)
	guard := idempotency.NewGuard(store,
		idempotency.WithBucket(cfg.Bucket()),
		idempotency.WithLease(cfg.PendingLease()),
		idempotency.WithResultTTL(cfg.ResultTTL()),
	)
	hub := collab.NewHub()
	registry := prometheus.NewRegistry()
	metrics := orchestrator.NewMetrics(registry)
	service := orchestrator.NewService(
		dispatch.NewDispatcher(store, manager),
		guard, hub, manager, metrics,
	)

	// 7. Setup graceful shutdown
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go guard.RunSweeper(runCtx, cfg.SweepInterval())

	// 8. Start the HTTP server
	server := api.NewServer(service, registry)
	server.Start(cfg.Server.Addr)
	fmt.Printf("easeld serving instance '%s' on %s\n", instanceName, cfg.Server.Addr)

	// 9. Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	fmt.Printf("Received signal %v, shutting down gracefully...\n", sig)

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Server shutdown failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("easeld stopped")
}
