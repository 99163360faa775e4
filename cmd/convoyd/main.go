package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dyluth/convoy/internal/config"
	"github.com/dyluth/convoy/internal/pipeline"
	"github.com/dyluth/convoy/internal/setup"
	"github.com/dyluth/convoy/pkg/runboard"
	"github.com/redis/go-redis/v9"
)

const defaultAddr = ":8080"

func main() {
	// 1. Load environment variables
	instanceName := os.Getenv(config.EnvInstanceName)
	redisURL := os.Getenv(config.EnvRedisURL)

	if instanceName == "" || redisURL == "" {
		fmt.Fprintf(os.Stderr, "Error: %s and %s must be set\n", config.EnvInstanceName, config.EnvRedisURL)
		os.Exit(1)
	}

	// 2. Connect to the run board
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Invalid %s: %v\n", config.EnvRedisURL, err)
		os.Exit(1)
	}
	board, err := runboard.NewClient(redisOpts, instanceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to create run board client: %v\n", err)
		os.Exit(1)
	}
	defer board.Close()

	ctx := context.Background()
	if err := board.Ping(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Redis not accessible: %v\n", err)
		os.Exit(1)
	}

	// 3. Load convoy.yml and credentials
	cfgPath := config.EnvString(config.EnvConfigPath, "/workspace/convoy.yml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to load %s: %v\n", cfgPath, err)
		os.Exit(1)
	}
	creds := config.CredentialsFromEnv()
	if err := cfg.ApplyEnv(creds); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if creds.WebhookSecret == "" {
		log.Printf("[Daemon] WARNING: %s not set, webhook signatures are not verified", config.EnvWebhookSecret)
	}

	// 4. Wire the pipeline; the serializer shares the run board's connection pool
	components, err := setup.New(ctx, cfg, creds, setup.Options{
		InstanceName: instanceName,
		Workspace:    config.EnvString(config.EnvWorkspace, "/workspace"),
		Redis:        board.Redis(),
		Runs:         board,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to set up pipeline: %v\n", err)
		os.Exit(1)
	}
	defer components.Close()

	fmt.Printf("convoyd starting for instance '%s': %d platforms, %d products, serializer=%s\n",
		instanceName, len(cfg.Platforms), len(cfg.Products), cfg.Serializer.Backend)

	// 5. Serve webhooks
	server := pipeline.NewServer(components.Orchestrator, creds.WebhookSecret, board)
	addr := config.EnvString(config.EnvDaemonAddr, defaultAddr)
	if err := server.Start(addr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to start server: %v\n", err)
		os.Exit(1)
	}

	// 6. Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	fmt.Printf("Received signal %v, shutting down gracefully...\n", sig)

	shutdownTimeout, err := config.EnvDuration(config.EnvShutdown, 2*time.Minute)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v, using 2m\n", err)
		shutdownTimeout = 2 * time.Minute
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Shutdown error: %v\n", err)
	}

	fmt.Println("convoyd stopped")
}
