package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bemcculley/auto-merge/internal/api"
	"github.com/bemcculley/auto-merge/internal/config"
	"github.com/bemcculley/auto-merge/internal/github"
	"github.com/bemcculley/auto-merge/internal/metrics"
	"github.com/bemcculley/auto-merge/internal/queue"
	"github.com/bemcculley/auto-merge/internal/store"
	"github.com/bemcculley/auto-merge/internal/worker"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.AppID == "" || cfg.AppPrivateKey == "" {
		log.Fatalf("APP_ID and APP_PRIVATE_KEY are required")
	}
	if cfg.WebhookSecret == "" {
		log.Fatalf("WEBHOOK_SECRET is required")
	}

	log.Println("Initializing Auto Merge Service...")
	log.Printf("Version: %s (commit %s)", cfg.ServiceVersion, BuildCommit)
	log.Printf("Redis: %s (namespace %s)", cfg.RedisURL, cfg.RedisNamespace)
	log.Printf("GitHub API: %s", cfg.GitHubAPIURL)
	log.Printf("Listen: %s", cfg.Addr())
	metrics.SetServiceInfo(cfg.ServiceVersion)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer st.Close()

	backoff := queue.BackoffPolicy{
		BaseSeconds: float64(cfg.BackoffBaseSeconds),
		Factor:      cfg.BackoffFactor,
		MaxSeconds:  float64(cfg.MaxBackoffSeconds),
	}
	q := queue.New(st, cfg.RedisNamespace, backoff)
	lease := queue.NewLease(st, cfg.RedisNamespace, time.Duration(cfg.RedisLockTTLSeconds)*time.Second)
	throttle := queue.NewThrottle(st, cfg.RedisNamespace)

	forge, err := github.NewFactory(cfg, throttle)
	if err != nil {
		log.Fatalf("Failed to init GitHub client: %v", err)
	}

	dispatcher := worker.NewDispatcher(ctx, cfg, q, lease, throttle, func(installationID int64) worker.Forge {
		return forge.Client(installationID)
	})

	// The poller always runs: even without RESYNC_REPOS it re-spawns drains
	// for repos with queued work, which backstops the per-drain resume
	// timers across restarts.
	poller := worker.NewPoller(cfg, q, dispatcher)
	go poller.RunGaugeSweep(ctx)
	go poller.Run(ctx)

	server := api.NewServer(cfg, q, dispatcher, func(installationID int64) api.CommitPRResolver {
		return forge.Client(installationID)
	}, st)

	go func() {
		log.Printf("HTTP server listening on %s", cfg.Addr())
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// Graceful shutdown: stop accepting webhooks, stop the pollers, then
	// wait for in-flight drains so their leases release cleanly.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}

	cancel()
	dispatcher.Wait()
	log.Println("Shutdown complete.")
}
