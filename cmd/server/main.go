package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flashtransfer/internal/server/api"
	"flashtransfer/internal/server/config"
	"flashtransfer/internal/server/database"
	"flashtransfer/internal/server/quota"
	"flashtransfer/internal/server/service"
	"flashtransfer/internal/server/storage"
)

func main() {
	// Structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load config
	cfg := config.Load()
	slog.Info("configuration loaded",
		"port", cfg.Port,
		"storage_backend", cfg.StorageBackend,
		"retention", cfg.RetentionPeriod,
		"cleanup_interval", cfg.CleanupInterval,
	)

	// Connect to database
	ctx := context.Background()
	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Run migrations
	if err := db.RunMigrations(ctx); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("database migrations complete")

	// Initialize blob storage
	var store storage.BlobStore
	switch cfg.StorageBackend {
	case "s3":
		store = storage.NewS3Store(cfg.S3)
	case "filesystem":
		store = storage.NewFileSystemStore(cfg.StoragePath)
	default:
		slog.Error("unknown storage backend", "backend", cfg.StorageBackend)
		os.Exit(1)
	}
	if err := store.EnsureReady(ctx); err != nil {
		slog.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}
	slog.Info("blob storage initialized", "backend", cfg.StorageBackend)

	// Initialize repository, quota policy and service
	repo := database.NewRepository(db)
	policy := quota.NewPolicy(cfg.PlanLimits)
	svc := service.NewTransferService(repo, store, policy, cfg)

	// Start retention sweeper
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	cleanup := storage.NewCleanupService(repo, store, cfg.CleanupInterval)
	cleanup.Start(cleanupCtx)

	// Setup HTTP router
	handler := api.NewHandler(svc, db)
	e := api.SetupRouter(handler, cfg)

	// Start server in a goroutine
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		slog.Info("starting server", "addr", addr, "base_url", cfg.BaseURL)
		if err := e.Start(addr); err != nil {
			slog.Info("server stopped", "reason", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutting down", "signal", sig)

	// Stop accepting new requests, finish in-flight with 30s timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop retention sweeper
	cleanupCancel()
	cleanup.Wait()

	slog.Info("server exited cleanly")
}
