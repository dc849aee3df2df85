// moord - agent session orchestration server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/agentmoor/moor/internal/adapter"
	"github.com/agentmoor/moor/internal/adapter/claudeline"
	"github.com/agentmoor/moor/internal/adapter/partstream"
	"github.com/agentmoor/moor/internal/api"
	"github.com/agentmoor/moor/internal/config"
	"github.com/agentmoor/moor/internal/host"
	"github.com/agentmoor/moor/internal/hub"
	"github.com/agentmoor/moor/internal/middleware"
	"github.com/agentmoor/moor/internal/persist"
	"github.com/agentmoor/moor/internal/profile"
	"github.com/agentmoor/moor/internal/sandbox"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	store, err := persist.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			slog.Error("Failed to close store", "error", closeErr)
		}
	}()

	if err := store.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	provider, err := sandbox.NewDockerProvider(cfg.SandboxImage, cfg.ContainerRuntime)
	if err != nil {
		slog.Error("Failed to initialize sandbox provider", "error", err)
		os.Exit(1)
	}

	// Ensure the bridge network for session sandboxes exists.
	networkID, err := provider.EnsureNetwork(context.Background())
	if err != nil {
		slog.Error("Failed to ensure sandbox network", "error", err)
		os.Exit(1)
	}
	slog.Info("Sandbox network ready", "network_id", networkID)

	// Register backend architectures.
	adapters := adapter.NewRegistry()
	adapters.Register(claudeline.Architecture, func() adapter.Converter { return claudeline.New() })
	adapters.Register(partstream.Architecture, func() adapter.Converter { return partstream.New() })

	profiles := profile.Defaults(cfg.SandboxImage)
	if cfg.ProfilesPath != "" {
		extra, err := profile.LoadFile(cfg.ProfilesPath)
		if err != nil {
			slog.Error("Failed to load profiles", "path", cfg.ProfilesPath, "error", err)
			os.Exit(1)
		}
		profiles = append(profiles, extra...)
	}
	registry := profile.NewRegistry(profiles...)

	wsHub := hub.New()
	sessions := host.New(adapters, registry, provider, store, wsHub, cfg.DataDir)

	// Initialize handlers.
	handler := api.NewHandler(sessions, store, wsHub, cfg.AllowedOrigin)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	corsOrigins := []string{"*"}
	if !cfg.IsDevelopment() {
		corsOrigins = []string{cfg.AllowedOrigin}
	}
	r.Use(middleware.CORS(corsOrigins))

	handler.RegisterRoutes(r)

	// WebSocket connections require long write windows; leave WriteTimeout
	// off and rely on per-message deadlines.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessions.StartIdleSweeper(ctx, cfg.SweepInterval, cfg.SessionTTL)

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := sessions.Shutdown(shutdownCtx); err != nil {
		slog.Error("Session shutdown incomplete", "error", err)
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
