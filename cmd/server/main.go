// Sleuth - Multi-character detective chat server
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

	"github.com/sleuthworks/sleuth/internal/api"
	"github.com/sleuthworks/sleuth/internal/config"
	"github.com/sleuthworks/sleuth/internal/engine"
	"github.com/sleuthworks/sleuth/internal/identity"
	"github.com/sleuthworks/sleuth/internal/llm"
	"github.com/sleuthworks/sleuth/internal/middleware"
	"github.com/sleuthworks/sleuth/internal/store"
	"github.com/sleuthworks/sleuth/internal/transport"
	"github.com/sleuthworks/sleuth/web"
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
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	// Import the story pack. Stories already present are refreshed in place.
	if pack, err := store.LoadStoryPack(cfg.StoryPack); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Warn("Story pack not found, starting with existing catalogue", "path", cfg.StoryPack)
		} else {
			slog.Error("Failed to load story pack", "path", cfg.StoryPack, "error", err)
			os.Exit(1)
		}
	} else if err := store.ImportStoryPack(context.Background(), repo, pack); err != nil {
		slog.Error("Failed to import story pack", "error", err)
		os.Exit(1)
	} else {
		slog.Info("Story pack imported", "path", cfg.StoryPack, "stories", len(pack.Stories))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize the LLM backend.
	gemini, err := llm.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, logger)
	if err != nil {
		slog.Error("Failed to initialize Gemini client", "error", err)
		os.Exit(1)
	}
	defer gemini.Close()
	slog.Info("Gemini client initialized", "model", cfg.GeminiModel)

	completer := llm.NewCompleter(gemini, cfg.AnswerTimeout)
	judge := llm.NewGeminiJudge(gemini)

	// Initialize the transport and engine.
	registry := transport.NewRegistry()
	eng := engine.New(repo, completer, judge, registry, nil)

	eng.Gates().StartSweeper(ctx.Done(), cfg.GateSweepInterval, cfg.GateTTL)
	eng.StartRunSweeper(ctx, cfg.RunTTL)
	slog.Info("Background workers started", "gate_ttl", cfg.GateTTL, "run_ttl", cfg.RunTTL)

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, cfg.FrontendURL)
	storyHandler := api.NewStoryHandler(baseHandler)
	healthHandler := api.NewHealthHandler(repo)
	wsHandler := transport.NewWebSocketHandler(eng, registry, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(repo, cfg.IsDevelopment()))

	healthHandler.RegisterHealth(r)
	storyHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/chat", wsHandler.ServeHTTP)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// Create server. Chat connections are long-lived, so no write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
