// Chatline - realtime chat server
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

	"github.com/ashureev/chatline/internal/api"
	"github.com/ashureev/chatline/internal/chat"
	"github.com/ashureev/chatline/internal/config"
	"github.com/ashureev/chatline/internal/hub"
	"github.com/ashureev/chatline/internal/identity"
	"github.com/ashureev/chatline/internal/media"
	"github.com/ashureev/chatline/internal/middleware"
	"github.com/ashureev/chatline/internal/presence"
	"github.com/ashureev/chatline/internal/realtime"
	"github.com/ashureev/chatline/internal/relay"
	"github.com/ashureev/chatline/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "instance_id", cfg.Relay.InstanceID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	files, err := newMediaStore(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize media store", "error", err, "backend", cfg.Media.Backend)
		os.Exit(1)
	}
	slog.Info("Media store ready", "backend", cfg.Media.Backend)

	// Initialize services.
	registry := hub.NewRegistry(logger)
	engine := chat.NewEngine(repo, registry, logger)
	sessions := realtime.NewSessionManager()
	healthHandler := api.NewHealthHandler(repo)

	if cfg.Relay.Enabled() {
		client, err := relay.Dial(ctx, cfg.Relay.RedisURL)
		if err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer func() { _ = client.Close() }()

		rel := relay.New(client, cfg.Relay.Channel, cfg.Relay.InstanceID, registry, logger)
		registry.SetForwarder(rel)
		healthHandler.AddCheck("redis", func(ctx context.Context) error { return client.Ping(ctx).Err() })
		go func() {
			if err := rel.Run(ctx); err != nil {
				slog.Error("Relay stopped", "error", err)
			}
		}()
		slog.Info("Cross-instance relay enabled", "channel", cfg.Relay.Channel)
	} else {
		slog.Info("Cross-instance relay disabled (REDIS_URL not set)")
	}

	presence.NewSweeper(repo, sessions, cfg.Realtime.PresenceInterval, cfg.Realtime.PresenceStaleAfter, logger).Start(ctx)

	// Initialize handlers.
	apiHandler := api.NewHandler(repo, engine, files, cfg.MaxUploadBytes)
	wsHandler := realtime.NewHandler(repo, engine, registry, sessions, realtime.Options{
		AllowedOrigins:   cfg.Origins(),
		SendQueueSize:    cfg.Realtime.SendQueueSize,
		WriteTimeout:     cfg.Realtime.WriteTimeout,
		ReadLimitBytes:   cfg.Realtime.ReadLimitBytes,
		StrictMembership: cfg.Realtime.StrictMembership,
		Logger:           logger,
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.Origins()))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// Authenticated routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, []byte(cfg.JWTSecret)))
		apiHandler.RegisterRoutes(r)
		wsHandler.Routes(r)
	})

	// Websocket connections outlive any write timeout, so only headers are bounded.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
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

	slog.Info("Shutting down gracefully...", "sessions", sessions.Total())

	// Hijacked websocket connections are not tracked by Shutdown.
	sessions.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func newMediaStore(ctx context.Context, cfg *config.Config) (media.Store, error) {
	if cfg.Media.Backend == config.MediaS3 {
		return media.NewS3Store(ctx, media.S3Options{
			Bucket:     cfg.Media.S3Bucket,
			Region:     cfg.Media.S3Region,
			Endpoint:   cfg.Media.S3Endpoint,
			PublicURL:  cfg.Media.S3PublicURL,
			PresignTTL: cfg.Media.PresignTTL,
		})
	}
	return media.NewLocalStore(cfg.UploadDir)
}
