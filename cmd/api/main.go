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

	"github.com/mailflow/hub/internal/api/handlers"
	"github.com/mailflow/hub/internal/api/middleware"
	"github.com/mailflow/hub/internal/auth"
	"github.com/mailflow/hub/internal/config"
	"github.com/mailflow/hub/internal/observability"
	"github.com/mailflow/hub/internal/provider"
	"github.com/mailflow/hub/internal/provider/googlews"
	"github.com/mailflow/hub/internal/provider/ms365"
	"github.com/mailflow/hub/internal/repository"
	"github.com/mailflow/hub/internal/service"
	"github.com/mailflow/hub/internal/worker"
	"github.com/mailflow/hub/pkg/database"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	observability.SetupLogging(cfg.LogLevel)

	if err := database.Migrate(cfg.DatabaseURL); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	db, err := database.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Repositories
	eventsRepo := repository.NewWebhookEventsRepository(db)
	subscriptionsRepo := repository.NewSubscriptionsRepository(db)

	// Token vending client, shared by both providers
	authClient, err := auth.NewClient(cfg.AuthServiceURL, cfg.ServiceSecret, cfg.TokenCacheSize)
	if err != nil {
		slog.Error("Failed to create auth client", "error", err)
		os.Exit(1)
	}

	// Providers
	var graphOpts []ms365.Option
	if cfg.GraphBaseURL != "" {
		graphOpts = append(graphOpts, ms365.WithBaseURL(cfg.GraphBaseURL))
	}
	graphClient := ms365.NewClient(authClient, graphOpts...)
	gmailProvider := googlews.NewProvider(authClient)

	registry := provider.NewRegistry()
	registry.Register(provider.MS365, graphClient)
	registry.Register(provider.GoogleWorkspace, gmailProvider)
	slog.Info("Providers registered", "providers", registry.Names())

	// Services
	notificationsService := service.NewNotificationsService(eventsRepo, subscriptionsRepo)
	eventsService := service.NewWebhookEventsService(eventsRepo)
	subscriptionsService := service.NewSubscriptionsService(subscriptionsRepo, graphClient)

	// Handlers
	receiverHandler := handlers.NewReceiverHandler(notificationsService, cfg.GoogleWebhookToken)
	eventsHandler := handlers.NewEventsHandler(eventsService)
	subscriptionsHandler := handlers.NewSubscriptionsHandler(subscriptionsService)
	healthHandler := handlers.NewHealthHandler(db)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging)
	r.Use(middleware.MaxBody(cfg.MaxRequestBodyBytes))

	r.Get("/health", healthHandler.Check)

	// Provider webhooks are public; providers authenticate via client state
	// or the shared query token, and must never be behind the API key.
	r.Route("/webhooks", func(r chi.Router) {
		r.Get("/ms365/notifications", receiverHandler.HandleMS365)
		r.Post("/ms365/notifications", receiverHandler.HandleMS365)
		r.Post("/google/notifications", receiverHandler.HandleGoogle)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.APIKey))

		r.Get("/events", eventsHandler.List)
		r.Get("/events/{id}", eventsHandler.Get)
		r.Post("/events/{id}/retry", eventsHandler.Retry)

		r.Post("/subscriptions", subscriptionsHandler.Create)
		r.Get("/subscriptions", subscriptionsHandler.List)
		r.Get("/subscriptions/{id}", subscriptionsHandler.Get)
		r.Post("/subscriptions/{id}/renew", subscriptionsHandler.Renew)
		r.Delete("/subscriptions/{id}", subscriptionsHandler.Delete)
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("Starting server", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	// Background event processor
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	processor := worker.NewEventProcessor(eventsRepo, registry, worker.Config{
		Interval:          cfg.WorkerPollInterval,
		BatchSize:         cfg.WorkerBatchSize,
		MaxRetries:        cfg.WorkerMaxRetries,
		FetchTimeout:      cfg.WorkerFetchTimeout,
		StaleReclaimAfter: cfg.WorkerStaleReclaimAfter,
		FetchRatePerSec:   cfg.WorkerFetchRatePerSec,
	})
	go processor.Start(workerCtx)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down server...")

	// Stop claiming new events first; in-flight events finish or are
	// reclaimed after the stale timeout.
	workerCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server exited")
}
