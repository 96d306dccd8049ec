// Package main is the entry point for the Chatforge entitlement API server.
//
// It loads configuration, opens the database pool, wires the plan catalog and
// entitlement engine into the HTTP handlers, builds the server with the core
// chassis (middleware, routing, health checks), and starts listening for
// requests.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"

	"chatforge/internal/api/handlers"
	"chatforge/internal/catalog"
	"chatforge/internal/config"
	"chatforge/internal/core"
	"chatforge/internal/db"
	"chatforge/internal/dispatch"
	"chatforge/internal/entitlement"
	"chatforge/internal/external"
	"chatforge/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	// SSM resolution is bypassed when APP_ENV=local, so the provider is safe
	// to construct unconditionally.
	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("chatforge API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx := context.Background()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database pool: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		pool.Close()
		return fmt.Errorf("loading AWS SDK config: %w", err)
	}
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		// LocalStack override for local development.
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})

	cat, err := loadCatalog(cfg.Catalog, logger)
	if err != nil {
		pool.Close()
		return err
	}
	engine := entitlement.NewEngine(cat)

	widgetRepo := db.NewWidgetRepository(pool)
	trainingRepo := db.NewTrainingRepository(pool)
	eventGuard := db.NewBillingEventGuard(pool, logger)

	stripeClient := external.NewStripeClient(
		&http.Client{Timeout: 30 * time.Second},
		widgetRepo,
		external.StripeClientConfig{
			SecretKey: cfg.Billing.StripeSecretKey.Unmask(),
			Logger:    logger,
		},
	)
	verifier := external.NewStripeWebhookVerifier(cfg.Billing.StripeWebhookSecret)
	dispatcher := dispatch.NewDispatcher(sqsClient, cfg.AWS, logger)

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		pool.Close()
		return fmt.Errorf("creating server: %w", err)
	}
	srv.HealthProbes = []core.HealthProbe{
		db.PoolProbe{Pool: pool},
		&dispatch.QueueProbe{Client: sqsClient, QueueURL: cfg.AWS.EffectsQueueURL},
	}
	srv.OnShutdown(func(context.Context) error {
		pool.Close()
		return nil
	})

	// Checkout redirects land back on the dashboard billing pages.
	redirects := types.RedirectURLs{
		Success: cfg.Server.DashboardURL + "/billing/success?session_id={CHECKOUT_SESSION_ID}",
		Cancel:  cfg.Server.DashboardURL + "/billing/cancelled",
	}

	widgetHandler := handlers.NewWidgetHandler(
		widgetRepo,
		engine,
		stripeClient,
		dispatcher,
		srv.Validator,
		logger,
		redirects,
		srv.RequireAdmin,
	)
	trainingHandler := handlers.NewTrainingHandler(widgetRepo, trainingRepo, srv.Validator, logger)
	webhookHandler := handlers.NewStripeWebhookHandler(
		verifier,
		eventGuard,
		widgetRepo,
		engine,
		dispatcher,
		logger,
	)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		func(r chi.Router) { widgetHandler.RegisterRoutes(r) },
		func(r chi.Router) { trainingHandler.RegisterRoutes(r) },
		func(r chi.Router) { webhookHandler.RegisterRoutes(r) },
	)
	srv.MountRoutes()

	return runHTTPServer(srv, cfg, logger)
}

// loadCatalog selects the plan/add-on catalog source: a JSON file when
// CATALOG_PATH is set, otherwise the compiled-in defaults.
func loadCatalog(cfg config.CatalogConfig, logger *slog.Logger) (*catalog.Catalog, error) {
	if cfg.Path == "" {
		logger.Info("using built-in plan catalog")
		return catalog.NewDefault(), nil
	}
	cat, err := catalog.LoadFile(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("loading catalog: %w", err)
	}
	logger.Info("plan catalog loaded", "path", cfg.Path)
	return cat, nil
}

// runHTTPServer starts the HTTP listener and blocks until a shutdown signal
// or a fatal server error.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Channel to capture server errors from ListenAndServe.
	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with a 10-second deadline.
	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server resources: %w", err)
	}

	return nil
}

// newLogger builds the process-wide structured logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	})
	return slog.New(handler)
}
