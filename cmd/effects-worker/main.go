// Package main is the entry point for the Chatforge effects worker.
//
// The worker long-polls the effects queue and executes the asynchronous side
// effects emitted by the entitlement engine: Stripe subscription
// cancellations and dashboard activation notifications. It runs alongside a
// minimal liveness endpoint so orchestrators can probe the process.
//
// Delivery is at-least-once; executors are idempotent, so redelivered
// messages are safe to re-run.
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
	"golang.org/x/sync/errgroup"

	"chatforge/internal/config"
	"chatforge/internal/db"
	"chatforge/internal/dispatch"
	"chatforge/internal/external"
	"chatforge/internal/security"
	"chatforge/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("chatforge effects worker starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"queue_url", cfg.AWS.EffectsQueueURL,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The Stripe executor resolves widgets to Stripe customers through the
	// widget repository, so the worker needs its own database pool.
	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database pool: %w", err)
	}
	defer pool.Close()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS SDK config: %w", err)
	}
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})

	widgetRepo := db.NewWidgetRepository(pool)
	stripeClient := external.NewStripeClient(
		&http.Client{Timeout: 30 * time.Second},
		widgetRepo,
		external.StripeClientConfig{
			SecretKey: cfg.Billing.StripeSecretKey.Unmask(),
			Logger:    logger,
		},
	)

	notifier, err := newActivationExecutor(cfg.Security, logger)
	if err != nil {
		return err
	}

	worker := dispatch.NewWorker(sqsClient, cfg.AWS, stripeClient, notifier, logger)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(gCtx)
	})
	g.Go(func() error {
		return runLivenessServer(gCtx, cfg.Server.Port, logger)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("effects worker stopped")
	return nil
}

// newActivationExecutor returns the notify executor. When no dashboard
// webhook URL is configured the effect degrades to a structured log line, so
// local environments run without a dashboard. The notifier gets an
// SSRF-guarded client since the endpoint is operator-configured.
func newActivationExecutor(cfg config.SecurityConfig, logger *slog.Logger) (dispatch.ActivationExecutor, error) {
	if cfg.NotifyWebhookURL == "" {
		logger.Warn("NOTIFY_WEBHOOK_URL not set, activation notifications will only be logged")
		return logOnlyNotifier{logger: logger}, nil
	}
	if err := security.ValidateURL(cfg.NotifyWebhookURL); err != nil {
		return nil, fmt.Errorf("notify webhook URL rejected: %w", err)
	}
	httpClient, err := security.NewSafeHTTPClient(10*time.Second, 3)
	if err != nil {
		return nil, fmt.Errorf("building notify HTTP client: %w", err)
	}
	return external.NewActivationNotifier(
		httpClient,
		cfg.NotifyWebhookURL,
		cfg.NotifyWebhookSecret,
		logger,
	), nil
}

type logOnlyNotifier struct {
	logger *slog.Logger
}

func (n logOnlyNotifier) NotifyActivation(ctx context.Context, widgetID string, plan types.Plan) error {
	n.logger.InfoContext(ctx, "widget activated", "widget_id", widgetID, "plan", plan)
	return nil
}

// runLivenessServer serves GET /health until ctx is cancelled. It reports
// process liveness only; queue and database reachability are the API
// server's health probes.
func runLivenessServer(ctx context.Context, port string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok"}`)
	})

	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("liveness endpoint listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("liveness server shutdown error", "error", err)
		}
		return ctx.Err()
	case err := <-serverErr:
		return err
	}
}

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

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
