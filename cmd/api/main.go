package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/petgourmet/storefront-api/internal/config"
	"github.com/petgourmet/storefront-api/internal/domain"
	"github.com/petgourmet/storefront-api/internal/handler"
	"github.com/petgourmet/storefront-api/internal/infra/cache"
	"github.com/petgourmet/storefront-api/internal/infra/client"
	"github.com/petgourmet/storefront-api/internal/infra/mailer"
	"github.com/petgourmet/storefront-api/internal/infra/observability"
	"github.com/petgourmet/storefront-api/internal/infra/pglock"
	"github.com/petgourmet/storefront-api/internal/infra/resilience"
	"github.com/petgourmet/storefront-api/internal/infra/supabase"
	"github.com/petgourmet/storefront-api/internal/port"
	"github.com/petgourmet/storefront-api/internal/service"

	"go.uber.org/zap"
)

func main() {
	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv(".env", ".env.local")

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel, "storefront-api")
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("site_url", cfg.SiteURL),
		zap.Duration("http_timeout", cfg.HTTPTimeout),
		zap.Duration("cache_ttl", cfg.CacheTTL),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Duration("sync_interval", cfg.SyncInterval),
		zap.Duration("pending_expiry", cfg.PendingExpiry),
		zap.Bool("webhook_signature", cfg.MercadoPagoWebhookSecret != ""),
	)

	if cfg.SupabaseURL == "" || cfg.SupabaseServiceKey == "" {
		logger.Fatal("SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY are required")
	}
	if cfg.SupabaseJWTSecret == "" {
		logger.Fatal("SUPABASE_JWT_SECRET is required")
	}
	if cfg.MercadoPagoAccessToken == "" {
		logger.Fatal("MERCADOPAGO_ACCESS_TOKEN is required")
	}
	if cfg.MercadoPagoWebhookSecret == "" {
		logger.Warn("MERCADOPAGO_WEBHOOK_SECRET not set, webhook signatures are not verified")
	}

	// --- Tracing ---
	shutdown, err := observability.InitTracer(cfg.OTLPEndpoint, "storefront-api")
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdown(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Cache ---
	profileCache := cache.New[*domain.Profile](cfg.CacheTTL)
	defer profileCache.Stop()

	// --- Resilience ---
	resilienceCfg := resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxConcurrency: cfg.MaxConcurrency,
	}

	// --- Clients ---
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	supabaseClient := supabase.NewClient(
		httpClient,
		cfg.SupabaseURL,
		cfg.SupabaseAnonKey,
		cfg.SupabaseServiceKey,
		resilience.NewCircuitBreaker("supabase"),
		resilienceCfg,
		logger,
	)
	mercadoPago := client.NewMercadoPagoClient(
		httpClient,
		cfg.MercadoPagoBaseURL,
		cfg.MercadoPagoAccessToken,
		resilience.NewCircuitBreaker("mercadopago"),
		resilienceCfg,
		logger,
	)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- Locks ---
	var locker port.Locker = supabase.NewTableLocker(supabaseClient)
	if cfg.DatabaseURL != "" {
		pool, err := pglock.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()
		locker = pglock.New(pool, logger)
		logger.Info("using Postgres advisory locks")
	} else {
		logger.Info("using operation_locks table for locks")
	}

	// --- Email ---
	var notifier port.Notifier
	if cfg.SMTPHost != "" {
		notifier = mailer.NewSMTPNotifier(mailer.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			User:     cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.EmailFrom,
			SiteURL:  cfg.SiteURL,
		}, metrics, logger)
		logger.Info("smtp notifier enabled", zap.String("smtp_host", cfg.SMTPHost))
	} else {
		notifier = mailer.NewLogNotifier(metrics, logger)
		logger.Warn("SMTP_HOST not set, emails are only logged")
	}

	// --- Services ---
	reconciler := service.NewReconciler(supabaseClient, mercadoPago, service.ReconcilerConfig{
		PendingExpiry:  cfg.PendingExpiry,
		BatchSize:      cfg.SyncBatchSize,
		MaxConcurrency: cfg.MaxConcurrency,
		Interval:       cfg.SyncInterval,
	}, metrics, logger)

	subscriptionSvc := service.NewSubscriptionService(
		supabaseClient,
		supabaseClient,
		mercadoPago,
		reconciler,
		locker,
		notifier,
		service.SubscriptionConfig{SiteURL: cfg.SiteURL, CurrencyID: cfg.CurrencyID, LockTTL: cfg.LockTTL},
		metrics,
		logger,
	)
	orderSvc := service.NewOrderService(
		supabaseClient,
		mercadoPago,
		notifier,
		service.OrderConfig{SiteURL: cfg.SiteURL, WebhookURL: cfg.WebhookURL(), CurrencyID: cfg.CurrencyID},
		metrics,
		logger,
	)
	webhookSvc := service.NewWebhookService(
		supabaseClient,
		mercadoPago,
		orderSvc,
		subscriptionSvc,
		reconciler,
		cfg.MercadoPagoWebhookSecret,
		metrics,
		logger,
	)

	// --- Background sync ---
	go reconciler.Run(ctx)

	// --- Router ---
	router := handler.NewRouter(handler.Services{
		Subscriptions: subscriptionSvc,
		Orders:        orderSvc,
		Webhooks:      webhookSvc,
		Auth:          handler.NewAuthenticator(cfg.SupabaseJWTSecret, supabaseClient, profileCache, metrics, logger),
		Health:        map[string]handler.Pinger{"supabase": supabaseClient},
	}, cfg.AllowedOrigins, metrics, logger)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Graceful shutdown ---
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("server forced shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
