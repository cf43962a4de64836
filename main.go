package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"license-server/config"
	"license-server/internal/api"
	"license-server/internal/auth"
	"license-server/internal/billing"
	"license-server/internal/cache"
	"license-server/internal/database"
	"license-server/internal/events"
	"license-server/internal/license"
	"license-server/internal/license/memstore"
	"license-server/internal/logging"
	"license-server/internal/metrics"
	"license-server/internal/vault"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		Component:   "main",
	})
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Secrets from Vault take precedence over file and environment values
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		logger.Fatal("Failed to create vault client", "error", err)
	}
	if vaultClient.IsEnabled() {
		if err := vaultClient.Health(ctx); err != nil {
			logger.Fatal("Vault is not reachable", "error", err)
		}
	}
	if err := vaultClient.Overlay(ctx, cfg); err != nil {
		logger.Fatal("Failed to load secrets from vault", "error", err)
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", "error", err)
	}

	// Initialize storage
	var store license.Store
	var db *database.DB
	if cfg.DatabaseConfig.Configured() {
		db, err = database.Open(cfg.DatabaseConfig)
		if err != nil {
			logger.Fatal("Failed to connect to database", "error", err)
		}
		defer db.Close()

		migrateCtx, cancel := context.WithTimeout(ctx, time.Minute)
		err = db.RunMigrations(migrateCtx)
		cancel()
		if err != nil {
			logger.Fatal("Failed to run migrations", "error", err)
		}
		store = database.NewStore(db)
	} else {
		logger.Warn("No database configured, licenses are kept in memory and lost on restart")
		store = memstore.New()
	}

	eventBus := events.NewEventBus()
	m := metrics.Default()

	services := license.NewServices(store, license.Config{
		DefaultMaxActivations: cfg.LicensingConfig.DefaultMaxActivations,
		TrialDuration:         cfg.LicensingConfig.TrialDuration,
		Validity:              cfg.LicensingConfig.Validity,
		KeyPrefix:             cfg.LicensingConfig.KeyPrefix,
	}, license.WithPublisher(eventBus), license.WithRecorder(m))

	// Redis backs the shared rate limit window when enabled
	var counter cache.Counter
	if cfg.RedisConfig.Enabled {
		cacheService, err := cache.NewCacheService(cfg.RedisConfig)
		if err != nil {
			logger.Warn("Redis unavailable, rate limiting per instance", "error", err)
		} else {
			defer cacheService.Close()
			counter = cacheService
		}
	}
	rateLimiter := cache.NewRateLimiter(counter, cfg.RedisConfig.RateLimitPerMinute, time.Minute)

	var jwtManager *auth.JWTManager
	if cfg.AuthConfig.Enabled {
		jwtManager = auth.NewJWTManager(
			cfg.AuthConfig.JWTSecret,
			cfg.AuthConfig.Issuer,
			cfg.AuthConfig.Audience,
			cfg.AuthConfig.AccessTokenDuration,
		)
	} else {
		logger.Warn("Authentication disabled, account and admin routes answer 503")
	}

	stripe := billing.NewStripeService(cfg.BillingConfig.StripeWebhookSecret, services.Purchases)
	paypal := billing.NewPayPalService(billing.PayPalConfig{
		ClientID:     cfg.BillingConfig.PayPalClientID,
		ClientSecret: cfg.BillingConfig.PayPalClientSecret,
		WebhookID:    cfg.BillingConfig.PayPalWebhookID,
		BaseURL:      cfg.BillingConfig.PayPalBaseURL,
	}, services.Purchases)
	logger.Info("Payment gateways", "stripe", stripe.IsConfigured(), "paypal", paypal.IsConfigured())

	server := api.NewServer(cfg.ServerConfig, api.Dependencies{
		Services:    services,
		EventBus:    eventBus,
		Metrics:     m,
		RateLimiter: rateLimiter,
		JWTManager:  jwtManager,
		Stripe:      stripe,
		PayPal:      paypal,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.ShutdownTimeout())
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Server stopped with error", "error", err)
	}

	// Deliver events published by in-flight requests before exiting
	eventBus.Wait()
	logger.Info("Shutdown complete")
}
