package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"license-server/config"
	"license-server/internal/auth"
	"license-server/internal/billing"
	"license-server/internal/cache"
	"license-server/internal/events"
	"license-server/internal/license"
	"license-server/internal/logging"
	"license-server/internal/metrics"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	config      config.ServerConfig
	services    *license.Services
	eventBus    *events.EventBus
	metrics     *metrics.Metrics
	gatherer    prometheus.Gatherer
	rateLimiter *cache.RateLimiter
	jwtManager  *auth.JWTManager
	stripe      *billing.StripeService
	paypal      *billing.PayPalService
	hub         *LicenseHub
	log         *logging.Logger
}

// Dependencies are the collaborators the server routes requests to.
// JWTManager, Stripe and PayPal may be nil; the routes they guard then
// answer 503.
type Dependencies struct {
	Services    *license.Services
	EventBus    *events.EventBus
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer
	RateLimiter *cache.RateLimiter
	JWTManager  *auth.JWTManager
	Stripe      *billing.StripeService
	PayPal      *billing.PayPalService
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, deps Dependencies) *Server {
	// Set Gin mode
	if cfg.Production {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if origins := splitOrigins(cfg.AllowedOrigins); len(origins) > 0 {
		corsConfig.AllowOrigins = origins
		corsConfig.AllowCredentials = true
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"Content-Length", "X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"}
	router.Use(cors.New(corsConfig))

	if deps.Metrics == nil {
		deps.Metrics = metrics.Default()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if deps.EventBus == nil {
		deps.EventBus = events.NewEventBus()
	}
	if deps.RateLimiter == nil {
		deps.RateLimiter = cache.NewRateLimiter(nil, 0, time.Minute)
	}

	s := &Server{
		router:      router,
		config:      cfg,
		services:    deps.Services,
		eventBus:    deps.EventBus,
		metrics:     deps.Metrics,
		gatherer:    deps.Gatherer,
		rateLimiter: deps.RateLimiter,
		jwtManager:  deps.JWTManager,
		stripe:      deps.Stripe,
		paypal:      deps.PayPal,
		log:         logging.WithComponent("api"),
	}

	router.Use(s.requestMiddleware())

	s.hub = NewLicenseHub(s.metrics)
	go s.hub.Run()
	s.eventBus.SubscribeAll(s.hub.Publish)

	s.setupRoutes()

	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	api := s.router.Group("/api")

	// Client-facing license operations
	licenses := api.Group("/licenses", s.rateLimitMiddleware("licenses"))
	{
		licenses.POST("/validate", s.handleValidateLicense)
		licenses.POST("/track-usage", s.handleTrackUsage)
		licenses.POST("/activate", s.handleActivateDevice)
	}

	trial := api.Group("/trial", s.rateLimitMiddleware("trial"))
	{
		if s.jwtManager != nil {
			trial.POST("/activate", auth.OptionalMiddleware(s.jwtManager), s.handleTrialActivate)
		} else {
			trial.POST("/activate", s.handleTrialActivate)
		}
		trial.POST("/status", s.handleTrialStatus)
		trial.POST("/track-usage", s.handleTrialTrackUsage)
	}

	// Gateways authenticate with their own signatures
	payments := api.Group("/payments")
	{
		payments.POST("/stripe/webhook", s.handleStripeWebhook)
		payments.POST("/paypal/webhook", s.handlePayPalWebhook)
	}

	// Superseded by /api/licenses/track-usage
	api.POST("/usage/track", s.handleDeprecatedUsageTrack)

	me := api.Group("/me", s.requireAuth())
	{
		me.GET("/licenses", s.handleListMyLicenses)
		me.GET("/licenses/:id/usage", s.handleLicenseUsage)
		me.GET("/licenses/:id/devices", s.handleLicenseDevices)
		me.GET("/transactions", s.handleListMyTransactions)
	}

	admin := api.Group("/admin", s.requireAuth(), auth.RequireAdmin())
	{
		admin.POST("/licenses/:key/revoke", s.handleRevokeLicense)
	}

	if s.jwtManager != nil {
		s.router.GET("/ws/licenses", auth.QueryTokenMiddleware(s.jwtManager), s.handleLicenseWebSocket)
	} else {
		s.router.GET("/ws/licenses", s.authUnavailable)
	}

	s.router.NoRoute(func(c *gin.Context) {
		errorResponse(c, http.StatusNotFound, "NOT_FOUND", "This API endpoint does not exist. Check your request path and HTTP method.")
	})
}

// requireAuth validates the bearer token, or rejects every request when
// JWT auth is not configured.
func (s *Server) requireAuth() gin.HandlerFunc {
	if s.jwtManager == nil {
		return s.authUnavailable
	}
	return auth.Middleware(s.jwtManager)
}

func (s *Server) authUnavailable(c *gin.Context) {
	errorResponse(c, http.StatusServiceUnavailable, "AUTH_DISABLED", "Authentication is not configured on this server.")
	c.Abort()
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the live license event hub.
func (s *Server) Hub() *LicenseHub {
	return s.hub
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  seconds(s.config.ReadTimeout, 15),
		WriteTimeout: seconds(s.config.WriteTimeout, 15),
		IdleTimeout:  60 * time.Second,
	}

	if s.config.TLSEnabled {
		s.log.Info("Starting HTTPS server", "addr", addr)
		if err := s.httpServer.ListenAndServeTLS(s.config.TLSCertFile, s.config.TLSKeyFile); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	}

	s.log.Info("Starting HTTP server", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down HTTP server...")

	s.hub.Stop()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

// ShutdownTimeout is the configured grace period for Shutdown.
func (s *Server) ShutdownTimeout() time.Duration {
	return seconds(s.config.ShutdownTimeout, 10)
}

// handleHealth returns server health status
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.services.Ping(ctx); err != nil {
		logging.FromContext(c.Request.Context()).WithError(err).Warn("health check failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": "unhealthy",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "healthy",
		"database":   "healthy",
		"websocket":  s.hub.ClientCount(),
		"rate_limit": s.rateLimiter.Backend(),
		"time":       time.Now().UTC().Format(time.RFC3339),
	})
}

// splitOrigins parses a comma separated origin list. "*" or an empty
// list allows every origin.
func splitOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		o = strings.TrimSpace(o)
		if o == "*" {
			return nil
		}
		if o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func seconds(n, fallback int) time.Duration {
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * time.Second
}
