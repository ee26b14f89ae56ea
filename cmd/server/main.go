package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/tourdesk/reservation-backend/internal/config"
	"github.com/tourdesk/reservation-backend/internal/database"
	"github.com/tourdesk/reservation-backend/internal/handlers"
	"github.com/tourdesk/reservation-backend/internal/middleware"
	"github.com/tourdesk/reservation-backend/internal/services"
	"github.com/tourdesk/reservation-backend/internal/utils"
	"github.com/tourdesk/reservation-backend/pkg/jwt"
	"github.com/tourdesk/reservation-backend/pkg/payment"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	logger.Info("Starting TourDesk Reservation Backend")
	logger.Infof("Version: %s, Build Time: %s", version, buildTime)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	// Set log level
	logLevel, err := logrus.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		logger.Warn("Invalid log level, using INFO")
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	// Set Gin mode
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// Initialize database connection
	logger.Info("Connecting to database...")
	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Database connection established")

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStartup()

	if err := database.VerifySchema(startupCtx, db.DB); err != nil {
		logger.Fatalf("Database schema check failed (run cmd/migrate): %v", err)
	}

	store := database.NewStore(db.DB, logger)

	// Optional Redis: catalog price cache and the cross-instance sweep lease
	var (
		priceCache services.PriceCache
		sweepLock  services.SweepLock
	)
	if cfg.Redis.Addr != "" {
		redisClient, err := services.NewRedisClient(startupCtx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, continuing without cache and sweep lease")
		} else {
			defer redisClient.Close()
			priceCache = services.NewRedisPriceCache(redisClient, cfg.Redis.CatalogCacheTTL)
			sweepLock = services.NewRedisSweepLock(redisClient)
			logger.WithField("addr", cfg.Redis.Addr).Info("Redis connected")
		}
	}

	// Optional Kafka: booking lifecycle events
	var events services.EventPublisher = services.NoopEventPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		events = services.NewKafkaEventPublisher(cfg.Kafka.Brokers, cfg.Kafka.BookingTopic, logger)
		logger.WithFields(logrus.Fields{
			"brokers": cfg.Kafka.Brokers,
			"topic":   cfg.Kafka.BookingTopic,
		}).Info("Kafka event publishing enabled")
	}
	defer events.Close()

	// Payment gateways
	gateways := buildGatewayRegistry(cfg, logger)
	logger.WithField("gateways", gateways.Names()).Info("Payment gateways registered")

	// Initialize services
	logger.Info("Initializing services...")
	jwtService := jwt.NewService(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry)

	ledger := services.NewAvailabilityLedger(store, logger)
	catalogService := services.NewCatalogService(store, priceCache, logger)
	bookingService := services.NewBookingService(store, ledger, catalogService, events, services.BookingServiceConfig{
		HoldTTL:             cfg.Booking.HoldTTL,
		PriceToleranceMinor: cfg.Booking.PriceToleranceMinor,
		MaxItems:            cfg.Booking.MaxItems,
		MaxQuantity:         cfg.Booking.MaxQuantity,
		PublishTimeout:      cfg.Kafka.PublishTimeout,
	}, logger)
	paymentOrchestrator := services.NewPaymentOrchestrator(store, bookingService, gateways, services.PaymentOrchestratorConfig{
		MaxAttempts:    cfg.Booking.MaxPaymentAttempts,
		GatewayTimeout: cfg.Booking.GatewayTimeout,
	}, logger)
	reconciler := services.NewReconciliationService(store, bookingService, paymentOrchestrator, sweepLock, services.ReconciliationConfig{
		BatchSize:         cfg.Reconcile.BatchSize,
		PollAfter:         cfg.Reconcile.PollAfter,
		StaleAttemptAfter: cfg.Reconcile.StaleAttemptAfter,
		LockTTL:           cfg.Reconcile.LockTTL,
	}, logger)

	cronService := services.NewCronService(reconciler, cfg.Reconcile.SweepSchedule, logger)
	if err := cronService.Start(); err != nil {
		logger.Fatalf("Failed to start reconciliation scheduler: %v", err)
	}
	logger.Info("Services initialized")

	// Initialize handlers
	bookingHandler := handlers.NewBookingHandler(bookingService, catalogService, paymentOrchestrator, logger)
	webhookHandler := handlers.NewWebhookHandler(gateways, paymentOrchestrator, store.Audits(), logger)
	adminHandler := handlers.NewAdminHandler(bookingService, paymentOrchestrator, store.Audits(), cronService, logger)

	// Rate limiter shared by all public routes
	limiter := middleware.NewRateLimiter(cfg.RateLimit.Requests, time.Duration(cfg.RateLimit.WindowSeconds)*time.Second)
	stopCleanup := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				limiter.Cleanup()
			case <-stopCleanup:
				return
			}
		}
	}()

	// Setup router
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     cfg.CORS.AllowedMethods,
		AllowHeaders:     append(cfg.CORS.AllowedHeaders, "Idempotency-Key"),
		ExposeHeaders:    []string{"Content-Length", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/health", healthCheckHandler(db))

	registerRoutes(router, routeHandlers{
		booking: bookingHandler,
		webhook: webhookHandler,
		admin:   adminHandler,
	}, jwtService, limiter, logger)

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Infof("Server starting on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Stop cron service
	logger.Info("Stopping cron service...")
	cronService.Stop()
	close(stopCleanup)

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}

	logger.Info("Server exited successfully")
}

// buildGatewayRegistry registers every gateway that has credentials
func buildGatewayRegistry(cfg *config.Config, logger *logrus.Logger) *payment.Registry {
	registry := payment.NewRegistry()

	bt := cfg.Payment.BankTransfer
	if bt.MerchantKey != "" {
		registry.Register(payment.NewBankTransferGateway(payment.BankTransferConfig{
			Environment:   bt.Environment,
			MerchantKey:   bt.MerchantKey,
			MerchantToken: bt.MerchantToken,
			ReturnURL:     bt.ReturnURL,
			WebhookURL:    bt.WebhookURL,
			BaseURL:       bt.BaseURL,
			Timeout:       cfg.Booking.GatewayTimeout,
		}, logger))
	} else {
		logger.Warn("Bank transfer gateway not configured (BANK_TRANSFER_MERCHANT_KEY empty)")
	}

	if cfg.Payment.Card.SecretKey != "" {
		registry.Register(payment.NewCardGateway(payment.CardConfig{
			SecretKey:     cfg.Payment.Card.SecretKey,
			WebhookSecret: cfg.Payment.Card.WebhookSecret,
		}, logger))
	} else {
		logger.Warn("Card gateway not configured (STRIPE_SECRET_KEY empty)")
	}

	return registry
}

// requestLogger middleware for logging HTTP requests
func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery
		meta := utils.GetRequestMetadata(c)

		logger.WithFields(logrus.Fields{
			"method":      c.Request.Method,
			"path":        path,
			"ip":          meta.IPAddress,
			"device_type": meta.DeviceType,
		}).Debug("Incoming request")

		c.Next()

		fields := logrus.Fields{
			"status":      c.Writer.Status(),
			"method":      c.Request.Method,
			"path":        path,
			"query":       query,
			"ip":          meta.IPAddress,
			"latency_ms":  time.Since(start).Milliseconds(),
			"user_agent":  meta.UserAgent,
			"device_type": meta.DeviceType,
			"has_auth":    c.GetHeader("Authorization") != "",
		}

		// Add user context if available
		if userCtx, ok := middleware.GetUserContext(c); ok {
			fields["user_id"] = userCtx.UserID
			fields["roles"] = userCtx.Roles
		}

		entry := logger.WithFields(fields)

		if len(c.Errors) > 0 {
			for i, err := range c.Errors {
				entry = entry.WithField(fmt.Sprintf("error_%d", i), err.Error())
			}
			entry.Error("Request failed with errors")
			return
		}

		// Log based on status code
		status := c.Writer.Status()
		if status >= 500 {
			entry.Error("Request completed with server error")
		} else if status >= 400 {
			entry.Warn("Request completed with client error")
		} else {
			entry.Info("Request completed successfully")
		}
	}
}

// healthCheckHandler returns a health check endpoint
func healthCheckHandler(db database.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"database": "unhealthy",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"database":  "healthy",
			"version":   version,
			"timestamp": time.Now().Unix(),
		})
	}
}
