package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ledgerlink/finance_backend/config"
	"github.com/ledgerlink/finance_backend/middlewares"
	"github.com/ledgerlink/finance_backend/models"
	"github.com/ledgerlink/finance_backend/plaidsync"
	"github.com/ledgerlink/finance_backend/settings"
	"github.com/ledgerlink/finance_backend/stripebilling"
	"github.com/ledgerlink/finance_backend/utils"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func isProduction() bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production")
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Every /api route trusts this secret; an empty value would make
	// token verification impossible.
	if isProduction() && strings.TrimSpace(os.Getenv("SUPABASE_JWT_SECRET")) == "" {
		logger.WithFields(logrus.Fields{"field": "auth"}).Fatal("SUPABASE_JWT_SECRET is required in production")
	}

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if isProduction() {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization")
	// Content-Disposition carries the export filename for browser downloads.
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	// Handlers are registered before their services exist; they answer 503
	// until the services are swapped in after DB/Redis connect.
	plaidHandlers := plaidsync.NewHandlers(logger)
	billingHandlers := stripebilling.NewHandlers(logger)
	settingsHandlers := settings.NewHandlers(logger)

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "LedgerLink API is running"})
	})

	// Stripe calls the webhook directly; it authenticates with its signature
	// header, not a user token.
	r.POST("/api/stripe/webhook", billingHandlers.Webhook)

	api := r.Group("/api", middlewares.AuthMiddleware())
	{
		api.POST("/plaid/create_link_token", plaidHandlers.CreateLinkToken)
		api.POST("/plaid/exchange_public_token", plaidHandlers.ExchangePublicToken)
		api.GET("/plaid/accounts/user/:user_id", plaidHandlers.GetAccountsByUser)
		api.GET("/plaid/user_transactions/:user_id", plaidHandlers.GetUserTransactions)
		api.POST("/plaid/sync/:item_id", plaidHandlers.SyncItem)
		api.DELETE("/plaid/remove/:item_id", plaidHandlers.RemoveItem)
		api.GET("/plaid/investments/:item_id/holdings", plaidHandlers.GetInvestmentHoldings)
		api.GET("/plaid/investments/:item_id/transactions", plaidHandlers.GetInvestmentTransactions)
		if !isProduction() {
			api.GET("/plaid/debug/auth", plaidHandlers.DebugAuth)
		}

		api.POST("/stripe/create-checkout-session", billingHandlers.CreateCheckoutSession)
		api.GET("/stripe/subscription/status", billingHandlers.SubscriptionStatus)
		api.POST("/billing/portal", billingHandlers.BillingPortal)

		api.GET("/settings/profile", settingsHandlers.GetProfile)
		api.PUT("/settings/profile", settingsHandlers.UpdateProfile)
		api.GET("/settings/notifications", settingsHandlers.GetNotifications)
		api.PUT("/settings/notifications", settingsHandlers.UpdateNotifications)
		api.GET("/settings/preferences", settingsHandlers.GetPreferences)
		api.PUT("/settings/preferences", settingsHandlers.UpdatePreferences)
		api.POST("/settings/avatar", settingsHandlers.UploadAvatar)
		api.POST("/data/export", settingsHandlers.ExportData)
		api.DELETE("/account", settingsHandlers.DeleteAccount)
	}

	internal := r.Group("/internal", middlewares.OpsKeyMiddleware())
	{
		internal.POST("/sync/users", plaidHandlers.EnqueueUserSyncs)
	}

	// Pub/Sub push receiver. The handler acks malformed envelopes itself;
	// caller auth is the push subscription's OIDC configuration.
	r.POST("/pubsub/plaid-sync", plaidHandlers.PubSubPush)

	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	// Now DB is ready; run migrations.
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// IMPORTANT: AutoMigrate can run DDL that blocks tables and causes 504/502 timeouts.
	// Allow disabling migrations on startup (run them as a separate job instead).
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	store := plaidsync.NewStoreFromEnv(db)

	if plaidClient, err := plaidsync.NewClientFromEnv(); err != nil {
		// Keep serving: billing and settings work without the aggregator,
		// and the bank routes keep answering 503 until a deploy fixes the env.
		logger.WithFields(logrus.Fields{"field": "plaid"}).Error("plaid client not configured; bank routes stay unavailable: " + err.Error())
	} else {
		syncer := plaidsync.NewSyncer(plaidClient, store, logger, plaidsync.WithLocker(config.GetRedisLock()))
		plaidHandlers.SetSyncer(syncer)
	}

	if stripeClient, err := stripebilling.NewClientFromEnv(); err != nil {
		logger.WithFields(logrus.Fields{"field": "stripe"}).Error("stripe client not configured; billing routes stay unavailable: " + err.Error())
	} else {
		billingHandlers.SetService(stripebilling.NewService(stripeClient, stripebilling.GormProfileStore{}, stripebilling.NewGormEventStore(db), logger))
	}

	settingsHandlers.SetService(settings.NewService(settings.GormProfileStore{}, store, settings.NewStorageFromEnv(), logger))

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port, "/")
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
