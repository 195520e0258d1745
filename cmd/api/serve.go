package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dafibh/fortuna/budget-ledger/internal/config"
	"github.com/dafibh/fortuna/budget-ledger/internal/handler"
	"github.com/dafibh/fortuna/budget-ledger/internal/middleware"
	"github.com/dafibh/fortuna/budget-ledger/internal/notify"
	"github.com/dafibh/fortuna/budget-ledger/internal/service"
	"github.com/dafibh/fortuna/budget-ledger/internal/websocket"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, websocket notifications and the reconciliation worker",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.close()

	// Change notifications, relayed across instances when Kafka is configured
	var relay notify.Relay
	var kafkaRelay *notify.KafkaRelay
	if cfg.Kafka.Enabled() {
		instanceID := uuid.New().String()
		kafkaRelay = notify.NewKafkaRelay(cfg.Kafka.Brokers, cfg.Kafka.Topic, instanceID, log.Logger)
		relay = kafkaRelay
		log.Info().
			Strs("brokers", cfg.Kafka.Brokers).
			Str("topic", cfg.Kafka.Topic).
			Str("instance_id", instanceID).
			Msg("Kafka change relay enabled")
		defer func() {
			if err := kafkaRelay.Close(); err != nil {
				log.Error().Err(err).Msg("Failed to close Kafka relay")
			}
		}()
	}
	notifier := notify.NewNotifier(relay, log.Logger)
	defer notifier.Close()
	if kafkaRelay != nil {
		go kafkaRelay.Run(ctx, notifier.Deliver)
	}

	ledger, err := newLedger(ctx, cfg, db.store, notifier)
	if err != nil {
		return err
	}
	log.Info().
		Str("driver", cfg.StoreDriver).
		Bool("transactional", ledger.Transactional()).
		Msg("Ledger engine ready")

	worker := service.NewReconciliationWorker(ledger, log.Logger, service.ReconciliationWorkerConfig{
		Interval: cfg.SweepInterval,
	})
	worker.Start(ctx)
	defer worker.Stop()

	authMiddleware, err := middleware.NewAuthMiddleware(cfg.Auth0Domain, cfg.Auth0Audience)
	if err != nil {
		return err
	}
	wsValidator, err := websocket.NewAuth0JWTValidator(cfg.Auth0Domain, cfg.Auth0Audience)
	if err != nil {
		return err
	}
	rateLimiter := middleware.NewRateLimiterWithConfig(cfg.RateLimitPerMinute, cfg.RateLimitBurst)
	defer rateLimiter.Stop()

	hub := websocket.NewHub(notifier)
	ledgerHandler := handler.NewLedgerHandler(ledger)
	wsHandler := handler.NewWebSocketHandler(hub, wsValidator, cfg.CORSOrigins)
	healthHandler := handler.NewHealthHandler(db.pinger, cfg.StoreDriver)

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Request ID middleware
	e.Use(echomiddleware.RequestID())

	// CORS middleware
	e.Use(echomiddleware.CORSWithConfig(echomiddleware.CORSConfig{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, handler.IdempotencyKeyHeader},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Security headers middleware (helmet-like)
	e.Use(echomiddleware.SecureWithConfig(echomiddleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'self'",
		ReferrerPolicy:        "strict-origin-when-cross-origin",
	}))

	// Request logging middleware with zerolog
	e.Use(zerologMiddleware())

	// Recovery middleware
	e.Use(echomiddleware.Recover())

	e.GET("/health", healthHandler.Health)
	handler.RegisterRoutes(e, authMiddleware, rateLimiter, ledgerHandler, wsHandler)

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Port).Msg("Starting server")
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		return err
	}

	log.Info().Msg("Server exited")
	return nil
}

// zerologMiddleware returns a middleware that logs requests using zerolog
func zerologMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			res := c.Response()

			log.Info().
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", res.Status).
				Dur("latency", time.Since(start)).
				Str("request_id", res.Header().Get(echo.HeaderXRequestID)).
				Str("owner_id", middleware.GetOwnerID(c)).
				Msg("request")

			return nil
		}
	}
}
