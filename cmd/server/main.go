package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"journal-billing/internal/api"
	"journal-billing/internal/cache"
	"journal-billing/internal/config"
	"journal-billing/internal/database"
	"journal-billing/internal/gateway"
	"journal-billing/internal/jobs"
	"journal-billing/internal/metrics"
	"journal-billing/internal/middleware"
	"journal-billing/internal/notify"
	"journal-billing/internal/orders"
	"journal-billing/internal/plans"
	"journal-billing/internal/subscriptions"
	"journal-billing/internal/users"
	"journal-billing/internal/webhook"
	"journal-billing/pkg/logging"

	"github.com/gin-gonic/gin"
)

func main() {
	// Initialize logging
	logging.InitLogging()

	// Initialize configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to initialize config:", err)
	}

	metrics.InitMetrics()

	// Initialize database
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("Failed to initialize database:", err)
	}

	// Redis is optional; without it every cache lookup misses
	rdb, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		logging.Warnf("Redis unavailable, running without cache - error: %v", err)
		rdb = nil
	}
	defer database.Close(db, rdb)

	catalog, err := plans.Load(cfg.PlansFile)
	if err != nil {
		log.Fatal("Failed to load plans:", err)
	}

	userSvc := users.NewService(db)
	orderSvc := orders.NewService(db)
	accumulator := subscriptions.NewAccumulator(db, catalog)
	billingCache := cache.New(rdb, cfg.CacheTTL)
	notifier := notify.NewDispatcher(
		notify.NewMailer(cfg.BrevoAPIKey, cfg.BrevoFromEmail, cfg.BrevoFromName, userSvc),
		notify.NewCallbackNotifier(cfg.AppCallbackURL, cfg.AppCallbackSecret),
	)

	receiver := webhook.NewReceiver(cfg.Gateway, orderSvc, userSvc, accumulator).
		WithInvalidator(billingCache).
		WithNotifier(notifier)

	handlers := api.NewHandlers(api.Deps{
		Plans:         catalog,
		Gateway:       gateway.NewClient(cfg.Gateway),
		Orders:        orderSvc,
		Users:         userSvc,
		Subscriptions: accumulator,
		Receiver:      receiver,
		Cache:         billingCache,
		Notifier:      notifier,
		JWT:           middleware.NewJWTManager(cfg.JWTSecret),
	})

	scheduler, err := jobs.NewScheduler(accumulator, cfg.ExpirySweepInterval)
	if err != nil {
		log.Fatal("Failed to schedule expiry sweep:", err)
	}
	scheduler.Start()

	// Set Gin mode
	gin.SetMode(cfg.Mode)

	// Create Gin engine
	r := gin.Default()

	// Setup routes
	api.SetupRoutes(r, handlers)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logging.Infof("Starting server on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server:", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logging.Infof("Shutdown signal received, starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logging.Errorf("Server shutdown failed: %v", err)
	}
	<-scheduler.Stop().Done()

	// Let receipts and cache invalidations started by in-flight requests finish
	receiver.Wait()
	handlers.Wait()

	logging.Infof("Server stopped")
}
