package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"journal-billing/internal/cache"
	"journal-billing/internal/gateway"
	"journal-billing/internal/middleware"
	"journal-billing/internal/models"
	"journal-billing/internal/orders"
	"journal-billing/internal/plans"
	"journal-billing/internal/subscriptions"
	"journal-billing/internal/users"
	"journal-billing/internal/webhook"
	"journal-billing/pkg/logging"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps are the services the HTTP surface is built from.
type Deps struct {
	Plans         *plans.Catalog
	Gateway       *gateway.Client
	Orders        *orders.Service
	Users         *users.Service
	Subscriptions *subscriptions.Accumulator
	Receiver      *webhook.Receiver
	Cache         *cache.Cache
	Notifier      webhook.Notifier // optional
	JWT           *middleware.JWTManager
}

// Handlers serves the payment and subscription endpoints.
type Handlers struct {
	Deps
	now func() time.Time
	wg  sync.WaitGroup
}

// NewHandlers wires d into handlers.
func NewHandlers(d Deps) *Handlers {
	return &Handlers{Deps: d, now: time.Now}
}

// WithClock replaces the time source used for is_active; used by tests.
func (h *Handlers) WithClock(now func() time.Time) *Handlers {
	h.now = now
	return h
}

// Wait blocks until background work started by handlers has finished.
func (h *Handlers) Wait() {
	h.wg.Wait()
}

// SetupRoutes sets up all routes
func SetupRoutes(r *gin.Engine, h *Handlers) {
	RegisterValidators()

	r.Use(middleware.MetricsMiddleware())

	api := r.Group("/api")
	{
		// Gateway callbacks authenticate by signature, not by JWT
		api.POST("/payments/notify", h.Receiver.GinHandler)

		authed := api.Group("")
		authed.Use(middleware.JWTAuthMiddleware(h.JWT, h.Users))
		{
			authed.GET("/plans", h.ListPlans)
			authed.POST("/payments/transactions", h.CreateTransaction)
			authed.GET("/payments/status", h.PaymentStatus)
			authed.GET("/payments/orders", h.ListOrders)

			authed.POST("/subscriptions/activate", h.ActivateSubscription)
			authed.GET("/subscriptions/current", h.CurrentSubscription)
			authed.GET("/subscriptions/history", h.SubscriptionHistory)
		}
	}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "journal-billing",
		})
	})
}

// afterActivation drops cached views and, when the payment was newly
// applied, mails the receipt in the background. Failures are logged only.
func (h *Handlers) afterActivation(userID string, sub *models.Subscription, amount float64, applied bool) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := h.Cache.InvalidateUser(ctx, userID); err != nil {
			logging.Warnf("Cache invalidation failed - user: %s, error: %v", userID, err)
		}
		if applied && h.Notifier != nil {
			if err := h.Notifier.SendReceipt(ctx, userID, sub, amount); err != nil {
				logging.Warnf("Receipt email failed - user: %s, error: %v", userID, err)
			}
		}
	}()
}

func currentUserID(c *gin.Context) string {
	return c.GetString(middleware.ContextUserID)
}
