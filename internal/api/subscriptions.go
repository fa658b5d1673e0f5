package api

import (
	"errors"
	"net/http"

	"journal-billing/internal/middleware"
	"journal-billing/internal/models"
	"journal-billing/internal/orders"
	"journal-billing/internal/plans"
	"journal-billing/internal/response"
	"journal-billing/internal/subscriptions"
	"journal-billing/internal/users"
	"journal-billing/pkg/logging"

	"github.com/gin-gonic/gin"
)

// ActivateRequest represents a client-side activation after polling
type ActivateRequest struct {
	UserID    string  `json:"userId"` // optional, must be the caller
	PlanID    string  `json:"planId" binding:"required"`
	PaymentID string  `json:"paymentId" binding:"required"`
	Amount    float64 `json:"amount" binding:"gte=0"`
}

// ActivateSubscription credits a paid order to the caller's subscription.
// The request is only a pointer at the order; plan and amount come from
// the stored row.
// POST /api/subscriptions/activate
func (h *Handlers) ActivateSubscription(c *gin.Context) {
	var req ActivateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid request format: "+err.Error())
		return
	}

	userID := currentUserID(c)
	if req.UserID != "" && req.UserID != userID && req.UserID != c.GetString(middleware.ContextExternalID) {
		response.ErrorJSON(c, http.StatusForbidden, "Cannot activate for another user")
		return
	}

	ctx := c.Request.Context()
	order, err := h.Orders.FindByPaymentID(ctx, req.PaymentID)
	if err != nil {
		if errors.Is(err, orders.ErrOrderNotFound) {
			response.ErrorJSON(c, http.StatusNotFound, "No order for payment")
			return
		}
		response.ErrorJSON(c, http.StatusInternalServerError, "Failed to load order")
		return
	}
	if order.UserID != userID {
		response.ErrorJSON(c, http.StatusNotFound, "No order for payment")
		return
	}
	if order.Status != models.OrderStatusPaid {
		response.ErrorJSON(c, http.StatusConflict, "Order is not paid")
		return
	}
	if order.PlanID != req.PlanID {
		response.ErrorJSON(c, http.StatusBadRequest, "Plan does not match order")
		return
	}
	if req.Amount > 0 && req.Amount != order.Amount {
		logging.Warnf("Activation amount differs from order - payment: %s, order: %.2f, request: %.2f", req.PaymentID, order.Amount, req.Amount)
	}

	sub, applied, err := h.Subscriptions.Activate(ctx, subscriptions.ActivateRequest{
		UserID:    userID,
		PlanID:    order.PlanID,
		PaymentID: req.PaymentID,
		Amount:    order.Amount,
	})
	if err != nil {
		switch {
		case errors.Is(err, subscriptions.ErrInvalidActivation), errors.Is(err, plans.ErrUnknownPlan):
			response.ErrorJSON(c, http.StatusBadRequest, err.Error())
		case errors.Is(err, users.ErrUserNotFound):
			response.ErrorJSON(c, http.StatusNotFound, "User not found")
		case errors.Is(err, subscriptions.ErrPaymentOwnedByOther), errors.Is(err, subscriptions.ErrSubscriptionNotFound):
			response.ErrorJSON(c, http.StatusConflict, "Payment already applied")
		default:
			response.ErrorJSON(c, http.StatusInternalServerError, "Failed to activate subscription")
		}
		return
	}

	h.afterActivation(userID, sub, order.Amount, applied)
	response.SuccessJSON(c, sub)
}

// CurrentSubscriptionResponse represents the caller's entitlement
type CurrentSubscriptionResponse struct {
	IsActive     bool                 `json:"is_active"`
	Subscription *models.Subscription `json:"subscription,omitempty"`
}

// CurrentSubscription gets the caller's subscription
// GET /api/subscriptions/current
func (h *Handlers) CurrentSubscription(c *gin.Context) {
	ctx := c.Request.Context()
	userID := currentUserID(c)

	sub, hit := h.Cache.GetSubscription(ctx, userID)
	if !hit {
		var err error
		sub, err = h.Subscriptions.Current(ctx, userID)
		if err != nil {
			if errors.Is(err, subscriptions.ErrSubscriptionNotFound) {
				response.SuccessJSON(c, CurrentSubscriptionResponse{IsActive: false})
				return
			}
			response.ErrorJSON(c, http.StatusInternalServerError, "Failed to load subscription")
			return
		}
		if err := h.Cache.SetSubscription(ctx, userID, sub); err != nil {
			logging.Warnf("Failed to cache subscription - user: %s, error: %v", userID, err)
		}
	}

	response.SuccessJSON(c, CurrentSubscriptionResponse{
		IsActive:     sub.IsActiveAt(h.now()),
		Subscription: sub,
	})
}

// SubscriptionHistory gets the caller's activation ledger, oldest first
// GET /api/subscriptions/history
func (h *Handlers) SubscriptionHistory(c *gin.Context) {
	ctx := c.Request.Context()
	userID := currentUserID(c)

	records, hit := h.Cache.GetHistory(ctx, userID)
	if !hit {
		var err error
		records, err = h.Subscriptions.History(ctx, userID)
		if err != nil {
			response.ErrorJSON(c, http.StatusInternalServerError, "Failed to load subscription history")
			return
		}
		if err := h.Cache.SetHistory(ctx, userID, records); err != nil {
			logging.Warnf("Failed to cache subscription history - user: %s, error: %v", userID, err)
		}
	}

	if records == nil {
		records = []models.SubscriptionRecord{}
	}
	response.SuccessJSON(c, records)
}
