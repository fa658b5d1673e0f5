package api

import (
	"errors"
	"net/http"
	"strconv"

	"journal-billing/internal/gateway"
	"journal-billing/internal/middleware"
	"journal-billing/internal/models"
	"journal-billing/internal/orders"
	"journal-billing/internal/plans"
	"journal-billing/internal/response"
	"journal-billing/internal/tradeno"
	"journal-billing/pkg/logging"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type planView struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Days  int             `json:"days"`
	Price decimal.Decimal `json:"price"`
}

// ListPlans returns the purchasable plans.
// GET /api/plans
func (h *Handlers) ListPlans(c *gin.Context) {
	all := h.Plans.All()
	views := make([]planView, 0, len(all))
	for _, p := range all {
		views = append(views, planView{ID: p.ID, Name: p.Name, Days: p.Days, Price: p.Price})
	}
	response.SuccessJSON(c, views)
}

// CreateTransactionRequest represents a purchase request
type CreateTransactionRequest struct {
	PlanID    string `json:"planId" binding:"required"`
	TradeType string `json:"tradeType" binding:"omitempty,tradetype"` // NATIVE (default) or H5
}

type createTransactionResponse struct {
	PaymentURL string `json:"paymentUrl"`
	OutTradeNo string `json:"outTradeNo"`
}

// CreateTransaction creates a gateway transaction and a pending order.
// POST /api/payments/transactions
func (h *Handlers) CreateTransaction(c *gin.Context) {
	var req CreateTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid request format: "+err.Error())
		return
	}
	if req.TradeType == "" {
		req.TradeType = models.TradeTypeNative
	}

	plan, err := h.Plans.Lookup(req.PlanID)
	if err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, err.Error())
		return
	}

	userID := currentUserID(c)
	result := h.Gateway.CreateTransaction(c.Request.Context(), gateway.CreateRequest{
		PlanID:    plan.ID,
		Price:     plan.Price,
		UserID:    c.GetString(middleware.ContextExternalID),
		TradeType: req.TradeType,
		ClientIP:  c.ClientIP(),
	})
	if result.Err != nil {
		status := http.StatusBadGateway
		if errors.Is(result.Err, gateway.ErrUnsupportedTradeType) || errors.Is(result.Err, gateway.ErrInvalidPrice) ||
			errors.Is(result.Err, tradeno.ErrTooLong) {
			status = http.StatusBadRequest
		}
		response.ErrorJSON(c, status, "Failed to create transaction: "+result.Err.Error())
		return
	}

	paymentURL := result.PaymentURL
	order := &models.Order{
		UserID:          userID,
		OutTradeNo:      result.OutTradeNo,
		PlanID:          plan.ID,
		Amount:          plan.Price.InexactFloat64(),
		PaymentProvider: models.PaymentProviderGateway,
		PaymentURL:      &paymentURL,
		TradeType:       req.TradeType,
	}
	if err := h.Orders.Create(c.Request.Context(), order); err != nil {
		logging.Errorf("Failed to persist order - out_trade_no: %s, error: %v", result.OutTradeNo, err)
		status := http.StatusInternalServerError
		if errors.Is(err, orders.ErrDuplicateOrder) {
			status = http.StatusConflict
		}
		response.ErrorJSON(c, status, "Failed to create order")
		return
	}

	response.SuccessJSON(c, createTransactionResponse{
		PaymentURL: result.PaymentURL,
		OutTradeNo: result.OutTradeNo,
	})
}

// PaymentStatusResponse is what the client poller reads. Amount is in minor
// units.
type PaymentStatusResponse struct {
	TradeState    string `json:"trade_state"`
	TransactionID string `json:"transaction_id"`
	Amount        int64  `json:"amount"`
}

// PaymentStatus reports the trade state of one of the caller's orders,
// asking the gateway while the order is still pending.
// GET /api/payments/status?outTradeNo=xxx
func (h *Handlers) PaymentStatus(c *gin.Context) {
	outTradeNo := c.Query("outTradeNo")
	if outTradeNo == "" {
		response.ErrorJSON(c, http.StatusBadRequest, "outTradeNo is required")
		return
	}

	ctx := c.Request.Context()
	order, err := h.Orders.FindByOutTradeNo(ctx, outTradeNo)
	if err != nil {
		if errors.Is(err, orders.ErrOrderNotFound) {
			response.ErrorJSON(c, http.StatusNotFound, "Order not found")
			return
		}
		response.ErrorJSON(c, http.StatusInternalServerError, "Failed to load order")
		return
	}
	// Someone else's order is indistinguishable from a missing one
	if order.UserID != currentUserID(c) {
		response.ErrorJSON(c, http.StatusNotFound, "Order not found")
		return
	}

	if order.IsTerminal() {
		c.JSON(http.StatusOK, terminalStatus(order))
		return
	}

	st, err := h.Gateway.QueryTransaction(ctx, outTradeNo)
	if err != nil {
		logging.Warnf("Gateway query failed - out_trade_no: %s, error: %v", outTradeNo, err)
		response.ErrorJSON(c, http.StatusBadGateway, "Failed to query payment status")
		return
	}

	switch st.TradeState {
	case models.TradeStateSuccess:
		if _, _, err := h.Orders.MarkPaid(ctx, outTradeNo, st.TransactionID); err != nil {
			logging.Warnf("Failed to mark order paid - out_trade_no: %s, error: %v", outTradeNo, err)
		}
	case models.TradeStateClosed, models.TradeStateRevoked:
		if _, _, err := h.Orders.MarkCancelled(ctx, outTradeNo); err != nil {
			logging.Warnf("Failed to mark order cancelled - out_trade_no: %s, error: %v", outTradeNo, err)
		}
	case models.TradeStatePayError:
		if _, _, err := h.Orders.MarkFailed(ctx, outTradeNo); err != nil {
			logging.Warnf("Failed to mark order failed - out_trade_no: %s, error: %v", outTradeNo, err)
		}
	}

	c.JSON(http.StatusOK, PaymentStatusResponse{
		TradeState:    st.TradeState,
		TransactionID: st.TransactionID,
		Amount:        st.Total,
	})
}

func terminalStatus(order *models.Order) PaymentStatusResponse {
	resp := PaymentStatusResponse{Amount: plans.MinorUnits(decimal.NewFromFloat(order.Amount))}
	switch order.Status {
	case models.OrderStatusPaid:
		resp.TradeState = models.TradeStateSuccess
		if order.PaymentID != nil {
			resp.TransactionID = *order.PaymentID
		}
	case models.OrderStatusFailed:
		resp.TradeState = models.TradeStatePayError
	default:
		resp.TradeState = models.TradeStateClosed
	}
	return resp
}

// ListOrders returns the caller's most recent orders.
// GET /api/payments/orders?limit=20
func (h *Handlers) ListOrders(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 || limit > 100 {
		response.ErrorJSON(c, http.StatusBadRequest, "limit must be between 1 and 100")
		return
	}

	list, err := h.Orders.ListByUser(c.Request.Context(), currentUserID(c), limit)
	if err != nil {
		response.ErrorJSON(c, http.StatusInternalServerError, "Failed to list orders")
		return
	}
	response.SuccessJSON(c, list)
}
