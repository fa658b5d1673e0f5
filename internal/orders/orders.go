// Package orders persists payment orders and guards their lifecycle:
// pending moves to exactly one of paid, failed or cancelled and never moves
// again.
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"journal-billing/internal/metrics"
	"journal-billing/internal/models"
	"journal-billing/pkg/logging"

	"gorm.io/gorm"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrDuplicateOrder    = errors.New("order already exists")
	ErrInvalidTransition = errors.New("invalid order transition")
)

// Service is the order state machine.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db, now: time.Now}
}

// WithClock replaces the time source; used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create inserts a new pending order.
func (s *Service) Create(ctx context.Context, order *models.Order) error {
	order.Status = models.OrderStatusPending
	order.PaidAt = nil

	if err := s.db.WithContext(ctx).Create(order).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: %s", ErrDuplicateOrder, order.OutTradeNo)
		}
		return fmt.Errorf("failed to create order: %w", err)
	}

	logging.Infof("Order created - out_trade_no: %s, user: %s, plan: %s, amount: %.2f",
		order.OutTradeNo, order.UserID, order.PlanID, order.Amount)
	return nil
}

// MarkPaid moves a pending order to paid and records the gateway
// transaction id. An order that is already paid is returned unchanged with
// changed=false. Failed or cancelled orders yield ErrInvalidTransition.
func (s *Service) MarkPaid(ctx context.Context, outTradeNo, transactionID string) (*models.Order, bool, error) {
	now := s.now()
	order, changed, err := s.transition(ctx, outTradeNo, models.OrderStatusPaid, map[string]interface{}{
		"payment_id": transactionID,
		"paid_at":    now,
	})
	if err != nil {
		return order, false, err
	}
	if !changed && order.Status != models.OrderStatusPaid {
		return order, false, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, outTradeNo, order.Status)
	}
	return order, changed, nil
}

// MarkFailed moves a pending order to failed. Terminal orders are left
// untouched.
func (s *Service) MarkFailed(ctx context.Context, outTradeNo string) (*models.Order, bool, error) {
	return s.transition(ctx, outTradeNo, models.OrderStatusFailed, nil)
}

// MarkCancelled moves a pending order to cancelled. Terminal orders are left
// untouched.
func (s *Service) MarkCancelled(ctx context.Context, outTradeNo string) (*models.Order, bool, error) {
	return s.transition(ctx, outTradeNo, models.OrderStatusCancelled, nil)
}

// transition applies a conditional update guarded by status = pending, so
// of two concurrent callers exactly one observes changed=true.
func (s *Service) transition(ctx context.Context, outTradeNo, status string, fields map[string]interface{}) (*models.Order, bool, error) {
	updates := map[string]interface{}{"status": status}
	for k, v := range fields {
		updates[k] = v
	}

	res := s.db.WithContext(ctx).Model(&models.Order{}).
		Where("out_trade_no = ? AND status = ?", outTradeNo, models.OrderStatusPending).
		Updates(updates)
	if res.Error != nil {
		return nil, false, fmt.Errorf("failed to update order %s: %w", outTradeNo, res.Error)
	}

	order, err := s.FindByOutTradeNo(ctx, outTradeNo)
	if err != nil {
		return nil, false, err
	}

	if res.RowsAffected == 0 {
		logging.Infof("Order transition skipped - out_trade_no: %s, current: %s, requested: %s",
			outTradeNo, order.Status, status)
		return order, false, nil
	}

	metrics.OrderTransitionsTotal.WithLabelValues(status).Inc()
	logging.Infof("Order transitioned - out_trade_no: %s, status: %s", outTradeNo, status)
	return order, true, nil
}

// FindByOutTradeNo loads one order.
func (s *Service) FindByOutTradeNo(ctx context.Context, outTradeNo string) (*models.Order, error) {
	var order models.Order
	err := s.db.WithContext(ctx).Where("out_trade_no = ?", outTradeNo).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, outTradeNo)
		}
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	return &order, nil
}

// FindByPaymentID loads the order paid by a gateway transaction.
func (s *Service) FindByPaymentID(ctx context.Context, paymentID string) (*models.Order, error) {
	var order models.Order
	err := s.db.WithContext(ctx).Where("payment_id = ?", paymentID).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: payment %s", ErrOrderNotFound, paymentID)
		}
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	return &order, nil
}

// ListByUser returns a user's orders, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]models.Order, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var list []models.Order
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return list, nil
}
