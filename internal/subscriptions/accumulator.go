// Package subscriptions turns confirmed payments into subscription time.
//
// Accumulator.Activate is the single idempotency boundary for both the
// webhook path and the client polling path: the ledger's unique payment_id
// guarantees that one payment extends a subscription at most once.
package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"journal-billing/internal/metrics"
	"journal-billing/internal/models"
	"journal-billing/internal/plans"
	"journal-billing/internal/users"
	"journal-billing/pkg/logging"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrInvalidActivation    = errors.New("invalid activation request")
	ErrPaymentOwnedByOther  = errors.New("payment applied to another user")
)

// ActivateRequest credits one confirmed payment to a user.
type ActivateRequest struct {
	UserID    string // internal user id
	PlanID    string
	PaymentID string  // gateway transaction id
	Amount    float64 // major units
}

type Accumulator struct {
	db       *gorm.DB
	catalog  *plans.Catalog
	provider string
	now      func() time.Time
}

func NewAccumulator(db *gorm.DB, catalog *plans.Catalog) *Accumulator {
	return &Accumulator{
		db:       db,
		catalog:  catalog,
		provider: models.PaymentProviderGateway,
		now:      time.Now,
	}
}

// WithClock replaces the time source; used by tests.
func (a *Accumulator) WithClock(now func() time.Time) *Accumulator {
	a.now = now
	return a
}

// Activate applies req in one transaction and returns the resulting
// subscription. applied is true only when this call wrote the ledger row;
// replaying a payment id returns the current subscription unchanged with
// applied false.
func (a *Accumulator) Activate(ctx context.Context, req ActivateRequest) (*models.Subscription, bool, error) {
	if req.UserID == "" || req.PlanID == "" || req.PaymentID == "" {
		return nil, false, fmt.Errorf("%w: user, plan and payment id are required", ErrInvalidActivation)
	}

	var result *models.Subscription
	var mode string

	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The user row is the per-user serialisation point; it exists even
		// before the first subscription does.
		var user models.User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", req.UserID).First(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", users.ErrUserNotFound, req.UserID)
			}
			return fmt.Errorf("failed to lock user: %w", err)
		}

		existing, err := latest(tx.Clauses(clause.Locking{Strength: "UPDATE"}), req.UserID)
		if err != nil {
			return err
		}

		owner, found, err := paymentOwner(tx, req.PaymentID)
		if err != nil {
			return err
		}
		if found {
			if owner != req.UserID || existing == nil {
				return fmt.Errorf("%w: %s", ErrPaymentOwnedByOther, req.PaymentID)
			}
			mode = "replay"
			result = existing
			return nil
		}

		plan, err := a.catalog.Lookup(req.PlanID)
		if err != nil {
			return err
		}

		now := a.now().UTC()
		w := ComputeWindow(existing, plan.Days, now)

		sub := existing
		if sub == nil {
			sub = &models.Subscription{UserID: req.UserID}
		}
		sub.PlanID = plan.ID
		sub.Status = models.SubscriptionStatusActive
		sub.StartDate = w.Start
		sub.EndDate = w.End
		sub.PaymentProvider = a.provider
		sub.PaymentID = req.PaymentID
		sub.TotalDaysAdded += plan.Days
		sub.AccumulatedFrom = nil
		if w.Accumulated {
			sub.AccumulatedFrom = w.PreviousEnd
		}

		if err := tx.Save(sub).Error; err != nil {
			return fmt.Errorf("failed to save subscription: %w", err)
		}

		record := models.SubscriptionRecord{
			SubscriptionID:  sub.ID,
			PlanID:          plan.ID,
			PlanName:        plan.Name,
			DaysAdded:       plan.Days,
			Amount:          req.Amount,
			PaymentID:       req.PaymentID,
			PurchaseDate:    now,
			PreviousEndDate: w.PreviousEnd,
			NewEndDate:      w.End,
		}
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("failed to append ledger: %w", err)
		}

		mode = "reset"
		if w.Accumulated {
			mode = "accumulate"
		}
		result = sub
		return nil
	})

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// A concurrent activation committed the same payment first.
		logging.Infof("Activation lost race, payment already applied - user: %s, payment: %s", req.UserID, req.PaymentID)
		owner, found, err := paymentOwner(a.db.WithContext(ctx), req.PaymentID)
		if err != nil {
			return nil, false, err
		}
		if found && owner != req.UserID {
			return nil, false, fmt.Errorf("%w: %s", ErrPaymentOwnedByOther, req.PaymentID)
		}
		metrics.SubscriptionActivationsTotal.WithLabelValues("replay").Inc()
		sub, err := a.Current(ctx, req.UserID)
		return sub, false, err
	}
	if err != nil {
		logging.Errorf("Activation failed - user: %s, plan: %s, payment: %s, error: %v", req.UserID, req.PlanID, req.PaymentID, err)
		return nil, false, err
	}

	metrics.SubscriptionActivationsTotal.WithLabelValues(mode).Inc()
	logging.Infof("Subscription activated - user: %s, plan: %s, payment: %s, mode: %s, end: %s, total_days: %d",
		req.UserID, req.PlanID, req.PaymentID, mode, result.EndDate.Format(time.RFC3339), result.TotalDaysAdded)
	return result, mode != "replay", nil
}

// Current returns the user's most recent subscription row.
func (a *Accumulator) Current(ctx context.Context, userID string) (*models.Subscription, error) {
	sub, err := latest(a.db.WithContext(ctx), userID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, fmt.Errorf("%w: user %s", ErrSubscriptionNotFound, userID)
	}
	return sub, nil
}

// History returns the user's ledger, oldest first.
func (a *Accumulator) History(ctx context.Context, userID string) ([]models.SubscriptionRecord, error) {
	var records []models.SubscriptionRecord
	err := a.db.WithContext(ctx).
		Joins("JOIN subscriptions ON subscriptions.id = subscription_records.subscription_id").
		Where("subscriptions.user_id = ?", userID).
		Order("subscription_records.id ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription history: %w", err)
	}
	return records, nil
}

// ExpireStale marks active subscriptions whose end date has passed as
// inactive and reports how many rows changed.
func (a *Accumulator) ExpireStale(ctx context.Context) (int64, error) {
	res := a.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("status = ? AND end_date <= ?", models.SubscriptionStatusActive, a.now().UTC()).
		Update("status", models.SubscriptionStatusInactive)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to expire subscriptions: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		metrics.SubscriptionsExpiredTotal.Add(float64(res.RowsAffected))
		logging.Infof("Expired subscriptions - count: %d", res.RowsAffected)
	}
	return res.RowsAffected, nil
}

// paymentOwner reports which user the ledger credited paymentID to.
func paymentOwner(db *gorm.DB, paymentID string) (string, bool, error) {
	var owners []string
	err := db.Model(&models.SubscriptionRecord{}).
		Joins("JOIN subscriptions ON subscriptions.id = subscription_records.subscription_id").
		Where("subscription_records.payment_id = ?", paymentID).
		Limit(1).
		Pluck("subscriptions.user_id", &owners).Error
	if err != nil {
		return "", false, fmt.Errorf("failed to check ledger: %w", err)
	}
	if len(owners) == 0 {
		return "", false, nil
	}
	return owners[0], true, nil
}

func latest(db *gorm.DB, userID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := db.Where("user_id = ?", userID).Order("created_at DESC, id DESC").First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	return &sub, nil
}
