// Package webhook authenticates, decrypts and applies the payment gateway's
// asynchronous TRANSACTION.SUCCESS callbacks.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"journal-billing/internal/config"
	"journal-billing/internal/metrics"
	"journal-billing/internal/models"
	"journal-billing/internal/orders"
	"journal-billing/internal/signing"
	"journal-billing/internal/subscriptions"
	"journal-billing/internal/tradeno"
	"journal-billing/internal/users"
	"journal-billing/pkg/logging"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// Callback headers.
const (
	HeaderSignature = "Wechatpay-Signature"
	HeaderTimestamp = "Wechatpay-Timestamp"
	HeaderNonce     = "Wechatpay-Nonce"
	HeaderSerial    = "Wechatpay-Serial"
)

// Response codes understood by the gateway.
const (
	CodeSuccess = "SUCCESS"
	CodeFail    = "FAIL"
)

// MaxClockSkew bounds how old or how far in the future a callback timestamp
// may be.
const MaxClockSkew = 5 * time.Minute

type OrderStore interface {
	FindByOutTradeNo(ctx context.Context, outTradeNo string) (*models.Order, error)
	MarkPaid(ctx context.Context, outTradeNo, transactionID string) (*models.Order, bool, error)
}

type UserResolver interface {
	ResolveExternalID(ctx context.Context, externalID string) (string, error)
}

type Activator interface {
	Activate(ctx context.Context, req subscriptions.ActivateRequest) (*models.Subscription, bool, error)
}

// Invalidator drops cached views of a user's billing state.
type Invalidator interface {
	InvalidateUser(ctx context.Context, userID string) error
}

// Notifier sends the purchase receipt.
type Notifier interface {
	SendReceipt(ctx context.Context, userID string, sub *models.Subscription, amount float64) error
}

// Outcome is the answer to one callback.
type Outcome struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func ok(msg string) Outcome {
	return Outcome{Status: http.StatusOK, Code: CodeSuccess, Message: msg}
}

func fail(status int, format string, args ...interface{}) Outcome {
	return Outcome{Status: status, Code: CodeFail, Message: fmt.Sprintf(format, args...)}
}

type Receiver struct {
	cfg       *config.Gateway
	orders    OrderStore
	users     UserResolver
	activator Activator

	invalidator Invalidator // optional
	notifier    Notifier    // optional

	now func() time.Time
	wg  sync.WaitGroup
}

func NewReceiver(cfg *config.Gateway, orderStore OrderStore, resolver UserResolver, activator Activator) *Receiver {
	return &Receiver{cfg: cfg, orders: orderStore, users: resolver, activator: activator, now: time.Now}
}

// WithInvalidator sets the cache invalidated after each activation.
func (r *Receiver) WithInvalidator(inv Invalidator) *Receiver {
	r.invalidator = inv
	return r
}

// WithNotifier sets the receipt sender.
func (r *Receiver) WithNotifier(n Notifier) *Receiver {
	r.notifier = n
	return r
}

// WithClock replaces the time source used for the timestamp window.
func (r *Receiver) WithClock(now func() time.Time) *Receiver {
	r.now = now
	return r
}

// Wait blocks until background work started by Handle has finished.
func (r *Receiver) Wait() {
	r.wg.Wait()
}

// GinHandler serves POST /api/payments/notify.
func (r *Receiver) GinHandler(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		logging.Errorf("Failed to read request body: %v", err)
		c.JSON(http.StatusBadRequest, fail(http.StatusBadRequest, "failed to read request body"))
		return
	}

	out := r.Handle(c.Request.Context(), c.Request.Header, body)
	c.JSON(out.Status, out)
}

// Handle runs one callback through authentication, decryption and
// activation. It fails closed on anything it cannot authenticate.
func (r *Receiver) Handle(ctx context.Context, header http.Header, body []byte) Outcome {
	out := r.handle(ctx, header, body)

	result := "failed"
	switch {
	case out.Code == CodeSuccess && out.Message == "ok":
		result = "applied"
	case out.Code == CodeSuccess:
		result = "ignored"
	case out.Status == http.StatusUnauthorized:
		result = "rejected"
	}
	metrics.WebhookNotificationsTotal.WithLabelValues(result).Inc()
	return out
}

func (r *Receiver) handle(ctx context.Context, header http.Header, body []byte) Outcome {
	signature := header.Get(HeaderSignature)
	timestamp := header.Get(HeaderTimestamp)
	nonce := header.Get(HeaderNonce)
	serial := header.Get(HeaderSerial)

	if signature == "" || timestamp == "" || nonce == "" || serial == "" {
		logging.Warnf("Gateway callback missing signature headers")
		return fail(http.StatusUnauthorized, "missing signature headers")
	}
	if r.cfg.PlatformSerial != "" && serial != r.cfg.PlatformSerial {
		logging.Warnf("Gateway callback signed by unknown certificate - serial: %s", serial)
		return fail(http.StatusUnauthorized, "unknown platform serial")
	}
	if !r.freshTimestamp(timestamp) {
		logging.Warnf("Gateway callback timestamp outside window - timestamp: %s", timestamp)
		return fail(http.StatusUnauthorized, "stale timestamp")
	}
	if !signing.Verify(string(body), signature, timestamp, nonce, r.cfg.PlatformPublicKey) {
		logging.Warnf("Gateway callback signature verification failed - serial: %s", serial)
		return fail(http.StatusUnauthorized, "signature verification failed")
	}

	var notification models.GatewayNotification
	if err := json.Unmarshal(body, &notification); err != nil {
		logging.Errorf("Failed to parse gateway notification: %v, body length: %d", err, len(body))
		return fail(http.StatusBadRequest, "invalid notification format")
	}

	logging.Infof("Gateway notification - id: %s, event_type: %s", notification.ID, notification.EventType)
	if notification.EventType != models.EventTransactionSuccess {
		return ok("ignored event type " + notification.EventType)
	}

	res := notification.Resource
	plaintext, err := signing.DecryptAEAD(res.Ciphertext, res.AssociatedData, res.Nonce, r.cfg.APIv3Key)
	if err != nil {
		logging.Errorf("Failed to decrypt notification resource - id: %s, error: %v", notification.ID, err)
		return fail(http.StatusInternalServerError, "failed to decrypt resource")
	}

	var tx models.GatewayTransaction
	if err := json.Unmarshal(plaintext, &tx); err != nil {
		logging.Errorf("Failed to parse decrypted transaction - id: %s, error: %v", notification.ID, err)
		return fail(http.StatusBadRequest, "invalid transaction resource")
	}

	if tx.TradeState != models.TradeStateSuccess {
		logging.Infof("Transaction not successful, acknowledged - out_trade_no: %s, trade_state: %s", tx.OutTradeNo, tx.TradeState)
		return ok("ignored trade state " + tx.TradeState)
	}

	target, out, good := r.identify(ctx, tx)
	if !good {
		return out
	}

	if _, changed, err := r.orders.MarkPaid(ctx, tx.OutTradeNo, tx.TransactionID); err != nil {
		switch {
		case errors.Is(err, orders.ErrOrderNotFound):
			logging.Warnf("Paid transaction has no order row - out_trade_no: %s", tx.OutTradeNo)
		case errors.Is(err, orders.ErrInvalidTransition):
			// money was taken; the entitlement still has to be granted
			logging.Warnf("Paid transaction for closed order - out_trade_no: %s, error: %v", tx.OutTradeNo, err)
		default:
			logging.Errorf("Failed to mark order paid - out_trade_no: %s, error: %v", tx.OutTradeNo, err)
			return fail(http.StatusInternalServerError, "failed to update order")
		}
	} else if !changed {
		logging.Infof("Order already paid, activation replay - out_trade_no: %s", tx.OutTradeNo)
	}

	sub, applied, err := r.activator.Activate(ctx, subscriptions.ActivateRequest{
		UserID:    target.userID,
		PlanID:    target.planID,
		PaymentID: tx.TransactionID,
		Amount:    target.amount,
	})
	if err != nil {
		logging.Errorf("Activation failed - out_trade_no: %s, transaction: %s, error: %v", tx.OutTradeNo, tx.TransactionID, err)
		switch {
		case errors.Is(err, users.ErrUserNotFound):
			return fail(http.StatusBadRequest, "user not found: %s", target.userID)
		case errors.Is(err, subscriptions.ErrPaymentOwnedByOther):
			// redelivery cannot change the ledger owner
			return ok("ok")
		}
		return fail(http.StatusInternalServerError, "activation failed")
	}

	logging.Infof("Gateway payment applied - out_trade_no: %s, transaction: %s, user: %s, end: %s, new: %t",
		tx.OutTradeNo, tx.TransactionID, target.userID, sub.EndDate.Format(time.RFC3339), applied)

	r.afterActivation(target.userID, sub, target.amount, applied)
	return ok("ok")
}

type activationTarget struct {
	userID string
	planID string
	amount float64
}

// identify resolves who paid for what, preferring the persisted order over
// the identity embedded in out_trade_no.
func (r *Receiver) identify(ctx context.Context, tx models.GatewayTransaction) (activationTarget, Outcome, bool) {
	paid := decimal.New(tx.Amount.Total, -2).InexactFloat64()

	order, err := r.orders.FindByOutTradeNo(ctx, tx.OutTradeNo)
	switch {
	case err == nil:
		if order.Amount != paid {
			logging.Warnf("Paid amount differs from order - out_trade_no: %s, order: %.2f, paid: %.2f", tx.OutTradeNo, order.Amount, paid)
		}
		return activationTarget{userID: order.UserID, planID: order.PlanID, amount: paid}, Outcome{}, true
	case !errors.Is(err, orders.ErrOrderNotFound):
		logging.Errorf("Failed to load order - out_trade_no: %s, error: %v", tx.OutTradeNo, err)
		return activationTarget{}, fail(http.StatusInternalServerError, "failed to load order"), false
	}

	no, err := tradeno.Decode(tx.OutTradeNo)
	if err != nil {
		logging.Errorf("Cannot decode out_trade_no: %v", err)
		return activationTarget{}, fail(http.StatusBadRequest, "malformed out_trade_no: %s", tx.OutTradeNo), false
	}

	userID, err := r.users.ResolveExternalID(ctx, no.UserID)
	if err != nil {
		logging.Errorf("Cannot resolve user for out_trade_no %s: %v", tx.OutTradeNo, err)
		if errors.Is(err, users.ErrUserNotFound) {
			return activationTarget{}, fail(http.StatusBadRequest, "user not found: %s", no.UserID), false
		}
		return activationTarget{}, fail(http.StatusInternalServerError, "failed to resolve user"), false
	}
	return activationTarget{userID: userID, planID: no.PlanID, amount: paid}, Outcome{}, true
}

func (r *Receiver) freshTimestamp(ts string) bool {
	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	skew := r.now().Sub(time.Unix(secs, 0))
	return skew <= MaxClockSkew && skew >= -MaxClockSkew
}

// afterActivation invalidates caches and, for a newly applied payment,
// sends the receipt in the background. Failures are logged only; cached
// entries expire on their own.
func (r *Receiver) afterActivation(userID string, sub *models.Subscription, amount float64, applied bool) {
	notifier := r.notifier
	if !applied {
		notifier = nil
	}
	if r.invalidator == nil && notifier == nil {
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if r.invalidator != nil {
			if err := r.invalidator.InvalidateUser(ctx, userID); err != nil {
				logging.Warnf("Cache invalidation failed - user: %s, error: %v", userID, err)
			}
		}
		if notifier != nil {
			if err := notifier.SendReceipt(ctx, userID, sub, amount); err != nil {
				logging.Warnf("Receipt email failed - user: %s, error: %v", userID, err)
			}
		}
	}()
}
