package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"journal-billing/internal/models"
	"journal-billing/pkg/logging"
)

// SignatureHeader carries the hex HMAC-SHA256 of the callback body.
const SignatureHeader = "X-Billing-Signature"

// EventSubscriptionActivated is the only event posted today.
const EventSubscriptionActivated = "subscription.activated"

// CallbackPayload is posted to the app backend after an activation.
type CallbackPayload struct {
	Event          string  `json:"event"`
	UserID         string  `json:"user_id"`
	PlanID         string  `json:"plan_id"`
	Status         string  `json:"status"`
	PaymentID      string  `json:"payment_id"`
	Amount         float64 `json:"amount"`
	StartDate      string  `json:"start_date"` // RFC 3339
	EndDate        string  `json:"end_date"`   // RFC 3339
	TotalDaysAdded int     `json:"total_days_added"`
	Timestamp      string  `json:"timestamp"`
}

// CallbackNotifier posts activations to the app backend. Without a URL it
// is disabled.
type CallbackNotifier struct {
	url         string
	secret      string
	httpClient  *http.Client
	retryDelays []time.Duration
	now         func() time.Time
}

func NewCallbackNotifier(callbackURL, secret string) *CallbackNotifier {
	return &CallbackNotifier{
		url:         callbackURL,
		secret:      secret,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{1 * time.Second, 5 * time.Second},
		now:         time.Now,
	}
}

// WithRetryDelays sets the waits between attempts; len(delays)+1 attempts
// are made in total.
func (n *CallbackNotifier) WithRetryDelays(delays ...time.Duration) *CallbackNotifier {
	n.retryDelays = delays
	return n
}

// Enabled reports whether a callback URL was configured.
func (n *CallbackNotifier) Enabled() bool {
	return n.url != ""
}

// Send posts the activation, retrying on failure until the attempts or ctx
// run out.
func (n *CallbackNotifier) Send(ctx context.Context, userID string, sub *models.Subscription, amount float64) error {
	if !n.Enabled() {
		return nil
	}

	payload := CallbackPayload{
		Event:          EventSubscriptionActivated,
		UserID:         userID,
		PlanID:         sub.PlanID,
		Status:         sub.Status,
		PaymentID:      sub.PaymentID,
		Amount:         amount,
		StartDate:      sub.StartDate.UTC().Format(time.RFC3339),
		EndDate:        sub.EndDate.UTC().Format(time.RFC3339),
		TotalDaysAdded: sub.TotalDaysAdded,
		Timestamp:      n.now().UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	attempts := len(n.retryDelays) + 1
	for attempt := 1; ; attempt++ {
		err = n.post(ctx, body)
		if err == nil {
			logging.Infof("Activation callback sent - user: %s, payment: %s, attempt: %d", userID, sub.PaymentID, attempt)
			return nil
		}
		logging.Warnf("Activation callback failed - user: %s, payment: %s, attempt: %d, error: %v", userID, sub.PaymentID, attempt, err)

		if attempt == attempts {
			return fmt.Errorf("callback failed after %d attempts: %w", attempts, err)
		}

		timer := time.NewTimer(n.retryDelays[attempt-1])
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("callback abandoned after %d attempts: %w", attempt, ctx.Err())
		}
	}
}

func (n *CallbackNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "journal-billing-callback/1.0")
	if n.secret != "" {
		req.Header.Set(SignatureHeader, Sign(body, n.secret))
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload under secret. Receivers
// recompute it to authenticate callbacks.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
