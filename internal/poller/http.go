package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"journal-billing/internal/tradeno"

	"github.com/shopspring/decimal"
)

// HTTPStatusClient queries GET /api/payments/status on this service.
type HTTPStatusClient struct {
	BaseURL    string
	Token      string // bearer token of the paying user
	HTTPClient *http.Client
}

func (c *HTTPStatusClient) QueryStatus(ctx context.Context, outTradeNo string) (TradeStatus, error) {
	u := strings.TrimRight(c.BaseURL, "/") + "/api/payments/status?outTradeNo=" + url.QueryEscape(outTradeNo)

	var st TradeStatus
	if err := doJSON(ctx, c.client(), http.MethodGet, u, c.Token, nil, &st); err != nil {
		return TradeStatus{}, err
	}
	return st, nil
}

func (c *HTTPStatusClient) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// HTTPActivator calls POST /api/subscriptions/activate on this service.
type HTTPActivator struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

type activateBody struct {
	PlanID    string  `json:"planId"`
	PaymentID string  `json:"paymentId"`
	Amount    float64 `json:"amount"`
}

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (a *HTTPActivator) Activate(ctx context.Context, outTradeNo string, st TradeStatus) error {
	no, err := tradeno.Decode(outTradeNo)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(activateBody{
		PlanID:    no.PlanID,
		PaymentID: st.TransactionID,
		Amount:    decimal.New(st.Amount, -2).InexactFloat64(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal activation: %w", err)
	}

	client := a.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	var resp envelope
	u := strings.TrimRight(a.BaseURL, "/") + "/api/subscriptions/activate"
	if err := doJSON(ctx, client, http.MethodPost, u, a.Token, payload, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("activation rejected: %s", resp.Message)
	}
	return nil
}

func doJSON(ctx context.Context, client *http.Client, method, u, token string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var env envelope
		_ = json.Unmarshal(data, &env)
		return fmt.Errorf("unexpected status code: %d %s", resp.StatusCode, env.Message)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
