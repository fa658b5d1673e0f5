// Package gateway is the outbound client for the payment gateway's v3 API:
// it creates NATIVE and H5 transactions and queries their state.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"journal-billing/internal/config"
	"journal-billing/internal/metrics"
	"journal-billing/internal/models"
	"journal-billing/internal/plans"
	"journal-billing/internal/signing"
	"journal-billing/internal/tradeno"
	"journal-billing/pkg/logging"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

// AuthScheme prefixes the Authorization header.
const AuthScheme = "WECHATPAY2-SHA256-RSA2048"

const (
	pathNative = "/v3/pay/transactions/native"
	pathH5     = "/v3/pay/transactions/h5"
	pathQuery  = "/v3/pay/transactions/out-trade-no/"

	currencyCNY = "CNY"
)

var (
	ErrUnsupportedTradeType = errors.New("unsupported trade type")
	ErrInvalidPrice         = errors.New("price must be positive")
)

// APIError is a non-2xx answer from the gateway.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway API error: status %d, code %s: %s", e.StatusCode, e.Code, e.Message)
}

// CreateRequest describes one purchase.
type CreateRequest struct {
	PlanID      string
	Price       decimal.Decimal // major units
	UserID      string          // external identity, embedded in out_trade_no
	TradeType   string          // models.TradeTypeNative or models.TradeTypeH5
	Description string
	ClientIP    string // required by H5
}

// Result carries either a payment URL or an error; CreateTransaction never
// returns errors any other way.
type Result struct {
	PaymentURL string
	OutTradeNo string
	Err        error
}

// TransactionStatus is the gateway's view of one order.
type TransactionStatus struct {
	OutTradeNo     string
	TransactionID  string
	TradeState     string
	TradeStateDesc string
	Total          int64 // minor units
}

type Client struct {
	cfg        *config.Gateway
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
	now        func() time.Time
}

// NewClient shares cfg by pointer; it is never mutated.
func NewClient(cfg *config.Gateway) *Client {
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		now:        time.Now,
	}

	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "payment-gateway",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		// business rejections (4xx) say nothing about gateway health
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.StatusCode < http.StatusInternalServerError
			}
			return err == nil
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logging.Warnf("Circuit breaker '%s' changed from %s to %s", name, from, to)
		},
	})
	return c
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// WithClock replaces the time source used for timestamps and trade numbers.
func (c *Client) WithClock(now func() time.Time) *Client {
	c.now = now
	return c
}

type createAmount struct {
	Total    int64  `json:"total"`
	Currency string `json:"currency"`
}

type h5Info struct {
	Type string `json:"type"`
}

type sceneInfo struct {
	PayerClientIP string  `json:"payer_client_ip"`
	H5Info        *h5Info `json:"h5_info,omitempty"`
}

type createBody struct {
	AppID       string       `json:"appid"`
	MchID       string       `json:"mchid"`
	Description string       `json:"description"`
	OutTradeNo  string       `json:"out_trade_no"`
	NotifyURL   string       `json:"notify_url"`
	Amount      createAmount `json:"amount"`
	SceneInfo   *sceneInfo   `json:"scene_info,omitempty"`
}

type createResponse struct {
	CodeURL string `json:"code_url"`
	H5URL   string `json:"h5_url"`
}

// CreateTransaction places an order with the gateway.
func (c *Client) CreateTransaction(ctx context.Context, req CreateRequest) Result {
	var path string
	switch req.TradeType {
	case models.TradeTypeNative:
		path = pathNative
	case models.TradeTypeH5:
		path = pathH5
	default:
		return Result{Err: fmt.Errorf("%w: %q", ErrUnsupportedTradeType, req.TradeType)}
	}

	if !req.Price.IsPositive() {
		return Result{Err: ErrInvalidPrice}
	}

	outTradeNo, err := tradeno.New(req.PlanID, req.UserID, c.now()).Encode()
	if err != nil {
		return Result{Err: err}
	}

	body := createBody{
		AppID:       c.cfg.AppID,
		MchID:       c.cfg.MchID,
		Description: req.Description,
		OutTradeNo:  outTradeNo,
		NotifyURL:   c.cfg.NotifyURL,
		Amount:      createAmount{Total: plans.MinorUnits(req.Price), Currency: currencyCNY},
	}
	if body.Description == "" {
		body.Description = "Trading Journal subscription - " + req.PlanID
	}
	if req.TradeType == models.TradeTypeH5 {
		ip := req.ClientIP
		if ip == "" {
			ip = "127.0.0.1"
		}
		body.SceneInfo = &sceneInfo{PayerClientIP: ip, H5Info: &h5Info{Type: "Wap"}}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return Result{OutTradeNo: outTradeNo, Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	raw, err := c.execute(ctx, http.MethodPost, path, payload, strings.ToLower(req.TradeType))
	if err != nil {
		logging.Errorf("Create transaction failed - out_trade_no: %s, trade_type: %s, error: %v", outTradeNo, req.TradeType, err)
		return Result{OutTradeNo: outTradeNo, Err: err}
	}

	var resp createResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Result{OutTradeNo: outTradeNo, Err: fmt.Errorf("failed to parse response: %w", err)}
	}

	paymentURL := resp.CodeURL
	if paymentURL == "" {
		paymentURL = resp.H5URL
	}
	if paymentURL == "" {
		return Result{OutTradeNo: outTradeNo, Err: errors.New("gateway returned neither code_url nor h5_url")}
	}

	logging.Infof("Transaction created - out_trade_no: %s, trade_type: %s, total: %d", outTradeNo, req.TradeType, body.Amount.Total)
	return Result{PaymentURL: paymentURL, OutTradeNo: outTradeNo}
}

// QueryTransaction fetches the gateway's current state for outTradeNo.
func (c *Client) QueryTransaction(ctx context.Context, outTradeNo string) (*TransactionStatus, error) {
	path := pathQuery + url.PathEscape(outTradeNo) + "?mchid=" + url.QueryEscape(c.cfg.MchID)

	raw, err := c.execute(ctx, http.MethodGet, path, nil, "query")
	if err != nil {
		return nil, err
	}

	var tx models.GatewayTransaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &TransactionStatus{
		OutTradeNo:     tx.OutTradeNo,
		TransactionID:  tx.TransactionID,
		TradeState:     tx.TradeState,
		TradeStateDesc: tx.TradeStateDesc,
		Total:          tx.Amount.Total,
	}, nil
}

// Authorization builds the header value for a request. urlPath includes
// the query string.
func (c *Client) Authorization(method, urlPath, body string) (string, error) {
	timestamp := strconv.FormatInt(c.now().Unix(), 10)
	nonce := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))

	signature, err := signing.Sign(signing.BuildCanonicalString(method, urlPath, timestamp, nonce, body), c.cfg.PrivateKey)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(`%s mchid="%s",nonce_str="%s",signature="%s",timestamp="%s",serial_no="%s"`,
		AuthScheme, c.cfg.MchID, nonce, signature, timestamp, c.cfg.SerialNo), nil
}

func (c *Client) execute(ctx context.Context, method, path string, body []byte, endpoint string) ([]byte, error) {
	start := time.Now()
	status := "error"
	defer func() {
		metrics.GatewayRequestsTotal.WithLabelValues(endpoint, status).Inc()
		metrics.GatewayRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}()

	result, err := c.cb.Execute(func() (interface{}, error) {
		return c.doRequest(ctx, method, path, body)
	})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			status = strconv.Itoa(apiErr.StatusCode)
		}
		return nil, err
	}

	status = "ok"
	return result.([]byte), nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	auth, err := c.Authorization(method, path, string(body))
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "journal-billing/1.0")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(respBody, apiErr)
		return nil, apiErr
	}
	return respBody, nil
}
