package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"journal-billing/internal/cache"
	"journal-billing/internal/gateway"
	"journal-billing/internal/middleware"
	"journal-billing/internal/models"
	"journal-billing/internal/orders"
	"journal-billing/internal/plans"
	"journal-billing/internal/subscriptions"
	"journal-billing/internal/testutil"
	"journal-billing/internal/users"
	"journal-billing/internal/webhook"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGateway answers create and query calls. Query results come from
// states; unknown trades are NOTPAY.
type fakeGateway struct {
	mu     sync.Mutex
	states map[string]models.GatewayTransaction
	calls  int
}

func (f *fakeGateway) setState(outTradeNo, state, transactionID string, total int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[outTradeNo] = models.GatewayTransaction{
		OutTradeNo:    outTradeNo,
		TransactionID: transactionID,
		TradeState:    state,
		Amount:        models.TransactionAmount{Total: total},
	}
}

func (f *fakeGateway) queryCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/v3/pay/transactions/"):
		_, _ = io.Copy(io.Discard, r.Body)
		_, _ = w.Write([]byte(`{"code_url":"weixin://wxpay/bizpayurl?pr=abc"}`))
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v3/pay/transactions/out-trade-no/"):
		no := strings.TrimPrefix(r.URL.Path, "/v3/pay/transactions/out-trade-no/")
		f.mu.Lock()
		f.calls++
		tx, ok := f.states[no]
		f.mu.Unlock()
		if !ok {
			tx = models.GatewayTransaction{OutTradeNo: no, TradeState: models.TradeStateNotPay}
		}
		_ = json.NewEncoder(w).Encode(tx)
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"NOT_FOUND","message":"no route"}`))
	}
}

// receiptLog records which users were sent a receipt.
type receiptLog struct {
	mu    sync.Mutex
	users []string
}

func (r *receiptLog) SendReceipt(ctx context.Context, userID string, sub *models.Subscription, amount float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, userID)
	return nil
}

func (r *receiptLog) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

type testEnv struct {
	router   *gin.Engine
	handlers *Handlers
	receipts *receiptLog
	fake     *fakeGateway
	gw       *testutil.Gateway
	orders   *orders.Service
	users    *users.Service
	jwt      *middleware.JWTManager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fake := &fakeGateway{states: map[string]models.GatewayTransaction{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	gw := testutil.NewGateway(t, srv.URL)
	db := testutil.OpenDB(t)
	catalog := plans.Default()

	orderSvc := orders.NewService(db)
	userSvc := users.NewService(db)
	acc := subscriptions.NewAccumulator(db, catalog)
	c := cache.New(nil, time.Minute)

	receipts := &receiptLog{}
	receiver := webhook.NewReceiver(gw.Config, orderSvc, userSvc, acc).
		WithInvalidator(c).
		WithNotifier(receipts)
	jwtManager := newTestJWT()

	h := NewHandlers(Deps{
		Plans:         catalog,
		Gateway:       gateway.NewClient(gw.Config),
		Orders:        orderSvc,
		Users:         userSvc,
		Subscriptions: acc,
		Receiver:      receiver,
		Cache:         c,
		Notifier:      receipts,
		JWT:           jwtManager,
	})

	r := gin.New()
	SetupRoutes(r, h)

	return &testEnv{router: r, handlers: h, receipts: receipts, fake: fake, gw: gw, orders: orderSvc, users: userSvc, jwt: jwtManager}
}

func newTestJWT() *middleware.JWTManager {
	return middleware.NewJWTManager("test-secret")
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *testEnv) token(t *testing.T, externalID string) string {
	t.Helper()
	token, err := e.jwt.Generate(externalID, externalID+"@example.com")
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, data interface{}) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	if data != nil {
		require.NoError(t, json.Unmarshal(env.Data, data))
	}
	return env
}

// purchase creates a transaction for externalID and returns out_trade_no.
func (e *testEnv) purchase(t *testing.T, externalID, planID string) string {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/payments/transactions", e.token(t, externalID), gin.H{"planId": planID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp createTransactionResponse
	decode(t, w, &resp)
	return resp.OutTradeNo
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestListPlans(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodGet, "/api/plans", e.token(t, "u1"), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var views []planView
	decode(t, w, &views)
	require.Len(t, views, 4)
	assert.Equal(t, "monthly", views[0].ID)
	assert.Equal(t, "annually", views[3].ID)
}

func TestCreateTransaction(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodPost, "/api/payments/transactions", e.token(t, "u1"), gin.H{"planId": "monthly"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp createTransactionResponse
	env := decode(t, w, &resp)
	assert.True(t, env.Success)
	assert.Equal(t, "weixin://wxpay/bizpayurl?pr=abc", resp.PaymentURL)
	assert.True(t, strings.HasPrefix(resp.OutTradeNo, "plan_monthly_u1_"), resp.OutTradeNo)

	order, err := e.orders.FindByOutTradeNo(context.Background(), resp.OutTradeNo)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Equal(t, 29.9, order.Amount)
	assert.Equal(t, models.TradeTypeNative, order.TradeType)

	user, err := e.users.Get(context.Background(), order.UserID)
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ExternalID)
}

func TestCreateTransaction_UUIDSubject(t *testing.T) {
	e := newTestEnv(t)
	subject := "3f2504e0-4f89-41d3-9a0c-0305e82c3301"
	no := e.purchase(t, subject, "semiAnnually")
	assert.Len(t, no, 68)

	order, err := e.orders.FindByOutTradeNo(context.Background(), no)
	require.NoError(t, err)
	assert.Equal(t, "semiAnnually", order.PlanID)

	w := e.do(t, http.MethodPost, "/api/payments/transactions", e.token(t, strings.Repeat("x", 250)), gin.H{"planId": "monthly"})
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
}

func TestCreateTransaction_Rejects(t *testing.T) {
	e := newTestEnv(t)
	token := e.token(t, "u1")

	tests := []struct {
		name   string
		token  string
		body   interface{}
		status int
	}{
		{"no token", "", gin.H{"planId": "monthly"}, http.StatusUnauthorized},
		{"missing plan", token, gin.H{}, http.StatusBadRequest},
		{"unknown plan", token, gin.H{"planId": "weekly"}, http.StatusBadRequest},
		{"unsupported trade type", token, gin.H{"planId": "monthly", "tradeType": "JSAPI"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(t, http.MethodPost, "/api/payments/transactions", tt.token, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestPollingPath_StatusThenActivate(t *testing.T) {
	e := newTestEnv(t)
	token := e.token(t, "u1")
	no := e.purchase(t, "u1", "monthly")

	// Still pending at the gateway
	w := e.do(t, http.MethodGet, "/api/payments/status?outTradeNo="+no, token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var st PaymentStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, models.TradeStateNotPay, st.TradeState)

	e.fake.setState(no, models.TradeStateSuccess, "4200000001", 2990)

	w = e.do(t, http.MethodGet, "/api/payments/status?outTradeNo="+no, token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, PaymentStatusResponse{TradeState: models.TradeStateSuccess, TransactionID: "4200000001", Amount: 2990}, st)

	order, err := e.orders.FindByOutTradeNo(context.Background(), no)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, order.Status)

	// Paid orders are answered from the row
	calls := e.fake.queryCalls()
	w = e.do(t, http.MethodGet, "/api/payments/status?outTradeNo="+no, token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "4200000001", st.TransactionID)
	assert.Equal(t, int64(2990), st.Amount)
	assert.Equal(t, calls, e.fake.queryCalls())

	activate := gin.H{"planId": "monthly", "paymentId": "4200000001", "amount": 29.9}
	w = e.do(t, http.MethodPost, "/api/subscriptions/activate", token, activate)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var sub models.Subscription
	decode(t, w, &sub)
	assert.Equal(t, 30, sub.TotalDaysAdded)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, 30), sub.EndDate, time.Minute)

	// Replaying the activation changes nothing
	w = e.do(t, http.MethodPost, "/api/subscriptions/activate", token, activate)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var again models.Subscription
	decode(t, w, &again)
	assert.Equal(t, sub.EndDate.Unix(), again.EndDate.Unix())
	assert.Equal(t, 30, again.TotalDaysAdded)
	e.handlers.Wait()
	assert.Equal(t, 1, e.receipts.count())

	w = e.do(t, http.MethodGet, "/api/subscriptions/history", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var records []models.SubscriptionRecord
	decode(t, w, &records)
	require.Len(t, records, 1)
	assert.Equal(t, "4200000001", records[0].PaymentID)
	assert.Equal(t, 29.9, records[0].Amount)
}

func TestPaymentStatus_ClosedCancelsOrder(t *testing.T) {
	e := newTestEnv(t)
	token := e.token(t, "u1")
	no := e.purchase(t, "u1", "quarterly")
	e.fake.setState(no, models.TradeStateClosed, "", 0)

	w := e.do(t, http.MethodGet, "/api/payments/status?outTradeNo="+no, token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	order, err := e.orders.FindByOutTradeNo(context.Background(), no)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, order.Status)

	w = e.do(t, http.MethodGet, "/api/payments/status?outTradeNo="+no, token, nil)
	var st PaymentStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, models.TradeStateClosed, st.TradeState)
}

func TestPaymentStatus_Rejects(t *testing.T) {
	e := newTestEnv(t)
	no := e.purchase(t, "u1", "monthly")

	w := e.do(t, http.MethodGet, "/api/payments/status", e.token(t, "u1"), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodGet, "/api/payments/status?outTradeNo=plan_monthly_u1_1", e.token(t, "u1"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, http.MethodGet, "/api/payments/status?outTradeNo="+no, e.token(t, "u2"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestActivate_RequiresPaidOrderOfCaller(t *testing.T) {
	e := newTestEnv(t)
	token := e.token(t, "u1")
	no := e.purchase(t, "u1", "monthly")

	activate := gin.H{"planId": "monthly", "paymentId": "4200000009"}

	// Nothing has been paid yet
	w := e.do(t, http.MethodPost, "/api/subscriptions/activate", token, activate)
	assert.Equal(t, http.StatusNotFound, w.Code)

	_, _, err := e.orders.MarkPaid(context.Background(), no, "4200000009")
	require.NoError(t, err)

	w = e.do(t, http.MethodPost, "/api/subscriptions/activate", token, gin.H{"planId": "annually", "paymentId": "4200000009"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPost, "/api/subscriptions/activate", e.token(t, "u2"), activate)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, http.MethodPost, "/api/subscriptions/activate", token, gin.H{"userId": "u2", "planId": "monthly", "paymentId": "4200000009"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(t, http.MethodPost, "/api/subscriptions/activate", token, gin.H{"planId": "monthly"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPost, "/api/subscriptions/activate", token, gin.H{"userId": "u1", "planId": "monthly", "paymentId": "4200000009"})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
	e.handlers.Wait()
}

func TestWebhookAndPollingConverge(t *testing.T) {
	e := newTestEnv(t)
	token := e.token(t, "u1")
	no := e.purchase(t, "u1", "monthly")

	body := e.gw.Notification(t, models.EventTransactionSuccess, testutil.SuccessTransaction(no, "4200000042", 2990))
	req := httptest.NewRequest(http.MethodPost, "/api/payments/notify", bytes.NewReader(body))
	req.Header = e.gw.SignedHeaders(t, body)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"code":"SUCCESS"`)
	e.handlers.Receiver.Wait()

	w = e.do(t, http.MethodGet, "/api/subscriptions/current", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var current CurrentSubscriptionResponse
	decode(t, w, &current)
	assert.True(t, current.IsActive)
	require.NotNil(t, current.Subscription)
	assert.Equal(t, "4200000042", current.Subscription.PaymentID)

	// The client poller arrives second with the same payment
	w = e.do(t, http.MethodPost, "/api/subscriptions/activate", token, gin.H{"planId": "monthly", "paymentId": "4200000042"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	e.handlers.Wait()

	// Only the first path to credit the payment sends a receipt
	assert.Equal(t, 1, e.receipts.count())

	w = e.do(t, http.MethodGet, "/api/subscriptions/history", token, nil)
	var records []models.SubscriptionRecord
	decode(t, w, &records)
	assert.Len(t, records, 1)
}

func TestCurrentSubscription_None(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodGet, "/api/subscriptions/current", e.token(t, "u1"), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var current CurrentSubscriptionResponse
	decode(t, w, &current)
	assert.False(t, current.IsActive)
	assert.Nil(t, current.Subscription)

	w = e.do(t, http.MethodGet, "/api/subscriptions/history", e.token(t, "u1"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var records []models.SubscriptionRecord
	decode(t, w, &records)
	assert.Empty(t, records)
}

func TestListOrders(t *testing.T) {
	e := newTestEnv(t)
	e.purchase(t, "u1", "monthly")
	e.purchase(t, "u2", "annually")

	w := e.do(t, http.MethodGet, "/api/payments/orders", e.token(t, "u1"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []models.Order
	decode(t, w, &list)
	require.Len(t, list, 1)
	assert.Equal(t, "monthly", list[0].PlanID)

	w = e.do(t, http.MethodGet, "/api/payments/orders?limit=0", e.token(t, "u1"), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
