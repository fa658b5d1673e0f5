package orders

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"journal-billing/internal/models"
	"journal-billing/internal/testutil"
	"journal-billing/internal/tradeno"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/schema"
)

var fixedNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newService(t *testing.T) *Service {
	return NewService(testutil.OpenDB(t)).WithClock(func() time.Time { return fixedNow })
}

func pendingOrder(no string) *models.Order {
	return &models.Order{
		UserID:          "user-1",
		OutTradeNo:      no,
		PlanID:          "monthly",
		Amount:          29.9,
		PaymentProvider: models.PaymentProviderGateway,
		TradeType:       models.TradeTypeNative,
	}
}

func TestCreate(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	o := pendingOrder("plan_monthly_u1_1")
	o.Status = models.OrderStatusPaid // ignored
	require.NoError(t, s.Create(ctx, o))
	assert.Equal(t, models.OrderStatusPending, o.Status)

	err := s.Create(ctx, pendingOrder("plan_monthly_u1_1"))
	assert.ErrorIs(t, err, ErrDuplicateOrder)
}

func TestMarkPaidIsIdempotent(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, pendingOrder("plan_monthly_u1_1")))

	o, changed, err := s.MarkPaid(ctx, "plan_monthly_u1_1", "TX1")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.OrderStatusPaid, o.Status)
	require.NotNil(t, o.PaymentID)
	assert.Equal(t, "TX1", *o.PaymentID)
	require.NotNil(t, o.PaidAt)
	assert.True(t, o.PaidAt.Equal(fixedNow))

	// replay, even with a different transaction id, changes nothing
	o, changed, err = s.MarkPaid(ctx, "plan_monthly_u1_1", "TX-OTHER")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "TX1", *o.PaymentID)

	list, err := s.ListByUser(ctx, "user-1", 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMarkPaidConcurrent(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, pendingOrder("plan_monthly_u1_1")))

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, changed, err := s.MarkPaid(ctx, "plan_monthly_u1_1", "TX1")
			assert.NoError(t, err)
			if changed {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestTerminalStatesAreSticky(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, pendingOrder("plan_monthly_u1_1")))

	o, changed, err := s.MarkCancelled(ctx, "plan_monthly_u1_1")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.OrderStatusCancelled, o.Status)

	_, changed, err = s.MarkFailed(ctx, "plan_monthly_u1_1")
	require.NoError(t, err)
	assert.False(t, changed)

	o, changed, err = s.MarkPaid(ctx, "plan_monthly_u1_1", "TX1")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.False(t, changed)
	assert.Equal(t, models.OrderStatusCancelled, o.Status)
	assert.Nil(t, o.PaymentID)
}

func TestUnknownOrder(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	_, _, err := s.MarkPaid(ctx, "plan_monthly_nobody_1", "TX1")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	_, err = s.FindByPaymentID(ctx, "TX404")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestFindByPaymentID(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, pendingOrder("plan_monthly_u1_1")))
	_, _, err := s.MarkPaid(ctx, "plan_monthly_u1_1", "TX1")
	require.NoError(t, err)

	o, err := s.FindByPaymentID(ctx, "TX1")
	require.NoError(t, err)
	assert.Equal(t, "plan_monthly_u1_1", o.OutTradeNo)
}

func TestOutTradeNoColumnFitsLongestTradeNo(t *testing.T) {
	s, err := schema.Parse(&models.Order{}, &sync.Map{}, schema.NamingStrategy{})
	require.NoError(t, err)
	field := s.LookUpField("out_trade_no")
	require.NotNil(t, field)
	assert.GreaterOrEqual(t, field.Size, tradeno.MaxLength)

	user, err := schema.Parse(&models.User{}, &sync.Map{}, schema.NamingStrategy{})
	require.NoError(t, err)
	// plan_{plan}_{external id}_{13-digit millis}
	longest := len("plan_semiAnnually_") + user.LookUpField("external_id").Size + len("_1704067200000")
	assert.LessOrEqual(t, longest, field.Size)
}
