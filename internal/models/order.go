package models

import (
	"time"
)

// Order statuses. pending is the only non-terminal state.
const (
	OrderStatusPending   = "pending"
	OrderStatusPaid      = "paid"
	OrderStatusFailed    = "failed"
	OrderStatusCancelled = "cancelled"
)

// Trade types accepted by the gateway client.
const (
	TradeTypeNative = "NATIVE"
	TradeTypeH5     = "H5"
)

// PaymentProviderGateway is recorded on orders and subscriptions paid through
// the payment gateway.
const PaymentProviderGateway = "wechatpay"

// Order 支付订单
// 创建交易成功后写入，只由订单状态机修改，永不删除
type Order struct {
	BaseModel

	UserID     string  `json:"user_id" gorm:"not null;size:36;index"`
	OutTradeNo string  `json:"out_trade_no" gorm:"not null;size:255;uniqueIndex"`
	PlanID     string  `json:"plan_id" gorm:"not null;size:32"`
	Amount     float64 `json:"amount" gorm:"not null"` // major units (CNY)
	Status     string  `json:"status" gorm:"not null;size:16;index;default:'pending'"`

	PaymentProvider string     `json:"payment_provider" gorm:"size:32"`
	PaymentID       *string    `json:"payment_id,omitempty" gorm:"size:64;index"` // gateway transaction id
	PaymentURL      *string    `json:"payment_url,omitempty" gorm:"size:512"`
	TradeType       string     `json:"trade_type" gorm:"size:16"`
	PaidAt          *time.Time `json:"paid_at,omitempty"`
}

// TableName 指定表名
func (Order) TableName() string {
	return "orders"
}

// IsTerminal reports whether the order can no longer change state.
func (o *Order) IsTerminal() bool {
	return o.Status != OrderStatusPending
}
