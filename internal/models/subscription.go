package models

import (
	"time"
)

// Subscription statuses.
const (
	SubscriptionStatusActive    = "active"
	SubscriptionStatusInactive  = "inactive"
	SubscriptionStatusCancelled = "cancelled"
	SubscriptionStatusTrialing  = "trialing"
)

// Subscription 订阅模型
// 用户当前的权益窗口；每次激活都会延长同一行
type Subscription struct {
	BaseModel

	UserID string `json:"user_id" gorm:"not null;size:36;index"`
	PlanID string `json:"plan_id" gorm:"not null;size:32"`
	Status string `json:"status" gorm:"not null;size:16;index"`

	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date" gorm:"index"`

	PaymentProvider string `json:"payment_provider" gorm:"size:32"`
	PaymentID       string `json:"payment_id" gorm:"size:64"` // last payment applied

	TotalDaysAdded  int        `json:"total_days_added" gorm:"not null;default:0"`
	AccumulatedFrom *time.Time `json:"accumulated_from,omitempty"` // end date that the last activation extended
}

// TableName 指定表名
func (Subscription) TableName() string {
	return "subscriptions"
}

// IsActiveAt reports whether the subscription grants access at t.
func (s *Subscription) IsActiveAt(t time.Time) bool {
	return s.Status == SubscriptionStatusActive && s.EndDate.After(t)
}
