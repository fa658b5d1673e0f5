package models

import (
	"time"
)

// SubscriptionRecord 订阅流水（只追加）
// payment_id 唯一：同一笔支付只能累加一次
type SubscriptionRecord struct {
	ID             uint    `json:"id" gorm:"primaryKey"`
	SubscriptionID uint    `json:"subscription_id" gorm:"not null;index"`
	PlanID         string  `json:"plan_id" gorm:"not null;size:32"`
	PlanName       string  `json:"plan_name" gorm:"size:64"`
	DaysAdded      int     `json:"days_added" gorm:"not null"`
	Amount         float64 `json:"amount"`
	PaymentID      string  `json:"payment_id" gorm:"not null;size:64;uniqueIndex"`

	PurchaseDate    time.Time  `json:"purchase_date"`
	PreviousEndDate *time.Time `json:"previous_end_date"`
	NewEndDate      time.Time  `json:"new_end_date"`
	CreatedAt       time.Time  `json:"created_at" gorm:"autoCreateTime"`
}

// TableName 指定表名
func (SubscriptionRecord) TableName() string {
	return "subscription_records"
}
