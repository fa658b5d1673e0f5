package models

import (
	"time"
)

// User maps an external identity (the JWT subject issued by the auth
// provider) to the internal user id that owns billing rows.
type User struct {
	ID         string    `json:"id" gorm:"primaryKey;size:36"`
	ExternalID string    `json:"external_id" gorm:"not null;size:128;uniqueIndex"`
	Email      string    `json:"email" gorm:"size:255"`
	CreatedAt  time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt  time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName 指定表名
func (User) TableName() string {
	return "users"
}
