package models

import "time"

// LoginUser is the storefront buyer record; Points is the store-credit balance.
type LoginUser struct {
	UserID    string    `gorm:"column:user_id;primaryKey"`
	Username  *string   `gorm:"column:username"`
	Points    int       `gorm:"column:points;not null;default:0"`
	IsBlocked bool      `gorm:"column:is_blocked;not null;default:false"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (LoginUser) TableName() string { return "login_users" }
