package models

import (
	"time"

	"github.com/angelmondragon/cardkey-backend/pkg/enums"
)

// RefundRequest is a buyer's request to have a settled order refunded.
type RefundRequest struct {
	ID            uint64                    `gorm:"column:id;primaryKey;autoIncrement"`
	OrderID       string                    `gorm:"column:order_id;not null;index"`
	UserID        *string                   `gorm:"column:user_id"`
	Username      *string                   `gorm:"column:username"`
	Reason        *string                   `gorm:"column:reason"`
	Status        enums.RefundRequestStatus `gorm:"column:status;not null"`
	AdminUsername *string                   `gorm:"column:admin_username"`
	AdminNote     *string                   `gorm:"column:admin_note"`
	CreatedAt     time.Time                 `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time                 `gorm:"column:updated_at;autoUpdateTime"`
	ProcessedAt   *time.Time                `gorm:"column:processed_at"`
}

func (RefundRequest) TableName() string { return "refund_requests" }
